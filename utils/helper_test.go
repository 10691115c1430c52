package utils

import "testing"

func TestNormalizePhoneNumber(t *testing.T) {
	cases := []struct {
		in       string
		country  string
		expected string
	}{
		{"55 1234 5678", "", "+525512345678"},
		{"+52 55 1234 5678", "", "+525512345678"},
		{"(33) 1234-5678", "MX", "+523312345678"},
		{"", "", ""},
		{"not a phone", "", "not a phone"},
	}
	for _, tc := range cases {
		if got := NormalizePhoneNumber(tc.in, tc.country); got != tc.expected {
			t.Fatalf("NormalizePhoneNumber(%q, %q) = %q, want %q", tc.in, tc.country, got, tc.expected)
		}
	}
}

func TestDereferencePtr(t *testing.T) {
	v := 42
	if got := DereferencePtr(&v); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := DereferencePtr[int](nil); got != 0 {
		t.Fatalf("expected zero value, got %d", got)
	}
	if got := DereferencePtr(nil, 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
}
