package scheduler

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := ParseSchedule(expr)
	if err != nil {
		t.Fatalf("ParseSchedule(%q) error: %v", expr, err)
	}
	return s
}

func TestParseSchedule_Invalid(t *testing.T) {
	cases := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"a * * * *",
		"*/0 * * * *",
		"5-1 * * * *",
	}
	for _, expr := range cases {
		if _, err := ParseSchedule(expr); err == nil {
			t.Fatalf("ParseSchedule(%q) should have failed", expr)
		}
	}
}

func TestSchedule_DailyAtTwo(t *testing.T) {
	s := mustParse(t, "0 2 * * *")

	if !s.Matches(time.Date(2026, 3, 10, 2, 0, 30, 0, time.UTC)) {
		t.Fatal("02:00 should match regardless of seconds")
	}
	if s.Matches(time.Date(2026, 3, 10, 2, 1, 0, 0, time.UTC)) {
		t.Fatal("02:01 should not match")
	}
	if s.Matches(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)) {
		t.Fatal("14:00 should not match")
	}
}

func TestSchedule_StepMinutes(t *testing.T) {
	s := mustParse(t, "*/15 * * * *")

	matched := 0
	for minute := 0; minute < 60; minute++ {
		if s.Matches(time.Date(2026, 3, 10, 9, minute, 0, 0, time.UTC)) {
			matched++
		}
	}
	if matched != 4 {
		t.Fatalf("*/15 should match 4 minutes per hour, matched %d", matched)
	}
	if !s.Matches(time.Date(2026, 3, 10, 9, 45, 0, 0, time.UTC)) {
		t.Fatal("minute 45 should match */15")
	}
}

func TestSchedule_ListsAndRanges(t *testing.T) {
	s := mustParse(t, "0 9-17 * * 1-5")

	monday := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	if !s.Matches(monday) {
		t.Fatal("weekday business hour should match")
	}
	saturday := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	if s.Matches(saturday) {
		t.Fatal("saturday should not match 1-5")
	}

	list := mustParse(t, "0 0 1,15 * *")
	if !list.Matches(time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("day 15 should match list 1,15")
	}
	if list.Matches(time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("day 2 should not match list 1,15")
	}
}

func TestSchedule_SundayAliases(t *testing.T) {
	zero := mustParse(t, "0 0 * * 0")
	seven := mustParse(t, "0 0 * * 7")
	sunday := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)

	if !zero.Matches(sunday) || !seven.Matches(sunday) {
		t.Fatal("both 0 and 7 should mean Sunday")
	}
}

func TestSchedule_Next(t *testing.T) {
	s := mustParse(t, "0 3 * * *")

	// Just past today's run: next fire is tomorrow.
	from := time.Date(2026, 3, 10, 3, 0, 1, 0, time.UTC)
	next := s.Next(from)
	want := time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", from, next, want)
	}

	// Well before today's run: next fire is today.
	from = time.Date(2026, 3, 10, 1, 30, 0, 0, time.UTC)
	next = s.Next(from)
	want = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next(%v) = %v, want %v", from, next, want)
	}
}

func TestSchedule_NextIsStrictlyAfterFrom(t *testing.T) {
	s := mustParse(t, "* * * * *")
	from := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	next := s.Next(from)
	if !next.After(from) {
		t.Fatalf("Next must be strictly after from, got %v", next)
	}
	if next.Sub(from) != time.Minute {
		t.Fatalf("every-minute schedule should fire one minute later, got %v", next.Sub(from))
	}
}

func TestSchedule_NextImpossibleDate(t *testing.T) {
	// February 30th never happens.
	s := mustParse(t, "0 0 30 2 *")
	if next := s.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); !next.IsZero() {
		t.Fatalf("expected zero time for impossible date, got %v", next)
	}
}
