package harvest

import (
	"errors"
	"testing"
)

func TestRawRecordStr_AliasFallback(t *testing.T) {
	raw := RawRecord{"clave": "EC0217", "nombre": "  Imparticion  "}

	if got := raw.Str("codigo", "clave"); got != "EC0217" {
		t.Fatalf("expected alias fallback to clave, got %q", got)
	}
	if got := raw.Str("titulo", "nombre"); got != "Imparticion" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := raw.Str("missing"); got != "" {
		t.Fatalf("expected empty string for missing key, got %q", got)
	}
}

func TestRawRecordStr_NumericValues(t *testing.T) {
	raw := RawRecord{"nivel": float64(3), "rate": 1.5}
	if got := raw.Str("nivel"); got != "3" {
		t.Fatalf("whole float should format without mantissa, got %q", got)
	}
	if got := raw.Str("rate"); got != "1.5" {
		t.Fatalf("expected 1.5, got %q", got)
	}
	if got := raw.Int("nivel"); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestRawRecordStrList_ArrayAndCSV(t *testing.T) {
	fromArray := RawRecord{"estandares": []any{"EC0217", "EC0249"}}
	if got := fromArray.StrList("estandares"); len(got) != 2 || got[0] != "EC0217" {
		t.Fatalf("unexpected list from array: %v", got)
	}

	fromCSV := RawRecord{"estandares": "EC0217, EC0249 ,"}
	if got := fromCSV.StrList("estandares"); len(got) != 2 || got[1] != "EC0249" {
		t.Fatalf("unexpected list from csv: %v", got)
	}

	fromObjects := RawRecord{"estandares": []any{
		map[string]any{"codigo": "EC0217"},
		map[string]any{"clave": "EC0249"},
	}}
	if got := fromObjects.StrList("estandares"); len(got) != 2 || got[1] != "EC0249" {
		t.Fatalf("unexpected list from objects: %v", got)
	}
}

func TestNormalizeStandard_MissingKey(t *testing.T) {
	_, err := normalizeStandard(RawRecord{"titulo": "No key here"})
	if !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestNormalizeStandard_KeyAliases(t *testing.T) {
	rec, err := normalizeStandard(RawRecord{"clave": "ec0217", "titulo": "Imparticion", "vigente": "Si"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != "EC0217" {
		t.Fatalf("expected uppercased code EC0217, got %q", rec.Code)
	}
	if !rec.Vigente {
		t.Fatal("expected vigente true for 'Si'")
	}
}

func TestNormalizeCodes_DedupeAndSort(t *testing.T) {
	got := normalizeCodes([]string{"ec0249", "EC0217", " EC0249 ", ""})
	if len(got) != 2 {
		t.Fatalf("expected 2 codes, got %v", got)
	}
	if got[0] != "EC0217" || got[1] != "EC0249" {
		t.Fatalf("expected sorted [EC0217 EC0249], got %v", got)
	}
}

func TestNormalizeCertifier_FingerprintIncludesStandards(t *testing.T) {
	base := RawRecord{"codigo": "ECE001-99", "nombre": "Centro Uno", "estandares": []any{"EC0217"}}
	grown := RawRecord{"codigo": "ECE001-99", "nombre": "Centro Uno", "estandares": []any{"EC0217", "EC0249"}}

	recBase, err := normalizeCertifier(base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recGrown, err := normalizeCertifier(grown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if Fingerprint(recBase.fingerprintFields()) == Fingerprint(recGrown.fingerprintFields()) {
		t.Fatal("accreditation list change should change the fingerprint")
	}
}

func TestDiffRelationshipIds(t *testing.T) {
	cases := []struct {
		name          string
		current       []uint
		wanted        []uint
		expectDeleted int
		expectCreated int
	}{
		{"grow", []uint{1}, []uint{1, 2}, 0, 1},
		{"shrink", []uint{1, 2}, []uint{1}, 1, 0},
		{"identical", []uint{1, 2}, []uint{2, 1}, 0, 0},
		{"replace", []uint{1}, []uint{2}, 1, 1},
		{"empty wanted", []uint{1, 2}, nil, 2, 0},
		{"empty current", nil, []uint{5}, 0, 1},
	}
	for _, tc := range cases {
		toDelete, toCreate := diffRelationshipIds(tc.current, tc.wanted)
		if len(toDelete) != tc.expectDeleted || len(toCreate) != tc.expectCreated {
			t.Fatalf("%s: expected %d deleted %d created, got %v / %v",
				tc.name, tc.expectDeleted, tc.expectCreated, toDelete, toCreate)
		}
	}
}

func TestDiffRelationshipIds_Idempotent(t *testing.T) {
	// Applying the diff and diffing again must produce no work.
	current := []uint{1, 3}
	wanted := []uint{1, 2}

	toDelete, toCreate := diffRelationshipIds(current, wanted)
	next := applyDiff(current, toDelete, toCreate)

	toDelete, toCreate = diffRelationshipIds(next, wanted)
	if len(toDelete) != 0 || len(toCreate) != 0 {
		t.Fatalf("second pass should be a no-op, got delete=%v create=%v", toDelete, toCreate)
	}
}

func applyDiff(current []uint, toDelete []uint, toCreate []uint) []uint {
	deleted := make(map[uint]bool, len(toDelete))
	for _, id := range toDelete {
		deleted[id] = true
	}
	out := make([]uint, 0, len(current)+len(toCreate))
	for _, id := range current {
		if !deleted[id] {
			out = append(out, id)
		}
	}
	return append(out, toCreate...)
}
