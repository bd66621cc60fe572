package resolve

import (
	"testing"

	"github.com/grailbio/bio-demux/barcode"
)

type fakeCatalogue map[string]string

func (f fakeCatalogue) LookupCode(code string) (string, bool) {
	s, ok := f[code]
	return s, ok
}

func TestResolveUniqueMatch(t *testing.T) {
	cat := fakeCatalogue{"ACGT": "sampleA"}
	matches := map[int][]barcode.Match{
		1: {{Matched: true, Barcode: "ACGT", Mismatches: 0}},
	}
	got := Resolve([]int{1}, matches, cat, true)
	if got.Sample != "sampleA" {
		t.Errorf("got %+v", got)
	}
}

func TestResolveUnassignedNoMatch(t *testing.T) {
	cat := fakeCatalogue{"ACGT": "sampleA"}
	matches := map[int][]barcode.Match{
		1: {{Matched: false, Barcode: "", Mismatches: 3}},
	}
	got := Resolve([]int{1}, matches, cat, true)
	if got.Sample != Unassigned {
		t.Errorf("got %+v, want unassigned", got)
	}
}

func TestResolveRedundantSlotPicksLowestMismatch(t *testing.T) {
	cat := fakeCatalogue{"ACGT": "sampleA"}
	matches := map[int][]barcode.Match{
		1: {
			{Matched: true, Barcode: "ACGT", Mismatches: 1},
			{Matched: true, Barcode: "ACGT", Mismatches: 0},
		},
	}
	got := Resolve([]int{1}, matches, cat, true)
	if got.Sample != "sampleA" || got.BarcodeMatches[1].Mismatches != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestResolveStrictVsNonStrict(t *testing.T) {
	// Two slot-1 candidates map to two different samples with the same
	// total mismatch count: ambiguous under both modes since there's no
	// unique lowest score.
	cat := fakeCatalogue{"AAAA": "sampleA", "CCCC": "sampleB"}
	matches := map[int][]barcode.Match{
		1: {
			{Matched: true, Barcode: "AAAA", Mismatches: 1},
			{Matched: true, Barcode: "CCCC", Mismatches: 1},
		},
	}
	strict := Resolve([]int{1}, matches, cat, true)
	nonStrict := Resolve([]int{1}, matches, cat, false)
	if strict.Sample != Unassigned || nonStrict.Sample != Unassigned {
		t.Errorf("got strict=%+v nonStrict=%+v, want both unassigned", strict, nonStrict)
	}
}

func TestResolveNonStrictBreaksTieByMismatch(t *testing.T) {
	cat := fakeCatalogue{"AAAA": "sampleA", "CCCC": "sampleB"}
	matches := map[int][]barcode.Match{
		1: {
			{Matched: true, Barcode: "AAAA", Mismatches: 0},
			{Matched: true, Barcode: "CCCC", Mismatches: 1},
		},
	}
	strict := Resolve([]int{1}, matches, cat, true)
	nonStrict := Resolve([]int{1}, matches, cat, false)
	if strict.Sample != Unassigned {
		t.Errorf("got strict=%+v, want unassigned", strict)
	}
	if nonStrict.Sample != "sampleA" {
		t.Errorf("got nonStrict=%+v, want sampleA", nonStrict)
	}
}

func TestResolveMultiSlotConcatenation(t *testing.T) {
	cat := fakeCatalogue{"ACGTTTTT": "sampleA"}
	matches := map[int][]barcode.Match{
		1: {{Matched: true, Barcode: "ACGT", Mismatches: 0}},
		2: {{Matched: true, Barcode: "TTTT", Mismatches: 0}},
	}
	got := Resolve([]int{1, 2}, matches, cat, true)
	if got.Sample != "sampleA" {
		t.Errorf("got %+v", got)
	}
}

func TestResolveDeterministic(t *testing.T) {
	cat := fakeCatalogue{"ACGT": "sampleA"}
	matches := map[int][]barcode.Match{
		1: {
			{Matched: true, Barcode: "ACGT", Mismatches: 0},
			{Matched: true, Barcode: "ACGT", Mismatches: 0},
		},
	}
	a := Resolve([]int{1}, matches, cat, true)
	b := Resolve([]int{1}, matches, cat, true)
	if a.Sample != b.Sample {
		t.Errorf("nondeterministic: %+v vs %+v", a, b)
	}
}
