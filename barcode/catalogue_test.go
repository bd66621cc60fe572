package barcode

import (
	"testing"

	"github.com/grailbio/bio-demux/qual"
)

func TestParseSimpleSE(t *testing.T) {
	table := "sampleA\tACGT\nsampleB\tTTTT\n"
	cat, err := ParseCatalogue([]byte(table))
	if err != nil {
		t.Fatal(err)
	}
	if cat.NumSlots != 1 {
		t.Fatalf("got %d slots, want 1", cat.NumSlots)
	}
	if _, ok := cat.Samples["sampleA"]; !ok {
		t.Error("missing sampleA")
	}
	if sample, ok := cat.LookupCode("ACGT"); !ok || sample != "sampleA" {
		t.Errorf("LookupCode(ACGT) = %q, %v; want sampleA, true", sample, ok)
	}
}

func TestParseSimplePEColon(t *testing.T) {
	table := "sampleA\tACGT:TTTT\tfileA.fastq\n"
	cat, err := ParseCatalogue([]byte(table))
	if err != nil {
		t.Fatal(err)
	}
	if cat.NumSlots != 2 {
		t.Fatalf("got %d slots, want 2", cat.NumSlots)
	}
	sample := cat.Samples["sampleA"]
	if len(sample.OutFiles) != 1 || sample.OutFiles[0] != "fileA.fastq" {
		t.Errorf("got OutFiles %v, want [fileA.fastq]", sample.OutFiles)
	}
	if sample, ok := cat.LookupCode("ACGTTTTT"); !ok || sample != "sampleA" {
		t.Errorf("LookupCode(ACGTTTTT) = %q, %v", sample, ok)
	}
}

func TestParseGeneralWithRedundancy(t *testing.T) {
	table := "SAMPLE\tBARCODE1\tOUT1\nsampleA\tACGT|ACGA\tout1.fastq\n"
	cat, err := ParseCatalogue([]byte(table))
	if err != nil {
		t.Fatal(err)
	}
	for _, code := range []string{"ACGT", "ACGA"} {
		if s, ok := cat.LookupCode(code); !ok || s != "sampleA" {
			t.Errorf("LookupCode(%s) = %q, %v", code, s, ok)
		}
	}
}

func TestParseGeneralOutOfOrderBarcodeColumns(t *testing.T) {
	table := "SAMPLE\tBARCODE2\tBARCODE1\nsampleA\tTTTT\tACGT\n"
	cat, err := ParseCatalogue([]byte(table))
	if err != nil {
		t.Fatal(err)
	}
	if sample, ok := cat.LookupCode("ACGTTTTT"); !ok || sample != "sampleA" {
		t.Errorf("LookupCode(ACGTTTTT) = %q, %v; want sampleA, true (code must be slot-id order, not column order)", sample, ok)
	}
	if s := cat.SlotCatalogue(1); s == nil || !s.set.Contains("ACGT") {
		t.Errorf("BARCODE1 slot should hold ACGT regardless of its column position")
	}
	if s := cat.SlotCatalogue(2); s == nil || !s.set.Contains("TTTT") {
		t.Errorf("BARCODE2 slot should hold TTTT regardless of its column position")
	}
}

func TestCatalogueInjectivity(t *testing.T) {
	table := "SAMPLE\tBARCODE1\nsampleA\tACGT|TTTT\nsampleB\tTTTT\n"
	if _, err := ParseCatalogue([]byte(table)); err == nil {
		t.Fatal("expected error for colliding concatenated codes")
	}
}

func TestDuplicateSampleName(t *testing.T) {
	table := "sampleA\tACGT\nsampleA\tTTTT\n"
	if _, err := ParseCatalogue([]byte(table)); err == nil {
		t.Fatal("expected error for duplicate sample name")
	}
}

func TestMismatchedColumnLengths(t *testing.T) {
	table := "SAMPLE\tBARCODE1\nsampleA\tACGT\nsampleB\tAC\n"
	if _, err := ParseCatalogue([]byte(table)); err == nil {
		t.Fatal("expected error for mixed barcode column lengths")
	}
}

func TestMatcherExactFastPath(t *testing.T) {
	table := "sampleA\tACGT\n"
	cat, err := ParseCatalogue([]byte(table))
	if err != nil {
		t.Fatal(err)
	}
	slot := cat.SlotCatalogue(1)
	m := slot.Match("ACGT", "IIII", qual.Standard, Thresholds{MinBaseQuality: 0, MaxMismatches: 0, MinMismatchDelta: 1})
	if !m.Matched || m.Mismatches != 0 {
		t.Errorf("got %+v, want exact match", m)
	}
}

func TestMatcherOneMismatchWithinTolerance(t *testing.T) {
	table := "sampleA\tACGT\nsampleB\tTTTT\n"
	cat, err := ParseCatalogue([]byte(table))
	if err != nil {
		t.Fatal(err)
	}
	slot := cat.SlotCatalogue(1)
	m := slot.Match("ACGA", "IIII", qual.Standard, Thresholds{MinBaseQuality: 0, MaxMismatches: 1, MinMismatchDelta: 1})
	if !m.Matched || m.Mismatches != 1 || m.Barcode != "ACGT" {
		t.Errorf("got %+v, want matched ACGT with 1 mismatch", m)
	}
}

func TestMatcherDeltaRejection(t *testing.T) {
	table := "sampleA\tACGT\nsampleB\tACGA\n"
	cat, err := ParseCatalogue([]byte(table))
	if err != nil {
		t.Fatal(err)
	}
	slot := cat.SlotCatalogue(1)
	m := slot.Match("ACGC", "IIII", qual.Standard, Thresholds{MinBaseQuality: 0, MaxMismatches: 1, MinMismatchDelta: 2})
	if m.Matched {
		t.Errorf("got %+v, want unmatched (delta too small)", m)
	}
}

func TestMatcherLowQualityBecomesMismatch(t *testing.T) {
	// The expected ACNT keeps the read ACGT out of the exact-match fast
	// path (which returns before any quality gating), so the generic
	// scan runs; position 2 is skipped as ambiguous.
	table := "sampleA\tACNT\n"
	cat, err := ParseCatalogue([]byte(table))
	if err != nil {
		t.Fatal(err)
	}
	slot := cat.SlotCatalogue(1)
	// '!' = Phred 0 under Standard encoding, well below threshold 20.
	m := slot.Match("ACGT", "!III", qual.Standard, Thresholds{MinBaseQuality: 20, MaxMismatches: 0, MinMismatchDelta: 1})
	if m.Matched {
		t.Errorf("got %+v, want unmatched due to low base quality", m)
	}
	if m.Mismatches != 1 {
		t.Errorf("got %d mismatches, want 1", m.Mismatches)
	}
}

func TestMatcherAmbiguousExpectedBaseSkipped(t *testing.T) {
	table := "sampleA\tACNT\n"
	cat, err := ParseCatalogue([]byte(table))
	if err != nil {
		t.Fatal(err)
	}
	slot := cat.SlotCatalogue(1)
	m := slot.Match("ACGT", "IIII", qual.Standard, Thresholds{MinBaseQuality: 0, MaxMismatches: 0, MinMismatchDelta: 1})
	if !m.Matched || m.Mismatches != 0 {
		t.Errorf("got %+v, want matched with ambiguous expected base skipped", m)
	}
}
