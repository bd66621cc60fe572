package barcode

import (
	"strings"

	"github.com/grailbio/bio-demux/qual"
)

// Match is the outcome of comparing one extracted barcode subsequence
// against a slot's expected barcode set (spec §3, "BarcodeMatch").
type Match struct {
	Matched                bool
	ReadSequence           string
	Barcode                string
	Mismatches             int
	MismatchesToSecondBest int
}

// Thresholds bundles the three per-slot integer gates used by the
// matcher (spec §4.D).
type Thresholds struct {
	MinBaseQuality   int
	MaxMismatches    int
	MinMismatchDelta int
}

// ambiguousBase reports whether b (uppercased) is outside {A,C,G,T}: such
// positions are skipped entirely, neither matching nor mismatching
// (spec §4.D step 3).
func ambiguousBase(b byte) bool {
	switch b {
	case 'A', 'C', 'G', 'T':
		return false
	default:
		return true
	}
}

// mismatches counts the positions where expected barcode b disagrees
// with read subsequence s under quality gating, per spec §4.D step 3.
// Comparison is over min(len(b), len(s)) positions; extra positions in
// either do not count.
func mismatches(b []byte, s string, normQual []int, minBaseQuality int) int {
	n := len(b)
	if len(s) < n {
		n = len(s)
	}
	count := 0
	for i := 0; i < n; i++ {
		bb := b[i]
		if bb >= 'a' && bb <= 'z' {
			bb -= 'a' - 'A'
		}
		if ambiguousBase(bb) {
			continue
		}
		sb := s[i]
		if sb >= 'a' && sb <= 'z' {
			sb -= 'a' - 'A'
		}
		switch {
		case sb == 'N':
			count++
		case bb != sb:
			count++
		case i < len(normQual) && normQual[i] < minBaseQuality:
			count++
		}
	}
	return count
}

// Match compares seq (with its per-base quality string qualStr, encoded
// under enc) against the expected barcodes in cat, returning the best
// classification under th.
func (cat *SlotCatalogue) Match(seq, qualStr string, enc qual.Encoding, th Thresholds) Match {
	upper := strings.ToUpper(seq)

	// Optimistic fast path (spec §9 "Fast path vs. generic path"): a
	// verbatim hit is a 0-mismatch match; quality is not consulted.
	if cat.set.Contains(upper) {
		return Match{
			Matched:                true,
			ReadSequence:           seq,
			Barcode:                upper,
			Mismatches:             0,
			MismatchesToSecondBest: len(upper),
		}
	}

	normQual := qual.Normalize(enc, qualStr)

	best := len(upper) + 1
	secondBest := len(upper) + 1
	var bestBarcode string
	for _, b := range cat.Sequences {
		cost := mismatches(b, upper, normQual, th.MinBaseQuality)
		if cost < best {
			secondBest = best
			best = cost
			bestBarcode = string(b)
		} else if cost < secondBest {
			secondBest = cost
		}
	}

	m := Match{
		ReadSequence:           seq,
		Barcode:                bestBarcode,
		Mismatches:             best,
		MismatchesToSecondBest: secondBest,
	}
	m.Matched = best <= th.MaxMismatches && (secondBest-best) >= th.MinMismatchDelta
	return m
}
