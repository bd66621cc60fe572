// Package resolve implements the Sample Resolver (spec §4.E): it
// combines per-slot barcode.Match results into a single sample
// identity decision under a strict/non-strict policy.
package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/bio-demux/barcode"
)

// Unassigned is the sentinel sample name for a record that did not
// resolve to a unique sample.
const Unassigned = "unassigned"

// SampleMatch is the resolver's decision for one input record (spec §3).
type SampleMatch struct {
	Sample         string
	BarcodeMatches map[int]barcode.Match // keyed by barcode slot id
	Note           string
}

// Catalogue is the subset of *barcode.Catalogue the resolver needs; kept
// as an interface so tests can supply a fake without building a full
// table.
type Catalogue interface {
	LookupCode(code string) (string, bool)
}

type candidate struct {
	key        string // chosen barcode string, per slot
	mismatches int
}

type scored struct {
	sample     string
	mismatches int
	chosen     map[int]string
}

// Resolve combines matchesBySlot (one []barcode.Match per barcode slot
// id, with more than one entry exactly when that slot is redundant
// across read layouts) into a SampleMatch.
func Resolve(slotIDs []int, matchesBySlot map[int][]barcode.Match, cat Catalogue, strict bool) SampleMatch {
	// Step 1: collapse redundancy within each slot.
	surviving := make(map[int][]candidate, len(slotIDs))
	bestObserved := make(map[int]barcode.Match, len(slotIDs))
	for _, id := range slotIDs {
		matches := matchesBySlot[id]
		var best *barcode.Match
		byBarcode := make(map[string]candidate)
		for i := range matches {
			m := matches[i]
			if best == nil || m.Mismatches < best.Mismatches {
				mc := m
				best = &mc
			}
			if !m.Matched {
				continue
			}
			if existing, ok := byBarcode[m.Barcode]; !ok || m.Mismatches < existing.mismatches {
				byBarcode[m.Barcode] = candidate{key: m.Barcode, mismatches: m.Mismatches}
			}
		}
		var cands []candidate
		for _, c := range byBarcode {
			cands = append(cands, c)
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].key < cands[j].key })
		surviving[id] = cands
		if best != nil {
			bestObserved[id] = *best
		}
	}

	for _, id := range slotIDs {
		if len(surviving[id]) == 0 {
			return SampleMatch{
				Sample:         Unassigned,
				BarcodeMatches: syntheticMatches(slotIDs, bestObserved),
				Note:           noCandidateNote(slotIDs, surviving),
			}
		}
	}

	// Step 2: enumerate the Cartesian product of surviving candidates
	// across slots, in slot-id order.
	type assignment struct {
		code       string
		mismatches int
		chosen     map[int]string
	}
	assignments := []assignment{{code: "", mismatches: 0, chosen: map[int]string{}}}
	for _, id := range slotIDs {
		var next []assignment
		for _, a := range assignments {
			for _, c := range surviving[id] {
				chosen := make(map[int]string, len(a.chosen)+1)
				for k, v := range a.chosen {
					chosen[k] = v
				}
				chosen[id] = c.key
				next = append(next, assignment{
					code:       a.code + c.key,
					mismatches: a.mismatches + c.mismatches,
					chosen:     chosen,
				})
			}
		}
		assignments = next
	}

	// Step 3: map each candidate assignment's code to a sample.
	var results []scored
	for _, a := range assignments {
		if sample, ok := cat.LookupCode(a.code); ok {
			results = append(results, scored{sample, a.mismatches, a.chosen})
		}
	}

	// Step 4: decide.
	distinctSamples := make(map[string]bool)
	for _, r := range results {
		distinctSamples[r.sample] = true
	}
	switch {
	case len(distinctSamples) == 1:
		winner := results[0]
		return SampleMatch{
			Sample:         winner.sample,
			BarcodeMatches: winningMatches(slotIDs, winner.chosen, matchesBySlot),
		}
	case len(distinctSamples) == 0:
		return SampleMatch{
			Sample:         Unassigned,
			BarcodeMatches: syntheticMatches(slotIDs, bestObserved),
			Note:           "no concatenated code matched any sample",
		}
	case strict:
		return SampleMatch{
			Sample:         Unassigned,
			BarcodeMatches: syntheticMatches(slotIDs, bestObserved),
			Note:           ambiguousNote(results),
		}
	default:
		// Non-strict: pick the sample with the unique lowest total
		// mismatch count, if any.
		best := results[0].mismatches
		for _, r := range results[1:] {
			if r.mismatches < best {
				best = r.mismatches
			}
		}
		var atBest []scored
		for _, r := range results {
			if r.mismatches == best {
				atBest = append(atBest, r)
			}
		}
		bestSamples := make(map[string]bool)
		for _, r := range atBest {
			bestSamples[r.sample] = true
		}
		if len(bestSamples) == 1 {
			return SampleMatch{
				Sample:         atBest[0].sample,
				BarcodeMatches: winningMatches(slotIDs, atBest[0].chosen, matchesBySlot),
			}
		}
		return SampleMatch{
			Sample:         Unassigned,
			BarcodeMatches: syntheticMatches(slotIDs, bestObserved),
			Note:           ambiguousNote(results),
		}
	}
}

func winningMatches(slotIDs []int, chosen map[int]string, matchesBySlot map[int][]barcode.Match) map[int]barcode.Match {
	out := make(map[int]barcode.Match, len(slotIDs))
	for _, id := range slotIDs {
		barcodeStr := chosen[id]
		for _, m := range matchesBySlot[id] {
			if !m.Matched || m.Barcode != barcodeStr {
				continue
			}
			if cur, ok := out[id]; !ok || m.Mismatches < cur.Mismatches {
				out[id] = m
			}
		}
	}
	return out
}

func syntheticMatches(slotIDs []int, bestObserved map[int]barcode.Match) map[int]barcode.Match {
	out := make(map[int]barcode.Match, len(slotIDs))
	for _, id := range slotIDs {
		if m, ok := bestObserved[id]; ok {
			out[id] = m
		} else {
			out[id] = barcode.Match{Mismatches: -1, MismatchesToSecondBest: -1}
		}
	}
	return out
}

func noCandidateNote(slotIDs []int, surviving map[int][]candidate) string {
	var parts []string
	for _, id := range slotIDs {
		parts = append(parts, fmt.Sprintf("slot%d:%d-candidates", id, len(surviving[id])))
	}
	return "no surviving barcode candidate for at least one slot (" + strings.Join(parts, ", ") + ")"
}

func ambiguousNote(results []scored) string {
	var parts []string
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("%s(mm=%d)", r.sample, r.mismatches))
	}
	return "ambiguous sample candidates: " + strings.Join(parts, ", ")
}
