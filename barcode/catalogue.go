// Package barcode parses the sample<->barcode table (the Barcode
// Catalogue, spec §4.C) and implements fuzzy lookup of one extracted
// barcode subsequence against the expected set for its slot (the Barcode
// Matcher, spec §4.D).
package barcode

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	farm "github.com/dgryski/go-farm"
	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
)

var baseColumnRE = regexp.MustCompile(`(?i)^[ACGTUN]+$`)

// seqSet is a precomputed fast-membership set over expected barcode byte
// strings, bucketed by a non-cryptographic hash (spec §9, "Fast path vs.
// generic path": the exact-match check should be backed by a precomputed
// hash set; only on miss does the O(|E|*|b|) scan run). Buckets store
// the colliding strings themselves so a hash collision never produces a
// false positive.
type seqSet struct {
	buckets map[uint64][]string
}

func newSeqSet(seqs []string) *seqSet {
	s := &seqSet{buckets: make(map[uint64][]string, len(seqs))}
	for _, seq := range seqs {
		h := farm.Hash64([]byte(seq))
		s.buckets[h] = append(s.buckets[h], seq)
	}
	return s
}

func (s *seqSet) Contains(seq string) bool {
	for _, cand := range s.buckets[farm.Hash64([]byte(seq))] {
		if cand == seq {
			return true
		}
	}
	return false
}

// SlotCatalogue is the flattened, per-barcode-slot comparison structure:
// every distinct expected sequence for this slot id, ready for both the
// fast exact-match path and the generic mismatch-counting scan.
type SlotCatalogue struct {
	ID        int
	Length    int
	Sequences [][]byte
	set       *seqSet
}

// Sample is one row of the barcode table: its per-slot redundancy sets
// (ordered by barcode slot id) and, if the table provided them, its
// per-output-layout file paths.
type Sample struct {
	Name        string
	BarcodeSets [][]string // index i = slot id i+1's set of alternative sequences
	OutFiles    []string   // index i = output layout i's file path, if provided
}

// zeroKey is the fixed highwayhash.Size-byte all-zero key used for every
// code hash, matching fusion/postprocess.go's dedup-key idiom.
var zeroKey [highwayhash.Size]byte

type codeEntry struct {
	code   string
	sample string
}

// Catalogue is the fully parsed, immutable barcode table: per-slot
// comparison structures plus the concatenated-code -> sample map used by
// the Sample Resolver.
type Catalogue struct {
	NumSlots int
	Slots    []*SlotCatalogue // index i = slot id i+1
	Samples  map[string]*Sample
	// order preserves the table's row order, for deterministic metrics
	// section ordering.
	order []string
	codes map[[highwayhash.Size]byte][]codeEntry
}

// SlotCatalogue returns the comparison structure for barcode slot id, or
// nil if the catalogue has no such slot.
func (c *Catalogue) SlotCatalogue(id int) *SlotCatalogue {
	if id < 1 || id > len(c.Slots) {
		return nil
	}
	return c.Slots[id-1]
}

// SampleNamesOrdered returns sample names in the order they appeared in
// the source table.
func (c *Catalogue) SampleNamesOrdered() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func codeHash(code string) [highwayhash.Size]byte {
	return highwayhash.Sum([]byte(code), zeroKey[:])
}

// LookupCode returns the sample owning the given concatenated code
// (slot-id-ordered concatenation of chosen barcode strings), if any.
func (c *Catalogue) LookupCode(code string) (string, bool) {
	for _, e := range c.codes[codeHash(code)] {
		if e.code == code {
			return e.sample, true
		}
	}
	return "", false
}

func (c *Catalogue) addCode(code, sample string) error {
	h := codeHash(code)
	for _, e := range c.codes[h] {
		if e.code == code {
			if e.sample != sample {
				return errors.Errorf("concatenated code %q maps to both sample %q and %q", code, e.sample, sample)
			}
			return nil
		}
	}
	c.codes[h] = append(c.codes[h], codeEntry{code, sample})
	return nil
}

// generalHeaderRE validates "SAMPLE BARCODE1 [BARCODE2 ...] [OUT1 ...]".
var generalHeaderRE = regexp.MustCompile(`^SAMPLE(\s+BARCODE\d+)+(\s+OUT\d+)*$`)

// ParseCatalogue parses a tab-separated barcode table in either the
// "simple" (positional, unheaded) form or the "general" (headed) form,
// detecting which form applies from the first line.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	lines := splitNonEmptyLines(data)
	if len(lines) == 0 {
		return nil, errors.New("empty barcode table")
	}
	if looksLikeGeneralHeader(lines[0]) {
		return parseGeneral(lines)
	}
	return parseSimple(lines)
}

func splitNonEmptyLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func looksLikeGeneralHeader(line string) bool {
	fields := strings.Fields(strings.ReplaceAll(line, "\t", " "))
	return generalHeaderRE.MatchString(strings.Join(fields, " "))
}

// parseGeneral parses the headed general form: SAMPLE, BARCODE1..N,
// OUT1..M (optional).
func parseGeneral(lines []string) (*Catalogue, error) {
	header := strings.Split(lines[0], "\t")
	if len(header) == 1 {
		header = strings.Fields(lines[0])
	}
	if header[0] != "SAMPLE" {
		return nil, errors.Errorf("general barcode table header must start with SAMPLE, got %q", header[0])
	}
	var rawBarcodeCols, rawOutCols []int
	for i, h := range header[1:] {
		switch {
		case strings.HasPrefix(h, "BARCODE"):
			rawBarcodeCols = append(rawBarcodeCols, i+1)
		case strings.HasPrefix(h, "OUT"):
			rawOutCols = append(rawOutCols, i+1)
		default:
			return nil, errors.Errorf("unrecognized barcode table column %q", h)
		}
	}
	// barcodeCols[i] and outCols[i] are the physical column holding
	// BARCODE(i+1)/OUT(i+1): a table's columns may appear in any order
	// (e.g. "SAMPLE BARCODE2 BARCODE1"), but slots are always keyed by
	// their numeric suffix, never by column position (spec §4.E step 2,
	// "concatenate in slot-id order").
	barcodeCols, err := colsByID(header, rawBarcodeCols, "BARCODE")
	if err != nil {
		return nil, err
	}
	outCols, err := colsByID(header, rawOutCols, "OUT")
	if err != nil {
		return nil, err
	}
	numSlots := len(barcodeCols)

	cat := &Catalogue{
		NumSlots: numSlots,
		Slots:    make([]*SlotCatalogue, numSlots),
		Samples:  make(map[string]*Sample),
		codes:    make(map[[highwayhash.Size]byte][]codeEntry),
	}
	slotSeqs := make([][]string, numSlots)
	slotLength := make([]int, numSlots)
	for i := range slotLength {
		slotLength[i] = -1
	}

	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		if len(fields) == 1 {
			fields = strings.Fields(line)
		}
		if len(fields) <= len(barcodeCols) {
			return nil, errors.Errorf("barcode table row has too few columns: %q", line)
		}
		name := fields[0]
		if _, dup := cat.Samples[name]; dup {
			return nil, errors.Errorf("duplicate sample name %q", name)
		}
		sample := &Sample{Name: name, BarcodeSets: make([][]string, numSlots)}
		for slotIdx, col := range barcodeCols {
			if col >= len(fields) {
				return nil, errors.Errorf("row %q missing column for BARCODE%d", line, slotIdx+1)
			}
			set := strings.Split(fields[col], "|")
			length := -1
			for _, seq := range set {
				seq = strings.ToUpper(seq)
				if !baseColumnRE.MatchString(seq) {
					return nil, errors.Errorf("invalid barcode sequence %q in column BARCODE%d", seq, slotIdx+1)
				}
				if length == -1 {
					length = len(seq)
				} else if len(seq) != length {
					return nil, errors.Errorf("barcode column BARCODE%d has mixed sequence lengths", slotIdx+1)
				}
			}
			if slotLength[slotIdx] == -1 {
				slotLength[slotIdx] = length
			} else if length != slotLength[slotIdx] {
				return nil, errors.Errorf("column BARCODE%d: sequence length %d conflicts with earlier length %d", slotIdx+1, length, slotLength[slotIdx])
			}
			sample.BarcodeSets[slotIdx] = set
			slotSeqs[slotIdx] = append(slotSeqs[slotIdx], set...)
		}
		for _, col := range outCols {
			if col < len(fields) {
				sample.OutFiles = append(sample.OutFiles, fields[col])
			}
		}
		cat.Samples[name] = sample
		cat.order = append(cat.order, name)
	}

	for i := 0; i < numSlots; i++ {
		seqs := dedupeStrings(slotSeqs[i])
		cat.Slots[i] = &SlotCatalogue{
			ID:        i + 1,
			Length:    slotLength[i],
			Sequences: toByteSlices(seqs),
			set:       newSeqSet(seqs),
		}
	}

	if err := cat.buildCodes(); err != nil {
		return nil, err
	}
	return cat, nil
}

// parseSimple converts the unheaded simple form (2-4 columns, optional
// "|"/":" separators) losslessly into the general form and defers to
// parseGeneral.
func parseSimple(lines []string) (*Catalogue, error) {
	firstFields := splitSimpleRow(lines[0])
	nCols := len(firstFields)
	if nCols < 2 || nCols > 4 {
		return nil, errors.Errorf("simple barcode table row has %d columns, want 2-4: %q", nCols, lines[0])
	}

	var header []string
	if strings.Contains(firstFields[1], ":") {
		header = []string{"SAMPLE", "BARCODE1", "BARCODE2"}
	} else {
		header = []string{"SAMPLE", "BARCODE1"}
	}
	switch nCols {
	case 3:
		header = append(header, "OUT1")
	case 4:
		header = append(header, "OUT1", "OUT2")
	}

	general := make([]string, 0, len(lines)+1)
	general = append(general, strings.Join(header, "\t"))
	for _, line := range lines {
		fields := splitSimpleRow(line)
		if len(fields) != nCols {
			return nil, errors.Errorf("inconsistent column count in simple barcode table: %q", line)
		}
		row := []string{fields[0]}
		if strings.Contains(fields[1], ":") {
			parts := strings.SplitN(fields[1], ":", 2)
			row = append(row, parts[0], parts[1])
		} else {
			row = append(row, fields[1])
		}
		row = append(row, fields[2:]...)
		general = append(general, strings.Join(row, "\t"))
	}
	return parseGeneral(general)
}

func splitSimpleRow(line string) []string {
	fields := strings.Split(line, "\t")
	if len(fields) == 1 {
		fields = strings.Fields(line)
	}
	return fields
}

// colsByID validates that cols' header suffixes (prefix+N) are exactly
// 1..len(cols) and returns a new slice with result[i] holding the
// physical column for prefix+(i+1), regardless of cols' left-to-right
// order in the table.
func colsByID(header []string, cols []int, prefix string) ([]int, error) {
	byID := make(map[int]int, len(cols))
	for _, col := range cols {
		idStr := strings.TrimPrefix(header[col], prefix)
		id, err := strconv.Atoi(idStr)
		if err != nil || id < 1 {
			return nil, errors.Errorf("column %q has an invalid %s index", header[col], prefix)
		}
		if _, dup := byID[id]; dup {
			return nil, errors.Errorf("duplicate column %s%d", prefix, id)
		}
		byID[id] = col
	}
	out := make([]int, len(cols))
	for i := 1; i <= len(cols); i++ {
		col, ok := byID[i]
		if !ok {
			return nil, errors.Errorf("%s column indices must be contiguous from 1, missing %s%d", prefix, prefix, i)
		}
		out[i-1] = col
	}
	return out, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func toByteSlices(in []string) [][]byte {
	out := make([][]byte, len(in))
	for i, s := range in {
		out[i] = []byte(s)
	}
	return out
}

// buildCodes enumerates, for every sample, the Cartesian product of its
// per-slot redundancy sets (concatenated in slot-id order) and registers
// each resulting code. It is an error for two samples to share a code
// (spec §4.C, "fatal error if two samples produce the same concatenated
// code"; testable property §8.8 "Catalogue injectivity").
func (c *Catalogue) buildCodes() error {
	for _, name := range c.order {
		sample := c.Samples[name]
		codes := []string{""}
		for _, set := range sample.BarcodeSets {
			var next []string
			for _, prefix := range codes {
				for _, seq := range set {
					next = append(next, prefix+seq)
				}
			}
			codes = next
		}
		for _, code := range codes {
			if err := c.addCode(code, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// String implements fmt.Stringer for debugging.
func (c *Catalogue) String() string {
	return fmt.Sprintf("Catalogue{slots=%d, samples=%d}", c.NumSlots, len(c.Samples))
}
