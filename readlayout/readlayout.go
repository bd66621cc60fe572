// Package readlayout compiles and interprets the read-layout grammar: a
// compact textual description of where barcode, UMI, sample, and fixed
// literal bases live inside one FASTQ read.
//
// A layout is a sequence of slots, optionally interleaved with literal
// bases that are skipped on extraction:
//
//	layout := (literals? slot literals?)+
//	slot    := '<' kind id? ':' length '>'
//	kind    := 'BARCODE' | 'UMI' | 'SAMPLE'
//	length  := positive integer | negative integer | 'x'
package readlayout

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies the purpose of a slot.
type Kind int

const (
	// Barcode is a slot matched against a barcode catalogue.
	Barcode Kind = iota
	// UMI is a molecular identifier, passed through verbatim.
	UMI
	// Sample is the biological payload of the read.
	Sample
)

func (k Kind) String() string {
	switch k {
	case Barcode:
		return "BARCODE"
	case UMI:
		return "UMI"
	case Sample:
		return "SAMPLE"
	default:
		return "UNKNOWN"
	}
}

// openEnded marks a slot that runs to the end of the read. Negative,
// non-zero lengths mean "up to length - |k|" from the end; they are
// stored directly as the negative value.
const openEnded = 0

// slot is one compiled position in a layout.
type slot struct {
	kind   Kind
	id     int
	start  int
	length int // >0: fixed; 0: open-ended; <0: up to len(read)-|length|
}

func (s slot) terminal() bool {
	return s.length <= 0
}

// Layout is a compiled, immutable read-layout. Layouts are built once at
// startup and are safe for concurrent read-only use thereafter.
type Layout struct {
	raw   string
	slots []slot
	// index by kind, then by slot id (slot id i is stored at index i-1).
	byKind [3][]int // values are indices into slots, or -1 if absent
}

// MalformedLayout is returned when a layout string violates the grammar
// or the terminal-slot rule.
type MalformedLayout struct {
	Layout string
	Reason string
}

func (e *MalformedLayout) Error() string {
	return fmt.Sprintf("malformed read layout %q: %s", e.Layout, e.Reason)
}

var (
	tokenRE = regexp.MustCompile(`(?i)([ACGTUN]*)<(BARCODE|UMI|SAMPLE)(\d*):(-?\d+|x)>`)
	// fullRE validates that the whole string is consumed by tokens plus a
	// possible trailing literal run.
	fullRE = regexp.MustCompile(`(?i)^([ACGTUN]*<(?:BARCODE|UMI|SAMPLE)\d*:(?:-?\d+|x)>)+([ACGTUN]*)$`)
)

// Compile parses a read-layout string into a Layout. Compile rejects
// grammars that don't match the slot syntax, that place a non-positive
// length slot anywhere but last, or that otherwise violate the layout
// invariants.
func Compile(raw string) (*Layout, error) {
	if !fullRE.MatchString(raw) {
		return nil, &MalformedLayout{raw, "does not match the read-layout grammar"}
	}
	matches := tokenRE.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return nil, &MalformedLayout{raw, "contains no slots"}
	}

	l := &Layout{raw: raw}
	pos := 0
	for mi, m := range matches {
		literal := raw[m[2]:m[3]]
		kindStr := strings.ToUpper(raw[m[4]:m[5]])
		idStr := raw[m[6]:m[7]]
		lenStr := raw[m[8]:m[9]]

		pos += len(literal)

		var kind Kind
		switch kindStr {
		case "BARCODE":
			kind = Barcode
		case "UMI":
			kind = UMI
		case "SAMPLE":
			kind = Sample
		}

		id := 1
		if idStr != "" {
			v, err := strconv.Atoi(idStr)
			if err != nil || v < 1 {
				return nil, &MalformedLayout{raw, "slot id must be a positive integer"}
			}
			id = v
		}

		var length int
		switch {
		case lenStr == "x":
			length = openEnded
		default:
			v, err := strconv.Atoi(lenStr)
			if err != nil {
				return nil, &MalformedLayout{raw, "slot length must be an integer or 'x'"}
			}
			if v == 0 {
				length = openEnded
			} else {
				length = v
			}
		}

		s := slot{kind: kind, id: id, start: pos, length: length}
		if s.terminal() && mi != len(matches)-1 {
			return nil, &MalformedLayout{raw, "open-ended or negative-length slots must be the last slot"}
		}
		if s.length > 0 {
			pos += s.length
		}
		l.slots = append(l.slots, s)
	}

	// fullRE accepts a trailing literal after the last slot whatever that
	// slot's length; the terminal-slot rule is enforced by the loop above.
	for k := 0; k < 3; k++ {
		l.byKind[k] = nil
	}
	for i, s := range l.slots {
		arr := l.byKind[s.kind]
		for len(arr) < s.id {
			arr = append(arr, -1)
		}
		if arr[s.id-1] != -1 {
			return nil, &MalformedLayout{raw, "duplicate slot id within the same layout"}
		}
		arr[s.id-1] = i
		l.byKind[s.kind] = arr
	}
	return l, nil
}

// RecordError reports that extracting a slot from a specific read would
// require bytes past the end of the read, or that the read contains a
// disallowed character. It is never fatal to the driver: it only
// classifies the offending record as unassigned (spec §4.F, §7).
type RecordError struct {
	Reason string
}

func (e *RecordError) Error() string { return e.Reason }

func (l *Layout) slotFor(kind Kind, id int) (slot, bool) {
	arr := l.byKind[kind]
	if id < 1 || id > len(arr) || arr[id-1] == -1 {
		return slot{}, false
	}
	return l.slots[arr[id-1]], true
}

// extractSpan computes [start, end) for s against a read of length n.
func extractSpan(s slot, n int) (start, end int, err error) {
	start = s.start
	switch {
	case s.length > 0:
		end = start + s.length
	case s.length == openEnded:
		end = n
	default: // negative: up to len(read) - |length|
		end = n - (-s.length)
	}
	if start > n || end > n || end < start {
		return 0, 0, &RecordError{Reason: "slot extraction would slice past end of read"}
	}
	return start, end, nil
}

func (l *Layout) extract(kind Kind, id int, read string) (string, error) {
	s, ok := l.slotFor(kind, id)
	if !ok {
		return "", &RecordError{Reason: "layout has no such slot"}
	}
	start, end, err := extractSpan(s, len(read))
	if err != nil {
		return "", err
	}
	return read[start:end], nil
}

// ExtractBarcode returns the subsequence of read covered by BARCODE slot id.
func (l *Layout) ExtractBarcode(read string, id int) (string, error) {
	return l.extract(Barcode, id, read)
}

// ExtractUMI returns the subsequence of read covered by UMI slot id.
func (l *Layout) ExtractUMI(read string, id int) (string, error) {
	return l.extract(UMI, id, read)
}

// ExtractSample returns the subsequence of read covered by SAMPLE slot id.
func (l *Layout) ExtractSample(read string, id int) (string, error) {
	return l.extract(Sample, id, read)
}

// ContainsBarcode reports whether this layout declares BARCODE slot id.
func (l *Layout) ContainsBarcode(id int) bool { _, ok := l.slotFor(Barcode, id); return ok }

// ContainsUMI reports whether this layout declares UMI slot id.
func (l *Layout) ContainsUMI(id int) bool { _, ok := l.slotFor(UMI, id); return ok }

// ContainsSample reports whether this layout declares SAMPLE slot id.
func (l *Layout) ContainsSample(id int) bool { _, ok := l.slotFor(Sample, id); return ok }

// orderedIDs returns the slot ids of the given kind in the order they
// physically appear in the layout (5' to 3'), which need not be
// ascending numeric id order.
func (l *Layout) orderedIDs(kind Kind) []int {
	var ids []int
	for _, s := range l.slots {
		if s.kind == kind {
			ids = append(ids, s.id)
		}
	}
	return ids
}

// BarcodeIDsOrdered returns the declared BARCODE slot ids in 5' to 3' order.
func (l *Layout) BarcodeIDsOrdered() []int { return l.orderedIDs(Barcode) }

// UMIIDsOrdered returns the declared UMI slot ids in 5' to 3' order.
func (l *Layout) UMIIDsOrdered() []int { return l.orderedIDs(UMI) }

// SampleIDsOrdered returns the declared SAMPLE slot ids in 5' to 3' order.
func (l *Layout) SampleIDsOrdered() []int { return l.orderedIDs(Sample) }

// String returns the original layout text Compile was given.
func (l *Layout) String() string { return l.raw }
