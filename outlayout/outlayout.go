// Package outlayout compiles the output-layout grammar (spec §4.B) into
// an ordered plan of (slot-kind, slot-id) operations and assembles an
// output read's sequence, quality, and header from the per-input-read
// extractions of a compiled set of readlayout.Layouts.
package outlayout

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/grailbio/bio-demux/qual"
	"github.com/grailbio/bio-demux/readlayout"
	"github.com/grailbio/bio-demux/resolve"
	"github.com/grailbio/bio-demux/umi"
)

// OpKind distinguishes the four output operations. BARCODE and READBAR
// both source the verbatim read subsequence of a barcode slot; they
// diverge only in the header half, where BARCODE is replaced by the
// matched expected barcode string (spec §4.B).
type OpKind int

const (
	OpBarcode OpKind = iota
	OpReadbar
	OpUMI
	OpSample
)

func (k OpKind) letter() byte {
	switch k {
	case OpBarcode:
		return 'B'
	case OpReadbar:
		return 'R'
	case OpUMI:
		return 'U'
	case OpSample:
		return 'S'
	}
	panic("unreachable")
}

func (k OpKind) readlayoutKind() readlayout.Kind {
	switch k {
	case OpBarcode, OpReadbar:
		return readlayout.Barcode
	case OpUMI:
		return readlayout.UMI
	default:
		return readlayout.Sample
	}
}

// Op is one element of a compiled output plan.
type Op struct {
	Kind OpKind
	ID   int
}

var (
	shortTokenRE = regexp.MustCompile(`[BURS](\d+)`)
	shortFullRE  = regexp.MustCompile(`^([BURS]\d+)+$`)
	longTokenRE  = regexp.MustCompile(`<(BARCODE|READBAR|UMI|SAMPLE)(\d+)>`)
	longFullRE   = regexp.MustCompile(`^(<(?:BARCODE|READBAR|UMI|SAMPLE)\d+>)+$`)
)

// ParseOps parses either the short form (`([BURS]\d+)+`) or the long
// form (`<BARCODE1><UMI2>...`) of the output-layout grammar into an
// ordered list of Ops, lowering the long form to short form first.
func ParseOps(raw string) ([]Op, error) {
	if longFullRE.MatchString(raw) {
		raw = lowerLongForm(raw)
	}
	if !shortFullRE.MatchString(raw) {
		return nil, fmt.Errorf("malformed output layout %q", raw)
	}
	var ops []Op
	for _, m := range shortTokenRE.FindAllStringSubmatch(raw, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil || id < 1 {
			return nil, fmt.Errorf("malformed output layout %q: invalid slot id", raw)
		}
		var kind OpKind
		switch m[0][0] {
		case 'B':
			kind = OpBarcode
		case 'R':
			kind = OpReadbar
		case 'U':
			kind = OpUMI
		case 'S':
			kind = OpSample
		}
		ops = append(ops, Op{Kind: kind, ID: id})
	}
	return ops, nil
}

func lowerLongForm(raw string) string {
	var b strings.Builder
	for _, m := range longTokenRE.FindAllStringSubmatch(raw, -1) {
		switch m[1] {
		case "BARCODE":
			b.WriteByte('B')
		case "READBAR":
			b.WriteByte('R')
		case "UMI":
			b.WriteByte('U')
		case "SAMPLE":
			b.WriteByte('S')
		}
		b.WriteString(m[2])
	}
	return b.String()
}

// Layout is a compiled output layout: two ordered op lists (sequence and
// header halves), each op pre-bound to the non-empty set of read-layout
// indices it can be sourced from.
type Layout struct {
	SeqOps     []Op
	HdrOps     []Op
	seqSources    [][]int
	hdrSources    [][]int
	delimiter     byte
	withQual      bool
	umiCorrectors map[int]*umi.SnapCorrector
}

// Option configures a Compile call.
type Option func(*Layout)

// WithDelimiter sets the header delimiter character (default ':').
func WithDelimiter(d byte) Option { return func(l *Layout) { l.delimiter = d } }

// WithQualityInHeader enables appending each header slot's normalized
// quality, base-10 zero-padded to width 2, right after its value.
func WithQualityInHeader() Option { return func(l *Layout) { l.withQual = true } }

// WithUMICorrectors installs, per UMI slot id, a snap corrector to apply
// to that slot's verbatim extraction before it is emitted by a UMI
// operation (spec "Supplemental Feature #1"). A slot id absent from the
// map is emitted verbatim, uncorrected.
func WithUMICorrectors(correctors map[int]*umi.SnapCorrector) Option {
	return func(l *Layout) { l.umiCorrectors = correctors }
}

// correctUMI applies op's installed snap corrector, if any, to s. The
// raw, uncorrected s is what callers should still use anywhere outside
// Output Layout emission (e.g. diagnostics).
func (l *Layout) correctUMI(op Op, s string) string {
	if op.Kind != OpUMI {
		return s
	}
	c, ok := l.umiCorrectors[op.ID]
	if !ok {
		return s
	}
	corrected, _, _ := c.CorrectUMI(s)
	return corrected
}

// Compile binds seqShort and hdrShort (either grammar form) to
// readLayouts, pre-computing the extractable read-layout index set for
// every operation. Compile rejects (spec §9, "fail early, not at first
// record") any operation whose extractable set is empty.
func Compile(seqShort, hdrShort string, readLayouts []*readlayout.Layout, opts ...Option) (*Layout, error) {
	seqOps, err := ParseOps(seqShort)
	if err != nil {
		return nil, err
	}
	hdrOps, err := ParseOps(hdrShort)
	if err != nil {
		return nil, err
	}
	l := &Layout{SeqOps: seqOps, HdrOps: hdrOps, delimiter: ':'}
	for _, opt := range opts {
		opt(l)
	}

	l.seqSources, err = bindSources(seqOps, readLayouts)
	if err != nil {
		return nil, err
	}
	l.hdrSources, err = bindSources(hdrOps, readLayouts)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func bindSources(ops []Op, readLayouts []*readlayout.Layout) ([][]int, error) {
	sources := make([][]int, len(ops))
	for i, op := range ops {
		var idxs []int
		for li, rl := range readLayouts {
			contains := false
			switch op.Kind.readlayoutKind() {
			case readlayout.Barcode:
				contains = rl.ContainsBarcode(op.ID)
			case readlayout.UMI:
				contains = rl.ContainsUMI(op.ID)
			case readlayout.Sample:
				contains = rl.ContainsSample(op.ID)
			}
			if contains {
				idxs = append(idxs, li)
			}
		}
		if len(idxs) == 0 {
			return nil, fmt.Errorf("output layout references %c%d, which no read layout declares", op.Kind.letter(), op.ID)
		}
		sources[i] = idxs
	}
	return sources, nil
}

// Read is the minimal shape outlayout needs from one input record
// belonging to one read layout: its raw sequence and quality string.
type Read struct {
	Seq  string
	Qual string
}

// extractOp extracts op's sequence and quality substrings from read.
// Seq and Qual are always equal length, so the same Extract* call that
// locates the slot in Seq locates it identically in Qual.
func extractOp(op Op, rl *readlayout.Layout, read Read) (seq, q string, err error) {
	extract := rl.ExtractSample
	switch op.Kind.readlayoutKind() {
	case readlayout.Barcode:
		extract = rl.ExtractBarcode
	case readlayout.UMI:
		extract = rl.ExtractUMI
	}
	if seq, err = extract(read.Seq, op.ID); err != nil {
		return "", "", err
	}
	if q, err = extract(read.Qual, op.ID); err != nil {
		return "", "", err
	}
	return seq, q, nil
}

// bestInstance picks, among the read-layout indices that can supply op,
// the one whose quality sum is highest (ties: first in layout order),
// per spec §4.B "select the one whose summed Phred-normalized quality is
// highest".
func bestInstance(op Op, sources []int, readLayouts []*readlayout.Layout, reads []Read, enc qual.Encoding) (seq, q string, err error) {
	bestSum := -1
	for _, li := range sources {
		s, qq, e := extractOp(op, readLayouts[li], reads[li])
		if e != nil {
			return "", "", e
		}
		sum := qual.Sum(enc, qq)
		if sum > bestSum {
			bestSum, seq, q = sum, s, qq
		}
	}
	return seq, q, nil
}

// AssembleSequence builds the output sequence and quality strings from
// reads (indexed identically to the readLayouts this Layout was
// compiled against).
func (l *Layout) AssembleSequence(readLayouts []*readlayout.Layout, reads []Read, enc qual.Encoding) (seq, qualStr string, err error) {
	var seqB, qB strings.Builder
	for i, op := range l.SeqOps {
		s, q, e := bestInstance(op, l.seqSources[i], readLayouts, reads, enc)
		if e != nil {
			return "", "", e
		}
		s = l.correctUMI(op, s)
		seqB.WriteString(s)
		qB.WriteString(q)
	}
	return seqB.String(), qB.String(), nil
}

// AssembleHeader builds the output read name: the first input read's
// head-of-name (up to the first whitespace, trailing delimiter runs
// trimmed once), followed by delimiter-separated op contributions. For
// BARCODE ops, the matched expected barcode from sm is substituted for
// the verbatim read subsequence.
func (l *Layout) AssembleHeader(readLayouts []*readlayout.Layout, reads []Read, firstID string, sm resolve.SampleMatch, enc qual.Encoding) (string, error) {
	head := strings.SplitN(firstID, " ", 2)[0]
	head = strings.TrimRight(head, string(l.delimiter))

	var b strings.Builder
	b.WriteString(head)
	for i, op := range l.HdrOps {
		s, q, err := bestInstance(op, l.hdrSources[i], readLayouts, reads, enc)
		if err != nil {
			return "", err
		}
		if op.Kind == OpBarcode {
			if m, ok := sm.BarcodeMatches[op.ID]; ok && m.Barcode != "" {
				s = m.Barcode
			}
		}
		s = l.correctUMI(op, s)
		b.WriteByte(l.delimiter)
		b.WriteString(s)
		if l.withQual {
			for i := 0; i < len(q); i++ {
				fmt.Fprintf(&b, "%02d", qual.Byte(enc, q[i]))
			}
		}
	}
	return b.String(), nil
}

// TrimIlluminaToken removes a trailing " 1:N:0:..."-style Illumina
// token from id before header assembly, for the optional legacy
// byte-compatibility mode (spec §9 Open Questions).
var illuminaTokenRE = regexp.MustCompile(`\s+[12]:[YN]:\d+:\S*$`)

func TrimIlluminaToken(id string) string {
	return illuminaTokenRE.ReplaceAllString(id, "")
}
