package demux

import (
	"io"
	"strconv"

	"github.com/grailbio/base/tsv"

	"github.com/grailbio/bio-demux/barcode"
	"github.com/grailbio/bio-demux/resolve"
)

// diagnosticWriter emits the per-record diagnostic TSV stream (spec §6,
// "Diagnostic file"): one row per input record, regardless of whether
// it was assigned.
type diagnosticWriter struct {
	w            *tsv.Writer
	barcodeSlots []int
}

func newDiagnosticWriter(w io.Writer, barcodeSlots []int) (*diagnosticWriter, error) {
	d := &diagnosticWriter{w: tsv.NewWriter(w), barcodeSlots: barcodeSlots}
	d.w.WriteString("read_counter")
	d.w.WriteString("read_header")
	for _, id := range barcodeSlots {
		prefix := "barcode" + strconv.Itoa(id) + "_"
		d.w.WriteString(prefix + "read_seq")
		d.w.WriteString(prefix + "best_barcode")
		d.w.WriteString(prefix + "mm_best")
		d.w.WriteString(prefix + "mm_second")
		d.w.WriteString(prefix + "passes_cutoffs")
	}
	d.w.WriteString("assigned_sample")
	d.w.WriteString("note")
	if err := d.w.EndLine(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *diagnosticWriter) writeRow(counter int, header string, sm resolve.SampleMatch) error {
	d.w.WriteString(strconv.Itoa(counter))
	d.w.WriteString(header)
	for _, id := range d.barcodeSlots {
		m := sm.BarcodeMatches[id]
		d.w.WriteString(m.ReadSequence)
		d.w.WriteString(m.Barcode)
		d.w.WriteString(strconv.Itoa(m.Mismatches))
		d.w.WriteString(strconv.Itoa(m.MismatchesToSecondBest))
		d.w.WriteString(passesCutoffs(m))
	}
	d.w.WriteString(sm.Sample)
	d.w.WriteString(sm.Note)
	return d.w.EndLine()
}

func passesCutoffs(m barcode.Match) string {
	if m.Matched {
		return "yes"
	}
	return "no"
}

func (d *diagnosticWriter) close() error {
	return d.w.Flush()
}
