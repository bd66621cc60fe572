package demux

import (
	"github.com/grailbio/bio-demux/barcode"
	"github.com/grailbio/bio-demux/encoding/fastq"
	"github.com/grailbio/bio-demux/outlayout"
	"github.com/grailbio/bio-demux/resolve"
)

// resolveRecord runs extraction and matching for every declared barcode
// slot (spec §4.F steps 2-3) and folds the result through the resolver.
// A read layout that cannot supply a slot for this particular record
// (e.g. the read is shorter than the slot requires) simply contributes
// no candidate for that layout; per spec §7 this is a RecordError that
// collapses into the resolver's ordinary "no surviving candidate" path
// rather than propagating as a driver-level failure.
func (d *Driver) resolveRecord(reads []fastq.Read) resolve.SampleMatch {
	matchesBySlot := make(map[int][]barcode.Match, len(d.plan.barcodeSlots))
	for _, id := range d.plan.barcodeSlots {
		th := d.plan.thresholds[id]
		slotCat := d.plan.catalogue.SlotCatalogue(id)
		var matches []barcode.Match
		for _, li := range d.plan.barcodeSources[id] {
			rl := d.plan.readLayouts[li]
			seq, err := rl.ExtractBarcode(reads[li].Seq, id)
			if err != nil {
				continue
			}
			q, err := rl.ExtractBarcode(reads[li].Qual, id)
			if err != nil {
				continue
			}
			matches = append(matches, slotCat.Match(seq, q, d.cfg.Encoding, th))
		}
		matchesBySlot[id] = matches
	}
	return resolve.Resolve(d.plan.barcodeSlots, matchesBySlot, d.plan.catalogue, d.cfg.Strict)
}

// assembledRecord holds one output layout's assembled sequence, quality,
// and header for a single input record.
type assembledRecord struct {
	seq, qual, header string
}

// assembleOutputs builds the assembled record for every output layout,
// for sm's sample. A read layout that cannot supply one of its
// declared slots for this particular record (e.g. a truncated read too
// short for a fixed UMI/barcode/sample slot) fails here; per spec §7
// this is a RecordError, not a driver fault, so the caller reclassifies
// the record as Unassigned instead of aborting the run.
func (d *Driver) assembleOutputs(sm resolve.SampleMatch, reads []outlayout.Read, firstID string) ([]assembledRecord, error) {
	id := firstID
	if d.cfg.LegacyHeaders {
		id = outlayout.TrimIlluminaToken(id)
	}
	out := make([]assembledRecord, len(d.plan.outputLayouts))
	for oi, ol := range d.plan.outputLayouts {
		seq, q, err := ol.AssembleSequence(d.plan.readLayouts, reads, d.cfg.Encoding)
		if err != nil {
			return nil, err
		}
		hdr, err := ol.AssembleHeader(d.plan.readLayouts, reads, id, sm, d.cfg.Encoding)
		if err != nil {
			return nil, err
		}
		out[oi] = assembledRecord{seq: seq, qual: q, header: hdr}
	}
	return out, nil
}

// writeAssigned writes sm's sample's already-assembled records (spec
// §4.F step 4). Only genuine I/O failures reach here; a malformed
// record is weeded out by assembleOutputs before this is ever called.
func (d *Driver) writeAssigned(sm resolve.SampleMatch, assembled []assembledRecord) error {
	writers := d.sampleWriters[sm.Sample]
	for oi, rec := range assembled {
		out := &fastq.Read{ID: rec.header, Seq: rec.seq, Unk: "+", Qual: rec.qual}
		if err := writers[oi].write(out); err != nil {
			return err
		}
	}
	return nil
}

// writeUnassignedMirror writes every input record verbatim to its
// matching unassigned writer (spec §4.F step 5).
func (d *Driver) writeUnassignedMirror(reads []fastq.Read) error {
	for i := range reads {
		if err := d.unassignedWriters[i].write(&reads[i]); err != nil {
			return err
		}
	}
	return nil
}
