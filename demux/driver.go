package demux

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/bio-demux/encoding/fastq"
	"github.com/grailbio/bio-demux/outlayout"
	"github.com/grailbio/bio-demux/resolve"
)

// Driver runs one demultiplexing job end to end (spec §4.F). Construct
// one with New, call Run once, and discard it: a Driver holds no
// reusable state across runs.
type Driver struct {
	cfg     *Config
	plan    *plan
	inputs  []io.ReadCloser
	scanner *fastq.MultiScanner

	sampleWriters     map[string][]*outputWriter
	unassignedWriters []*outputWriter

	diag       *diagnosticWriter
	diagCloser io.Closer

	metrics *Metrics
}

// New compiles cfg and opens every input and output stream the run
// needs (spec §4.F, "Startup"). Any failure here is a ConfigurationError
// or IoError (spec §7) and is fatal before the main loop begins; New
// closes anything it had already opened before returning an error.
func New(ctx context.Context, cfg *Config) (d *Driver, err error) {
	p, err := compile(cfg)
	if err != nil {
		return nil, err
	}

	opened := make([]io.Closer, 0, len(cfg.InputPaths)+8)
	defer func() {
		if err != nil {
			for i := len(opened) - 1; i >= 0; i-- {
				_ = opened[i].Close()
			}
		}
	}()

	inputs := make([]io.ReadCloser, len(cfg.InputPaths))
	readers := make([]io.Reader, len(cfg.InputPaths))
	for i, path := range cfg.InputPaths {
		rc, oerr := openInput(ctx, path)
		if oerr != nil {
			return nil, oerr
		}
		inputs[i] = rc
		readers[i] = rc
		opened = append(opened, rc)
	}

	sampleWriters := make(map[string][]*outputWriter, len(p.catalogue.Samples))
	for _, name := range p.catalogue.SampleNamesOrdered() {
		sample := p.catalogue.Samples[name]
		writers := make([]*outputWriter, len(p.outputLayouts))
		for oi := range p.outputLayouts {
			path := sampleOutputPath(cfg.OutputDir, name, oi, cfg.Gzip)
			if oi < len(sample.OutFiles) && sample.OutFiles[oi] != "" {
				path = sample.OutFiles[oi]
			}
			ow, oerr := newOutputWriter(ctx, path, cfg)
			if oerr != nil {
				return nil, oerr
			}
			opened = append(opened, closerFunc(ow.close))
			writers[oi] = ow
		}
		sampleWriters[name] = writers
	}

	var unassignedWriters []*outputWriter
	if cfg.KeepUnassigned {
		unassignedWriters = make([]*outputWriter, len(cfg.InputPaths))
		for i := range cfg.InputPaths {
			path := sampleOutputPath(cfg.OutputDir, fmt.Sprintf("unassigned.in%d", i+1), 0, cfg.Gzip)
			ow, oerr := newOutputWriter(ctx, path, cfg)
			if oerr != nil {
				return nil, oerr
			}
			opened = append(opened, closerFunc(ow.close))
			unassignedWriters[i] = ow
		}
	}

	var (
		diag       *diagnosticWriter
		diagCloser io.Closer
	)
	if cfg.DiagnosticPath != "" {
		wc, oerr := openOutput(ctx, cfg.DiagnosticPath, false)
		if oerr != nil {
			return nil, oerr
		}
		opened = append(opened, wc)
		diag, err = newDiagnosticWriter(wc, p.barcodeSlots)
		if err != nil {
			return nil, err
		}
		diagCloser = wc
	}

	return &Driver{
		cfg:               cfg,
		plan:              p,
		inputs:            inputs,
		scanner:           fastq.NewMultiScanner(readers, fastq.All),
		sampleWriters:     sampleWriters,
		unassignedWriters: unassignedWriters,
		diag:              diag,
		diagCloser:        diagCloser,
		metrics:           newMetrics(p.catalogue.SampleNamesOrdered()),
	}, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newOutputWriter(ctx context.Context, path string, cfg *Config) (*outputWriter, error) {
	wc, err := openOutput(ctx, path, cfg.Gzip)
	if err != nil {
		return nil, err
	}
	ow := &outputWriter{closer: wc}
	var dst io.Writer = wc
	if cfg.Async {
		ow.async = newAsyncWriter(wc, cfg.AsyncQueueDepth)
		dst = ow.async
	}
	ow.fw = fastq.NewWriter(dst)
	return ow, nil
}

// Run executes the synchronized per-record main loop (spec §4.F, §5)
// until every input is exhausted, then flushes and closes every writer.
// Run always attempts to close all writers, even after an I/O error, in
// keeping with the fatal-but-flush-what-you-can failure semantics of
// spec §7.
func (d *Driver) Run(ctx context.Context) (m *Metrics, err error) {
	defer func() {
		if cerr := d.closeAll(); err == nil {
			err = cerr
		}
	}()

	reads := make([]fastq.Read, len(d.inputs))
	outReads := make([]outlayout.Read, len(d.inputs))
	counter := 0

	for d.scanner.Scan(reads) {
		counter++
		for i := range reads {
			outReads[i] = outlayout.Read{Seq: reads[i].Seq, Qual: reads[i].Qual}
		}

		sm := d.resolveRecord(reads)
		assigned := sm.Sample != resolve.Unassigned

		var assembled []assembledRecord
		if assigned {
			var aerr error
			if assembled, aerr = d.assembleOutputs(sm, outReads, reads[0].ID); aerr != nil {
				sm = resolve.SampleMatch{Sample: resolve.Unassigned, Note: "unassembleable record: " + aerr.Error()}
				assigned = false
			}
		}
		d.metrics.record(sm.Sample, assigned)

		if assigned {
			if werr := d.writeAssigned(sm, assembled); werr != nil {
				return d.metrics, werr
			}
		} else if d.cfg.KeepUnassigned {
			if werr := d.writeUnassignedMirror(reads); werr != nil {
				return d.metrics, werr
			}
		}

		if d.diag != nil {
			head := headToken(reads[0].ID)
			if derr := d.diag.writeRow(counter, head, sm); derr != nil {
				return d.metrics, derr
			}
		}
	}
	if serr := d.scanner.Err(); serr != nil {
		return d.metrics, errors.E(serr, "demux: reading input")
	}
	return d.metrics, nil
}

func (d *Driver) closeAll() error {
	var first error
	for _, writers := range d.sampleWriters {
		for _, w := range writers {
			if err := w.close(); err != nil && first == nil {
				first = err
			}
		}
	}
	for _, w := range d.unassignedWriters {
		if err := w.close(); err != nil && first == nil {
			first = err
		}
	}
	if d.diag != nil {
		if err := d.diag.close(); err != nil && first == nil {
			first = err
		}
		if err := d.diagCloser.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, rc := range d.inputs {
		if err := rc.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Metrics returns the driver's run-level counters; valid after Run
// returns, whether or not it returned an error.
func (d *Driver) Metrics() *Metrics { return d.metrics }

// Report renders the metrics file text (spec §6) for this run.
func (d *Driver) Report(at time.Time) string {
	return d.metrics.Report(d.cfg.CommandLine, at)
}

func headToken(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == ' ' || id[i] == '\t' {
			return id[:i]
		}
	}
	return id
}
