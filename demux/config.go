// Package demux implements the Demultiplex Driver (spec §4.F): it wires
// together the read-layout, output-layout, barcode, and resolver
// packages into the synchronized per-record loop that turns one to four
// input FASTQ streams into per-sample output files.
package demux

import (
	"sort"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/bio-demux/barcode"
	"github.com/grailbio/bio-demux/outlayout"
	"github.com/grailbio/bio-demux/qual"
	"github.com/grailbio/bio-demux/readlayout"
	"github.com/grailbio/bio-demux/umi"
)

// OutputLayoutSpec names the two halves of one output layout, in either
// grammar form (spec §4.B).
type OutputLayoutSpec struct {
	Seq    string
	Header string
}

// Config is the complete, data-only description of one demultiplexing
// run (spec §6, "CLI surface"); the CLI entrypoint is responsible for
// populating it from flags, the core never parses a command line.
type Config struct {
	// InputPaths names one to four input FASTQ files, in the same order
	// as ReadLayouts.
	InputPaths []string
	// ReadLayouts has one read-layout grammar string per input.
	ReadLayouts []string
	// OutputLayouts describes zero or more output records to produce per
	// assigned input record.
	OutputLayouts []OutputLayoutSpec
	// CatalogueData is the raw contents of the barcode table file.
	CatalogueData []byte
	// UMIFiles, keyed by UMI slot id, holds the raw contents of a
	// newline-separated list of expected UMIs. A slot with no entry is
	// emitted verbatim, uncorrected (supplemental UMI snap-correction).
	UMIFiles map[int][]byte

	// MaxMismatches, MinMismatchDelta, and MinBaseQuality key by barcode
	// slot id (spec §4.D thresholds). A slot id absent from these maps
	// uses the Default* fallback.
	MaxMismatches        map[int]int
	MinMismatchDelta     map[int]int
	MinBaseQuality       map[int]int
	DefaultMaxMismatches int
	DefaultMismatchDelta int
	DefaultMinBaseQual   int

	Strict         bool
	Encoding       qual.Encoding
	Delimiter      byte
	QualityInName  bool
	LegacyHeaders  bool
	KeepUnassigned bool

	// OutputDir, if non-empty, prefixes synthesized (table-less)
	// per-sample output file names.
	OutputDir string
	// Gzip compresses every opened output stream.
	Gzip bool

	// Async enables per-writer background hand-off (spec §5, supplemental
	// feature); AsyncQueueDepth bounds each writer's queue.
	Async           bool
	AsyncQueueDepth int

	// DiagnosticPath, if non-empty, requests the per-record diagnostic
	// TSV stream (spec §6).
	DiagnosticPath string
	// MetricsPath, if non-empty, requests the metrics report (spec §6).
	MetricsPath string
	// CommandLine is recorded verbatim in the metrics report header.
	CommandLine string
}

func (c *Config) thresholds(slotID int) barcode.Thresholds {
	th := barcode.Thresholds{
		MaxMismatches:    c.DefaultMaxMismatches,
		MinMismatchDelta: c.DefaultMismatchDelta,
		MinBaseQuality:   c.DefaultMinBaseQual,
	}
	if v, ok := c.MaxMismatches[slotID]; ok {
		th.MaxMismatches = v
	}
	if v, ok := c.MinMismatchDelta[slotID]; ok {
		th.MinMismatchDelta = v
	}
	if v, ok := c.MinBaseQuality[slotID]; ok {
		th.MinBaseQuality = v
	}
	return th
}

// plan is the startup-compiled, immutable form of a Config: every piece
// the driver needs per record, with nothing left to parse or validate
// at record-processing time (spec §4.F, "Startup").
type plan struct {
	readLayouts   []*readlayout.Layout
	outputLayouts []*outlayout.Layout
	catalogue     *barcode.Catalogue
	barcodeSlots  []int // every BARCODE slot id declared by any read layout, ascending
	// barcodeSources[id] lists the read-layout indices that declare
	// BARCODE slot id, mirroring outlayout's per-op source binding.
	barcodeSources map[int][]int
	thresholds     map[int]barcode.Thresholds
}

// compile validates and compiles cfg into a plan, or returns a
// ConfigurationError-class error (spec §7) if the configuration itself
// is inconsistent. It never touches I/O.
func compile(cfg *Config) (*plan, error) {
	if len(cfg.InputPaths) == 0 {
		return nil, errors.E("demux: at least one input FASTQ is required")
	}
	if len(cfg.InputPaths) != len(cfg.ReadLayouts) {
		return nil, errors.E("demux: input count and read-layout count must match")
	}
	if len(cfg.InputPaths) > 4 {
		return nil, errors.E("demux: at most four input FASTQ streams are supported")
	}

	readLayouts := make([]*readlayout.Layout, len(cfg.ReadLayouts))
	for i, raw := range cfg.ReadLayouts {
		rl, err := readlayout.Compile(raw)
		if err != nil {
			return nil, errors.E(err, "demux: compiling read layout", i)
		}
		readLayouts[i] = rl
	}

	slotSeen := make(map[int]bool)
	var barcodeSlots []int
	barcodeSources := make(map[int][]int)
	for li, rl := range readLayouts {
		for _, id := range rl.BarcodeIDsOrdered() {
			if !slotSeen[id] {
				slotSeen[id] = true
				barcodeSlots = append(barcodeSlots, id)
			}
			barcodeSources[id] = append(barcodeSources[id], li)
		}
	}
	// Canonicalize to ascending slot-id order: read layouts may declare
	// barcode slots in any physical (5'->3') order, but the resolver
	// concatenates matched barcodes in barcodeSlots order (spec §4.E step
	// 2, "concatenate in slot-id order"), which must agree with how
	// barcode.Catalogue.buildCodes concatenates a sample's BarcodeSets.
	sort.Ints(barcodeSlots)

	cat, err := barcode.ParseCatalogue(cfg.CatalogueData)
	if err != nil {
		return nil, errors.E(err, "demux: parsing barcode table")
	}
	for _, id := range barcodeSlots {
		if cat.SlotCatalogue(id) == nil {
			return nil, errors.E("demux: barcode table has no column for BARCODE", id, "required by a read layout")
		}
	}

	correctors := make(map[int]*umi.SnapCorrector, len(cfg.UMIFiles))
	for id, data := range cfg.UMIFiles {
		c, cerr := umi.NewSnapCorrector(data)
		if cerr != nil {
			return nil, errors.E(cerr, "demux: loading UMI list for UMI", id)
		}
		correctors[id] = c
	}

	var opts []outlayout.Option
	if cfg.Delimiter != 0 {
		opts = append(opts, outlayout.WithDelimiter(cfg.Delimiter))
	}
	if cfg.QualityInName {
		opts = append(opts, outlayout.WithQualityInHeader())
	}
	if len(correctors) > 0 {
		opts = append(opts, outlayout.WithUMICorrectors(correctors))
	}
	outLayouts := make([]*outlayout.Layout, len(cfg.OutputLayouts))
	for i, spec := range cfg.OutputLayouts {
		ol, err := outlayout.Compile(spec.Seq, spec.Header, readLayouts, opts...)
		if err != nil {
			return nil, errors.E(err, "demux: compiling output layout", i)
		}
		outLayouts[i] = ol
	}

	thresholds := make(map[int]barcode.Thresholds, len(barcodeSlots))
	for _, id := range barcodeSlots {
		thresholds[id] = cfg.thresholds(id)
	}

	return &plan{
		readLayouts:    readLayouts,
		outputLayouts:  outLayouts,
		catalogue:      cat,
		barcodeSlots:   barcodeSlots,
		barcodeSources: barcodeSources,
		thresholds:     thresholds,
	}, nil
}
