// bio-demux splits one to four input FASTQ streams into per-sample
// output FASTQ files according to a read layout, an output layout, and
// a sample<->barcode table.
package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/grailbio/bio-demux/demux"
	"github.com/grailbio/bio-demux/qual"
)

var (
	inputs      = flag.String("inputs", "", "comma-separated list of one to four input FASTQ files")
	readLayouts = flag.String("read-layouts", "", "comma-separated list of read layouts, one per input")
	outputSeqs  = flag.String("output-seqs", "", "comma-separated list of output-layout sequence halves")
	outputHdrs  = flag.String("output-headers", "", "comma-separated list of output-layout header halves, aligned with -output-seqs")
	catalogue   = flag.String("barcode-table", "", "path to the sample<->barcode table")
	outputDir   = flag.String("output-dir", "", "directory to write synthesized per-sample output files into")

	gzipOut  = flag.Bool("gzip", false, "gzip-compress every output stream")
	strict   = flag.Bool("strict", false, "leave a record unassigned when its barcode candidates map to more than one sample, instead of picking the sample with the fewest mismatches")
	encoding = flag.String("qual-encoding", "phred33", "input quality encoding: phred33, phred64, or solexa")

	maxMismatches    = flag.Int("max-mismatches", 1, "default maximum mismatches allowed per barcode slot")
	mismatchDelta    = flag.Int("mismatch-delta", 1, "default minimum mismatch-count gap to the second-best barcode")
	minBaseQuality   = flag.Int("min-base-quality", 0, "default minimum normalized base quality counted toward a barcode match")
	perSlotOverrides = flag.String("slot-thresholds", "", `per-slot threshold overrides, e.g. "1:mm=1;delta=2,2:mm=0"`)

	delimiter      = flag.String("header-delimiter", ":", "single-character delimiter joining output-layout header fields")
	qualityInName  = flag.Bool("quality-in-name", false, "append each header slot's normalized quality, zero-padded, to the read name")
	legacyHeaders  = flag.Bool("legacy-same-headers", false, "trim a trailing Illumina-style \" 1:N:0:...\" token before header assembly")
	keepUnassigned = flag.Bool("keep-unassigned", false, "mirror unassigned records to a per-input unassigned output")

	umiFiles = flag.String("umi-files", "", `per-UMI-slot known-UMI list files for snap-correction, e.g. "1:/path/to/umis.txt"`)

	async           = flag.Bool("async", false, "hand assembled records off to a background writer goroutine per output")
	asyncQueueDepth = flag.Int("async-queue-depth", 1024, "queue depth for -async writers")

	diagnosticPath = flag.String("diagnostic-output", "", "path to write the per-record diagnostic TSV to")
	metricsPath    = flag.String("metrics-output", "", "path to write the run's metrics report to")
)

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// parseSlotThresholds parses "1:mm=1;delta=2,2:mm=0" into per-slot
// MaxMismatches/MinMismatchDelta/MinBaseQuality overrides.
func parseSlotThresholds(s string) (maxMM, delta, minQ map[int]int) {
	maxMM, delta, minQ = map[int]int{}, map[int]int{}, map[int]int{}
	for _, slotSpec := range splitCSV(s) {
		parts := strings.SplitN(slotSpec, ":", 2)
		if len(parts) != 2 {
			log.Fatalf("malformed slot threshold spec %q", slotSpec)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			log.Fatalf("malformed slot id in %q: %v", slotSpec, err)
		}
		for _, kv := range strings.Split(parts[1], ";") {
			pair := strings.SplitN(kv, "=", 2)
			if len(pair) != 2 {
				log.Fatalf("malformed threshold field %q in %q", kv, slotSpec)
			}
			v, err := strconv.Atoi(pair[1])
			if err != nil {
				log.Fatalf("malformed threshold value in %q: %v", kv, err)
			}
			switch pair[0] {
			case "mm":
				maxMM[id] = v
			case "delta":
				delta[id] = v
			case "minq":
				minQ[id] = v
			default:
				log.Fatalf("unrecognized threshold field %q in %q", pair[0], slotSpec)
			}
		}
	}
	return
}

func parseEncoding(s string) qual.Encoding {
	switch s {
	case "phred33":
		return qual.Standard
	case "phred64":
		return qual.Illumina13
	case "solexa":
		return qual.Solexa
	default:
		log.Fatalf("unrecognized -qual-encoding %q, want phred33, phred64, or solexa", s)
		return qual.Standard
	}
}

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() > 0 {
		log.Fatalf("unparsed arguments, please check flag syntax: %s", strings.Join(flag.Args(), " "))
	}
	if *catalogue == "" {
		log.Fatal("-barcode-table is required")
	}

	outSeqs, outHdrs := splitCSV(*outputSeqs), splitCSV(*outputHdrs)
	if len(outSeqs) != len(outHdrs) {
		log.Fatalf("-output-seqs and -output-headers must have the same number of comma-separated entries")
	}
	outLayouts := make([]demux.OutputLayoutSpec, len(outSeqs))
	for i := range outSeqs {
		outLayouts[i] = demux.OutputLayoutSpec{Seq: outSeqs[i], Header: outHdrs[i]}
	}

	ctx := vcontext.Background()
	catData, err := file.ReadFile(ctx, *catalogue)
	if err != nil {
		log.Fatalf("reading %s: %v", *catalogue, err)
	}

	umiSlotPaths := parseSlotStrings(*umiFiles)
	umiData := make(map[int][]byte, len(umiSlotPaths))
	for id, path := range umiSlotPaths {
		data, err := file.ReadFile(ctx, path)
		if err != nil {
			log.Fatalf("reading umi list %s for UMI%d: %v", path, id, err)
		}
		umiData[id] = data
	}

	maxMM, delta, minQ := parseSlotThresholds(*perSlotOverrides)

	if len(*delimiter) != 1 {
		log.Fatalf("-header-delimiter must be a single character, got %q", *delimiter)
	}

	cfg := &demux.Config{
		InputPaths:    splitCSV(*inputs),
		ReadLayouts:   splitCSV(*readLayouts),
		OutputLayouts: outLayouts,
		CatalogueData: catData,
		UMIFiles:      umiData,

		MaxMismatches:        maxMM,
		MinMismatchDelta:     delta,
		MinBaseQuality:       minQ,
		DefaultMaxMismatches: *maxMismatches,
		DefaultMismatchDelta: *mismatchDelta,
		DefaultMinBaseQual:   *minBaseQuality,

		Strict:         *strict,
		Encoding:       parseEncoding(*encoding),
		Delimiter:      (*delimiter)[0],
		QualityInName:  *qualityInName,
		LegacyHeaders:  *legacyHeaders,
		KeepUnassigned: *keepUnassigned,

		OutputDir: *outputDir,
		Gzip:      *gzipOut,

		Async:           *async,
		AsyncQueueDepth: *asyncQueueDepth,

		DiagnosticPath: *diagnosticPath,
		MetricsPath:    *metricsPath,
		CommandLine:    strings.Join(os.Args, " "),
	}

	drv, err := demux.New(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	metrics, err := drv.Run(ctx)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Processed %d reads: %d assigned, %d unassigned", metrics.Processed, metrics.Assigned, metrics.Unassigned)

	if cfg.MetricsPath != "" {
		if werr := writeMetricsReport(ctx, cfg.MetricsPath, drv.Report(time.Now())); werr != nil {
			log.Fatalf("writing metrics to %s: %v", cfg.MetricsPath, werr)
		}
	}
}

func writeMetricsReport(ctx context.Context, path, report string) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := out.Writer(ctx).Write([]byte(report)); err != nil {
		_ = out.Close(ctx)
		return err
	}
	return out.Close(ctx)
}

// parseSlotStrings parses "1:/path/a,2:/path/b" into {1:"/path/a", 2:"/path/b"}.
func parseSlotStrings(s string) map[int]string {
	out := make(map[int]string)
	for _, part := range splitCSV(s) {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			log.Fatalf("malformed slot:path pair %q", part)
		}
		id, err := strconv.Atoi(kv[0])
		if err != nil {
			log.Fatalf("malformed slot id in %q: %v", part, err)
		}
		out[id] = kv[1]
	}
	return out
}
