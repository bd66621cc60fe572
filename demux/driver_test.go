package demux

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/grailbio/testutil"

	"github.com/grailbio/bio-demux/qual"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := ioutil.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func gzipFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	if _, err := gw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDriverEndToEnd(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	inputPath := filepath.Join(dir, "in.fastq")
	writeTestFile(t, inputPath, "@r1\nACGTTTTT\n+\nIIIIIIII\n@r2\nGGGGTTTT\n+\nIIIIIIII\n")

	cfg := &Config{
		InputPaths:           []string{inputPath},
		ReadLayouts:          []string{"<BARCODE1:4><SAMPLE1:x>"},
		OutputLayouts:        []OutputLayoutSpec{{Seq: "S1", Header: "B1"}},
		CatalogueData:        []byte("sampleA\tACGT\nsampleB\tCCCC\n"),
		DefaultMaxMismatches: 0,
		DefaultMismatchDelta: 1,
		DefaultMinBaseQual:   0,
		Strict:               true,
		Encoding:             qual.Standard,
		Delimiter:            ':',
		KeepUnassigned:       true,
		OutputDir:            dir,
		CommandLine:          "bio-demux -test",
	}

	drv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := drv.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if metrics.Processed != 2 || metrics.Assigned != 1 || metrics.Unassigned != 1 {
		t.Fatalf("got %+v", metrics)
	}
	if metrics.PerSample["sampleA"] != 1 {
		t.Errorf("got per-sample counts %v", metrics.PerSample)
	}

	out, err := ioutil.ReadFile(sampleOutputPath(dir, "sampleA", 0, false))
	if err != nil {
		t.Fatal(err)
	}
	if want := "@r1:ACGT\nTTTT\n+\nIIII\n"; string(out) != want {
		t.Errorf("got %q, want %q", out, want)
	}

	mirror, err := ioutil.ReadFile(sampleOutputPath(dir, "unassigned.in1", 0, false))
	if err != nil {
		t.Fatal(err)
	}
	if want := "@r2\nGGGGTTTT\n+\nIIIIIIII\n"; string(mirror) != want {
		t.Errorf("got %q, want %q", mirror, want)
	}
}

func TestDriverRejectsMissingBarcodeColumn(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	inputPath := filepath.Join(dir, "in.fastq")
	writeTestFile(t, inputPath, "@r1\nACGTTTTT\n+\nIIIIIIII\n")

	cfg := &Config{
		InputPaths:    []string{inputPath},
		ReadLayouts:   []string{"<BARCODE1:4><BARCODE2:4><SAMPLE1:x>"},
		OutputLayouts: []OutputLayoutSpec{{Seq: "S1", Header: "B1"}},
		CatalogueData: []byte("sampleA\tACGT\n"),
		OutputDir:     dir,
	}
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error: read layout declares BARCODE2 but table has no such column")
	}
}

func TestDriverTruncatedRecordBecomesUnassignedNotFatal(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	// r1 is long enough to supply BARCODE1 and match sampleA, but too
	// short (length 10) to supply UMI1's fixed 8-base slot starting at
	// offset 8. This must classify r1 as Unassigned rather than abort
	// the run; r2 is a normal, fully-formed record.
	inputPath := filepath.Join(dir, "in.fastq")
	writeTestFile(t, inputPath,
		"@r1\nACGTTTTTTT\n+\nIIIIIIIIII\n"+
			"@r2\nACGTTTTTGGGGCCCCAAAA\n+\nIIIIIIIIIIIIIIIIIIII\n")

	cfg := &Config{
		InputPaths:           []string{inputPath},
		ReadLayouts:          []string{"<BARCODE1:8><UMI1:8><SAMPLE1:x>"},
		OutputLayouts:        []OutputLayoutSpec{{Seq: "U1S1", Header: "B1"}},
		CatalogueData:        []byte("sampleA\tACGTTTTT\n"),
		DefaultMismatchDelta: 1,
		Strict:               true,
		Encoding:             qual.Standard,
		Delimiter:            ':',
		KeepUnassigned:       true,
		OutputDir:            dir,
	}
	drv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := drv.Run(context.Background())
	if err != nil {
		t.Fatalf("Run must not abort on a truncated record: %v", err)
	}
	if metrics.Processed != 2 || metrics.Assigned != 1 || metrics.Unassigned != 1 {
		t.Fatalf("got %+v, want 1 assigned (r2) and 1 unassigned (r1, truncated)", metrics)
	}

	mirror, err := ioutil.ReadFile(sampleOutputPath(dir, "unassigned.in1", 0, false))
	if err != nil {
		t.Fatal(err)
	}
	if want := "@r1\nACGTTTTTTT\n+\nIIIIIIIIII\n"; string(mirror) != want {
		t.Errorf("got %q, want %q", mirror, want)
	}
}

func TestDriverGzipRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	raw := "@r1\nACGTTTTT\n+\nIIIIIIII\n"
	gzPath := filepath.Join(dir, "in.fastq.gz")
	gzipFile(t, gzPath, raw)

	cfg := &Config{
		InputPaths:           []string{gzPath},
		ReadLayouts:          []string{"<BARCODE1:4><SAMPLE1:x>"},
		OutputLayouts:        []OutputLayoutSpec{{Seq: "S1", Header: "B1"}},
		CatalogueData:        []byte("sampleA\tACGT\n"),
		DefaultMismatchDelta: 1,
		Strict:               true,
		Encoding:             qual.Standard,
		Delimiter:            ':',
		OutputDir:            dir,
		Gzip:                 true,
	}
	drv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := drv.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if metrics.Assigned != 1 {
		t.Fatalf("got %+v", metrics)
	}
}
