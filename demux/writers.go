package demux

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"

	"github.com/grailbio/bio-demux/encoding/fastq"
)

// multiCloser closes every registered close function in order,
// returning the first error encountered.
type multiCloser struct {
	io.Reader
	io.Writer
	fns []func() error
}

func (m *multiCloser) Close() error {
	var first error
	for _, fn := range m.fns {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var gzipMagic = [2]byte{0x1f, 0x8b}

// openInput opens path and, if it carries gzip framing (spec §6,
// "Optional gzip framing"), transparently decompresses it. Framing is
// autodetected from the leading magic bytes rather than the file
// extension.
func openInput(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	br := bufio.NewReader(f.Reader(ctx))
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, errors.E(err, "read", path)
	}
	if len(magic) == 2 && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.E(err, "gzip", path)
		}
		return &multiCloser{Reader: gz, fns: []func() error{gz.Close, func() error { return f.Close(ctx) }}}, nil
	}
	return &multiCloser{Reader: br, fns: []func() error{func() error { return f.Close(ctx) }}}, nil
}

// openOutput creates path, optionally wrapping it in a gzip writer.
func openOutput(ctx context.Context, path string, gz bool) (io.WriteCloser, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "create", path)
	}
	w := f.Writer(ctx)
	if gz {
		gzw := gzip.NewWriter(w)
		return &multiCloser{Writer: gzw, fns: []func() error{gzw.Close, func() error { return f.Close(ctx) }}}, nil
	}
	return &multiCloser{Writer: w, fns: []func() error{func() error { return f.Close(ctx) }}}, nil
}

// asyncWriter hands writes off to a background goroutine over a bounded
// channel (spec §5, "optional hand-off to an asynchronous writer...the
// producer blocks when the queue is full"), grounded on the bounded
// request-channel dispatch in cmd/bio-fusion/main.go.
type asyncWriter struct {
	ch   chan []byte
	done chan struct{}
	errp *errors.Once
}

func newAsyncWriter(w io.Writer, queueDepth int) *asyncWriter {
	a := &asyncWriter{
		ch:   make(chan []byte, queueDepth),
		done: make(chan struct{}),
		errp: &errors.Once{},
	}
	go func() {
		defer close(a.done)
		for b := range a.ch {
			if _, err := w.Write(b); err != nil {
				a.errp.Set(err)
			}
		}
	}()
	return a
}

func (a *asyncWriter) Write(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	a.ch <- cp
	return len(b), nil
}

func (a *asyncWriter) Close() error {
	close(a.ch)
	<-a.done
	return a.errp.Err()
}

// outputWriter pairs a fastq.Writer with the underlying stream(s) it
// must close on shutdown.
type outputWriter struct {
	fw     *fastq.Writer
	closer io.Closer
	async  *asyncWriter
}

func (o *outputWriter) write(r *fastq.Read) error {
	return o.fw.Write(r)
}

func (o *outputWriter) close() error {
	var first error
	if o.async != nil {
		if err := o.async.Close(); err != nil {
			first = err
		}
	}
	if err := o.closer.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// sampleOutputPath synthesizes a default output file name for a sample
// when the barcode table did not provide one (spec §4.F, "using
// provided filenames if present else synthesizing a name from the
// sample key").
func sampleOutputPath(dir, sample string, outIdx int, gz bool) string {
	name := fmt.Sprintf("%s.out%d.fastq", sample, outIdx+1)
	if gz {
		name += ".gz"
	}
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
