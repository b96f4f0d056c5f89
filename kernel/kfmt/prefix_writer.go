package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter is an io.Writer that indents every line it forwards to Sink
// with Prefix.
type PrefixWriter struct {
	Sink   io.Writer
	Prefix []byte

	// midLine is set while the current output line already carries the
	// prefix.
	midLine bool
}

// NewPrefixWriter returns a PrefixWriter that indents every line written to
// sink with prefix. PrefixWriters can be nested to produce multi-level
// indentation.
func NewPrefixWriter(sink io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{Sink: sink, Prefix: []byte(prefix)}
}

// Write forwards p to the sink injecting the prefix at the start of every
// line. The prefix is emitted lazily, once the first byte of a line arrives,
// and is not included in the returned byte count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) > 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		line := p
		if eol := bytes.IndexByte(p, '\n'); eol >= 0 {
			line = p[:eol+1]
		}

		n, err := w.Sink.Write(line)
		written += n
		if err != nil {
			return written, err
		}

		w.midLine = line[len(line)-1] != '\n'
		p = p[len(line):]
	}

	return written, nil
}
