// Package sse frames and writes text/event-stream records.
package sse

import (
	"bytes"
	"errors"
	"io"
	"iter"
)

// readChunkSize is the size of each read from the underlying stream.
const readChunkSize = 32 * 1024

var (
	recordSep = []byte("\n\n")
	crlf      = []byte("\r\n")
	lf        = []byte("\n")
)

// Record is one complete event record with its framing removed.
type Record struct {
	Event string
	ID    string
	Data  []byte
}

// Framer splits a byte stream arriving in arbitrary chunks into whole records.
// Records are separated by a blank line; payload lines carry a "data:" prefix.
// Bytes after the last separator are kept until a later chunk completes them.
type Framer struct {
	buf []byte
}

// Push appends a chunk and returns every record it completes, in order.
// Records without any data line (comments, retry hints) are dropped.
func (f *Framer) Push(chunk []byte) []Record {
	f.buf = append(f.buf, chunk...)
	if bytes.Contains(f.buf, crlf) {
		f.buf = bytes.ReplaceAll(f.buf, crlf, lf)
	}

	var out []Record
	for {
		idx := bytes.Index(f.buf, recordSep)
		if idx < 0 {
			break
		}
		raw := f.buf[:idx]
		f.buf = f.buf[idx+len(recordSep):]
		if rec, ok := parseRecord(raw); ok {
			out = append(out, rec)
		}
	}

	// Compact so the consumed prefix can be released.
	if len(f.buf) == 0 {
		f.buf = nil
	} else if cap(f.buf) > 2*len(f.buf)+readChunkSize {
		f.buf = bytes.Clone(f.buf)
	}
	return out
}

// Pending returns the number of buffered bytes that do not yet form a record.
func (f *Framer) Pending() int {
	return len(f.buf)
}

func parseRecord(raw []byte) (Record, bool) {
	var rec Record
	var data [][]byte
	for _, line := range bytes.Split(raw, lf) {
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "data":
			data = append(data, value)
		case "event":
			rec.Event = string(value)
		case "id":
			rec.ID = string(value)
		}
	}
	if len(data) == 0 {
		return Record{}, false
	}
	rec.Data = bytes.Join(data, lf)
	return rec, true
}

// Records lazily frames r. The sequence ends at EOF; trailing bytes that never
// completed a record are discarded. A read error other than EOF is yielded once
// as the final element.
func Records(r io.Reader) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var f Framer
		chunk := make([]byte, readChunkSize)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				for _, rec := range f.Push(chunk[:n]) {
					if !yield(rec, nil) {
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(Record{}, err)
				}
				return
			}
		}
	}
}
