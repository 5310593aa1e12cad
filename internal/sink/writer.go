// Package sink delivers extracted records to their destination.
package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
)

// Format selects the line encoding used by Writer.
type Format string

// Supported formats.
const (
	FormatText  Format = "text"
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// ParseFormat validates a configured format name.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "", FormatText:
		return FormatText, nil
	case FormatCSV, FormatJSONL:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q", raw)
	}
}

// Writer serializes records onto a single io.Writer. Emit holds a mutex for
// the whole line so concurrent workers never interleave output.
type Writer struct {
	mu     sync.Mutex
	out    io.Writer
	format Format
	csv    *csv.Writer
	enc    *json.Encoder
	closer io.Closer
}

var _ crawler.RecordSink = (*Writer)(nil)

// NewWriter wraps w. The caller keeps ownership of w.
func NewWriter(w io.Writer, format Format) *Writer {
	s := &Writer{out: w, format: format}
	switch format {
	case FormatCSV:
		s.csv = csv.NewWriter(w)
	case FormatJSONL:
		s.enc = json.NewEncoder(w)
	}
	return s
}

// Open writes to path, or to stdout when path is empty. Files are truncated.
func Open(path string, format Format) (*Writer, error) {
	if path == "" {
		return NewWriter(os.Stdout, format), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	s := NewWriter(f, format)
	s.closer = f
	return s, nil
}

// Emit writes one record.
func (s *Writer) Emit(_ context.Context, record crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch s.format {
	case FormatCSV:
		if err = s.csv.Write(record.Fields()); err == nil {
			s.csv.Flush()
			err = s.csv.Error()
		}
	case FormatJSONL:
		err = s.enc.Encode(record)
	default:
		_, err = io.WriteString(s.out, strings.Join(record.Fields(), ", ")+"\n")
	}
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file when Writer opened it.
func (s *Writer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.csv != nil {
		s.csv.Flush()
		errs = append(errs, s.csv.Error())
	}
	if s.closer != nil {
		errs = append(errs, s.closer.Close())
		s.closer = nil
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	return nil
}

// Fanout emits every record to each sink in order.
type Fanout []crawler.RecordSink

// Emit forwards record to every sink and joins their errors.
func (f Fanout) Emit(ctx context.Context, record crawler.Record) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
