package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use. Each Write* method
// emits a complete record as a single line of JSON followed by a newline.
type Writer interface {
	WriteRun(ctx context.Context, run *RunRecord) error
	WriteAction(ctx context.Context, action *ActionRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close marks the writer closed. The underlying io.Writer is not closed.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
// Writes are serialized so lines never interleave.
type JSONLWriter struct {
	w        io.Writer
	passID   string
	provider string
	now      func() time.Time
	mu       sync.Mutex
	closed   bool
}

// NewJSONLWriter creates a JSONL writer stamping every record with passID
// and provider.
func NewJSONLWriter(w io.Writer, passID, provider string) *JSONLWriter {
	return &JSONLWriter{
		w:        w,
		passID:   passID,
		provider: provider,
		now:      time.Now,
	}
}

// WriteRun emits a run listing record.
func (jw *JSONLWriter) WriteRun(ctx context.Context, run *RunRecord) error {
	return jw.writeRecord(ctx, TypeRun, run)
}

// WriteAction emits a per-run reconcile result.
func (jw *JSONLWriter) WriteAction(ctx context.Context, action *ActionRecord) error {
	return jw.writeRecord(ctx, TypeAction, action)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	recordBytes, err := json.Marshal(Record{
		Type:     recordType,
		TS:       jw.now().UTC(),
		PassID:   jw.passID,
		Provider: jw.provider,
		Data:     dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
