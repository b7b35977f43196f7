package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// LineWriter is a long-lived appender for a jsonl log. It keeps the file
// handle open across appends (messages.jsonl sees one entry per assistant
// event) and flushes on every write so external readers and restart
// recovery always see complete lines.
//
// Write errors are tracked rather than propagated as panics; a session
// whose disk fills up degrades, it does not crash the process.
type LineWriter struct {
	mu     sync.Mutex
	file   *os.File
	closed bool

	writeErrors atomic.Int64
	lastError   atomic.Value
}

// NewLineWriter opens (or creates) the jsonl file at path for appending.
func NewLineWriter(path string) (*LineWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: paths come from the Layout
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	return &LineWriter{file: f}, nil
}

// Append marshals v to one line and writes it, flushing to disk.
func (w *LineWriter) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal jsonl entry: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}

	if _, err := w.file.Write(data); err != nil {
		w.writeErrors.Add(1)
		w.lastError.Store(err)
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.writeErrors.Add(1)
		w.lastError.Store(err)
		return err
	}
	return nil
}

// Close closes the underlying file. Further appends return os.ErrClosed.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	w.closed = true
	return w.file.Close()
}

// ErrorCount returns the total number of write errors encountered.
func (w *LineWriter) ErrorCount() int64 {
	return w.writeErrors.Load()
}

// LastError returns the most recent write error, or nil.
func (w *LineWriter) LastError() error {
	if err := w.lastError.Load(); err != nil {
		return err.(error)
	}
	return nil
}
