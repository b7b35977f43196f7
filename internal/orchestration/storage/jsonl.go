package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// AppendJSONLine marshals v to a single line and appends it to path,
// flushing to disk before returning. Parent directories are created as
// needed. Suitable for low-volume audit logs (comms.jsonl) where every
// entry must hit disk immediately.
func AppendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal jsonl entry: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: paths come from the Layout
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append to %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return nil
}

// maxLineSize bounds a single jsonl line (1 MiB). Assistant events carry
// whole file contents in tool results, so the default scanner limit is too
// small.
const maxLineSize = 1024 * 1024

// ReadJSONLines reads a jsonl file into a slice of T, applying offset and
// limit (limit <= 0 means no limit). A missing file yields an empty slice.
// Malformed lines are skipped and counted, never fatal: logs written by
// older versions or truncated by crashes must not take the core down.
func ReadJSONLines[T any](path string, limit, offset int) (entries []T, skipped int, err error) {
	f, err := os.Open(path) //nolint:gosec // G304: paths come from the Layout
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	seen := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry T
		if err := json.Unmarshal(line, &entry); err != nil {
			skipped++
			continue
		}

		if seen < offset {
			seen++
			continue
		}
		seen++

		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return entries, skipped, fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return entries, skipped, nil
}
