package writer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// JSONLog is an append-only newline-delimited JSON file. Each record is
// encoded up front and written with a single call under the mutex, so
// concurrent appends never interleave within a line.
type JSONLog struct {
	path string
	mu   sync.Mutex
}

// NewJSONLog returns a log writing to path. Nothing touches the filesystem
// until the first Append.
func NewJSONLog(path string) *JSONLog {
	return &JSONLog{path: path}
}

// Path reports the file the log appends to.
func (l *JSONLog) Path() string {
	return l.path
}

// Append encodes record as one JSON line and appends it to the file,
// creating the parent directory when needed.
func (l *JSONLog) Append(record interface{}) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", l.path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append to %s: %w", l.path, err)
	}
	return f.Close()
}

// ReadAll returns the raw file contents. A log that has never been written
// reads as empty.
func (l *JSONLog) ReadAll() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.path, err)
	}
	return data, nil
}
