package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"eventScope/internal/model"
)

// Stdout is the output path that selects standard output.
const Stdout = "-"

// JsonlStorage writes log records to a JSONL file.
type JsonlStorage struct {
	path string
	out  io.Writer
	mu   sync.Mutex
}

func NewJsonlStorage(path string) *JsonlStorage {
	if path == Stdout {
		return NewJsonlWriter(os.Stdout)
	}
	return &JsonlStorage{path: path}
}

// NewJsonlWriter writes to w instead of a file.
func NewJsonlWriter(w io.Writer) *JsonlStorage {
	return &JsonlStorage{out: w}
}

// PutLogBatch appends a batch of log records as JSON lines.
func (s *JsonlStorage) PutLogBatch(_ context.Context, logs []model.LogRecord) error {
	if len(logs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out != nil {
		return writeLines(s.out, logs)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	return writeLines(file, logs)
}

func writeLines(w io.Writer, logs []model.LogRecord) error {
	writer := bufio.NewWriter(w)
	for _, record := range logs {
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal log record: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write log record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}
