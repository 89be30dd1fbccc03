package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"eventScope/internal/config"
	"eventScope/internal/decoder"
	"eventScope/internal/model"
)

type decodeFunc func(rec model.EventRecord) (*model.DecodedEvent, error)

type lineWriter interface {
	Write(value interface{}) error
}

type decodeStats struct {
	total, decoded, skipped, failed int
}

func runDecode(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadDecode(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.In == "" {
		return fmt.Errorf("input path is required")
	}
	if cfg.Out == "" {
		return fmt.Errorf("output path is required")
	}
	if cfg.Errors == "" {
		return fmt.Errorf("errors path is required")
	}

	decoders, err := loadDecoders(cfg.ABIFiles)
	if err != nil {
		return err
	}
	decode := decoders.Decode
	if cfg.ABI != "" {
		iface, ok := decoders.Get(cfg.ABI)
		if !ok {
			return fmt.Errorf("%w: %s", decoder.ErrNoDecoderAvailable, cfg.ABI)
		}
		decode = iface.Decode
	}

	inputFile, err := os.Open(cfg.In)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer inputFile.Close()

	outWriter, err := newJSONLWriter(cfg.Out, false)
	if err != nil {
		return err
	}
	defer outWriter.Close()

	errWriter, err := newJSONLWriter(cfg.Errors, false)
	if err != nil {
		return err
	}
	defer errWriter.Close()

	logger.Info("decode start",
		zap.String("in", cfg.In),
		zap.String("out", cfg.Out),
		zap.String("errors", cfg.Errors),
		zap.Strings("interfaces", decoders.Names()),
		zap.String("abi", cfg.ABI),
	)

	stats, err := decodeLines(inputFile, decode, outWriter, errWriter)
	if err != nil {
		return err
	}

	logger.Info("decode complete",
		zap.Int("total", stats.total),
		zap.Int("decoded", stats.decoded),
		zap.Int("skipped", stats.skipped),
		zap.Int("failed", stats.failed),
	)

	return nil
}

// decodeLines reads LogRecord lines from in and writes the decoded ones to out.
// Lines that match no interface are skipped; failures go to errs.
func decodeLines(in io.Reader, decode decodeFunc, out, errs lineWriter) (decodeStats, error) {
	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	var stats decodeStats
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		stats.total++

		var record model.LogRecord
		if err := json.Unmarshal(line, &record); err != nil {
			stats.failed++
			writeDecodeError(errs, model.DecodeError{Error: err.Error()})
			continue
		}
		if len(record.Topics) == 0 {
			stats.failed++
			writeDecodeError(errs, model.NewDecodeError(record, fmt.Errorf("missing topic0")))
			continue
		}

		rec, err := record.EventRecord()
		if err != nil {
			stats.failed++
			writeDecodeError(errs, model.NewDecodeError(record, err))
			continue
		}

		event, err := decode(rec)
		if err != nil {
			stats.failed++
			writeDecodeError(errs, model.NewDecodeError(record, err))
			continue
		}
		if event == nil {
			stats.skipped++
			continue
		}

		record.Contract = event.Contract
		record.EventName = event.Name
		record.Args = model.JSONArgs(event.Args)
		if err := out.Write(record); err != nil {
			return stats, err
		}
		stats.decoded++
	}

	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("scan input: %w", err)
	}
	return stats, nil
}

type jsonlWriter struct {
	file   *os.File
	writer *bufio.Writer
}

func newJSONLWriter(path string, appendMode bool) (*jsonlWriter, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &jsonlWriter{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (w *jsonlWriter) Write(value interface{}) error {
	line, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}

func (w *jsonlWriter) Close() error {
	if w == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func writeDecodeError(writer lineWriter, errRecord model.DecodeError) {
	if writer == nil {
		return
	}
	_ = writer.Write(errRecord)
}
