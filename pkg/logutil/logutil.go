// Package logutil installs a charmbracelet logger as the process wide slog
// handler. Every line is teed to an optional writer (the control API log
// store) while stderr only receives lines at or above the configured level.
package logutil

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/poolrouter/pkg/logstore"
)

var (
	outputMu sync.Mutex
	sink     = &levelFilterWriter{out: os.Stderr, minRank: logstore.Rank("info")}
)

type Options struct {
	Level string
	// Format is text, logfmt or json.
	Format string
}

// Configure builds the logger and makes it the slog default.
func Configure(opts Options) error {
	levelRaw := strings.TrimSpace(opts.Level)
	if levelRaw == "" {
		levelRaw = "info"
	}
	rank := logstore.Rank(levelRaw)
	if rank < 0 {
		return fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	formatter := log.TextFormatter
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
	case "logfmt":
		formatter = log.LogfmtFormatter
	case "json":
		formatter = log.JSONFormatter
	default:
		return fmt.Errorf("invalid log format %q", opts.Format)
	}

	outputMu.Lock()
	defer outputMu.Unlock()
	sink.setMinRank(rank)
	logger := log.NewWithOptions(sink, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Formatter:       formatter,
		// Everything is emitted so the tee sees debug lines; stderr filters.
		Level: log.DebugLevel,
	})
	slog.SetDefault(slog.New(logger))
	return nil
}

// SetOutputTee mirrors every formatted line to w. Pass nil to stop.
func SetOutputTee(w io.Writer) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.tee = w
}

// SetOutput replaces the filtered destination, stderr by default.
func SetOutput(w io.Writer) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.out = w
}

type levelFilterWriter struct {
	mu      sync.Mutex
	out     io.Writer
	tee     io.Writer
	minRank int
	buf     []byte
}

func (w *levelFilterWriter) setMinRank(r int) {
	w.mu.Lock()
	w.minRank = r
	w.mu.Unlock()
}

func (w *levelFilterWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		if w.tee != nil {
			_, _ = w.tee.Write(line)
		}
		if w.out != nil && logstore.Rank(logstore.DetectLevel(string(line))) >= w.minRank {
			_, _ = w.out.Write(line)
		}
	}
	return len(p), nil
}
