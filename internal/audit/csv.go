// Package audit appends one CSV row per emitted status-change event.
package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"banwatch/internal/sanction"
	"banwatch/pkg/logx"
)

var Columns = []string{"timestamp", "event", "entity_id", "display_name", "country", "previous_status", "detail"}

var ErrClosed = errors.New("audit sink closed")

// CSVSink is an append-only CSV file. Writes are serialized.
type CSVSink struct {
	log logx.Logger

	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// OpenCSV opens (or creates) path and writes the header when the file is new or empty.
func OpenCSV(path string, log logx.Logger) (*CSVSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("audit path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s := &CSVSink{log: log.With(logx.String("comp", "audit")), f: f, w: csv.NewWriter(f)}
	if fi.Size() == 0 {
		if err := s.writeRow(Columns); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return s, nil
}

// Record appends ev.
func (s *CSVSink) Record(ctx context.Context, ev sanction.Event) error {
	_ = ctx
	if ev == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	return s.writeRow(Row(ev))
}

func (s *CSVSink) writeRow(row []string) error {
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	s.w.Flush()
	err := s.f.Close()
	s.f = nil
	return err
}

// Row renders ev in Columns order.
func Row(ev sanction.Event) []string {
	sub := ev.Subject()
	return []string{
		ev.At().UTC().Format(time.RFC3339),
		string(ev.Kind()),
		ev.EntityID(),
		sub.DisplayName,
		sub.CountryCode,
		string(ev.PreviousStatus()),
		detail(ev),
	}
}

func detail(ev sanction.Event) string {
	switch e := ev.(type) {
	case sanction.SanctionEvent:
		parts := []string{fmt.Sprintf("rating=%d", e.Entity.Rating), fmt.Sprintf("rank=%d", e.Entity.Rank)}
		if e.SuspendedUntil != nil {
			parts = append(parts, "until="+e.SuspendedUntil.UTC().Format(time.RFC3339))
		}
		return strings.Join(parts, " ")
	case sanction.RestoredEvent:
		return "sanctioned_for=" + e.Duration.Round(time.Minute).String()
	default:
		return ""
	}
}
