package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"banwatch/internal/sanction"
	"banwatch/pkg/logx"
)

// fileStore keeps the state in one JSON document.
//
// Save writes <path>.tmp, fsyncs it and renames it over <path>, so a crash
// leaves either the previous or the new document, never a mix.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// Leftover from an interrupted save.
	_ = os.Remove(path + ".tmp")
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Load(ctx context.Context) (sanction.State, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sanction.State{}, ErrClosed
	}

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return sanction.NewState(), nil
	}
	if err != nil {
		return sanction.State{}, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return sanction.NewState(), nil
	}
	var st sanction.State
	if err := json.Unmarshal(b, &st); err != nil {
		return sanction.State{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if st.Entities == nil {
		st.Entities = map[string]*sanction.EntityRecord{}
	}
	for id, r := range st.Entities {
		if r == nil {
			delete(st.Entities, id)
			continue
		}
		if r.ID == "" {
			r.ID = id
		}
		if err := r.Validate(); err != nil {
			s.log.Warn("stored record violates invariants", logx.String("entity", id), logx.Err(err))
		}
	}
	return st, nil
}

func (s *fileStore) Save(ctx context.Context, st sanction.State) error {
	_ = ctx
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.log.Debug("state saved", logx.Int("entities", len(st.Entities)), logx.Int("bytes", len(b)))
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
