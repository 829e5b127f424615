package storage

import (
	"context"
	"errors"
	"time"

	"banwatch/internal/sanction"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store loads and saves the whole tracked state. Save overwrites what was there.
type Store interface {
	Load(ctx context.Context) (sanction.State, error)
	Save(ctx context.Context, st sanction.State) error
	Close() error
}
