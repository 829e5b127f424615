package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"banwatch/internal/sanction"
	"banwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	metaLastCheck   = "last_check_at"
	metaTotalChecks = "total_checks"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (sanction.State, error) {
	if s == nil || s.db == nil {
		return sanction.State{}, ErrClosed
	}
	st := sanction.NewState()

	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM entities`)
	if err != nil {
		return sanction.State{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return sanction.State{}, err
		}
		var r sanction.EntityRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.log.Warn("skipping undecodable entity", logx.String("entity", id), logx.Err(err))
			continue
		}
		r.ID = id
		st.Entities[id] = &r
	}
	if err := rows.Err(); err != nil {
		return sanction.State{}, err
	}

	meta, err := s.meta(ctx)
	if err != nil {
		return sanction.State{}, err
	}
	if v := meta[metaLastCheck]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.LastCheckAt = t
		}
	}
	if v := meta[metaTotalChecks]; v != "" {
		st.TotalChecks, _ = strconv.Atoi(v)
	}
	return st, nil
}

func (s *sqliteStore) meta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Save replaces the stored state in a single transaction.
func (s *sqliteStore) Save(ctx context.Context, st sanction.State) (err error) {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entities(id, status, last_seen, record) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for id, r := range st.Entities {
		if r == nil {
			continue
		}
		raw, mErr := json.Marshal(r)
		if mErr != nil {
			return fmt.Errorf("encode %s: %w", id, mErr)
		}
		if _, err = stmt.ExecContext(ctx, id, string(r.Status), r.LastSeenAt.UnixMilli(), string(raw)); err != nil {
			return err
		}
	}

	upsert := `INSERT INTO meta(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	if _, err = tx.ExecContext(ctx, upsert, metaLastCheck, st.LastCheckAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, upsert, metaTotalChecks, strconv.Itoa(st.TotalChecks)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("state saved", logx.Int("entities", len(st.Entities)))
	return nil
}
