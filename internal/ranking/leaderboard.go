package ranking

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"banwatch/pkg/logx"
)

const (
	DefaultPageSize       = 100
	DefaultSnapshotLimit  = 2000
	DefaultMaxPageRetries = 5
	DefaultPageCooldown   = 15 * time.Second
	defaultPageDelayMin   = 50 * time.Millisecond
	defaultPageDelayMax   = 75 * time.Millisecond
)

// Entry is one leaderboard row.
type Entry struct {
	EntityID    string
	DisplayName string
	Rating      int
	Rank        int
	CountryCode string
}

type LeaderboardConfig struct {
	BaseURL string
	// Path may contain {offset} and {limit}.
	Path   string
	Fields Fields

	PageSize       int
	MaxPageRetries int
	Cooldown       time.Duration
	PageDelayMin   time.Duration
	PageDelayMax   time.Duration
}

func (c LeaderboardConfig) normalize() LeaderboardConfig {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxPageRetries <= 0 {
		c.MaxPageRetries = DefaultMaxPageRetries
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultPageCooldown
	}
	if c.PageDelayMin <= 0 {
		c.PageDelayMin = defaultPageDelayMin
	}
	if c.PageDelayMax < c.PageDelayMin {
		c.PageDelayMax = c.PageDelayMin
		if c.PageDelayMin == defaultPageDelayMin {
			c.PageDelayMax = defaultPageDelayMax
		}
	}
	c.Fields = c.Fields.withDefaults()
	return c
}

// Leaderboard fetches paged snapshots.
type Leaderboard struct {
	exec  *Executor
	cfg   LeaderboardConfig
	log   logx.Logger
	sleep SleepFunc

	mu  sync.Mutex
	rng *rand.Rand
}

type LeaderboardOption func(*Leaderboard)

func WithLeaderboardLogger(l logx.Logger) LeaderboardOption {
	return func(lb *Leaderboard) { lb.log = l }
}

// WithCooldownSleep replaces the wait used for the rate-limit cooldown.
func WithCooldownSleep(fn SleepFunc) LeaderboardOption {
	return func(lb *Leaderboard) {
		if fn != nil {
			lb.sleep = fn
		}
	}
}

func NewLeaderboard(exec *Executor, cfg LeaderboardConfig, opts ...LeaderboardOption) *Leaderboard {
	cfg = cfg.normalize()
	lb := &Leaderboard{
		exec:  exec,
		cfg:   cfg,
		sleep: Sleep,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		if o != nil {
			o(lb)
		}
	}
	if lb.log.IsZero() {
		lb.log = logx.Nop()
	}
	lb.log = lb.log.With(logx.String("comp", "leaderboard"))
	return lb
}

// FetchSnapshot reads up to limit entries, ranked 1-based across pages.
// On failure it returns what it collected so far together with the error.
func (l *Leaderboard) FetchSnapshot(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}
	out := make([]Entry, 0, min(limit, 4*l.cfg.PageSize))
	seen := make(map[string]struct{}, cap(out))
	offset := 0
	retries := 0

	for len(out) < limit {
		n := min(l.cfg.PageSize, limit-offset)
		if n <= 0 {
			break
		}
		if offset > 0 || retries > 0 {
			if err := Sleep(ctx, l.pageDelay()); err != nil {
				return out, err
			}
		}
		p, err := l.exec.Execute(ctx, l.pageURL(offset, n))
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if KindOf(err) == KindRateLimited && retries < l.cfg.MaxPageRetries {
				retries++
				l.log.Warn("leaderboard page throttled; cooling down",
					logx.Int("offset", offset),
					logx.Int("retry", retries),
					logx.Duration("cooldown", l.cfg.Cooldown),
				)
				if err := l.sleep(ctx, l.cfg.Cooldown); err != nil {
					return out, err
				}
				continue
			}
			return out, fmt.Errorf("leaderboard page at offset %d: %w", offset, err)
		}
		retries = 0

		items := l.cfg.Fields.items(p.JSON)
		if len(items) == 0 {
			break
		}
		f := l.cfg.Fields
		for i, it := range items {
			id := strings.TrimSpace(it.Get(f.ID).String())
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			rank := offset + i + 1
			if f.Rank != "" {
				if r := it.Get(f.Rank); r.Exists() && r.Int() > 0 {
					rank = int(r.Int())
				}
			}
			out = append(out, Entry{
				EntityID:    id,
				DisplayName: it.Get(f.Name).String(),
				Rating:      int(it.Get(f.Rating).Int()),
				Rank:        rank,
				CountryCode: it.Get(f.Country).String(),
			})
			if len(out) >= limit {
				break
			}
		}
		offset += len(items)
	}

	l.log.Debug("snapshot fetched", logx.Int("entries", len(out)), logx.Int("pages_offset", offset))
	return out, nil
}

// pageDelay is the pause between a page response and the next request,
// drawn from [PageDelayMin, PageDelayMax].
func (l *Leaderboard) pageDelay() time.Duration {
	d := l.cfg.PageDelayMin
	span := l.cfg.PageDelayMax - l.cfg.PageDelayMin
	if span <= 0 {
		return d
	}
	l.mu.Lock()
	d += time.Duration(l.rng.Int63n(int64(span) + 1))
	l.mu.Unlock()
	return d
}

func (l *Leaderboard) pageURL(offset, limit int) string {
	return expandPath(l.cfg.BaseURL, l.cfg.Path, map[string]string{
		"offset": strconv.Itoa(offset),
		"limit":  strconv.Itoa(limit),
	})
}
