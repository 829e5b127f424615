// Package cycle drives one polling-and-diff cycle: snapshot, three probing
// passes, expiry sweep, persistence, then event dispatch.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"banwatch/internal/batch"
	"banwatch/internal/ranking"
	"banwatch/internal/sanction"
)

var (
	ErrSnapshotUnavailable = errors.New("leaderboard snapshot unavailable")
	ErrBusy                = errors.New("a cycle is already running")
	ErrPanic               = errors.New("cycle panicked")
)

type Store interface {
	Load(ctx context.Context) (sanction.State, error)
	Save(ctx context.Context, st sanction.State) error
}

type Leaderboard interface {
	FetchSnapshot(ctx context.Context, limit int) ([]ranking.Entry, error)
}

type Prober interface {
	Probe(ctx context.Context, id string) (sanction.ProbeResult, error)
}

// Notifier delivery is fire-and-forget; implementations log their own failures.
type Notifier interface {
	NotifyBan(ctx context.Context, events []sanction.SanctionEvent)
	NotifyUnban(ctx context.Context, ev sanction.RestoredEvent)
	NotifyDeletion(ctx context.Context, events []sanction.DeletionEvent)
	NotifyStatus(ctx context.Context, text string, isError bool)
}

type AuditSink interface {
	Record(ctx context.Context, ev sanction.Event) error
}

// Metrics receives cycle telemetry. All methods must be cheap and non-blocking.
type Metrics interface {
	CycleFinished(trigger string, d time.Duration, err error)
	ProbeFinished(pass string, err error)
	EventEmitted(kind sanction.EventKind)
	Tracked(counts map[sanction.Status]int)
}

type nopMetrics struct{}

func (nopMetrics) CycleFinished(string, time.Duration, error) {}
func (nopMetrics) ProbeFinished(string, error)                {}
func (nopMetrics) EventEmitted(sanction.EventKind)            {}
func (nopMetrics) Tracked(map[sanction.Status]int)            {}

// Pass configures one probing pass. Window bounds how recently an entity must
// have been seen on the leaderboard to be selected; it is unused by the full pass.
type Pass struct {
	batch.Options
	Window time.Duration
}

type Config struct {
	SnapshotLimit int
	Priority      Pass
	Full          Pass
	Reverify      Pass
	// SummaryOnSuccess sends a short status message after every successful cycle.
	SummaryOnSuccess bool
}

func DefaultConfig() Config {
	return Config{
		SnapshotLimit: ranking.DefaultSnapshotLimit,
		Priority: Pass{
			Options: batch.Options{BatchSize: 8, Stagger: 75 * time.Millisecond, Delay: time.Second},
			Window:  24 * time.Hour,
		},
		Full: Pass{
			Options: batch.Options{BatchSize: 15, Stagger: 20 * time.Millisecond, Delay: 500 * time.Millisecond},
		},
		Reverify: Pass{
			Options: batch.Options{BatchSize: 10, Stagger: 50 * time.Millisecond, Delay: 1500 * time.Millisecond},
			Window:  14 * 24 * time.Hour,
		},
	}
}

const (
	PassPriority = "priority"
	PassFull     = "full"
	PassReverify = "reverify"
)

// Report summarizes one cycle, successful or not.
type Report struct {
	CycleID   string
	Trigger   string
	StartedAt time.Time
	Duration  time.Duration

	SnapshotSize  int
	Probed        int
	ProbeFailures int
	PassProbed    map[string]int

	Bans         int
	Suspensions  int
	Restorations int
	Deletions    int
	Expired      int

	FirstAfterRestart bool
	RunState          batch.RunState
	Err               error
}

func (r Report) Events() int { return r.Bans + r.Suspensions + r.Restorations + r.Deletions }

func (r Report) OK() bool { return r.Err == nil }

// Summary is a one-line human description.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cycle %s (%s): ", shortID(r.CycleID), r.Trigger)
	if r.Err != nil {
		fmt.Fprintf(&b, "failed after %s: %v", r.Duration.Round(time.Second), r.Err)
		return b.String()
	}
	fmt.Fprintf(&b, "snapshot %d, probed %d (%d failed), %d bans, %d suspensions, %d restored, %d deleted, %d expired in %s",
		r.SnapshotSize, r.Probed, r.ProbeFailures,
		r.Bans, r.Suspensions, r.Restorations, r.Deletions, r.Expired,
		r.Duration.Round(time.Second))
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Status is what /status shows.
type Status struct {
	Counts      map[sanction.Status]int
	Tracked     int
	LastCheckAt time.Time
	TotalChecks int
	Running     bool
	Last        *Report
}
