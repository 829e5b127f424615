package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banwatch/internal/sanction"
	kit "banwatch/internal/transport"
	logx "banwatch/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
	opt  kit.SendOptions
}

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []sent
	failures int
	gate     chan struct{} // when set, each send waits for it
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Message) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                      { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return kit.MessageRef{}, errors.New("telegram: flood")
	}
	f.sent = append(f.sent, sent{to: to, text: text, opt: *opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		Targets: Targets{
			Default: kit.ChatTarget{ChatID: 100},
			Bans:    kit.ChatTarget{ChatID: 200, ThreadID: 5},
		},
	}
}

func stopWithin(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestServiceDeliversInOrderToRoutedTargets(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 1}
	s := New(testConfig(), ad, logx.Nop())
	s.Start(context.Background())

	ctx := context.Background()
	s.NotifyBan(ctx, []sanction.SanctionEvent{{Entity: sanction.Subject{ID: "a"}, Sanction: sanction.EventBanned}})
	s.NotifyUnban(ctx, sanction.RestoredEvent{Entity: sanction.Subject{ID: "b"}, Previous: sanction.StatusBanned})
	s.NotifyDeletion(ctx, nil)
	s.NotifyStatus(ctx, "cycle failed", true)
	stopWithin(t, s)

	got := ad.messages()
	require.Len(t, got, 3)
	assert.Equal(t, kit.ChatTarget{ChatID: 200, ThreadID: 5}, got[0].to)
	assert.Contains(t, got[0].text, "1 player banned")
	assert.Equal(t, "HTML", got[0].opt.ParseMode)
	assert.Equal(t, int64(100), got[1].to.ChatID)
	assert.Contains(t, got[1].text, "Player restored")
	assert.Equal(t, "⚠️ cycle failed", got[2].text)
}

func TestServiceWaitsForQueueSpace(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QueueSize = 2
	ad := &fakeAdapter{}
	s := New(cfg, ad, logx.Nop())
	s.Start(context.Background())

	const n = 40
	ctx := context.Background()
	for i := range n {
		s.NotifyUnban(ctx, sanction.RestoredEvent{Entity: sanction.Subject{ID: fmt.Sprintf("p%02d", i)}, Previous: sanction.StatusBanned})
	}
	stopWithin(t, s)

	got := ad.messages()
	require.Len(t, got, n)
	assert.Contains(t, got[0].text, "p00")
	assert.Contains(t, got[n-1].text, fmt.Sprintf("p%02d", n-1))
}

func TestServiceSubmitHonoursCallerContextWhenFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QueueSize = 1
	ad := &fakeAdapter{gate: make(chan struct{})}
	s := New(cfg, ad, logx.Nop())
	s.Start(context.Background())

	// "a" is held by the worker at the gate, "b" fills the queue.
	require.NoError(t, s.submit(context.Background(), job{kind: kindStatus, text: "a"}))
	require.NoError(t, s.submit(context.Background(), job{kind: kindStatus, text: "b"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.submit(ctx, job{kind: kindStatus, text: "c"}), context.DeadlineExceeded)

	close(ad.gate)
	stopWithin(t, s)
	got := ad.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].text)
	assert.Equal(t, "b", got[1].text)
}

func TestServiceDrainsAfterParentCancel(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{gate: make(chan struct{})}
	s := New(testConfig(), ad, logx.Nop())
	parent, cancel := context.WithCancel(context.Background())
	s.Start(parent)

	const n = 10
	for i := range n {
		s.NotifyUnban(context.Background(), sanction.RestoredEvent{Entity: sanction.Subject{ID: fmt.Sprintf("p%d", i)}, Previous: sanction.StatusBanned})
	}
	cancel()
	close(ad.gate)

	ctx, stop := context.WithTimeout(context.Background(), 3*time.Second)
	defer stop()
	s.Stop(ctx)
	assert.Len(t, ad.messages(), n)
}

func TestServiceGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 3}
	s := New(testConfig(), ad, logx.Nop())
	s.Start(context.Background())
	s.NotifyStatus(context.Background(), "lost", false)
	s.NotifyStatus(context.Background(), "kept", false)
	stopWithin(t, s)

	got := ad.messages()
	require.Len(t, got, 1)
	assert.Equal(t, "ℹ️ kept", got[0].text)
}

func TestServiceSubmitStates(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &fakeAdapter{}, logx.Nop())
	assert.ErrorIs(t, s.submit(context.Background(), job{kind: kindStatus}), ErrDisabled)

	s.Apply(testConfig())
	assert.ErrorIs(t, s.submit(context.Background(), job{kind: kindStatus}), ErrStopped)

	s.Start(context.Background())
	defer stopWithin(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.submit(ctx, job{kind: kindStatus}), context.Canceled)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of range", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay = %v", d)
	}
}
