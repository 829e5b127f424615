package notifier

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "banwatch/internal/runtime/supervisor"
	"banwatch/internal/sanction"
	kit "banwatch/internal/transport"
	logx "banwatch/pkg/logx"
)

var (
	ErrDisabled = errors.New("notifier disabled")
	ErrStopped  = errors.New("notifier stopped")
)

const sendTimeout = 10 * time.Second

type job struct {
	kind    kind
	text    string
	webhook *WebhookPayload
}

// Service delivers cycle events to chat and webhook targets:
// queue + single worker + rate limit + retry.
//
// Notify calls wait for queue space under the caller's context, so a burst
// larger than the queue is delayed, not dropped.
// Delivery failures are logged and never surface to the caller.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	discord *Discord

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	abort    chan struct{} // closed when Stop gives up draining
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

// New builds a Service. adapter may be nil when only the webhook is configured.
func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps routing, pacing and webhook settings. Queue size changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}

	s.cfg = cfg
	burst := max(int(cfg.RatePerSec), 1)
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	s.discord = NewDiscord(cfg.Discord)
}

// Start launches the delivery worker. It is idempotent.
// The worker outlives ctx cancellation so Stop can still drain; only Stop ends it.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.abort = make(chan struct{})
	s.accepting = true
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		// delivery is best-effort; a failing worker must not take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	// One worker keeps messages in emission order.
	sup.GoRestart("worker", func(c context.Context) error {
		s.workerLoop(c, q)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("notifier worker exited unexpectedly")
	})
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	abort := s.abort
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.abort = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		close(abort)
		if sup != nil {
			sup.Cancel()
		}
	}
}

// NotifyBan sends one grouped message for all bans and suspensions of a cycle.
func (s *Service) NotifyBan(ctx context.Context, events []sanction.SanctionEvent) {
	if len(events) == 0 {
		return
	}
	p := sanctionsPayload(events)
	s.enqueue(ctx, job{kind: kindBan, text: formatSanctions(events), webhook: &p})
}

// NotifyUnban sends one message per restoration.
func (s *Service) NotifyUnban(ctx context.Context, ev sanction.RestoredEvent) {
	p := restoredPayload(ev)
	s.enqueue(ctx, job{kind: kindUnban, text: formatRestored(ev), webhook: &p})
}

// NotifyDeletion sends one grouped message for all deletions of a cycle.
func (s *Service) NotifyDeletion(ctx context.Context, events []sanction.DeletionEvent) {
	if len(events) == 0 {
		return
	}
	p := deletionsPayload(events)
	s.enqueue(ctx, job{kind: kindDeletion, text: formatDeletions(events), webhook: &p})
}

func (s *Service) NotifyStatus(ctx context.Context, text string, isError bool) {
	p := statusPayload(text, isError)
	s.enqueue(ctx, job{kind: kindStatus, text: formatStatus(text, isError), webhook: &p})
}

func (s *Service) enqueue(ctx context.Context, j job) {
	if err := s.submit(ctx, j); err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("notification dropped", logx.String("kind", j.kind.String()), logx.Err(err))
	}
}

func (s *Service) submit(ctx context.Context, j job) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	abort := s.abort
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case q <- j:
		return nil
	case <-abort:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	ad := s.adapter
	dc := s.discord
	s.mu.Unlock()

	if ad != nil && j.text != "" {
		to := cfg.Targets.pick(j.kind)
		if to.IsZero() {
			s.log.Debug("no chat target for notification", logx.String("kind", j.kind.String()))
		} else {
			s.sendWithRetry(ctx, j.kind.String(), func(c context.Context) error {
				_, err := ad.SendText(c, to, j.text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
				return err
			})
		}
	}
	if dc != nil && j.webhook != nil {
		s.sendWithRetry(ctx, j.kind.String()+".discord", func(c context.Context) error {
			return dc.Send(c, *j.webhook)
		})
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, what string, send func(context.Context) error) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(runCtx, sendTimeout)
		err := send(callCtx)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.String("target", what), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("notification failed", logx.String("target", what), logx.Err(lastErr), logx.Int("attempts", maxAttempts))
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}
