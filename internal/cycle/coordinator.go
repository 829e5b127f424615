package cycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"banwatch/internal/batch"
	"banwatch/internal/ranking"
	"banwatch/internal/sanction"
	"banwatch/pkg/logx"
)

type Deps struct {
	Store       Store
	Leaderboard Leaderboard
	Prober      Prober
	Notifier    Notifier
	Audit       AuditSink
	Metrics     Metrics
	Log         logx.Logger
}

type Coordinator struct {
	store    Store
	lb       Leaderboard
	prober   Prober
	notifier Notifier
	audit    AuditSink
	metrics  Metrics
	log      logx.Logger

	now   func() time.Time
	sleep batch.SleepFunc

	cfgMu sync.RWMutex
	cfg   Config

	// sem is a one-slot semaphore; holding it means a cycle is in flight.
	sem chan struct{}
	// restartGuard stays set until the first successful cycle.
	restartGuard atomic.Bool

	lastMu sync.Mutex
	last   *Report
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleep replaces the pacing sleep used between batches and staggered probes.
func WithSleep(fn batch.SleepFunc) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

func New(d Deps, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    d.Store,
		lb:       d.Leaderboard,
		prober:   d.Prober,
		notifier: d.Notifier,
		audit:    d.Audit,
		metrics:  d.Metrics,
		log:      d.Log,
		now:      time.Now,
		cfg:      cfg,
		sem:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "cycle"))
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	c.restartGuard.Store(true)
	return c
}

// SetConfig swaps pass settings; the next cycle picks them up.
func (c *Coordinator) SetConfig(cfg Config) {
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
}

func (c *Coordinator) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Busy reports whether a cycle is in flight.
func (c *Coordinator) Busy() bool { return len(c.sem) > 0 }

// Run waits for any in-flight cycle, then runs one.
func (c *Coordinator) Run(ctx context.Context, trigger string) (Report, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return Report{Trigger: trigger, Err: ctx.Err()}, ctx.Err()
	}
	defer func() { <-c.sem }()
	return c.runLocked(ctx, trigger)
}

// TryRun runs a cycle unless one is already in flight, in which case it returns ErrBusy.
func (c *Coordinator) TryRun(ctx context.Context, trigger string) (Report, error) {
	select {
	case c.sem <- struct{}{}:
	default:
		return Report{Trigger: trigger, Err: ErrBusy}, ErrBusy
	}
	defer func() { <-c.sem }()
	return c.runLocked(ctx, trigger)
}

// LastReport returns the most recent finished cycle, if any.
func (c *Coordinator) LastReport() (Report, bool) {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	if c.last == nil {
		return Report{}, false
	}
	return *c.last, true
}

// Status loads persisted state and summarizes it.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	st, err := c.store.Load(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load state: %w", err)
	}
	out := Status{
		Counts:      st.CountByStatus(),
		Tracked:     len(st.Entities),
		LastCheckAt: st.LastCheckAt,
		TotalChecks: st.TotalChecks,
		Running:     c.Busy(),
	}
	if r, ok := c.LastReport(); ok {
		out.Last = &r
	}
	return out, nil
}

func (c *Coordinator) runLocked(ctx context.Context, trigger string) (rep Report, err error) {
	start := c.now()
	rep = Report{
		CycleID:    uuid.NewString(),
		Trigger:    trigger,
		StartedAt:  start,
		PassProbed: map[string]int{},
	}
	log := c.log.With(logx.String("cycle", rep.CycleID), logx.String("trigger", trigger))
	log.Info("cycle started")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			log.Error("cycle panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		rep.Duration = c.now().Sub(start)
		rep.Err = err
		if err != nil {
			c.fail(ctx, log, rep)
		} else {
			log.Info("cycle finished",
				logx.Int("snapshot", rep.SnapshotSize),
				logx.Int("probed", rep.Probed),
				logx.Int("probe_failures", rep.ProbeFailures),
				logx.Int("events", rep.Events()),
				logx.Int("expired", rep.Expired),
				logx.Duration("took", rep.Duration),
			)
		}
		c.metrics.CycleFinished(trigger, rep.Duration, err)
		c.lastMu.Lock()
		r := rep
		c.last = &r
		c.lastMu.Unlock()
	}()

	err = c.execute(ctx, log, &rep)
	return rep, err
}

func (c *Coordinator) fail(ctx context.Context, log logx.Logger, rep Report) {
	if errors.Is(rep.Err, context.Canceled) {
		log.Warn("cycle cancelled", logx.Duration("took", rep.Duration))
		return
	}
	log.Error("cycle failed", logx.Err(rep.Err), logx.Duration("took", rep.Duration))
	if c.notifier != nil {
		c.notifier.NotifyStatus(context.WithoutCancel(ctx), "Check failed: "+terse(rep.Err), true)
	}
}

func terse(err error) string {
	switch {
	case errors.Is(err, ErrSnapshotUnavailable):
		return "leaderboard snapshot unavailable; state left unchanged."
	case errors.Is(err, ErrPanic):
		return "internal error; state left unchanged."
	default:
		return err.Error()
	}
}

// execute is the cycle body. It mutates only a clone of the loaded state and
// persists it once at the end.
func (c *Coordinator) execute(ctx context.Context, log logx.Logger, rep *Report) error {
	cfg := c.config()
	now := rep.StartedAt

	loaded, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	entries, err := c.lb.FetchSnapshot(ctx, cfg.SnapshotLimit)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v (got %d entries)", ErrSnapshotUnavailable, err, len(entries))
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty snapshot", ErrSnapshotUnavailable)
	}
	rep.SnapshotSize = len(entries)

	st := loaded.Clone()
	if st.Entities == nil {
		st.Entities = map[string]*sanction.EntityRecord{}
	}
	rep.FirstAfterRestart = c.restartGuard.Load()

	run := &cycleRun{
		c:        c,
		log:      log,
		rep:      rep,
		state:    st,
		snapshot: make(map[string]struct{}, len(entries)),
		probed:   map[string]struct{}{},
		dedup:    sanction.NewDedup(),
		rc:       sanction.ReconcileContext{Now: now, FirstCycleAfterRestart: rep.FirstAfterRestart},
	}
	run.rc.Dedup = run.dedup

	// Candidates for the priority pass are picked before the snapshot refreshes LastSeenAt.
	priority := selectVanished(loaded, entries, now, cfg.Priority.Window)

	for _, e := range entries {
		run.snapshot[e.EntityID] = struct{}{}
		sanction.Observe(st, sanction.Observation{
			EntityID:    e.EntityID,
			DisplayName: e.DisplayName,
			CountryCode: e.CountryCode,
			Rating:      e.Rating,
			Rank:        e.Rank,
		}, now)
	}

	if err := run.pass(ctx, PassPriority, cfg.Priority, priority); err != nil {
		return err
	}
	if err := run.pass(ctx, PassFull, cfg.Full, run.snapshotIDs(entries)); err != nil {
		return err
	}
	if err := run.pass(ctx, PassReverify, cfg.Reverify, selectSanctioned(st, now, cfg.Reverify.Window)); err != nil {
		return err
	}

	expired := sanction.ExpireSuspensions(st, c.now())
	rep.Expired = len(expired)
	if len(expired) > 0 {
		log.Info("suspensions expired", logx.Int("count", len(expired)))
	}

	st.LastCheckAt = now
	st.TotalChecks++
	if err := c.store.Save(ctx, st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	c.restartGuard.Store(false)
	c.metrics.Tracked(st.CountByStatus())

	c.dispatch(ctx, log, run.events)
	if cfg.SummaryOnSuccess && c.notifier != nil {
		c.notifier.NotifyStatus(ctx, rep.Summary(), false)
	}
	return nil
}

// dispatch flushes events after a successful save.
func (c *Coordinator) dispatch(ctx context.Context, log logx.Logger, events []sanction.Event) {
	var sanctions []sanction.SanctionEvent
	var deletions []sanction.DeletionEvent
	var restored []sanction.RestoredEvent
	for _, ev := range events {
		c.metrics.EventEmitted(ev.Kind())
		if c.audit != nil {
			if err := c.audit.Record(ctx, ev); err != nil {
				log.Warn("audit record failed", logx.String("entity", ev.EntityID()), logx.Err(err))
			}
		}
		switch e := ev.(type) {
		case sanction.SanctionEvent:
			sanctions = append(sanctions, e)
		case sanction.RestoredEvent:
			restored = append(restored, e)
		case sanction.DeletionEvent:
			deletions = append(deletions, e)
		}
	}
	if c.notifier == nil {
		return
	}
	if len(sanctions) > 0 {
		c.notifier.NotifyBan(ctx, sanctions)
	}
	for _, e := range restored {
		c.notifier.NotifyUnban(ctx, e)
	}
	if len(deletions) > 0 {
		c.notifier.NotifyDeletion(ctx, deletions)
	}
}

// cycleRun is the state owned by one running cycle.
type cycleRun struct {
	c   *Coordinator
	log logx.Logger
	rep *Report

	state    sanction.State
	snapshot map[string]struct{}
	probed   map[string]struct{}
	dedup    *sanction.Dedup
	rc       sanction.ReconcileContext
	events   []sanction.Event
}

func (r *cycleRun) snapshotIDs(entries []ranking.Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.EntityID)
	}
	return ids
}

// pass probes ids not yet probed this cycle and reconciles the results in input order.
func (r *cycleRun) pass(ctx context.Context, name string, p Pass, ids []string) error {
	todo := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, done := r.probed[id]; done {
			continue
		}
		rec := r.state.Entities[id]
		if rec == nil || rec.Status == sanction.StatusDeleted {
			continue
		}
		r.probed[id] = struct{}{}
		todo = append(todo, id)
	}
	if len(todo) == 0 {
		r.log.Debug("pass skipped", logx.String("pass", name))
		return nil
	}

	opts := []batch.Option{batch.WithLogger(r.log.With(logx.String("pass", name)))}
	if r.c.sleep != nil {
		opts = append(opts, batch.WithSleep(r.c.sleep))
	}
	results, rs, err := batch.New(p.Options, opts...).Run(ctx, todo, r.c.prober.Probe)
	r.rep.RunState = mergeRunState(r.rep.RunState, rs)

	var emitted int
	for _, res := range results {
		r.c.metrics.ProbeFinished(name, res.Err)
		r.rep.Probed++
		r.rep.PassProbed[name]++
		if res.Err != nil {
			r.rep.ProbeFailures++
			r.log.Debug("probe failed; skipping entity this cycle",
				logx.String("pass", name),
				logx.String("entity", res.ID),
				logx.Err(res.Err),
			)
			continue
		}
		ev := sanction.Reconcile(r.state.Entities[res.ID], res.Probe, r.rc)
		if ev == nil {
			continue
		}
		r.record(ev)
		emitted++
	}
	r.log.Info("pass finished",
		logx.String("pass", name),
		logx.Int("probed", len(results)),
		logx.Int("events", emitted),
		logx.Int("rate_limit_hits", rs.RateLimitHits),
	)
	if err != nil {
		return fmt.Errorf("%s pass: %w", name, err)
	}
	return nil
}

func (r *cycleRun) record(ev sanction.Event) {
	r.events = append(r.events, ev)
	switch ev.Kind() {
	case sanction.EventBanned:
		r.rep.Bans++
	case sanction.EventSuspended:
		r.rep.Suspensions++
	case sanction.EventRestored:
		r.rep.Restorations++
	case sanction.EventDeleted:
		r.rep.Deletions++
	}
}

func mergeRunState(a, b batch.RunState) batch.RunState {
	return batch.RunState{
		RateLimitHits:     a.RateLimitHits + b.RateLimitHits,
		ConsecutiveErrors: b.ConsecutiveErrors,
		Batches:           a.Batches + b.Batches,
	}
}

// selectVanished returns entities persisted active, seen within window, and
// absent from the snapshot, most recently seen first.
func selectVanished(st sanction.State, entries []ranking.Entry, now time.Time, window time.Duration) []string {
	present := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		present[e.EntityID] = struct{}{}
	}
	var recs []*sanction.EntityRecord
	for id, rec := range st.Entities {
		if rec == nil || rec.Status != sanction.StatusActive {
			continue
		}
		if _, ok := present[id]; ok {
			continue
		}
		if !recent(rec, now, window) {
			continue
		}
		recs = append(recs, rec)
	}
	return byRecency(recs)
}

// selectSanctioned returns banned, suspended and expired-suspension entities seen within window.
func selectSanctioned(st sanction.State, now time.Time, window time.Duration) []string {
	var recs []*sanction.EntityRecord
	for _, rec := range st.Entities {
		if rec == nil || !rec.Status.Sanctioned() {
			continue
		}
		if !recent(rec, now, window) {
			continue
		}
		recs = append(recs, rec)
	}
	return byRecency(recs)
}

func recent(rec *sanction.EntityRecord, now time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	return !rec.LastSeenAt.Before(now.Add(-window))
}

func byRecency(recs []*sanction.EntityRecord) []string {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].LastSeenAt.Equal(recs[j].LastSeenAt) {
			return recs[i].LastSeenAt.After(recs[j].LastSeenAt)
		}
		return recs[i].ID < recs[j].ID
	})
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}
