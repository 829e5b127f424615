package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"banwatch/internal/config"
	logx "banwatch/pkg/logx"
)

// Config controls the trigger.
type Config struct {
	Enabled    bool
	Spec       string
	Timezone   string // IANA TZ, e.g. "Europe/Warsaw"
	RunOnStart bool
}

// Job is the work fired on each tick. Its context is canceled on Stop.
type Job func(ctx context.Context) error

// Info describes the registered schedule.
type Info struct {
	Enabled  bool
	Spec     string
	Kind     SpecKind
	Timezone string
	Next     time.Time
	Prev     time.Time
}

// Service owns one cron instance with a single entry.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	job    Job
	parser cron.Parser

	c       *cron.Cron
	entry   cron.EntryID
	kind    SpecKind
	loc     *time.Location
	runCtx  context.Context
	cancel  context.CancelFunc
	wrapped cron.Job
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		job: job,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks cfg without touching the running schedule.
func (s *Service) Validate(cfg Config) error {
	if _, err := config.ParseLocation("schedule.timezone", cfg.Timezone); err != nil {
		return err
	}
	if !cfg.Enabled && strings.TrimSpace(cfg.Spec) == "" {
		return nil
	}
	_, _, err := s.schedule(cfg.Spec, time.Now())
	return err
}

func (s *Service) schedule(spec string, now time.Time) (cron.Schedule, SpecKind, error) {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return nil, 0, fmt.Errorf("schedule.spec: %w", err)
	}
	if ps.Kind == SpecInterval {
		sch, _ := intervalWithSpread(ps.Every, now)
		return sch, SpecInterval, nil
	}
	sch, err := s.parser.Parse(ps.Cron)
	if err != nil {
		return nil, 0, fmt.Errorf("schedule.spec: invalid cron %q: %w", ps.Cron, err)
	}
	return sch, SpecCron, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply stores cfg and re-registers the entry when the spec or timezone changed.
// Enabling or disabling is left to Start/Stop.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if strings.TrimSpace(prev.Spec) != strings.TrimSpace(cfg.Spec) || strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.stopLocked()
		if err := s.startLocked(); err != nil {
			s.log.Error("schedule re-register failed", logx.String("spec", cfg.Spec), logx.Err(err))
		}
	}
}

// Start registers the entry and starts ticking. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	if err := s.startLocked(); err != nil {
		s.cancel()
		return err
	}
	if s.cfg.RunOnStart {
		w := s.wrapped
		go w.Run()
	}
	return nil
}

func (s *Service) startLocked() error {
	loc, err := config.ParseLocation("schedule.timezone", s.cfg.Timezone)
	if err != nil {
		return err
	}
	now := time.Now().In(loc)
	sch, kind, err := s.schedule(s.cfg.Spec, now)
	if err != nil {
		return err
	}

	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc), cron.WithLogger(cl))
	// The wrapped job is shared with RunOnStart so both paths skip on overlap.
	s.wrapped = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(s.fire))
	s.entry = c.Schedule(sch, s.wrapped)
	s.kind = kind
	s.loc = loc
	s.c = c
	c.Start()

	s.log.Info("schedule registered",
		logx.String("spec", strings.TrimSpace(s.cfg.Spec)),
		logx.String("kind", kind.String()),
		logx.String("tz", loc.String()),
		logx.Time("next", c.Entry(s.entry).Next),
	)
	return nil
}

// fire runs the job once with the service's run context.
func (s *Service) fire() {
	s.mu.Lock()
	ctx := s.runCtx
	job := s.job
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil || job == nil {
		return
	}
	start := time.Now()
	err := job(ctx)
	switch {
	case err == nil:
		s.log.Debug("scheduled run finished", logx.Duration("took", time.Since(start)))
	case errors.Is(err, context.Canceled):
	default:
		s.log.Warn("scheduled run failed", logx.Duration("took", time.Since(start)), logx.Err(err))
	}
}

// Stop halts ticking and waits for a running job until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.stopLocked()
	s.cancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("schedule stopped")
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c = nil
	s.entry = 0
}

// Info reports the schedule and its next/previous fire times.
func (s *Service) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := Info{Enabled: s.cfg.Enabled, Spec: strings.TrimSpace(s.cfg.Spec), Kind: s.kind}
	if s.loc != nil {
		in.Timezone = s.loc.String()
	}
	if s.c != nil && s.entry != 0 {
		e := s.c.Entry(s.entry)
		in.Next, in.Prev = e.Next, e.Prev
	}
	return in
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	// cron logs every wake-up at info; keep that out of normal output.
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
