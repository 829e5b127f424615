// Package batch probes entities in small concurrent batches, backing off
// between batches in proportion to recent rate-limit pressure.
package batch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"banwatch/internal/ranking"
	"banwatch/internal/sanction"
	"banwatch/pkg/logx"
)

const (
	DefaultBatchSize  = 10
	DefaultDecayEvery = 4
)

type Options struct {
	BatchSize  int
	Stagger    time.Duration
	Delay      time.Duration
	DecayEvery int
}

func (o Options) normalize() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Stagger < 0 {
		o.Stagger = 0
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	switch {
	case o.DecayEvery <= 0:
		o.DecayEvery = DefaultDecayEvery
	case o.DecayEvery < 3:
		o.DecayEvery = 3
	case o.DecayEvery > 5:
		o.DecayEvery = 5
	}
	return o
}

// RunState is the pacing state carried from batch to batch.
type RunState struct {
	RateLimitHits     int
	ConsecutiveErrors int
	Batches           int
}

// Multiplier scales the inter-batch delay.
func (s RunState) Multiplier() int {
	m := 1
	switch {
	case s.RateLimitHits > 12:
		m = 5
	case s.RateLimitHits > 8:
		m = 3
	case s.RateLimitHits > 4:
		m = 2
	}
	if s.ConsecutiveErrors > 5 && m < 2 {
		m = 2
	}
	return m
}

// Decay halves both counters when Batches is a multiple of every.
func (s RunState) Decay(every int) RunState {
	if every > 0 && s.Batches > 0 && s.Batches%every == 0 {
		s.RateLimitHits /= 2
		s.ConsecutiveErrors /= 2
	}
	return s
}

// Result is the outcome for one item. Exactly one of Probe or Err is meaningful.
type Result struct {
	ID    string
	Probe sanction.ProbeResult
	Err   error
}

type ProbeFunc func(ctx context.Context, id string) (sanction.ProbeResult, error)

type SleepFunc = ranking.SleepFunc

// Runner executes batches with fixed Options.
type Runner struct {
	opts  Options
	sleep SleepFunc
	log   logx.Logger
}

type Option func(*Runner)

func WithLogger(l logx.Logger) Option { return func(r *Runner) { r.log = l } }

func WithSleep(fn SleepFunc) Option {
	return func(r *Runner) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

func New(opts Options, options ...Option) *Runner {
	r := &Runner{opts: opts.normalize(), sleep: ranking.Sleep}
	for _, o := range options {
		if o != nil {
			o(r)
		}
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// Run is New(opts).Run.
func Run(ctx context.Context, items []string, opts Options, probe ProbeFunc) ([]Result, RunState, error) {
	return New(opts).Run(ctx, items, probe)
}

// Run probes all items batch by batch and returns results in input order.
// It stops early only when ctx is done.
func (r *Runner) Run(ctx context.Context, items []string, probe ProbeFunc) ([]Result, RunState, error) {
	var st RunState
	out := make([]Result, 0, len(items))
	for start := 0; start < len(items); start += r.opts.BatchSize {
		if start > 0 {
			d := r.opts.Delay * time.Duration(st.Multiplier())
			if err := r.sleep(ctx, d); err != nil {
				return out, st, err
			}
		}
		end := min(start+r.opts.BatchSize, len(items))
		var res []Result
		res, st = r.Step(ctx, st, items[start:end], probe)
		out = append(out, res...)
		if err := ctx.Err(); err != nil {
			return out, st, err
		}
		r.log.Debug("batch done",
			logx.Int("batch", st.Batches),
			logx.Int("size", end-start),
			logx.Int("rate_limit_hits", st.RateLimitHits),
			logx.Int("consecutive_errors", st.ConsecutiveErrors),
			logx.Int("multiplier", st.Multiplier()),
		)
	}
	return out, st, nil
}

// Step probes one batch concurrently, at most BatchSize at a time;
// goroutine i starts after i*Stagger. A failed item never aborts its siblings.
// Only cancellation of ctx stops the batch early.
func (r *Runner) Step(ctx context.Context, st RunState, items []string, probe ProbeFunc) ([]Result, RunState) {
	results := make([]Result, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.BatchSize)
	for i, id := range items {
		results[i].ID = id
		g.Go(func() error {
			if err := r.sleep(gctx, time.Duration(i)*r.opts.Stagger); err != nil {
				results[i].Err = err
				return err
			}
			p, err := safeProbe(gctx, probe, id)
			results[i].Probe = p
			results[i].Err = err
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Debug("batch interrupted", logx.Int("size", len(items)), logx.Err(err))
	}

	for _, res := range results {
		if res.Err != nil && ctx.Err() != nil && errors.Is(res.Err, ctx.Err()) {
			continue
		}
		st.RateLimitHits += res.Probe.Throttled() + throttled(res.Err)
		if res.Err != nil {
			st.ConsecutiveErrors++
		} else {
			st.ConsecutiveErrors = 0
		}
	}
	st.Batches++
	return results, st.Decay(r.opts.DecayEvery)
}

func safeProbe(ctx context.Context, probe ProbeFunc, id string) (res sanction.ProbeResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = sanction.ProbeResult{}
			err = &PanicError{ID: id, Value: rec}
		}
	}()
	return probe(ctx, id)
}

func throttled(err error) int {
	var t interface{ Throttled() int }
	if err != nil && errors.As(err, &t) {
		return t.Throttled()
	}
	return 0
}
