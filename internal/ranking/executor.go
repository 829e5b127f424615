package ranking

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"banwatch/pkg/logx"
)

// maxRetryAfter bounds a server Retry-After hint.
const maxRetryAfter = 5 * time.Minute

// RetryPolicy decides how often and how long the executor backs off.
type RetryPolicy struct {
	MaxRetries int
}

func DefaultRetryPolicy() RetryPolicy { return RetryPolicy{MaxRetries: 3} }

// Delay returns the wait before retry n (0-based) after a failure of kind k.
// A positive hint from the server wins for rate limits.
func (p RetryPolicy) Delay(k Kind, n int, hint time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	step := time.Duration(n)
	switch k {
	case KindRateLimited:
		if hint > 0 {
			return hint
		}
		d := 15*time.Second + 5*time.Second*step
		if d > 45*time.Second {
			d = 45 * time.Second
		}
		return d
	case KindNotFound, KindForbidden:
		return 2*time.Second + time.Second*step
	default:
		return 3*time.Second + 2*time.Second*step
	}
}

// Payload is a successful, JSON-valid response body.
type Payload struct {
	JSON          gjson.Result
	Attempts      int
	RateLimitHits int
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Executor wraps a Transport with classification and bounded retries.
type Executor struct {
	transport Transport
	policy    RetryPolicy
	log       logx.Logger
	sleep     SleepFunc
	onFailure func(Kind)
}

type ExecutorOption func(*Executor)

func WithLogger(l logx.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

func WithSleep(fn SleepFunc) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithFailureObserver is called once per failed attempt, e.g. to feed metrics.
func WithFailureObserver(fn func(Kind)) ExecutorOption {
	return func(e *Executor) { e.onFailure = fn }
}

func NewExecutor(t Transport, policy RetryPolicy, opts ...ExecutorOption) *Executor {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	e := &Executor{transport: t, policy: policy, sleep: Sleep}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "ranking"))
	return e
}

// Execute GETs url, retrying classified failures up to MaxRetries times.
// When retries run out the last *Error is returned; cancellation returns ctx.Err().
func (e *Executor) Execute(ctx context.Context, url string) (Payload, error) {
	hits := 0
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Payload{}, err
		}
		resp, terr := e.transport.Get(ctx, url)
		if terr != nil && ctx.Err() != nil {
			return Payload{}, ctx.Err()
		}
		res, cerr := classify(resp, terr)
		if cerr == nil {
			return Payload{JSON: res, Attempts: attempt + 1, RateLimitHits: hits}, nil
		}
		if cerr.Kind == KindRateLimited {
			hits++
		}
		cerr.URL = url
		cerr.Attempts = attempt + 1
		cerr.RateLimitHits = hits
		if e.onFailure != nil {
			e.onFailure(cerr.Kind)
		}
		if attempt >= e.policy.MaxRetries || !retryable(cerr.Kind) {
			return Payload{}, cerr
		}

		d := e.policy.Delay(cerr.Kind, attempt, cerr.RetryAfter)
		e.log.Debug("request failed; retrying",
			logx.String("kind", cerr.Kind.String()),
			logx.Int("status", cerr.Status),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", d),
		)
		if err := e.sleep(ctx, d); err != nil {
			return Payload{}, err
		}
	}
}

func classify(resp Response, err error) (gjson.Result, *Error) {
	if err != nil {
		if isTimeout(err) {
			return gjson.Result{}, &Error{Kind: KindTimeout, Err: err}
		}
		return gjson.Result{}, &Error{Kind: KindNetwork, Err: err}
	}
	switch {
	case resp.Status == http.StatusTooManyRequests:
		return gjson.Result{}, &Error{Kind: KindRateLimited, Status: resp.Status, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.Status == http.StatusNotFound:
		return gjson.Result{}, &Error{Kind: KindNotFound, Status: resp.Status}
	case resp.Status == http.StatusForbidden:
		return gjson.Result{}, &Error{Kind: KindForbidden, Status: resp.Status}
	case resp.Status < 200 || resp.Status > 299:
		return gjson.Result{}, &Error{Kind: KindNetwork, Status: resp.Status}
	}
	if !gjson.ValidBytes(resp.Body) {
		return gjson.Result{}, &Error{Kind: KindMalformed, Status: resp.Status, Err: errors.New("invalid json body")}
	}
	return gjson.ParseBytes(resp.Body), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Zero means no usable hint.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = t.Sub(now)
	}
	if d <= 0 {
		return 0
	}
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}
