package ranking

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer creates a test server with keep-alives disabled so parallel
// tests do not share idle connections.
func newTestServer(handler http.Handler) *httptest.Server {
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestExecutor(rec *sleepRecorder) *Executor {
	return NewExecutor(NewHTTPTransport(HTTPOptions{Timeout: 2 * time.Second}), DefaultRetryPolicy(), WithSleep(rec.sleep))
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	tests := []struct {
		name string
		kind Kind
		n    int
		hint time.Duration
		want time.Duration
	}{
		{"rate limited first", KindRateLimited, 0, 0, 15 * time.Second},
		{"rate limited third", KindRateLimited, 2, 0, 25 * time.Second},
		{"rate limited capped", KindRateLimited, 10, 0, 45 * time.Second},
		{"rate limited hint", KindRateLimited, 2, 7 * time.Second, 7 * time.Second},
		{"not found", KindNotFound, 0, 0, 2 * time.Second},
		{"forbidden second", KindForbidden, 1, 0, 3 * time.Second},
		{"timeout", KindTimeout, 0, 0, 3 * time.Second},
		{"network third", KindNetwork, 2, 0, 7 * time.Second},
		{"malformed ignores hint", KindMalformed, 1, 9 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, p.Delay(tt.kind, tt.n, tt.hint))
		})
	}
}

func TestExecuteClassifiesAfterRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
		delays []time.Duration
	}{
		{"not found", http.StatusNotFound, "", KindNotFound, []time.Duration{2 * time.Second, 3 * time.Second, 4 * time.Second}},
		{"forbidden", http.StatusForbidden, "", KindForbidden, []time.Duration{2 * time.Second, 3 * time.Second, 4 * time.Second}},
		{"server error", http.StatusBadGateway, "", KindNetwork, []time.Duration{3 * time.Second, 5 * time.Second, 7 * time.Second}},
		{"malformed", http.StatusOK, "<html>oops", KindMalformed, []time.Duration{3 * time.Second, 5 * time.Second, 7 * time.Second}},
		{"rate limited", http.StatusTooManyRequests, "", KindRateLimited, []time.Duration{15 * time.Second, 20 * time.Second, 25 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			rec := &sleepRecorder{}
			_, err := newTestExecutor(rec).Execute(context.Background(), srv.URL)
			require.Error(t, err)

			var rerr *Error
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, tt.want, rerr.Kind)
			assert.Equal(t, 4, rerr.Attempts)
			assert.EqualValues(t, 4, calls.Load())
			assert.Equal(t, tt.delays, rec.all())
			if tt.want == KindRateLimited {
				assert.Equal(t, 4, RateLimitHits(err))
			} else {
				assert.Zero(t, RateLimitHits(err))
			}
		})
	}
}

func TestExecuteHonorsRetryAfterAndRecovers(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "4")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	p, err := newTestExecutor(rec).Execute(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, p.JSON.Get("ok").Bool())
	assert.Equal(t, 2, p.Attempts)
	assert.Equal(t, 1, p.RateLimitHits)
	assert.Equal(t, []time.Duration{4 * time.Second}, rec.all())
}

func TestExecuteSendsHeaders(t *testing.T) {
	t.Parallel()

	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "_ncfa=secret" || r.Header.Get("User-Agent") != "banwatch-test" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPOptions{UserAgent: "banwatch-test", Credential: "_ncfa=secret"})
	_, err := NewExecutor(tr, RetryPolicy{}).Execute(context.Background(), srv.URL)
	require.NoError(t, err)
}

func TestExecuteStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ex := NewExecutor(NewHTTPTransport(HTTPOptions{}), DefaultRetryPolicy(), WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	_, err := ex.Execute(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	tr := NewHTTPTransport(HTTPOptions{Timeout: 50 * time.Millisecond})
	_, err := NewExecutor(tr, RetryPolicy{MaxRetries: 1}, WithSleep(rec.sleep)).Execute(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, []time.Duration{3 * time.Second}, rec.all())
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("-5", now))
	assert.Equal(t, maxRetryAfter, parseRetryAfter("86400", now))
}
