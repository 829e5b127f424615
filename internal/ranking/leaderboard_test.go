package ranking

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageHandler(total int, wrap bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var rows []string
		for i := offset; i < offset+limit && i < total; i++ {
			rows = append(rows, fmt.Sprintf(`{"userId":"u%d","nick":"Player %d","rating":%d,"countryCode":"se"}`, i, i, 2000-i))
		}
		body := "[" + strings.Join(rows, ",") + "]"
		if wrap {
			body = `{"items":` + body + `}`
		}
		_, _ = w.Write([]byte(body))
	}
}

func newTestLeaderboard(url string, pageSize int, sleep SleepFunc) *Leaderboard {
	ex := NewExecutor(NewHTTPTransport(HTTPOptions{Timeout: 2 * time.Second}), DefaultRetryPolicy(), WithSleep(sleep))
	return NewLeaderboard(ex, LeaderboardConfig{
		BaseURL:      url,
		Path:         "/ratings?offset={offset}&limit={limit}",
		PageSize:     pageSize,
		PageDelayMin: time.Millisecond,
		PageDelayMax: 2 * time.Millisecond,
	}, WithCooldownSleep(sleep))
}

func TestFetchSnapshotPaginates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		total int
		limit int
		wrap  bool
		want  int
	}{
		{"stops on empty page", 25, 100, false, 25},
		{"stops at limit", 100, 30, false, 30},
		{"items envelope", 12, 100, true, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := newTestServer(pageHandler(tt.total, tt.wrap))
			defer srv.Close()

			rec := &sleepRecorder{}
			got, err := newTestLeaderboard(srv.URL, 10, rec.sleep).FetchSnapshot(context.Background(), tt.limit)
			require.NoError(t, err)
			require.Len(t, got, tt.want)
			for i, e := range got {
				assert.Equal(t, fmt.Sprintf("u%d", i), e.EntityID)
				assert.Equal(t, i+1, e.Rank)
				assert.Equal(t, 2000-i, e.Rating)
				assert.Equal(t, "se", e.CountryCode)
			}
			assert.Empty(t, rec.all())
		})
	}
}

func TestFetchSnapshotRetriesSameOffsetOn429(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var offsets []string
	throttled := false
	inner := pageHandler(15, false)
	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		offsets = append(offsets, r.URL.Query().Get("offset"))
		first := r.URL.Query().Get("offset") == "10" && !throttled
		mu.Unlock()
		if first {
			// Throttle every executor attempt of this page until the cooldown passes.
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		inner(w, r)
	}))
	defer srv.Close()

	var cooldowns []time.Duration
	var cmu sync.Mutex
	sleep := func(ctx context.Context, d time.Duration) error {
		cmu.Lock()
		defer cmu.Unlock()
		if d == DefaultPageCooldown {
			cooldowns = append(cooldowns, d)
			mu.Lock()
			throttled = true
			mu.Unlock()
		}
		return ctx.Err()
	}

	got, err := newTestLeaderboard(srv.URL, 10, sleep).FetchSnapshot(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, got, 15)
	assert.Equal(t, "u10", got[10].EntityID)
	assert.Equal(t, 11, got[10].Rank)
	assert.Len(t, cooldowns, 1)

	mu.Lock()
	defer mu.Unlock()
	// page 0, four throttled attempts at 10, the retried 10, then the empty page at 15.
	assert.Equal(t, []string{"0", "10", "10", "10", "10", "10", "15"}, offsets)
}

func TestFetchSnapshotReturnsPartialOnFailure(t *testing.T) {
	t.Parallel()

	inner := pageHandler(50, false)
	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") == "10" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		inner(w, r)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	got, err := newTestLeaderboard(srv.URL, 10, rec.sleep).FetchSnapshot(context.Background(), 100)
	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.Len(t, got, 10)
}

func TestFetchSnapshotGivesUpWhenAlwaysThrottled(t *testing.T) {
	t.Parallel()

	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	got, err := newTestLeaderboard(srv.URL, 10, rec.sleep).FetchSnapshot(context.Background(), 100)
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Empty(t, got)

	cooldowns := 0
	for _, d := range rec.all() {
		if d == DefaultPageCooldown {
			cooldowns++
		}
	}
	assert.Equal(t, DefaultMaxPageRetries, cooldowns)
}

func TestFetchSnapshotPausesAfterSlowPages(t *testing.T) {
	t.Parallel()

	type span struct{ start, end time.Time }
	var (
		mu    sync.Mutex
		spans []span
	)
	pages := pageHandler(30, false)
	srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		time.Sleep(120 * time.Millisecond)
		mu.Lock()
		spans = append(spans, span{start: start, end: time.Now()})
		mu.Unlock()
		pages(w, r)
	}))
	defer srv.Close()

	const delay = 40 * time.Millisecond
	ex := NewExecutor(NewHTTPTransport(HTTPOptions{Timeout: 2 * time.Second}), DefaultRetryPolicy())
	lb := NewLeaderboard(ex, LeaderboardConfig{
		BaseURL:      srv.URL,
		Path:         "/ratings?offset={offset}&limit={limit}",
		PageSize:     10,
		PageDelayMin: delay,
		PageDelayMax: delay,
	})
	got, err := lb.FetchSnapshot(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, got, 30)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, spans, 4)
	for i := 1; i < len(spans); i++ {
		gap := spans[i].start.Sub(spans[i-1].end)
		assert.GreaterOrEqual(t, gap, delay, "gap before page %d", i)
	}
}

func TestPageDelayWithinBounds(t *testing.T) {
	t.Parallel()

	lb := NewLeaderboard(nil, LeaderboardConfig{})
	for range 200 {
		d := lb.pageDelay()
		if d < defaultPageDelayMin || d > defaultPageDelayMax {
			t.Fatalf("page delay %v outside [%v, %v]", d, defaultPageDelayMin, defaultPageDelayMax)
		}
	}
}
