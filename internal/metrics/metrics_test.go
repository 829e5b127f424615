package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banwatch/internal/ranking"
	"banwatch/internal/sanction"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCollectorExposition(t *testing.T) {
	t.Parallel()
	c := New()
	c.CycleFinished("cron", 3*time.Second, nil)
	c.CycleFinished("manual", time.Second, errors.New("boom"))
	c.CycleFinished("cron", time.Second, context.Canceled)
	c.ProbeFinished("priority", nil)
	c.ProbeFinished("priority", errors.New("x"))
	c.EventEmitted(sanction.EventBanned)
	c.EventEmitted(sanction.EventBanned)
	c.RemoteFailure(ranking.KindRateLimited)
	c.Tracked(map[sanction.Status]int{sanction.StatusActive: 4, sanction.StatusBanned: 1})

	body := scrape(t, c)
	for _, want := range []string{
		`banwatch_cycles_total{result="ok",trigger="cron"} 1`,
		`banwatch_cycles_total{result="error",trigger="manual"} 1`,
		`banwatch_cycles_total{result="canceled",trigger="cron"} 1`,
		`banwatch_probes_total{pass="priority",result="error"} 1`,
		`banwatch_events_total{kind="banned"} 2`,
		`banwatch_remote_failures_total{kind="rate_limited"} 1`,
		`banwatch_tracked_entities{status="active"} 4`,
		`banwatch_tracked_entities{status="suspended"} 0`,
		`banwatch_cycle_duration_seconds_count{trigger="cron"} 2`,
	} {
		assert.Contains(t, body, want)
	}
}
