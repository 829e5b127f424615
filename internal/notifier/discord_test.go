package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banwatch/internal/sanction"
)

func TestDiscordSendRetriesOnRateLimit(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.25")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(DiscordConfig{WebhookURL: srv.URL, Username: "banwatch"})
	require.NotNil(t, d)
	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := d.Send(context.Background(), sanctionsPayload([]sanction.SanctionEvent{
		{Entity: sanction.Subject{ID: "u1", DisplayName: "Ann", Rank: 7}, Sanction: sanction.EventBanned, DetectedAt: at},
	}))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, slept)
	assert.Equal(t, "banwatch", got.Username)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, colorRed, got.Embeds[0].Color)
	require.Len(t, got.Embeds[0].Fields, 1)
	assert.Equal(t, "Ann (#7)", got.Embeds[0].Fields[0].Name)
	assert.Equal(t, "2026-01-02T03:04:05Z", got.Embeds[0].Timestamp)
}

func TestDiscordSendFailsOnServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDiscord(DiscordConfig{WebhookURL: srv.URL})
	err := d.Send(context.Background(), statusPayload("hi", false))
	assert.ErrorContains(t, err, "webhook status 400")
}

func TestNewDiscordRequiresURL(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewDiscord(DiscordConfig{WebhookURL: "  "}))
}
