package ranking

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(72 * time.Hour)

	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    Kind
		accessible bool
		banned     bool
		suspended  bool
		deleted    bool
		until      *time.Time
		country    string
	}{
		{name: "clean", status: 200, body: `{"isBanned":false,"countryCode":"fi"}`, accessible: true, country: "fi"},
		{name: "banned", status: 200, body: `{"isBanned":true}`, accessible: true, banned: true},
		{name: "suspended rfc3339", status: 200, body: `{"suspendedUntil":"` + future.Format(time.RFC3339) + `"}`, accessible: true, suspended: true, until: &future},
		{name: "suspended unix ms", status: 200, body: `{"suspendedUntil":` + strconv.FormatInt(future.UnixMilli(), 10) + `}`, accessible: true, suspended: true, until: &future},
		{name: "suspension in the past", status: 200, body: `{"suspendedUntil":"2020-01-01T00:00:00Z"}`, accessible: true},
		{name: "suspension ends now", status: 200, body: `{"suspendedUntil":"` + now.Format(time.RFC3339) + `"}`, accessible: true},
		{name: "null suspension", status: 200, body: `{"suspendedUntil":null}`, accessible: true},
		{name: "not found is deletion", status: 404, deleted: true},
		{name: "forbidden is deletion", status: 403, deleted: true},
		{name: "server error propagates", status: 503, wantErr: KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasSuffix(r.URL.Path, "/users/abc%2F1") && !strings.HasSuffix(r.URL.RawPath, "/users/abc%2F1") {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			rec := &sleepRecorder{}
			ex := NewExecutor(NewHTTPTransport(HTTPOptions{}), DefaultRetryPolicy(), WithSleep(rec.sleep))
			p := NewProber(ex, ProberConfig{BaseURL: srv.URL, Path: "/api/v3/users/{id}"})
			p.now = func() time.Time { return now }

			res, err := p.Probe(context.Background(), "abc/1")
			if tt.wantErr != KindUnknown {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.accessible, res.Accessible)
			assert.Equal(t, tt.banned, res.Banned)
			assert.Equal(t, tt.suspended, res.Suspended)
			assert.Equal(t, tt.deleted, res.Deleted)
			assert.Equal(t, tt.country, res.CountryCode)
			if tt.until != nil {
				require.NotNil(t, res.SuspendedUntil)
				assert.True(t, tt.until.Equal(*res.SuspendedUntil))
			} else {
				assert.Nil(t, res.SuspendedUntil)
			}
		})
	}
}
