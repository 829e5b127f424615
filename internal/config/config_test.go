package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 15s
logging:
  level: debug
  console: true
ranking:
  base_url: https://ranking.example.com
  leaderboard_path: /api/leaderboard?offset={offset}&limit={limit}
  detail_path: /api/users/{id}
  credential_env: BANWATCH_CREDENTIAL
  fields:
    id: userId
cycle:
  priority:
    batch_size: 8
    window: 24h
schedule:
  enabled: true
  spec: "*/30 * * * *"
storage:
  driver: sqlite
  path: ./data/banwatch.db
notifier:
  enabled: true
  rate_per_sec: 0.5
  targets:
    default: { chat_id: -100123 }
    bans: { chat_id: -100123, thread_id: 7 }
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("banwatch.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.OwnerUserIDs[0] != 42 || cfg.Ranking.Fields.ID != "userId" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Notifier == nil || cfg.Notifier.RatePerSec != 0.5 || cfg.Notifier.Targets.Bans.ThreadID != 7 {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	if cfg.Schedule.Spec != "*/30 * * * *" || cfg.Cycle.Priority.Window != "24h" {
		t.Fatalf("schedule/cycle = %+v %+v", cfg.Schedule, cfg.Cycle)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		path string
		body string
		want string
	}{
		{"unknown json field", "c.json", `{"telegram":{"tokn":"x"}}`, "unknown field"},
		{"unknown yaml field", "c.yml", "schedule:\n  cron: x\n", "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yaml", "a: [", "yaml unmarshal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.path, []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("empty = %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", " 90s ", time.Minute); err != nil || d != 90*time.Second {
		t.Fatalf("90s = %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("ranking.timeout", "-1s", time.Minute); err == nil || !strings.Contains(err.Error(), "ranking.timeout") {
		t.Fatalf("negative err = %v", err)
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := &Config{Ranking: RankingConfig{BaseURL: "https://a", Credential: "c1"}}
	b := &Config{Ranking: RankingConfig{BaseURL: "https://a", Credential: "c2"}, Schedule: ScheduleConfig{Enabled: true, Spec: "1h"}}
	changed, attrs := SummarizeChange(a, b)
	if strings.Join(changed, ",") != "schedule" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	c := &Config{Notifier: &NotifierConfig{Enabled: true}}
	if changed, _ := SummarizeChange(&Config{}, c); len(changed) != 0 {
		t.Fatalf("omitted notifier should equal enabled default, got %v", changed)
	}
}

func TestManagerReloadValidatesAndPublishes(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "banwatch.json", `{"schedule":{"enabled":true,"spec":"1h"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if m.reload(ctx) {
		t.Fatal("unchanged file must not publish")
	}

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Schedule.Spec == "" {
			return errors.New("schedule.spec is required")
		}
		return nil
	})
	if err := os.WriteFile(path, []byte(`{"schedule":{"enabled":true}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(ctx) {
		t.Fatal("invalid config must not publish")
	}
	if m.Get().Schedule.Spec != "1h" {
		t.Fatalf("rejected config was committed: %+v", m.Get().Schedule)
	}

	if err := os.WriteFile(path, []byte(`{"schedule":{"enabled":true,"spec":"2h"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if !m.reload(ctx) {
		t.Fatal("valid change must publish")
	}
	select {
	case got := <-sub:
		if got.Schedule.Spec != "2h" {
			t.Fatalf("published = %+v", got.Schedule)
		}
	default:
		t.Fatal("nothing published")
	}
}

func TestManagerWatchPicksUpEdits(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "banwatch.yaml", "logging:\n  level: info\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register before editing.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-sub:
		if got.Logging.Level != "debug" {
			t.Fatalf("level = %q", got.Logging.Level)
		}
	case <-ctx.Done():
		t.Fatal("no reload observed")
	}
	cancel()
	<-done
}
