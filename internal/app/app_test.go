package app

import (
	"strings"
	"testing"
	"time"

	"banwatch/internal/config"
	"banwatch/internal/cycle"
	"banwatch/internal/sanction"
	"banwatch/internal/task/scheduler"
	logx "banwatch/pkg/logx"
)

func baseConfig() *config.Config {
	return &config.Config{
		Ranking: config.RankingConfig{
			BaseURL:         "https://ranking.example.com",
			LeaderboardPath: "/api/leaderboard?offset={offset}&limit={limit}",
			DetailPath:      "/api/users/{id}",
		},
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	t.Parallel()

	sched := scheduler.New(scheduler.Config{}, nil, logx.Nop())
	if err := validate(baseConfig(), sched); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing base url", func(c *config.Config) { c.Ranking.BaseURL = "" }, "ranking.base_url"},
		{"detail path without id", func(c *config.Config) { c.Ranking.DetailPath = "/api/users" }, "{id}"},
		{"bad poll timeout", func(c *config.Config) { c.Telegram.PollTimeout = "soon" }, "telegram.poll_timeout"},
		{"negative pass size", func(c *config.Config) { c.Cycle.Full.BatchSize = -1 }, "cycle.full"},
		{"bad window", func(c *config.Config) { c.Cycle.Reverify.Window = "2 weeks" }, "cycle.reverify.window"},
		{"unknown driver", func(c *config.Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"sqlite without path", func(c *config.Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"audit without path", func(c *config.Config) { c.Audit.Enabled = true }, "audit.path"},
		{"bad webhook", func(c *config.Config) {
			c.Notifier = &config.NotifierConfig{Enabled: true, Discord: config.DiscordConfig{WebhookURL: "discord.com/x"}}
		}, "webhook_url"},
		{"bad stale_after", func(c *config.Config) { c.Observability.StaleAfter = "-1h" }, "observability.stale_after"},
		{"bad schedule", func(c *config.Config) {
			c.Schedule = config.ScheduleConfig{Enabled: true, Spec: "every tuesday"}
		}, "schedule.spec"},
		{"bad timezone", func(c *config.Config) {
			c.Schedule = config.ScheduleConfig{Enabled: true, Spec: "1h", Timezone: "Mars/Olympus"}
		}, "schedule.timezone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(cfg)
			sched := scheduler.New(scheduler.Config{}, nil, logx.Nop())
			err := validate(cfg, sched)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestMapCycleOverridesOnlySetFields(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Ranking.SnapshotLimit = 500
	cfg.Cycle.Priority = config.PassConfig{BatchSize: 4, Window: "12h"}
	cfg.Cycle.Full = config.PassConfig{Delay: "2s", DecayEvery: 5}
	cfg.Cycle.SummaryOnSuccess = true

	got, err := mapCycle(cfg)
	if err != nil {
		t.Fatalf("mapCycle: %v", err)
	}
	def := cycle.DefaultConfig()

	if got.SnapshotLimit != 500 || !got.SummaryOnSuccess {
		t.Fatalf("top-level fields not mapped: %+v", got)
	}
	if got.Priority.BatchSize != 4 || got.Priority.Window != 12*time.Hour {
		t.Fatalf("priority = %+v", got.Priority)
	}
	if got.Priority.Stagger != def.Priority.Stagger || got.Priority.Delay != def.Priority.Delay {
		t.Fatalf("priority defaults lost: %+v", got.Priority)
	}
	if got.Full.Delay != 2*time.Second || got.Full.DecayEvery != 5 || got.Full.BatchSize != def.Full.BatchSize {
		t.Fatalf("full = %+v", got.Full)
	}
	if got.Reverify != def.Reverify {
		t.Fatalf("reverify changed: %+v", got.Reverify)
	}
}

func TestCredentialFromEnvironment(t *testing.T) {
	t.Setenv("BANWATCH_CREDENTIAL", "session=abc")
	t.Setenv("OTHER_CRED", "session=xyz")

	r := config.RankingConfig{}
	if got := credential(r); got != "session=abc" {
		t.Fatalf("default env: got %q", got)
	}
	r.CredentialEnv = "OTHER_CRED"
	if got := credential(r); got != "session=xyz" {
		t.Fatalf("custom env: got %q", got)
	}
	r.Credential = "inline"
	if got := credential(r); got != "inline" {
		t.Fatalf("inline: got %q", got)
	}

	rc, err := mapRanking(baseConfig())
	if err != nil {
		t.Fatalf("mapRanking: %v", err)
	}
	if rc.http.Credential != "session=abc" {
		t.Fatalf("transport credential = %q", rc.http.Credential)
	}
	if rc.prober.Path != "/api/users/{id}" || rc.leaderboard.BaseURL != "https://ranking.example.com" {
		t.Fatalf("paths not mapped: %+v %+v", rc.prober, rc.leaderboard)
	}
}

func TestMapNotifierDefaultsAndRouting(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	n, err := mapNotifier(cfg)
	if err != nil {
		t.Fatalf("mapNotifier: %v", err)
	}
	if !n.Enabled {
		t.Fatalf("omitted notifier section should be enabled")
	}

	cfg.Notifier = &config.NotifierConfig{
		Enabled:   true,
		RetryBase: "1s",
		Targets: config.TargetsConfig{
			Default: config.ChatTarget{ChatID: -100},
			Bans:    config.ChatTarget{ChatID: -100, ThreadID: 7},
		},
	}
	n, err = mapNotifier(cfg)
	if err != nil {
		t.Fatalf("mapNotifier: %v", err)
	}
	if n.RetryBase != time.Second {
		t.Fatalf("retry base = %s", n.RetryBase)
	}
	if n.Targets.Default.ChatID != -100 || n.Targets.Bans.ThreadID != 7 || !n.Targets.Unbans.IsZero() {
		t.Fatalf("targets = %+v", n.Targets)
	}
}

func TestMapObservabilityDefaults(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Observability = config.ObservabilityConfig{Enabled: true, Addr: " 127.0.0.1:9000 ", StaleAfter: "6h"}
	o, stale, err := mapObservability(cfg)
	if err != nil {
		t.Fatalf("mapObservability: %v", err)
	}
	if o.Addr != "127.0.0.1:9000" || o.ReadTimeout != 5*time.Second || o.WriteTimeout != 0 {
		t.Fatalf("observability = %+v", o)
	}
	if stale != 6*time.Hour {
		t.Fatalf("stale = %s", stale)
	}
}

func TestHealthGoesStale(t *testing.T) {
	t.Parallel()

	a := &App{startedAt: time.Now().Add(-2 * time.Hour)}
	if err := a.health(); err != nil {
		t.Fatalf("no stale_after configured: %v", err)
	}

	a.staleAfter.Store(int64(time.Hour))
	if err := a.health(); err == nil {
		t.Fatalf("expected stale error two hours after start")
	}

	a.lastOK.Store(time.Now().Add(-10 * time.Minute).UnixNano())
	if err := a.health(); err != nil {
		t.Fatalf("recent success should be healthy: %v", err)
	}
}

func TestFormatStatus(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := cycle.Status{
		Counts:      map[sanction.Status]int{sanction.StatusActive: 10, sanction.StatusBanned: 2},
		Tracked:     12,
		LastCheckAt: now.Add(-90 * time.Second),
		TotalChecks: 42,
		Running:     true,
	}
	got := formatStatus(st, scheduler.Info{Enabled: true, Spec: "2h", Next: now.Add(time.Hour)}, now)

	for _, want := range []string{
		"Tracked: 12",
		"active: 10",
		"banned: 2",
		"deleted_account: 0",
		"(1m30s ago)",
		"Total checks: 42",
		"Cycle: running",
		"Schedule: 2h, next 2024-05-01 13:00 UTC",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("status missing %q:\n%s", want, got)
		}
	}

	got = formatStatus(cycle.Status{}, scheduler.Info{}, now)
	if !strings.Contains(got, "Last check: never") || !strings.Contains(got, "Schedule: off") {
		t.Fatalf("empty status:\n%s", got)
	}
}
