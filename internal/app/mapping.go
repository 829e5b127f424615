package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"banwatch/internal/config"
	"banwatch/internal/cycle"
	"banwatch/internal/notifier"
	"banwatch/internal/observability"
	"banwatch/internal/ranking"
	"banwatch/internal/storage"
	"banwatch/internal/task/scheduler"
	kit "banwatch/internal/transport"
	logx "banwatch/pkg/logx"
)

const defaultCredentialEnv = "BANWATCH_CREDENTIAL"

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// credential resolves the ranking credential: inline value first, then the environment.
func credential(r config.RankingConfig) string {
	if r.Credential != "" {
		return r.Credential
	}
	env := strings.TrimSpace(r.CredentialEnv)
	if env == "" {
		env = defaultCredentialEnv
	}
	return os.Getenv(env)
}

func mapFields(f config.FieldsConfig) ranking.Fields {
	return ranking.Fields{
		Items:          f.Items,
		ID:             f.ID,
		Name:           f.Name,
		Rating:         f.Rating,
		Rank:           f.Rank,
		Country:        f.Country,
		Banned:         f.Banned,
		SuspendedUntil: f.SuspendedUntil,
		DetailCountry:  f.DetailCountry,
	}
}

type rankingConfig struct {
	http        ranking.HTTPOptions
	leaderboard ranking.LeaderboardConfig
	prober      ranking.ProberConfig
}

func mapRanking(cfg *config.Config) (rankingConfig, error) {
	r := cfg.Ranking
	if strings.TrimSpace(r.BaseURL) == "" {
		return rankingConfig{}, fmt.Errorf("ranking.base_url is required")
	}
	if strings.TrimSpace(r.LeaderboardPath) == "" {
		return rankingConfig{}, fmt.Errorf("ranking.leaderboard_path is required")
	}
	if !strings.Contains(r.DetailPath, "{id}") {
		return rankingConfig{}, fmt.Errorf("ranking.detail_path must contain {id}")
	}
	if r.PageSize < 0 || r.SnapshotLimit < 0 || r.MaxPageRetries < 0 {
		return rankingConfig{}, fmt.Errorf("ranking: page_size, snapshot_limit and max_page_retries must be >= 0")
	}

	timeout, err := config.ParseDurationField("ranking.timeout", r.Timeout)
	if err != nil {
		return rankingConfig{}, err
	}
	delayMin, err := config.ParseDurationField("ranking.page_delay_min", r.PageDelayMin)
	if err != nil {
		return rankingConfig{}, err
	}
	delayMax, err := config.ParseDurationField("ranking.page_delay_max", r.PageDelayMax)
	if err != nil {
		return rankingConfig{}, err
	}
	cooldown, err := config.ParseDurationField("ranking.page_cooldown", r.PageCooldown)
	if err != nil {
		return rankingConfig{}, err
	}

	fields := mapFields(r.Fields)
	return rankingConfig{
		http: ranking.HTTPOptions{
			Timeout:          timeout,
			UserAgent:        r.UserAgent,
			CredentialHeader: r.CredentialHeader,
			Credential:       credential(r),
			Header:           r.Headers,
		},
		leaderboard: ranking.LeaderboardConfig{
			BaseURL:        r.BaseURL,
			Path:           r.LeaderboardPath,
			Fields:         fields,
			PageSize:       r.PageSize,
			MaxPageRetries: r.MaxPageRetries,
			Cooldown:       cooldown,
			PageDelayMin:   delayMin,
			PageDelayMax:   delayMax,
		},
		prober: ranking.ProberConfig{
			BaseURL: r.BaseURL,
			Path:    r.DetailPath,
			Fields:  fields,
		},
	}, nil
}

func mapPass(path string, p config.PassConfig, def cycle.Pass) (cycle.Pass, error) {
	out := def
	if p.BatchSize < 0 || p.DecayEvery < 0 {
		return out, fmt.Errorf("%s: batch_size and decay_every must be >= 0", path)
	}
	if p.BatchSize > 0 {
		out.BatchSize = p.BatchSize
	}
	if p.DecayEvery > 0 {
		out.DecayEvery = p.DecayEvery
	}
	var err error
	if out.Stagger, err = config.ParseDurationOrDefault(path+".stagger", p.Stagger, def.Stagger); err != nil {
		return out, err
	}
	if out.Delay, err = config.ParseDurationOrDefault(path+".delay", p.Delay, def.Delay); err != nil {
		return out, err
	}
	if out.Window, err = config.ParseDurationOrDefault(path+".window", p.Window, def.Window); err != nil {
		return out, err
	}
	return out, nil
}

func mapCycle(cfg *config.Config) (cycle.Config, error) {
	out := cycle.DefaultConfig()
	if cfg.Ranking.SnapshotLimit > 0 {
		out.SnapshotLimit = cfg.Ranking.SnapshotLimit
	}
	out.SummaryOnSuccess = cfg.Cycle.SummaryOnSuccess

	var err error
	if out.Priority, err = mapPass("cycle.priority", cfg.Cycle.Priority, out.Priority); err != nil {
		return out, err
	}
	if out.Full, err = mapPass("cycle.full", cfg.Cycle.Full, out.Full); err != nil {
		return out, err
	}
	if out.Reverify, err = mapPass("cycle.reverify", cfg.Cycle.Reverify, out.Reverify); err != nil {
		return out, err
	}
	return out, nil
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:    cfg.Schedule.Enabled,
		Spec:       cfg.Schedule.Spec,
		Timezone:   cfg.Schedule.Timezone,
		RunOnStart: cfg.Schedule.RunOnStart,
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	bt, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required for driver %q", driver)
		}
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver)
	}
	return storage.Config{Driver: driver, Path: cfg.Storage.Path, BusyTimeout: bt}, nil
}

func chatTarget(t config.ChatTarget) kit.ChatTarget {
	return kit.ChatTarget{ChatID: t.ChatID, ThreadID: t.ThreadID}
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := config.EffectiveNotifier(cfg)
	if n.QueueSize < 0 || n.RetryMax < 0 || n.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: queue_size, retry_max and rate_per_sec must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dto, err := config.ParseDurationField("notifier.discord.timeout", n.Discord.Timeout)
	if err != nil {
		return notifier.Config{}, err
	}
	if u := strings.TrimSpace(n.Discord.WebhookURL); u != "" && !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
		return notifier.Config{}, fmt.Errorf("notifier.discord.webhook_url must be an http(s) URL")
	}

	return notifier.Config{
		Enabled:       n.Enabled,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		Targets: notifier.Targets{
			Default:   chatTarget(n.Targets.Default),
			Bans:      chatTarget(n.Targets.Bans),
			Unbans:    chatTarget(n.Targets.Unbans),
			Deletions: chatTarget(n.Targets.Deletions),
			Status:    chatTarget(n.Targets.Status),
		},
		Discord: notifier.DiscordConfig{
			WebhookURL: n.Discord.WebhookURL,
			Username:   n.Discord.Username,
			Timeout:    dto,
		},
	}, nil
}

func mapObservability(cfg *config.Config) (observability.Config, time.Duration, error) {
	o := cfg.Observability
	rt, err := config.ParseDurationOrDefault("observability.read_timeout", o.ReadTimeout, 5*time.Second)
	if err != nil {
		return observability.Config{}, 0, err
	}
	wt, err := config.ParseDurationField("observability.write_timeout", o.WriteTimeout)
	if err != nil {
		return observability.Config{}, 0, err
	}
	it, err := config.ParseDurationOrDefault("observability.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return observability.Config{}, 0, err
	}
	stale, err := config.ParseDurationField("observability.stale_after", o.StaleAfter)
	if err != nil {
		return observability.Config{}, 0, err
	}
	return observability.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, stale, nil
}

// validate rejects configs that would fail to apply. It runs on startup and on every reload.
func validate(cfg *config.Config, sched *scheduler.Service) error {
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapRanking(cfg); err != nil {
		return err
	}
	if _, err := mapCycle(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, _, err := mapObservability(cfg); err != nil {
		return err
	}
	if cfg.Audit.Enabled && strings.TrimSpace(cfg.Audit.Path) == "" {
		return fmt.Errorf("audit.path is required when audit is enabled")
	}
	if sched != nil {
		if err := sched.Validate(mapScheduler(cfg)); err != nil {
			return err
		}
	}
	return nil
}
