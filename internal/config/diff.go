package config

import (
	"reflect"
	"sort"
	"strings"

	logx "banwatch/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (tokens, credentials, webhook URLs) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		(oldCfg.Telegram.Token == "") != (newCfg.Telegram.Token == "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(redactRanking(oldCfg.Ranking), redactRanking(newCfg.Ranking)) {
		changed = append(changed, "ranking")
		attrs = append(attrs,
			logx.String("ranking.base_url", newCfg.Ranking.BaseURL),
			logx.Int("ranking.snapshot_limit", newCfg.Ranking.SnapshotLimit),
			logx.Bool("ranking.credential_set", newCfg.Ranking.Credential != "" || newCfg.Ranking.CredentialEnv != ""),
		)
	}

	if oldCfg.Cycle != newCfg.Cycle {
		changed = append(changed, "cycle")
		attrs = append(attrs,
			logx.Int("cycle.priority.batch_size", newCfg.Cycle.Priority.BatchSize),
			logx.Int("cycle.full.batch_size", newCfg.Cycle.Full.BatchSize),
			logx.Int("cycle.reverify.batch_size", newCfg.Cycle.Reverify.BatchSize),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Bool("schedule.enabled", newCfg.Schedule.Enabled),
			logx.String("schedule.spec", strings.TrimSpace(newCfg.Schedule.Spec)),
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Audit != newCfg.Audit {
		changed = append(changed, "audit")
		attrs = append(attrs, logx.Bool("audit.enabled", newCfg.Audit.Enabled))
	}

	oldN, newN := EffectiveNotifier(oldCfg), EffectiveNotifier(newCfg)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Float64("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.discord_set", strings.TrimSpace(newN.Discord.WebhookURL) != ""),
		)
	}

	if redactObservability(oldCfg.Observability) != redactObservability(newCfg.Observability) {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", newCfg.Observability.Enabled),
			logx.String("observability.addr", strings.TrimSpace(newCfg.Observability.Addr)),
			logx.Bool("observability.pprof", newCfg.Observability.Pprof),
			logx.Bool("observability.token_set", newCfg.Observability.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// EffectiveNotifier returns the notifier section with the omitted-section default applied.
func EffectiveNotifier(cfg *Config) NotifierConfig {
	if cfg == nil || cfg.Notifier == nil {
		return NotifierConfig{Enabled: true}
	}
	return *cfg.Notifier
}

// redactRanking compares only whether a credential is set.
func redactRanking(r RankingConfig) RankingConfig {
	if r.Credential != "" {
		r.Credential = "set"
	}
	return r
}

func redactObservability(o ObservabilityConfig) ObservabilityConfig {
	if o.Token != "" {
		o.Token = "set"
	}
	return o
}
