package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted or zero values fall back to the component defaults.
type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Ranking       RankingConfig       `json:"ranking"`
	Cycle         CycleConfig         `json:"cycle"`
	Schedule      ScheduleConfig      `json:"schedule"`
	Storage       StorageConfig       `json:"storage"`
	Audit         AuditConfig         `json:"audit"`
	Notifier      *NotifierConfig     `json:"notifier,omitempty"`
	Observability ObservabilityConfig `json:"observability"`
}

type TelegramConfig struct {
	// Token may be empty to run without chat delivery and commands.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RankingConfig describes the remote ranking API.
//
// Example:
//
//	"ranking": {
//	  "base_url": "https://ranking.example.com",
//	  "leaderboard_path": "/api/leaderboard?offset={offset}&limit={limit}",
//	  "detail_path": "/api/users/{id}",
//	  "credential_env": "BANWATCH_CREDENTIAL"
//	}
type RankingConfig struct {
	BaseURL         string `json:"base_url"`
	LeaderboardPath string `json:"leaderboard_path"`
	DetailPath      string `json:"detail_path"`

	// CredentialHeader defaults to "Cookie".
	CredentialHeader string `json:"credential_header,omitempty"`
	// Credential is sent verbatim in CredentialHeader. Prefer CredentialEnv (do not log).
	Credential    string            `json:"credential,omitempty"`
	CredentialEnv string            `json:"credential_env,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timeout       string            `json:"timeout,omitempty"`

	PageSize       int    `json:"page_size,omitempty"`
	SnapshotLimit  int    `json:"snapshot_limit,omitempty"`
	PageDelayMin   string `json:"page_delay_min,omitempty"`
	PageDelayMax   string `json:"page_delay_max,omitempty"`
	PageCooldown   string `json:"page_cooldown,omitempty"`
	MaxPageRetries int    `json:"max_page_retries,omitempty"`

	// Fields are gjson paths into the API payloads.
	Fields FieldsConfig `json:"fields,omitempty"`
}

type FieldsConfig struct {
	Items          string `json:"items,omitempty"`
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	Rating         string `json:"rating,omitempty"`
	Rank           string `json:"rank,omitempty"`
	Country        string `json:"country,omitempty"`
	Banned         string `json:"banned,omitempty"`
	SuspendedUntil string `json:"suspended_until,omitempty"`
	DetailCountry  string `json:"detail_country,omitempty"`
}

// CycleConfig tunes the three probing passes.
type CycleConfig struct {
	Priority PassConfig `json:"priority"`
	Full     PassConfig `json:"full"`
	Reverify PassConfig `json:"reverify"`

	SummaryOnSuccess bool `json:"summary_on_success,omitempty"`
}

type PassConfig struct {
	BatchSize  int    `json:"batch_size,omitempty"`
	Stagger    string `json:"stagger,omitempty"`
	Delay      string `json:"delay,omitempty"`
	DecayEvery int    `json:"decay_every,omitempty"`
	// Window is ignored by the full pass.
	Window string `json:"window,omitempty"`
}

// ScheduleConfig controls the periodic trigger.
//
// Spec accepts a cron expression ("0 */2 * * *"), a Go duration ("2h")
// or an HH:MM interval ("01:30" fires every 90 minutes).
type ScheduleConfig struct {
	Enabled    bool   `json:"enabled"`
	Spec       string `json:"spec"`
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/banwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type AuditConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool    `json:"enabled"`
	QueueSize     int     `json:"queue_size"`
	RatePerSec    float64 `json:"rate_per_sec"`
	RetryMax      int     `json:"retry_max"`
	RetryBase     string  `json:"retry_base"`
	RetryMaxDelay string  `json:"retry_max_delay"`

	Targets TargetsConfig `json:"targets"`
	Discord DiscordConfig `json:"discord,omitempty"`
}

type ChatTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// TargetsConfig routes each message kind; zero targets fall back to Default.
type TargetsConfig struct {
	Default   ChatTarget `json:"default"`
	Bans      ChatTarget `json:"bans,omitempty"`
	Unbans    ChatTarget `json:"unbans,omitempty"`
	Deletions ChatTarget `json:"deletions,omitempty"`
	Status    ChatTarget `json:"status,omitempty"`
}

type DiscordConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"` // do not log
	Username   string `json:"username,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// ObservabilityConfig controls the metrics/pprof HTTP endpoint.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// StaleAfter turns /healthz unhealthy when no cycle succeeded for this long.
	StaleAfter string `json:"stale_after,omitempty"`
}
