package notifier

import (
	"time"

	kit "banwatch/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	Targets Targets
	Discord DiscordConfig
}

// Targets routes each message kind. A zero target falls back to Default.
type Targets struct {
	Default   kit.ChatTarget
	Bans      kit.ChatTarget
	Unbans    kit.ChatTarget
	Deletions kit.ChatTarget
	Status    kit.ChatTarget
}

func (t Targets) pick(k kind) kit.ChatTarget {
	var c kit.ChatTarget
	switch k {
	case kindBan:
		c = t.Bans
	case kindUnban:
		c = t.Unbans
	case kindDeletion:
		c = t.Deletions
	case kindStatus:
		c = t.Status
	}
	if c.IsZero() {
		return t.Default
	}
	return c
}

type DiscordConfig struct {
	WebhookURL string
	Username   string
	Timeout    time.Duration
}

type kind int

const (
	kindBan kind = iota
	kindUnban
	kindDeletion
	kindStatus
)

func (k kind) String() string {
	switch k {
	case kindBan:
		return "ban"
	case kindUnban:
		return "unban"
	case kindDeletion:
		return "deletion"
	default:
		return "status"
	}
}
