package notifier

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"banwatch/internal/sanction"
)

const (
	colorRed    = 15158332 // 0xE74C3C
	colorOrange = 15105570 // 0xE67E22
	colorGreen  = 5763719  // 0x57F287
	colorGrey   = 9807270  // 0x95A5A6

	defaultWebhookTimeout = 10 * time.Second
	webhookMaxAttempts    = 3
	maxEmbedFields        = 25
)

type WebhookPayload struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []Embed `json:"embeds,omitempty"`
}

type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Discord posts payloads to one webhook.
type Discord struct {
	url      string
	username string
	client   *http.Client
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Discord{
		url:      strings.TrimSpace(cfg.WebhookURL),
		username: cfg.Username,
		client:   &http.Client{Timeout: timeout},
		sleep:    sleepCtx,
	}
}

// Send posts p, waiting out 429 responses as told by Retry-After.
func (d *Discord) Send(ctx context.Context, p WebhookPayload) error {
	if p.Username == "" {
		p.Username = d.username
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	for attempt := 1; attempt <= webhookMaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request: %w", err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := time.Second
			if v, err := strconv.ParseFloat(strings.TrimSpace(resp.Header.Get("Retry-After")), 64); err == nil && v > 0 {
				wait = time.Duration(v * float64(time.Second))
			}
			if err := d.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		default:
			return fmt.Errorf("webhook status %d", resp.StatusCode)
		}
	}
	return fmt.Errorf("webhook still rate limited after %d attempts", webhookMaxAttempts)
}

func sanctionsPayload(evs []sanction.SanctionEvent) WebhookPayload {
	e := Embed{Title: "Sanctions detected", Color: colorRed}
	for _, ev := range evs {
		if len(e.Fields) == maxEmbedFields {
			break
		}
		val := string(ev.Sanction)
		if ev.SuspendedUntil != nil {
			val += " until " + ev.SuspendedUntil.UTC().Format(time.RFC3339)
			if ev.Sanction == sanction.EventSuspended && len(evs) == 1 {
				e.Color = colorOrange
			}
		}
		e.Fields = append(e.Fields, EmbedField{Name: subjectPlain(ev.Entity), Value: val})
		e.Timestamp = ev.DetectedAt.UTC().Format(time.RFC3339)
	}
	return WebhookPayload{Embeds: []Embed{e}}
}

func restoredPayload(ev sanction.RestoredEvent) WebhookPayload {
	desc := "was " + statusLabel(ev.Previous)
	if ev.Duration > 0 {
		desc += " for " + humanDuration(ev.Duration)
	}
	return WebhookPayload{Embeds: []Embed{{
		Title:       "Restored: " + subjectPlain(ev.Entity),
		Description: desc,
		Color:       colorGreen,
		Timestamp:   ev.RestoredAt.UTC().Format(time.RFC3339),
	}}}
}

func deletionsPayload(evs []sanction.DeletionEvent) WebhookPayload {
	e := Embed{Title: "Accounts gone", Color: colorGrey}
	for _, ev := range evs {
		if len(e.Fields) == maxEmbedFields {
			break
		}
		e.Fields = append(e.Fields, EmbedField{Name: subjectPlain(ev.Entity), Value: "was " + statusLabel(ev.Previous), Inline: true})
		e.Timestamp = ev.DeletedAt.UTC().Format(time.RFC3339)
	}
	return WebhookPayload{Embeds: []Embed{e}}
}

func statusPayload(text string, isError bool) WebhookPayload {
	color := colorGrey
	if isError {
		color = colorRed
	}
	return WebhookPayload{Embeds: []Embed{{Description: text, Color: color}}}
}

func subjectPlain(s sanction.Subject) string {
	name := strings.TrimSpace(s.DisplayName)
	if name == "" {
		name = s.ID
	}
	out := name
	if s.Rank > 0 {
		out += fmt.Sprintf(" (#%d)", s.Rank)
	}
	if f := flag(s.CountryCode); f != "" {
		out = f + " " + out
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
