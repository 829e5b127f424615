package ranking

import (
	"context"
	"strings"
	"time"

	"banwatch/internal/sanction"
)

type ProberConfig struct {
	BaseURL string
	// Path must contain {id}.
	Path   string
	Fields Fields
}

// Prober classifies one entity from its detail payload.
type Prober struct {
	exec *Executor
	cfg  ProberConfig
	now  func() time.Time
}

func NewProber(exec *Executor, cfg ProberConfig) *Prober {
	cfg.Fields = cfg.Fields.withDefaults()
	return &Prober{exec: exec, cfg: cfg, now: time.Now}
}

// Probe reports the entity's current sanction state.
// 404 and 403 after retries mean the account is gone and are not an error.
func (p *Prober) Probe(ctx context.Context, id string) (sanction.ProbeResult, error) {
	u := expandPath(p.cfg.BaseURL, p.cfg.Path, map[string]string{"id": escapeID(id)})
	payload, err := p.exec.Execute(ctx, u)
	if err != nil {
		switch KindOf(err) {
		case KindNotFound, KindForbidden:
			return sanction.ProbeResult{Deleted: true, RateLimitHits: RateLimitHits(err)}, nil
		}
		return sanction.ProbeResult{}, err
	}

	f := p.cfg.Fields
	doc := payload.JSON
	res := sanction.ProbeResult{
		Accessible:    true,
		Banned:        doc.Get(f.Banned).Bool(),
		CountryCode:   strings.TrimSpace(doc.Get(f.DetailCountry).String()),
		RateLimitHits: payload.RateLimitHits,
	}
	if until, ok := parseTimestamp(doc.Get(f.SuspendedUntil)); ok && until.After(p.now()) {
		res.Suspended = true
		res.SuspendedUntil = &until
	}
	return res, nil
}
