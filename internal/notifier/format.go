package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode"

	"banwatch/internal/sanction"
)

// formatSanctions renders bans and suspensions as one HTML message, bans first.
func formatSanctions(evs []sanction.SanctionEvent) string {
	var bans, susp []sanction.SanctionEvent
	for _, e := range evs {
		if e.Sanction == sanction.EventSuspended {
			susp = append(susp, e)
		} else {
			bans = append(bans, e)
		}
	}
	var b strings.Builder
	if len(bans) > 0 {
		fmt.Fprintf(&b, "🔨 <b>%s</b>\n", plural(len(bans), "player banned", "players banned"))
		for _, e := range bans {
			b.WriteString("• ")
			b.WriteString(subjectLine(e.Entity))
			if e.Previous == sanction.StatusSuspended || e.Previous == sanction.StatusSuspensionExpired {
				b.WriteString(" <i>(was suspended)</i>")
			}
			b.WriteByte('\n')
		}
	}
	if len(susp) > 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "⏳ <b>%s</b>\n", plural(len(susp), "player suspended", "players suspended"))
		for _, e := range susp {
			b.WriteString("• ")
			b.WriteString(subjectLine(e.Entity))
			if e.SuspendedUntil != nil {
				fmt.Fprintf(&b, " until <code>%s</code>", e.SuspendedUntil.UTC().Format("2006-01-02 15:04 MST"))
			}
			if e.Previous == sanction.StatusSuspended {
				b.WriteString(" <i>(extended)</i>")
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatRestored(e sanction.RestoredEvent) string {
	var b strings.Builder
	b.WriteString("✅ <b>Player restored</b>\n")
	b.WriteString(subjectLine(e.Entity))
	fmt.Fprintf(&b, "\nwas <i>%s</i>", html.EscapeString(statusLabel(e.Previous)))
	if e.Duration > 0 {
		fmt.Fprintf(&b, " for %s", humanDuration(e.Duration))
	}
	return b.String()
}

func formatDeletions(evs []sanction.DeletionEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🗑 <b>%s</b>\n", plural(len(evs), "account gone", "accounts gone"))
	for _, e := range evs {
		b.WriteString("• ")
		b.WriteString(subjectLine(e.Entity))
		if e.Previous != sanction.StatusActive {
			fmt.Fprintf(&b, " <i>(was %s)</i>", html.EscapeString(statusLabel(e.Previous)))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatStatus(text string, isError bool) string {
	text = html.EscapeString(strings.TrimSpace(text))
	if isError {
		return "⚠️ " + text
	}
	return "ℹ️ " + text
}

func subjectLine(s sanction.Subject) string {
	name := strings.TrimSpace(s.DisplayName)
	if name == "" {
		name = s.ID
	}
	var b strings.Builder
	if f := flag(s.CountryCode); f != "" {
		b.WriteString(f)
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "<b>%s</b> <code>%s</code>", html.EscapeString(name), html.EscapeString(s.ID))
	var extra []string
	if s.Rank > 0 {
		extra = append(extra, fmt.Sprintf("#%d", s.Rank))
	}
	if s.Rating > 0 {
		extra = append(extra, fmt.Sprintf("%d", s.Rating))
	}
	if len(extra) > 0 {
		b.WriteString(" · ")
		b.WriteString(strings.Join(extra, " · "))
	}
	return b.String()
}

func statusLabel(s sanction.Status) string {
	switch s {
	case sanction.StatusSuspensionExpired:
		return "suspended"
	case sanction.StatusDeleted:
		return "deleted"
	default:
		return string(s)
	}
}

// flag turns a two-letter country code into its regional-indicator emoji.
func flag(cc string) string {
	cc = strings.TrimSpace(cc)
	if len(cc) != 2 {
		return ""
	}
	var out []rune
	for _, r := range strings.ToUpper(cc) {
		if r < 'A' || r > 'Z' || !unicode.IsLetter(r) {
			return ""
		}
		out = append(out, 0x1F1E6+(r-'A'))
	}
	return string(out)
}

func humanDuration(d time.Duration) string {
	if d < time.Minute {
		return "under a minute"
	}
	days := int(d / (24 * time.Hour))
	hours := int(d/time.Hour) % 24
	mins := int(d/time.Minute) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	default:
		return fmt.Sprintf("%dm", mins)
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}
