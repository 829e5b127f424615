package app

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"banwatch/internal/cycle"
	"banwatch/internal/sanction"
	"banwatch/internal/task/scheduler"
	"banwatch/internal/transport/telegram/router"
	logx "banwatch/pkg/logx"
)

func (a *App) commands() []router.Command {
	return []router.Command{
		{
			Name:        "check",
			Description: "run a check cycle now",
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdCheck,
		},
		{
			Name:        "status",
			Description: "tracked players and last check",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      a.cmdStatus,
		},
	}
}

// cmdCheck starts a manual cycle in the background and replies with its report.
// While a cycle runs, at most one manual request waits behind it.
func (a *App) cmdCheck(ctx context.Context, req *router.Request) error {
	if !a.checkQueued.CompareAndSwap(false, true) {
		return req.Reply(ctx, "A manual check is already queued.")
	}
	if a.coord.Busy() {
		if err := req.Reply(ctx, "A cycle is running; your check is queued and starts when it finishes."); err != nil {
			req.Logger.Warn("reply failed", logx.Err(err))
		}
	} else if err := req.Reply(ctx, "Check started."); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}

	a.sup.Go0("check.manual", func(c context.Context) {
		defer a.checkQueued.Store(false)
		rep, _ := a.coord.Run(c, "manual")
		if c.Err() != nil {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(c), 10*time.Second)
		defer cancel()
		if err := req.Reply(rctx, html.EscapeString(rep.Summary())); err != nil {
			req.Logger.Warn("reply failed", logx.Err(err))
		}
	})
	return nil
}

func (a *App) cmdStatus(ctx context.Context, req *router.Request) error {
	st, err := a.coord.Status(ctx)
	if err != nil {
		_ = req.Reply(ctx, "Status unavailable: "+html.EscapeString(err.Error()))
		return err
	}
	return req.Reply(ctx, formatStatus(st, a.sched.Info(), time.Now()))
}

func formatStatus(st cycle.Status, sched scheduler.Info, now time.Time) string {
	var b strings.Builder
	b.WriteString("<b>Status</b>\n")
	fmt.Fprintf(&b, "Tracked: %d\n", st.Tracked)
	for _, s := range sanction.AllStatuses() {
		fmt.Fprintf(&b, "  %s: %d\n", s, st.Counts[s])
	}

	if st.LastCheckAt.IsZero() {
		b.WriteString("Last check: never\n")
	} else {
		fmt.Fprintf(&b, "Last check: %s (%s ago)\n",
			st.LastCheckAt.UTC().Format(time.RFC3339), now.Sub(st.LastCheckAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "Total checks: %d\n", st.TotalChecks)

	if st.Running {
		b.WriteString("Cycle: running\n")
	} else {
		b.WriteString("Cycle: idle\n")
	}
	if st.Last != nil {
		fmt.Fprintf(&b, "Last run: %s\n", html.EscapeString(st.Last.Summary()))
	}

	switch {
	case !sched.Enabled:
		b.WriteString("Schedule: off")
	case sched.Next.IsZero():
		fmt.Fprintf(&b, "Schedule: %s", html.EscapeString(sched.Spec))
	default:
		fmt.Fprintf(&b, "Schedule: %s, next %s", html.EscapeString(sched.Spec), sched.Next.Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}
