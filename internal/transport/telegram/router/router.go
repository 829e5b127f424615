// Package router dispatches incoming chat commands to handlers.
package router

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	rtsup "banwatch/internal/runtime/supervisor"
	kit "banwatch/internal/transport"
	logx "banwatch/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Message kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Logger  logx.Logger

	adapter kit.Adapter
}

// Reply sends an HTML message to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.adapter == nil {
		return nil
	}
	_, err := r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

const (
	defaultCommandTimeout = 30 * time.Second
	dispatchWorkers       = 2
)

type Router struct {
	mu       sync.RWMutex
	commands []Command
	index    map[string]*Command
	owners   []int64

	log     logx.Logger
	adapter kit.Adapter
	jobs    chan func(context.Context)
}

func New(adapter kit.Adapter, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		index:   map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		adapter: adapter,
		jobs:    make(chan func(context.Context), 64),
	}
}

// SetOwners updates the owner list. Safe to call during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// SetCommands replaces the command table. /help is always added.
func (r *Router) SetCommands(cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "list commands",
		Access:      AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText())
		},
	})

	index := map[string]*Command{}
	for i := range cmds {
		c := &cmds[i]
		if c.Handle == nil || c.Name == "" {
			continue
		}
		index[strings.ToLower(c.Name)] = c
		for _, a := range c.Aliases {
			a = strings.ToLower(a)
			if _, exists := index[a]; !exists {
				index[a] = c
			}
		}
	}

	r.mu.Lock()
	r.commands = cmds
	r.index = index
	r.mu.Unlock()
}

// UpdateMenu pushes the command list to the chat client's menu when the adapter supports it.
func (r *Router) UpdateMenu(ctx context.Context) {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	r.mu.RLock()
	menu := make([]kit.BotCommand, 0, len(r.commands))
	for _, c := range r.commands {
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	r.mu.RUnlock()

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(cctx, menu); err != nil {
		r.log.Warn("menu update failed", logx.Err(err))
	}
}

// Parse splits "/cmd@bot a b" into ("cmd", ["a", "b"]). ok is false for non-commands.
func Parse(text string) (cmd string, args []string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd = strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", nil, false
	}
	return strings.ToLower(cmd), fields[1:], true
}

// DispatchLoop consumes messages until ctx is done or msgs is closed.
// Handlers run on a small worker pool so a slow command does not stall intake.
func (r *Router) DispatchLoop(ctx context.Context, msgs <-chan kit.Message) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < dispatchWorkers; i++ {
		sup.GoRestart0("command.worker", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job := <-r.jobs:
					job(c)
				}
			}
		}, rtsup.WithStopOnCleanExit(true))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", dispatchWorkers))

	defer func() {
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			r.enqueue(m)
		}
	}
}

func (r *Router) enqueue(m kit.Message) {
	name, args, ok := Parse(m.Text)
	if !ok {
		return
	}
	r.mu.RLock()
	cmd := r.index[name]
	r.mu.RUnlock()
	if cmd == nil {
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(m.FromID) {
		r.log.Debug("command denied", logx.String("cmd", name), logx.Int64("from_id", m.FromID), logx.String("from", m.FromUsername))
		return
	}

	req := &Request{
		Message: m,
		Chat:    kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID},
		FromID:  m.FromID,
		Command: cmd.Name,
		Args:    args,
		Logger:  r.log.With(logx.String("cmd", cmd.Name)),
		adapter: r.adapter,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	h := Chain(cmd.Handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(timeout))

	select {
	case r.jobs <- func(ctx context.Context) { _ = h(ctx, req) }:
	default:
		r.log.Warn("command dropped (queue full)", logx.String("cmd", cmd.Name))
	}
}

func (r *Router) helpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range r.commands {
		b.WriteString("/")
		b.WriteString(c.Name)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
