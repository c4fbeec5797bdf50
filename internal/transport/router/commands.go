// Package router turns chat messages into commands against the label registry
// and the refresh scheduler.
package router

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"timechanbot/internal/refresh"
	rtsup "timechanbot/internal/runtime/supervisor"
	"timechanbot/internal/targets"
	"timechanbot/internal/task/batch"
	kit "timechanbot/internal/transport"
	logx "timechanbot/pkg/logx"
)

const (
	DefaultPrefix  = "!"
	DefaultWorkers = 4
	DefaultTimeout = 30 * time.Second
)

// ValidationError is a rejected command. Its text is replied verbatim and nothing is mutated.
type ValidationError struct {
	Reply string
}

func (e *ValidationError) Error() string { return e.Reply }

func reject(text string) error { return &ValidationError{Reply: text} }

// Registry is the part of the label registry commands mutate.
type Registry interface {
	Add(ctx context.Context, e targets.Entry, by targets.Actor) error
	Remove(ctx context.Context, group, label string, by targets.Actor) (bool, error)
	List(group string) []targets.Entry
}

// Runner triggers and reports refresh runs.
type Runner interface {
	RunGroup(ctx context.Context, group string) (batch.GroupReport, error)
	State() batch.CycleState
	LastReport() batch.CycleReport
}

// Streaks exposes failure counters for !status.
type Streaks interface {
	Snapshot(group string) []refresh.Streak
}

type Settings struct {
	Prefix string
	// RestrictToManagers limits mutating commands to members with Manage Channels.
	RestrictToManagers bool
	Workers            int
	Timeout            time.Duration
}

func (s Settings) withDefaults() Settings {
	if strings.TrimSpace(s.Prefix) == "" {
		s.Prefix = DefaultPrefix
	}
	if s.Workers <= 0 {
		s.Workers = DefaultWorkers
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	return s
}

type Deps struct {
	Registry  Registry
	Platform  kit.Platform
	Messenger kit.Messenger
	Runner    Runner
	Streaks   Streaks
	// NextCycle reports the next automatic cycle; optional.
	NextCycle func() time.Time
	// EvictAfter reports the eviction threshold; optional.
	EvictAfter func() int
}

type Command struct {
	Name        string
	Usage       string // without prefix
	Description string
	// Mutating commands are subject to RestrictToManagers.
	Mutating bool
	Handle   HandlerFunc
}

type Request struct {
	Message *kit.Message
	GuildID string
	Command string
	Args    []string
	Prefix  string
	ReqID   string
	Logger  logx.Logger
}

// Manager parses messages and runs commands on a small worker pool.
type Manager struct {
	settings atomic.Pointer[Settings]
	deps     Deps
	log      logx.Logger

	cmds  map[string]Command
	order []string

	jobs chan func()

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(s Settings, deps Deps, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		deps: deps,
		log:  log.With(logx.String("comp", "router")),
		cmds: map[string]Command{},
		jobs: make(chan func(), 64),
	}
	m.Apply(s)
	for _, c := range m.builtins() {
		m.cmds[c.Name] = c
		m.order = append(m.order, c.Name)
	}
	return m
}

// Apply swaps settings. Workers take effect on the next Start.
func (m *Manager) Apply(s Settings) {
	s = s.withDefaults()
	m.settings.Store(&s)
}

func (m *Manager) Settings() Settings { return *m.settings.Load() }

// Start runs the worker pool until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.sup != nil {
		return
	}
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log))
	n := m.Settings().Workers
	for i := 0; i < n; i++ {
		m.sup.Go0("router.worker", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job := <-m.jobs:
					job()
				}
			}
		})
	}
	m.log.Info("command router started", logx.Int("workers", n), logx.String("prefix", m.Settings().Prefix))
}

func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	sup := m.sup
	m.sup = nil
	m.runMu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (m *Manager) tryEnqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// HandleMessage queues msg when it is a known command. Direct messages are ignored.
func (m *Manager) HandleMessage(ctx context.Context, msg *kit.Message) {
	req, cmd, ok := m.route(msg)
	if !ok {
		return
	}
	if !m.tryEnqueue(func() { _ = m.run(ctx, req, cmd) }) {
		m.reply(ctx, req, "Busy, try again in a moment.")
	}
}

// Execute runs msg synchronously. It returns the handler error, if any, after
// the reply was sent.
func (m *Manager) Execute(ctx context.Context, msg *kit.Message) error {
	req, cmd, ok := m.route(msg)
	if !ok {
		return nil
	}
	return m.run(ctx, req, cmd)
}

func (m *Manager) route(msg *kit.Message) (*Request, Command, bool) {
	if msg == nil || msg.GuildID == "" {
		return nil, Command{}, false
	}
	s := m.Settings()
	name, args, ok := parseCommand(strings.TrimSpace(msg.Text), s.Prefix)
	if !ok {
		return nil, Command{}, false
	}
	cmd, ok := m.cmds[name]
	if !ok {
		m.log.Debug("unknown command", logx.String("cmd", name), logx.String("guild", msg.GuildID))
		return nil, Command{}, false
	}

	rid := xid.New().String()
	return &Request{
		Message: msg,
		GuildID: msg.GuildID,
		Command: name,
		Args:    args,
		Prefix:  s.Prefix,
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.String("guild", msg.GuildID),
			logx.String("cmd", name),
		),
	}, cmd, true
}

func (m *Manager) run(ctx context.Context, req *Request, cmd Command) error {
	s := m.Settings()
	if cmd.Mutating && s.RestrictToManagers && !req.Message.CanManage {
		m.reply(ctx, req, "You need the **Manage Channels** permission to use this command.")
		return reject("forbidden")
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(),
		MWRequestLog(),
		MWTimeout(s.Timeout),
	)
	err := final(ctx, req)

	var ve *ValidationError
	switch {
	case err == nil:
	case errors.As(err, &ve):
		m.reply(ctx, req, ve.Reply)
	default:
		m.reply(ctx, req, "Something went wrong while running that command.")
	}
	return err
}

func (m *Manager) reply(ctx context.Context, req *Request, text string) {
	if m.deps.Messenger == nil {
		return
	}
	// The command context may already be past its deadline.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.deps.Messenger.SendText(rctx, req.Message.ChannelID, text); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}

// Commands lists registered commands in registration order.
func (m *Manager) Commands() []Command {
	out := make([]Command, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.cmds[n])
	}
	return out
}

func sortedOutcomes(counts map[refresh.Outcome]int) []refresh.Outcome {
	out := make([]refresh.Outcome, 0, len(counts))
	for o := range counts {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
