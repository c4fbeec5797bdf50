// Package discord implements the chat platform on top of discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "timechanbot/internal/runtime/supervisor"
	kit "timechanbot/internal/transport"
	logx "timechanbot/pkg/logx"
)

// BotRolePermissions are granted to the role created on guild join.
const BotRolePermissions = int64(discordgo.PermissionManageChannels | discordgo.PermissionManageRoles)

// messageLimit is Discord's hard cap on message content.
const messageLimit = 2000

type Config struct {
	Token          string
	RequestTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	s   *discordgo.Session

	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// Guilds announced in Ready arrive again as GuildCreate; those are not joins.
	pendingMu sync.Mutex
	pending   map[string]struct{}

	droppedUpdates uint64
	removeHandlers []func()
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	s.Client = &http.Client{Timeout: cfg.RequestTimeout}
	if log.IsZero() {
		log = logx.Nop()
	}

	a := &Adapter{cfg: cfg, log: log, s: s, pending: map[string]struct{}{}}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.removeHandlers = append(a.removeHandlers,
		a.s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			a.pendingMu.Lock()
			for _, g := range r.Guilds {
				a.pending[g.ID] = struct{}{}
			}
			a.pendingMu.Unlock()
			a.log.Info("session ready", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
			a.sendUpdate(kit.Update{Kind: kit.UpdateReady})
		}),
		a.s.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildCreate) {
			if g.Guild == nil || g.Unavailable {
				return
			}
			a.pendingMu.Lock()
			_, known := a.pending[g.ID]
			delete(a.pending, g.ID)
			a.pendingMu.Unlock()
			if known {
				return
			}
			a.sendUpdate(kit.Update{Kind: kit.UpdateGuildJoin, Guild: &kit.Guild{ID: g.ID, Name: g.Name}})
		}),
		a.s.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
			if m.Message == nil || m.Author == nil || m.Author.Bot {
				return
			}
			msg := &kit.Message{
				ID:         m.ID,
				GuildID:    m.GuildID,
				ChannelID:  m.ChannelID,
				AuthorID:   m.Author.ID,
				AuthorName: m.Author.Username,
				Text:       m.Content,
			}
			if m.GuildID != "" {
				if perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID); err == nil {
					msg.CanManage = perms&discordgo.PermissionManageChannels != 0
				}
			}
			a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: msg})
		}),
	)
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

// Start opens the gateway. discordgo reconnects on its own; the supervisor
// only reports dropped updates and closes the session on cancel.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.out.Store(out)
	if err := a.s.Open(); err != nil {
		var nilOut chan<- kit.Update
		a.out.Store(nilOut)
		a.runMu.Unlock()
		return fmt.Errorf("discord open: %w", err)
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping")
	err := a.s.Close()
	if sup != nil {
		if werr := sup.Stop(ctx); werr != nil && !errors.Is(werr, context.DeadlineExceeded) {
			a.log.Warn("discord stop error", logx.Err(werr))
		}
	}
	return err
}

// ResolveTarget fetches the channel over REST so a deleted channel is reported
// even when the state cache still has it.
func (a *Adapter) ResolveTarget(ctx context.Context, id string) (kit.Target, error) {
	ch, err := a.s.Channel(id, discordgo.WithContext(ctx))
	if err != nil {
		return kit.Target{}, classify(id, err)
	}
	return toTarget(ch), nil
}

func (a *Adapter) RenameTarget(ctx context.Context, id, name string) error {
	_, err := a.s.ChannelEdit(id, &discordgo.ChannelEdit{Name: name}, discordgo.WithContext(ctx))
	return classify(id, err)
}

func (a *Adapter) SetPermission(ctx context.Context, t kit.Target, principal string, c kit.Capability, allowed bool) error {
	ow := t.Overwrites[principal]
	allow, deny := toPerms(ow.Allow), toPerms(ow.Deny)
	bits := toPerms(c)
	if allowed {
		allow |= bits
		deny &^= bits
	} else {
		deny |= bits
		allow &^= bits
	}
	err := a.s.ChannelPermissionSet(t.ID, principal, discordgo.PermissionOverwriteTypeRole, allow, deny, discordgo.WithContext(ctx))
	return classify(t.ID, err)
}

func (a *Adapter) SendText(ctx context.Context, channelID, text string) error {
	for _, chunk := range splitText(text, messageLimit) {
		if _, err := a.s.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return err
		}
	}
	return nil
}

// SendAlert lets the log alert worker post to a Discord channel. Threads are
// channels on Discord, so threadID is unused.
func (a *Adapter) SendAlert(ctx context.Context, target string, _ int, text string) error {
	return a.SendText(ctx, target, text)
}

func (a *Adapter) EnsureBotRole(ctx context.Context, guildID, name string) (kit.RoleSetup, error) {
	var out kit.RoleSetup
	roles, err := a.s.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return out, fmt.Errorf("list roles: %w", err)
	}
	for _, r := range roles {
		if r.Name == name {
			out.RoleID = r.ID
			break
		}
	}
	if out.RoleID == "" {
		perms := BotRolePermissions
		r, err := a.s.GuildRoleCreate(guildID, &discordgo.RoleParams{Name: name, Permissions: &perms}, discordgo.WithContext(ctx))
		if err != nil {
			return out, fmt.Errorf("create role: %w", err)
		}
		out.RoleID = r.ID
		out.Created = true
	}

	if a.s.State == nil || a.s.State.User == nil {
		return out, errors.New("bot user unknown before ready")
	}
	if err := a.s.GuildMemberRoleAdd(guildID, a.s.State.User.ID, out.RoleID, discordgo.WithContext(ctx)); err != nil {
		return out, fmt.Errorf("assign role: %w", err)
	}
	out.Assigned = true
	return out, nil
}

var _ kit.Adapter = (*Adapter)(nil)
