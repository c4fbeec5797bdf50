package transport

import (
	"context"
	"errors"
)

// ErrTargetNotFound means the platform reports the channel does not exist (deleted,
// or the bot was removed from its guild). It is the only error that counts toward eviction.
var ErrTargetNotFound = errors.New("target not found")

type UpdateKind string

const (
	UpdateReady     UpdateKind = "ready"
	UpdateGuildJoin UpdateKind = "guild_join"
	UpdateMessage   UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	Guild   *Guild
}

type Message struct {
	ID         string
	GuildID    string // empty for direct messages
	ChannelID  string
	AuthorID   string
	AuthorName string
	Text       string
	// CanManage is true when the author may manage channels where the message was sent.
	CanManage bool
}

type Guild struct {
	ID   string
	Name string
}

type TargetKind int

const (
	TargetOther TargetKind = iota
	TargetVoice
	TargetText
)

func (k TargetKind) String() string {
	switch k {
	case TargetVoice:
		return "voice"
	case TargetText:
		return "text"
	default:
		return "other"
	}
}

// Capability is a platform-neutral permission bit.
type Capability uint32

const (
	CapSpeak Capability = 1 << iota
	CapConnect
	CapView
)

// Overwrite is a per-principal allow/deny pair on a target.
type Overwrite struct {
	Allow Capability
	Deny  Capability
}

// Target is a renameable channel as seen at resolve time.
type Target struct {
	ID         string
	GroupID    string
	Name       string
	Kind       TargetKind
	Overwrites map[string]Overwrite // principal id -> overwrite
}

// DefaultPrincipal is the group-wide default role (Discord's @everyone shares the guild id).
func (t Target) DefaultPrincipal() string { return t.GroupID }

// Denied reports whether principal has c explicitly denied on the target.
func (t Target) Denied(principal string, c Capability) bool {
	ow, ok := t.Overwrites[principal]
	return ok && ow.Deny&c == c
}

// Platform is the subset of the chat platform the refresh cycle needs.
type Platform interface {
	ResolveTarget(ctx context.Context, id string) (Target, error)
	RenameTarget(ctx context.Context, id, name string) error
	// SetPermission allows or denies c for principal, preserving the principal's other bits.
	SetPermission(ctx context.Context, t Target, principal string, c Capability, allowed bool) error
}

// Messenger posts plain text to a channel.
type Messenger interface {
	SendText(ctx context.Context, channelID, text string) error
}

// RoleSetup reports what EnsureBotRole changed.
type RoleSetup struct {
	RoleID   string
	Created  bool
	Assigned bool
}

// Adapter is a live chat platform session.
type Adapter interface {
	Platform
	Messenger

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// EnsureBotRole creates the named role with channel/role management rights
	// if missing and assigns it to the bot.
	EnsureBotRole(ctx context.Context, guildID, name string) (RoleSetup, error)
}
