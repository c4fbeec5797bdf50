package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrCorrupt  = errors.New("stored mapping is corrupt")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): one JSON document plus an audit jsonl next to it
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "redis": one hash keyed by guild id plus a capped audit list
//   - "memory": process-local, lost on exit
type Config struct {
	Driver      string
	Path        string
	URL         string
	Key         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Binding is one persisted label: the channel it renames and the zone it shows.
// JSON keys match the timechannels.json layout so existing files load unchanged.
type Binding struct {
	ChannelID string `json:"channelId"`
	TimeZone  string `json:"timezone"`
}

// Mapping is guild id -> label -> binding.
type Mapping map[string]map[string]Binding

// Clone returns a deep copy.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for g, labels := range m {
		cp := make(map[string]Binding, len(labels))
		for l, b := range labels {
			cp[l] = b
		}
		out[g] = cp
	}
	return out
}

// Count returns the number of labels across all guilds.
func (m Mapping) Count() int {
	n := 0
	for _, labels := range m {
		n += len(labels)
	}
	return n
}

// AuditEntry records a change to the mapping.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Action    string    `json:"action"`
	GuildID   string    `json:"guild_id"`
	Label     string    `json:"label"`
	ChannelID string    `json:"channel_id,omitempty"`
	TimeZone  string    `json:"timezone,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	ActorName string    `json:"actor_name,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Store is the persistence API used by the target registry.
type Store interface {
	// Load returns the full mapping; an empty store yields an empty, non-nil map.
	Load(ctx context.Context) (Mapping, error)
	// Replace overwrites the stored mapping with m.
	Replace(ctx context.Context, m Mapping) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
