// Package targets holds the in-memory guild -> label -> channel registry.
//
// Every mutation is written through to storage before it becomes visible.
package targets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"timechanbot/internal/clock"
	"timechanbot/internal/storage"
	logx "timechanbot/pkg/logx"
)

var (
	ErrInvalidLabel = errors.New("label must be non-empty")
	ErrInvalidZone  = errors.New("invalid time zone")
)

// Entry is one registered label.
type Entry struct {
	GroupID  string
	Label    string
	TargetID string
	TimeZone string
}

// Pair identifies an entry.
type Pair struct {
	GroupID string
	Label   string
}

// Actor is who caused a mutation; recorded in the audit trail.
type Actor struct {
	ID   string
	Name string
}

// System is the actor for automatic changes (evictions).
var System = Actor{ID: "system", Name: "scheduler"}

// Registry is the TargetStore.
//
// Readers see an immutable snapshot; writers serialize on writeMu, persist a
// modified copy and only then publish it.
type Registry struct {
	store storage.Store
	log   logx.Logger

	writeMu sync.Mutex

	mu sync.RWMutex
	m  storage.Mapping
}

// Open loads the persisted mapping.
func Open(ctx context.Context, store storage.Store, log logx.Logger) (*Registry, error) {
	if store == nil {
		return nil, storage.ErrDisabled
	}
	m, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{store: store, log: log.With(logx.String("comp", "targets")), m: m}
	r.log.Info("mapping loaded", logx.Int("guilds", len(m)), logx.Int("labels", m.Count()))
	return r, nil
}

func (r *Registry) snapshot() storage.Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m
}

// Get returns the entry for (group, label).
func (r *Registry) Get(group, label string) (Entry, bool) {
	b, ok := r.snapshot()[group][label]
	if !ok {
		return Entry{}, false
	}
	return Entry{GroupID: group, Label: label, TargetID: b.ChannelID, TimeZone: b.TimeZone}, true
}

// List returns a group's entries ordered by label.
func (r *Registry) List(group string) []Entry {
	labels := r.snapshot()[group]
	out := make([]Entry, 0, len(labels))
	for label, b := range labels {
		out = append(out, Entry{GroupID: group, Label: label, TargetID: b.ChannelID, TimeZone: b.TimeZone})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Pairs enumerates every (group, label) ordered by group id, then label.
func (r *Registry) Pairs() []Pair {
	m := r.snapshot()
	out := make([]Pair, 0, m.Count())
	for group, labels := range m {
		for label := range labels {
			out = append(out, Pair{GroupID: group, Label: label})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// Len returns the number of labels across all groups.
func (r *Registry) Len() int { return r.snapshot().Count() }

// Groups returns the number of groups with at least one label.
func (r *Registry) Groups() int { return len(r.snapshot()) }

// Add registers or overwrites (group, label).
func (r *Registry) Add(ctx context.Context, e Entry, by Actor) error {
	e.Label = strings.TrimSpace(e.Label)
	if e.Label == "" || strings.TrimSpace(e.GroupID) == "" {
		return ErrInvalidLabel
	}
	if !clock.ValidZone(e.TimeZone) {
		return fmt.Errorf("%w: %q", ErrInvalidZone, e.TimeZone)
	}

	err := r.mutate(ctx, func(m storage.Mapping) bool {
		if m[e.GroupID] == nil {
			m[e.GroupID] = map[string]storage.Binding{}
		}
		m[e.GroupID][e.Label] = storage.Binding{ChannelID: e.TargetID, TimeZone: e.TimeZone}
		return true
	})
	if err != nil {
		return err
	}
	r.audit(ctx, "register", e, by, "")
	r.log.Info("label registered", logx.String("guild", e.GroupID), logx.String("label", e.Label),
		logx.String("channel", e.TargetID), logx.String("tz", e.TimeZone))
	return nil
}

// Remove deletes (group, label). It reports false when the label was not registered.
func (r *Registry) Remove(ctx context.Context, group, label string, by Actor) (bool, error) {
	return r.remove(ctx, group, label, "", by, "")
}

// RemoveIfTarget deletes (group, label) only while it still points at targetID.
// Used by eviction so a label re-registered to a new channel survives.
func (r *Registry) RemoveIfTarget(ctx context.Context, group, label, targetID, reason string) (bool, error) {
	return r.remove(ctx, group, label, targetID, System, reason)
}

func (r *Registry) remove(ctx context.Context, group, label, targetID string, by Actor, reason string) (bool, error) {
	var removed Entry
	found := false
	err := r.mutate(ctx, func(m storage.Mapping) bool {
		b, ok := m[group][label]
		if !ok || (targetID != "" && b.ChannelID != targetID) {
			return false
		}
		delete(m[group], label)
		if len(m[group]) == 0 {
			delete(m, group)
		}
		removed = Entry{GroupID: group, Label: label, TargetID: b.ChannelID, TimeZone: b.TimeZone}
		found = true
		return true
	})
	if err != nil || !found {
		return false, err
	}

	action := "remove"
	if by == System {
		action = "evict"
	}
	r.audit(ctx, action, removed, by, reason)
	r.log.Info("label removed", logx.String("guild", group), logx.String("label", label),
		logx.String("action", action), logx.String("channel", removed.TargetID))
	return true, nil
}

// mutate applies fn to a copy, persists it, then publishes it.
// fn returns false to abandon the change without writing.
func (r *Registry) mutate(ctx context.Context, fn func(m storage.Mapping) bool) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := r.snapshot().Clone()
	if !fn(next) {
		return nil
	}
	if err := r.store.Replace(ctx, next); err != nil {
		return fmt.Errorf("persist mapping: %w", err)
	}

	r.mu.Lock()
	r.m = next
	r.mu.Unlock()
	return nil
}

func (r *Registry) audit(ctx context.Context, action string, e Entry, by Actor, reason string) {
	err := r.store.AppendAudit(ctx, storage.AuditEntry{
		At:        time.Now(),
		Action:    action,
		GuildID:   e.GroupID,
		Label:     e.Label,
		ChannelID: e.TargetID,
		TimeZone:  e.TimeZone,
		ActorID:   by.ID,
		ActorName: by.Name,
		Reason:    reason,
	})
	if err != nil {
		r.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
