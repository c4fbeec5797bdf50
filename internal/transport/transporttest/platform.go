// Package transporttest provides an in-memory chat platform for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"timechanbot/internal/transport"
)

type Rename struct {
	TargetID string
	Name     string
}

type PermissionSet struct {
	TargetID  string
	Principal string
	Cap       transport.Capability
	Allowed   bool
}

type Sent struct {
	ChannelID string
	Text      string
}

// Platform records every call. Unknown ids resolve to transport.ErrTargetNotFound.
type Platform struct {
	mu sync.Mutex

	targets map[string]transport.Target
	errs    map[string]error

	// Gate, when set, blocks ResolveTarget until it is closed or the context ends.
	Gate chan struct{}

	Resolves    int
	Renames     []Rename
	Permissions []PermissionSet
	Sent        []Sent
	Roles       []string

	inflight    int
	MaxInflight int
}

func New() *Platform {
	return &Platform{targets: map[string]transport.Target{}, errs: map[string]error{}}
}

// AddVoice registers a voice channel named name in group.
func (p *Platform) AddVoice(group, id, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets[id] = transport.Target{ID: id, GroupID: group, Name: name, Kind: transport.TargetVoice, Overwrites: map[string]transport.Overwrite{}}
}

// AddText registers a text channel.
func (p *Platform) AddText(group, id, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets[id] = transport.Target{ID: id, GroupID: group, Name: name, Kind: transport.TargetText, Overwrites: map[string]transport.Overwrite{}}
}

// Delete makes id unresolvable.
func (p *Platform) Delete(id string) {
	p.mu.Lock()
	delete(p.targets, id)
	p.mu.Unlock()
}

// FailWith makes every call on id fail with err (nil clears it).
func (p *Platform) FailWith(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, id)
		return
	}
	p.errs[id] = err
}

func (p *Platform) Target(id string) (transport.Target, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[id]
	return t, ok
}

// Mutations returns the number of rename and permission calls.
func (p *Platform) Mutations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Renames) + len(p.Permissions)
}

func (p *Platform) ResolveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Resolves
}

func (p *Platform) SentTexts() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.Sent...)
}

func (p *Platform) ResolveTarget(ctx context.Context, id string) (transport.Target, error) {
	p.mu.Lock()
	p.Resolves++
	p.inflight++
	if p.inflight > p.MaxInflight {
		p.MaxInflight = p.inflight
	}
	gate := p.Gate
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return transport.Target{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[id]; err != nil {
		return transport.Target{}, err
	}
	t, ok := p.targets[id]
	if !ok {
		return transport.Target{}, fmt.Errorf("channel %s: %w", id, transport.ErrTargetNotFound)
	}
	ows := make(map[string]transport.Overwrite, len(t.Overwrites))
	for k, v := range t.Overwrites {
		ows[k] = v
	}
	t.Overwrites = ows
	return t, nil
}

func (p *Platform) RenameTarget(_ context.Context, id, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[id]
	if !ok {
		return fmt.Errorf("channel %s: %w", id, transport.ErrTargetNotFound)
	}
	t.Name = name
	p.targets[id] = t
	p.Renames = append(p.Renames, Rename{TargetID: id, Name: name})
	return nil
}

func (p *Platform) SetPermission(_ context.Context, target transport.Target, principal string, c transport.Capability, allowed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[target.ID]
	if !ok {
		return fmt.Errorf("channel %s: %w", target.ID, transport.ErrTargetNotFound)
	}
	ow := t.Overwrites[principal]
	if allowed {
		ow.Allow |= c
		ow.Deny &^= c
	} else {
		ow.Deny |= c
		ow.Allow &^= c
	}
	t.Overwrites[principal] = ow
	p.targets[target.ID] = t
	p.Permissions = append(p.Permissions, PermissionSet{TargetID: target.ID, Principal: principal, Cap: c, Allowed: allowed})
	return nil
}

func (p *Platform) SendText(_ context.Context, channelID, text string) error {
	p.mu.Lock()
	p.Sent = append(p.Sent, Sent{ChannelID: channelID, Text: text})
	p.mu.Unlock()
	return nil
}

func (p *Platform) EnsureBotRole(_ context.Context, guildID, name string) (transport.RoleSetup, error) {
	p.mu.Lock()
	p.Roles = append(p.Roles, guildID+"/"+name)
	p.mu.Unlock()
	return transport.RoleSetup{RoleID: "role-" + guildID, Created: true, Assigned: true}, nil
}

// RoleRequests lists "guild/role" for each EnsureBotRole call.
func (p *Platform) RoleRequests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Roles...)
}

func (p *Platform) Start(context.Context, chan<- transport.Update) error { return nil }
func (p *Platform) Stop(context.Context) error                          { return nil }

var _ transport.Adapter = (*Platform)(nil)
