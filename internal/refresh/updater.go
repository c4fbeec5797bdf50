// Package refresh renames one labeled channel to show its current local time.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"timechanbot/internal/clock"
	"timechanbot/internal/targets"
	"timechanbot/internal/transport"
	logx "timechanbot/pkg/logx"
)

// DefaultUpdateTimeout bounds one update (resolve + rename + permission).
const DefaultUpdateTimeout = 5 * time.Second

var (
	ErrMissingConfig = errors.New("missing config")
	ErrUpdateTimeout = errors.New("update timed out")
)

type Outcome int

const (
	Updated Outcome = iota
	AlreadyCurrent
	NotFound
	OtherError
)

func (o Outcome) String() string {
	switch o {
	case Updated:
		return "updated"
	case AlreadyCurrent:
		return "already_current"
	case NotFound:
		return "not_found"
	default:
		return "error"
	}
}

// Result describes one update attempt.
type Result struct {
	GroupID  string
	Label    string
	TargetID string
	Outcome  Outcome
	Name     string // desired name, when it could be computed
	Err      error
	// Streak is the consecutive not-found count after this attempt.
	Streak int
	// Evict is set when Streak reached the eviction threshold.
	Evict bool
	Took  time.Duration
}

// Lookup finds the registered entry for (group, label).
type Lookup interface {
	Get(group, label string) (targets.Entry, bool)
}

// Updater is the TargetUpdater.
type Updater struct {
	lookup   Lookup
	platform transport.Platform
	tracker  *Tracker
	clock    clock.Clock
	log      logx.Logger

	timeout atomic.Int64 // nanoseconds
}

func NewUpdater(lookup Lookup, platform transport.Platform, tracker *Tracker, clk clock.Clock, log logx.Logger) *Updater {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	u := &Updater{
		lookup:   lookup,
		platform: platform,
		tracker:  tracker,
		clock:    clk,
		log:      log.With(logx.String("comp", "updater")),
	}
	u.SetTimeout(DefaultUpdateTimeout)
	return u
}

// SetTimeout changes the per-update ceiling; values <= 0 select the default.
func (u *Updater) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultUpdateTimeout
	}
	u.timeout.Store(int64(d))
}

func (u *Updater) Timeout() time.Duration { return time.Duration(u.timeout.Load()) }

// Tracker exposes the failure tracker shared with the scheduler.
func (u *Updater) Tracker() *Tracker { return u.tracker }

// Update refreshes one label and records the outcome in the tracker.
func (u *Updater) Update(ctx context.Context, group, label string) Result {
	start := time.Now()
	e, ok := u.lookup.Get(group, label)
	if !ok {
		u.log.Warn("no config for label", logx.String("guild", group), logx.String("label", label))
		return Result{GroupID: group, Label: label, Outcome: OtherError, Err: ErrMissingConfig}
	}

	res := u.race(ctx, e)
	res.GroupID, res.Label, res.TargetID = group, label, e.TargetID
	res.Took = time.Since(start)

	if res.Outcome == NotFound {
		res.Streak = u.tracker.RecordNotFound(group, e.TargetID)
		res.Evict = u.tracker.ShouldEvict(res.Streak)
	} else {
		u.tracker.RecordSuccess(group, e.TargetID)
	}

	fields := []logx.Field{
		logx.String("guild", group),
		logx.String("label", label),
		logx.String("channel", e.TargetID),
		logx.String("outcome", res.Outcome.String()),
		logx.Duration("took", res.Took),
	}
	switch res.Outcome {
	case Updated:
		u.log.Info("channel renamed", append(fields, logx.String("name", res.Name))...)
	case AlreadyCurrent:
		u.log.Debug("channel already current", fields...)
	case NotFound:
		u.log.Warn("channel not found", append(fields, logx.Int("streak", res.Streak), logx.Bool("evict", res.Evict))...)
	default:
		u.log.Warn("channel update failed", append(fields, logx.Err(res.Err))...)
	}
	return res
}

// race runs apply against the per-update timer. A timer win is an error outcome;
// the abandoned call keeps a cancelled context and its result is discarded.
func (u *Updater) race(parent context.Context, e targets.Entry) Result {
	ctx, cancel := context.WithTimeout(parent, u.Timeout())
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Outcome: OtherError, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		done <- u.apply(ctx, e)
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		if parent.Err() != nil {
			return Result{Outcome: OtherError, Err: parent.Err()}
		}
		return Result{Outcome: OtherError, Err: fmt.Errorf("%w after %s", ErrUpdateTimeout, u.Timeout())}
	}
}

func (u *Updater) apply(ctx context.Context, e targets.Entry) Result {
	t, err := u.platform.ResolveTarget(ctx, e.TargetID)
	if err != nil {
		return classify(fmt.Errorf("resolve: %w", err))
	}

	name, err := clock.ChannelName(e.Label, u.clock.Now(), e.TimeZone)
	if err != nil {
		return Result{Outcome: OtherError, Err: err}
	}
	if t.Name == name {
		return Result{Outcome: AlreadyCurrent, Name: name}
	}

	if err := u.platform.RenameTarget(ctx, t.ID, name); err != nil {
		r := classify(fmt.Errorf("rename: %w", err))
		r.Name = name
		return r
	}

	principal := t.DefaultPrincipal()
	if !t.Denied(principal, transport.CapSpeak) {
		if err := u.platform.SetPermission(ctx, t, principal, transport.CapSpeak, false); err != nil {
			r := classify(fmt.Errorf("deny speak: %w", err))
			r.Name = name
			return r
		}
	}
	return Result{Outcome: Updated, Name: name}
}

func classify(err error) Result {
	if errors.Is(err, transport.ErrTargetNotFound) {
		return Result{Outcome: NotFound, Err: err}
	}
	return Result{Outcome: OtherError, Err: err}
}
