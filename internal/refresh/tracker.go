package refresh

import (
	"sort"
	"sync"
)

// DefaultEvictAfter is how many consecutive not-found results deregister a label.
const DefaultEvictAfter = 5

type streakKey struct {
	group  string
	target string
}

// Tracker counts consecutive not-found results per (group, target).
//
// Any other outcome resets the streak. Counts live in memory only, so a
// restart gives every target a fresh streak.
type Tracker struct {
	mu        sync.Mutex
	threshold int
	streaks   map[streakKey]int
}

func NewTracker(threshold int) *Tracker {
	t := &Tracker{streaks: map[streakKey]int{}}
	t.SetThreshold(threshold)
	return t
}

// SetThreshold changes the eviction threshold; values <= 0 select the default.
func (t *Tracker) SetThreshold(n int) {
	if n <= 0 {
		n = DefaultEvictAfter
	}
	t.mu.Lock()
	t.threshold = n
	t.mu.Unlock()
}

func (t *Tracker) Threshold() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threshold
}

// RecordNotFound increments the streak and returns the new count.
func (t *Tracker) RecordNotFound(group, target string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := streakKey{group, target}
	t.streaks[k]++
	return t.streaks[k]
}

// RecordSuccess resets the streak. Also used for non-not-found errors.
func (t *Tracker) RecordSuccess(group, target string) {
	t.mu.Lock()
	delete(t.streaks, streakKey{group, target})
	t.mu.Unlock()
}

// ShouldEvict reports whether count has reached the threshold.
func (t *Tracker) ShouldEvict(count int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return count >= t.threshold
}

// Clear drops the streak after an eviction.
func (t *Tracker) Clear(group, target string) { t.RecordSuccess(group, target) }

// Count returns the current streak.
func (t *Tracker) Count(group, target string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streaks[streakKey{group, target}]
}

// Streak is one non-zero counter.
type Streak struct {
	GroupID  string `json:"group_id"`
	TargetID string `json:"target_id"`
	Count    int    `json:"count"`
}

// Snapshot lists non-zero streaks, optionally filtered by group, ordered by group then target.
func (t *Tracker) Snapshot(group string) []Streak {
	t.mu.Lock()
	out := make([]Streak, 0, len(t.streaks))
	for k, n := range t.streaks {
		if group != "" && k.group != group {
			continue
		}
		out = append(out, Streak{GroupID: k.group, TargetID: k.target, Count: n})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out
}
