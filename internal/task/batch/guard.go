package batch

import (
	"sync"
	"time"
)

// CycleState is the single-flight guard as seen from outside.
type CycleState struct {
	InProgress bool      `json:"in_progress"`
	CycleID    string    `json:"cycle_id,omitempty"`
	Started    time.Time `json:"started,omitempty"`
	Deadline   time.Time `json:"deadline,omitempty"`
}

// guard admits one cycle at a time. A holder past its deadline is treated as
// abandoned and the next acquire takes over; each acquire gets a new
// generation so the abandoned holder's release is a no-op.
type guard struct {
	mu       sync.Mutex
	running  bool
	gen      uint64
	cycleID  string
	started  time.Time
	deadline time.Time
}

// acquire returns the generation to release and whether a stale holder was displaced.
func (g *guard) acquire(now time.Time, ceiling time.Duration, cycleID string) (gen uint64, ok, forced bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running && now.Before(g.deadline) {
		return 0, false, false
	}
	forced = g.running
	g.gen++
	g.running = true
	g.cycleID = cycleID
	g.started = now
	g.deadline = now.Add(ceiling)
	return g.gen, true, forced
}

func (g *guard) release(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.gen {
		return
	}
	g.running = false
	g.cycleID = ""
}

func (g *guard) state() CycleState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return CycleState{}
	}
	return CycleState{InProgress: true, CycleID: g.cycleID, Started: g.started, Deadline: g.deadline}
}
