package eventbus

import "time"

// Event types published by the refresh cycle.
const (
	CycleStarted  = "cycle.started"
	CycleSkipped  = "cycle.skipped"
	CycleFinished = "cycle.finished"
	TargetUpdated = "target.updated"
	TargetEvicted = "target.evicted"
)

// CycleInfo is the payload of cycle.* events.
type CycleInfo struct {
	ID      string
	Manual  bool
	GroupID string // set for manual runs
	Targets int
	Batches int
	Counts  map[string]int // outcome -> count
	Took    time.Duration
	Aborted bool
}

// TargetInfo is the payload of target.* events.
type TargetInfo struct {
	CycleID  string
	GroupID  string
	Label    string
	TargetID string
	Outcome  string
	Streak   int
	Took     time.Duration
}
