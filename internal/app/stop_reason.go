package app

// StopReason records why the app is shutting down.
type StopReason int

const (
	StopUnknown StopReason = iota
	StopSignal
	StopFatalError
	StopStartFailed
)

func (r StopReason) String() string {
	switch r {
	case StopSignal:
		return "signal"
	case StopFatalError:
		return "fatal_error"
	case StopStartFailed:
		return "start_failed"
	default:
		return "unknown"
	}
}
