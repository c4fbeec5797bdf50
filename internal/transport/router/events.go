package router

import (
	"context"
	"runtime/debug"
	"sync"

	kit "timechanbot/internal/transport"
	logx "timechanbot/pkg/logx"
)

type EventHandler func(ctx context.Context, up kit.Update)

// Events fans platform updates out to the handlers registered per kind.
// Handlers run on the dispatch goroutine and must not block for long.
type Events struct {
	mu       sync.RWMutex
	handlers map[kit.UpdateKind][]EventHandler
	log      logx.Logger
}

func NewEvents(log logx.Logger) *Events {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Events{handlers: map[kit.UpdateKind][]EventHandler{}, log: log.With(logx.String("comp", "events"))}
}

func (e *Events) On(kind kit.UpdateKind, h EventHandler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	e.handlers[kind] = append(e.handlers[kind], h)
	e.mu.Unlock()
}

// Run dispatches until ctx is done or in is closed.
func (e *Events) Run(ctx context.Context, in <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-in:
			if !ok {
				e.log.Info("update channel closed")
				return nil
			}
			e.Dispatch(ctx, up)
		}
	}
}

func (e *Events) Dispatch(ctx context.Context, up kit.Update) {
	e.mu.RLock()
	hs := e.handlers[up.Kind]
	e.mu.RUnlock()
	if len(hs) == 0 {
		e.log.Debug("unhandled update", logx.String("kind", string(up.Kind)))
		return
	}
	for _, h := range hs {
		e.call(ctx, up, h)
	}
}

func (e *Events) call(ctx context.Context, up kit.Update, h EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event handler panicked", logx.String("kind", string(up.Kind)),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	h(ctx, up)
}
