package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanicAndCancels(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(context.Context) error { panic("bad") })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || err.Error() != "boom: panic: bad" {
		t.Fatalf("Wait()=%v", err)
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait()=%v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls=%d want 3", calls.Load())
	}

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Restarts != 2 || snap[0].Active != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}
