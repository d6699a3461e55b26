package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunsImmediatelyAndOnInterval(t *testing.T) {
	var fast, failing atomic.Int32
	s := NewScheduler(zerolog.Nop(),
		Job{Name: "fast", Interval: 10 * time.Millisecond, Run: func(context.Context) (int, error) {
			fast.Add(1)
			return 1, nil
		}},
		Job{Name: "failing", Interval: 10 * time.Millisecond, Run: func(context.Context) (int, error) {
			failing.Add(1)
			return 0, errors.New("boom")
		}},
		Job{Name: "disabled", Run: func(context.Context) (int, error) {
			t.Error("job without interval ran")
			return 0, nil
		}},
	)
	s.Start()
	s.Start()
	time.Sleep(55 * time.Millisecond)
	s.Stop()
	s.Stop()

	if n := fast.Load(); n < 3 {
		t.Fatalf("fast job ran %d times", n)
	}
	if n := failing.Load(); n < 3 {
		t.Fatalf("a failing job must keep running, ran %d times", n)
	}

	after := fast.Load()
	time.Sleep(30 * time.Millisecond)
	if fast.Load() != after {
		t.Fatal("job ran after Stop")
	}
}

func TestJobTimeout(t *testing.T) {
	done := make(chan error, 1)
	s := NewScheduler(zerolog.Nop(), Job{
		Name:     "slow",
		Interval: time.Hour,
		Timeout:  10 * time.Millisecond,
		Run: func(ctx context.Context) (int, error) {
			<-ctx.Done()
			done <- ctx.Err()
			return 0, ctx.Err()
		},
	})
	s.Start()
	defer s.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want deadline exceeded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("job timeout not applied")
	}
}
