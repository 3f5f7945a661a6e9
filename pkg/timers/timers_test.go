package timers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_RunsImmediatelyAndOnTick(t *testing.T) {
	var calls int32
	s := New([]Task{
		{Name: "t1", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}},
	})

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestSet_PanicInOneTaskDoesNotStopOthers(t *testing.T) {
	var okCalls int32
	s := New([]Task{
		{Name: "bad", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
			panic("boom")
		}},
		{Name: "good", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
			atomic.AddInt32(&okCalls, 1)
			return nil
		}},
	})

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&okCalls) >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestSet_ZeroIntervalTaskSkipped(t *testing.T) {
	var calls int32
	s := New([]Task{
		{Name: "disabled", Interval: 0, Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}},
	})

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestSet_StopWaitsForLoopsToExit(t *testing.T) {
	running := make(chan struct{})
	s := New([]Task{
		{Name: "t1", Interval: time.Millisecond, Run: func(ctx context.Context) error {
			select {
			case running <- struct{}{}:
			default:
			}
			return nil
		}},
	})
	s.Start(context.Background())
	<-running
	s.Stop() // must not hang
}
