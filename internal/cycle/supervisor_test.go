package cycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor() (*Supervisor, *[]time.Duration) {
	s := NewSupervisor("test", 2, 10*time.Minute, 5*time.Minute, 0)
	slept := &[]time.Duration{}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return s, slept
}

func TestSupervisor_RestartsAfterPanic(t *testing.T) {
	s, _ := newTestSupervisor()

	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, func(c context.Context) {
			if runs.Add(1) < 3 {
				panic("boom")
			}
			<-c.Done()
		}, nil)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestSupervisor_EscalatesAfterBudgetButKeepsGoing(t *testing.T) {
	s, slept := newTestSupervisor()

	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, func(c context.Context) {
			if runs.Add(1) < 6 {
				return // immediate exit counts as a restart
			}
			<-c.Done()
		}, nil)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 6 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	// budget of 2 restarts in the window means the third triggers a cooldown
	require.NotEmpty(t, *slept)
	assert.Equal(t, 5*time.Minute, (*slept)[0])
}

func TestSupervisor_StaleLivenessForcesRestart(t *testing.T) {
	s := NewSupervisor("test", 5, 10*time.Minute, time.Minute, 50*time.Millisecond)
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	var runs atomic.Int32
	frozen := time.Now().Add(-time.Hour) // beat never advances
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, func(c context.Context) {
			runs.Add(1)
			<-c.Done() // hangs until the supervisor cancels it
		}, func() time.Time { return frozen })
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestSupervisor_StopsOnContextCancel(t *testing.T) {
	s, _ := newTestSupervisor()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, func(c context.Context) { <-c.Done() }, nil)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop on cancellation")
	}
}
