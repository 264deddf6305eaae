package timerstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/timerlink/protocol"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCountdown(phase string, d time.Duration, tasks int) (*Countdown, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	c := NewCountdown(phase, d, tasks)
	c.now = clock.now
	return c, clock
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{in: 0, want: "00:00"},
		{in: -5 * time.Second, want: "00:00"},
		{in: 735 * time.Second, want: "12:15"},
		{in: 25 * time.Minute, want: "25:00"},
		{in: 1500 * time.Millisecond, want: "00:02"},
		{in: 90 * time.Minute, want: "90:00"},
		{in: time.Millisecond, want: "00:01"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatRemaining(tt.in), tt.in.String())
	}
}

func TestCountdown_Lifecycle(t *testing.T) {
	c, clock := newTestCountdown(PhaseWork, 25*time.Minute, 4)

	t.Run("not started reports full duration", func(t *testing.T) {
		assert.Equal(t, 25*time.Minute, c.Remaining())
	})

	t.Run("counts down while running", func(t *testing.T) {
		c.Start()
		clock.advance(12*time.Minute + 45*time.Second)
		assert.Equal(t, 12*time.Minute+15*time.Second, c.Remaining())
	})

	t.Run("never goes negative", func(t *testing.T) {
		clock.advance(time.Hour)
		assert.Zero(t, c.Remaining())
	})

	t.Run("set phase restarts", func(t *testing.T) {
		c.SetPhase(PhaseShortBreak, 5*time.Minute)
		clock.advance(time.Minute)
		assert.Equal(t, 4*time.Minute, c.Remaining())
	})
}

func TestCountdown_Snapshot(t *testing.T) {
	c, clock := newTestCountdown(PhaseWork, 25*time.Minute, 3)
	c.Start()
	clock.advance(12*time.Minute + 45*time.Second)
	c.CompleteTask()
	assert.Equal(t, 2, c.RemainingTasks())

	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12:15", snap.Remaining)
	assert.Equal(t, PhaseWork, snap.Phase)
	assert.Equal(t, 3, snap.TotalTasks)
	assert.Equal(t, 2, snap.RemainingTasks)

	for i := 0; i < 5; i++ {
		c.CompleteTask()
	}
	snap, err = c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.RemainingTasks)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Snapshot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCountdown_Run(t *testing.T) {
	t.Run("alternates work and breaks until every task is done", func(t *testing.T) {
		c := NewCountdown(PhaseWork, 0, 2)
		snapshot := func() protocol.Snapshot {
			snap, err := c.Snapshot(context.Background())
			require.NoError(t, err)
			return snap
		}

		errCh := make(chan error, 1)
		go func() { errCh <- c.Run(context.Background(), 150*time.Millisecond, 200*time.Millisecond) }()

		require.Eventually(t, func() bool {
			s := snapshot()
			return s.Phase == PhaseShortBreak && s.RemainingTasks == 2
		}, 2*time.Second, 5*time.Millisecond)

		require.Eventually(t, func() bool {
			s := snapshot()
			return s.Phase == PhaseWork && s.RemainingTasks == 1
		}, 2*time.Second, 5*time.Millisecond)

		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("run did not finish")
		}

		final := snapshot()
		assert.Equal(t, 0, final.RemainingTasks)
		assert.Equal(t, "00:00", final.Remaining)
		// no break after the last task
		assert.Equal(t, PhaseWork, final.Phase)
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		c := NewCountdown(PhaseWork, 0, 3)
		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error, 1)
		go func() { errCh <- c.Run(ctx, time.Hour, time.Minute) }()

		require.Eventually(t, func() bool { return c.Remaining() > 0 }, time.Second, 5*time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("run ignored cancellation")
		}
		assert.Equal(t, 3, c.RemainingTasks())
	})

	t.Run("nothing to do without tasks", func(t *testing.T) {
		c := NewCountdown(PhaseWork, time.Minute, 0)
		assert.NoError(t, c.Run(context.Background(), time.Hour, time.Hour))
	})
}
