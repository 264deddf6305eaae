// Package timerstate holds a minimal countdown that a timerlink server can
// expose to its peers.
package timerstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cyberinferno/timerlink/protocol"
)

// Phase labels used by Run.
const (
	PhaseWork       = "work"
	PhaseShortBreak = "short break"
)

// FormatRemaining renders d as MM:SS, rounding partial seconds up so a
// running timer never shows 00:00 early. Minutes are not capped at 59 and
// negative durations render as 00:00.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "00:00"
	}

	secs := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// Countdown counts down one phase at a time and tracks how many tasks are
// left. It implements protocol.StateProvider and is safe for concurrent use.
type Countdown struct {
	mu             sync.Mutex
	now            func() time.Time
	phase          string
	duration       time.Duration
	startedAt      time.Time
	running        bool
	totalTasks     int
	completedTasks int
}

// NewCountdown returns a stopped countdown of duration in phase. A stopped
// countdown reports its full duration.
func NewCountdown(phase string, duration time.Duration, totalTasks int) *Countdown {
	return &Countdown{
		now:        time.Now,
		phase:      phase,
		duration:   duration,
		totalTasks: totalTasks,
	}
}

// Start restarts the countdown from its full duration.
func (c *Countdown) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startedAt = c.now()
	c.running = true
}

// SetPhase switches to a new phase of the given length and starts it.
func (c *Countdown) SetPhase(phase string, duration time.Duration) {
	c.mu.Lock()
	c.phase = phase
	c.duration = duration
	c.mu.Unlock()

	c.Start()
}

// CompleteTask counts one task as done, never going past the total.
func (c *Countdown) CompleteTask() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.completedTasks < c.totalTasks {
		c.completedTasks++
	}
}

// Remaining returns the time left in the current phase.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked()
}

func (c *Countdown) remainingLocked() time.Duration {
	if !c.running {
		return c.duration
	}

	if left := c.duration - c.now().Sub(c.startedAt); left > 0 {
		return left
	}

	return 0
}

// RemainingTasks returns how many tasks are not done yet.
func (c *Countdown) RemainingTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalTasks - c.completedTasks
}

// Run drives the countdown through every remaining task: a work phase, then
// a short break unless it is the last task. A task is done once both are
// over. Run returns nil when no tasks are left, or ctx.Err().
func (c *Countdown) Run(ctx context.Context, work, shortBreak time.Duration) error {
	for c.RemainingTasks() > 0 {
		c.SetPhase(PhaseWork, work)
		if err := c.waitPhase(ctx); err != nil {
			return err
		}

		if c.RemainingTasks() > 1 {
			c.SetPhase(PhaseShortBreak, shortBreak)
			if err := c.waitPhase(ctx); err != nil {
				return err
			}
		}

		c.CompleteTask()
	}

	return nil
}

// waitPhase blocks until the current phase has no time left.
func (c *Countdown) waitPhase(ctx context.Context) error {
	for {
		left := c.Remaining()
		if left <= 0 {
			return nil
		}

		timer := time.NewTimer(left)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Snapshot implements protocol.StateProvider.
func (c *Countdown) Snapshot(ctx context.Context) (protocol.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Snapshot{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return protocol.Snapshot{
		Remaining:      FormatRemaining(c.remainingLocked()),
		Phase:          c.phase,
		TotalTasks:     c.totalTasks,
		RemainingTasks: c.totalTasks - c.completedTasks,
	}, nil
}
