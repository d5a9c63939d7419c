package cover

import (
	"context"
	"time"
)

// movementSession describes one in-flight timed movement. A controller
// owns at most one; starting a new one cancels the previous session's
// interpolation loop and delayed stop through its context.
type movementSession struct {
	start    int
	target   int
	opening  bool
	startAt  time.Time
	duration time.Duration

	cancel context.CancelFunc
}

func newMovementSession(start, target int, travel time.Duration, startAt time.Time) *movementSession {
	diff := target - start
	if diff < 0 {
		diff = -diff
	}

	return &movementSession{
		start:    start,
		target:   target,
		opening:  target > start,
		startAt:  startAt,
		duration: travel * time.Duration(diff) / 100,
	}
}

// positionAt interpolates linearly between start and target. At or past
// the session duration it returns exactly the target, never a rounded
// neighbour.
func (s *movementSession) positionAt(now time.Time) int {
	elapsed := now.Sub(s.startAt)
	if elapsed >= s.duration {
		return s.target
	}

	progress := float64(elapsed) / float64(s.duration)
	return s.start + int(float64(s.target-s.start)*progress)
}
