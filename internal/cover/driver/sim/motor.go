package sim

import (
	"context"
	"sync"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/cover"
	"github.com/sirupsen/logrus"
)

// Motor simulates a motorized cover for development without vendor
// hardware. It models real travel: while a direction is engaged the
// physical position advances at the configured rate and clamps at the
// extremes. It serves both the command capability and the snapshot feed.
type Motor struct {
	id         string
	name       string
	travelTime time.Duration

	mu        sync.Mutex
	position  float64
	direction int // +1 opening, -1 closing, 0 stopped
	changedAt time.Time
	failWith  error
}

func NewMotor(id, name string, travelTime time.Duration) *Motor {
	return &Motor{
		id:         id,
		name:       name,
		travelTime: travelTime,
		changedAt:  time.Now(),
	}
}

func (m *Motor) ID() string {
	return m.id
}

// FailWith makes every subsequent command return err. Pass nil to heal.
func (m *Motor) FailWith(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

func (m *Motor) MoveOpen(ctx context.Context) error {
	return m.engage("open", 1)
}

func (m *Motor) MoveClose(ctx context.Context) error {
	return m.engage("close", -1)
}

func (m *Motor) Stop(ctx context.Context) error {
	return m.engage("stop", 0)
}

func (m *Motor) engage(command string, direction int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}

	m.settleLocked(time.Now())
	m.direction = direction

	logrus.Debugf("%s: sim motor %s at position %.1f", m.name, command, m.position)
	return nil
}

// settleLocked advances the physical position by the time elapsed since
// the last change, clamping at the extremes.
func (m *Motor) settleLocked(now time.Time) {
	if m.direction != 0 {
		elapsed := now.Sub(m.changedAt)
		delta := float64(m.direction) * 100 * float64(elapsed) / float64(m.travelTime)

		m.position += delta
		if m.position >= cover.FullOpenPosition {
			m.position = cover.FullOpenPosition
			m.direction = 0
		}
		if m.position <= cover.FullClosePosition {
			m.position = cover.FullClosePosition
			m.direction = 0
		}
	}

	m.changedAt = now
}

// Position reports the simulated physical position.
func (m *Motor) Position() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settleLocked(time.Now())
	return int(m.position)
}

// Fetch implements the poll source with a single snapshot for this motor.
func (m *Motor) Fetch(ctx context.Context) ([]cover.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return nil, m.failWith
	}

	m.settleLocked(time.Now())

	position := int(m.position)
	return []cover.Snapshot{{
		CoverID:  m.id,
		Position: &position,
		IsMoving: m.direction != 0,
	}}, nil
}
