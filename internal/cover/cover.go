package cover

import (
	"context"
	"time"
)

const (
	OpenState    = "open"
	ClosedState  = "closed"
	OpeningState = "opening"
	ClosingState = "closing"
)

// Positions are percentages: 0 fully closed, 100 fully open.
const (
	FullClosePosition = 0
	FullOpenPosition  = 100
)

// Default full-traversal times used until a direction is calibrated.
// Closing is usually faster than opening because gravity helps.
const (
	DefaultOpenTime  = 30 * time.Second
	DefaultCloseTime = 25 * time.Second
)

type Direction int

const (
	DirectionOpen Direction = iota
	DirectionClose
)

func (d Direction) String() string {
	if d == DirectionOpen {
		return "open"
	}
	return "close"
}

func (d Direction) Opposite() Direction {
	if d == DirectionOpen {
		return DirectionClose
	}
	return DirectionOpen
}

// Commander is the capability a physical cover exposes. Implementations
// return once the command is on the wire; they do not wait for the motor
// to finish travelling.
type Commander interface {
	MoveOpen(ctx context.Context) error
	MoveClose(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Snapshot is one externally polled reading for a cover. Position is nil
// when the vendor reported no usable position data.
type Snapshot struct {
	CoverID  string
	Position *int
	IsMoving bool
}

// TravelTimes holds the per-direction full-traversal durations a
// controller works with, plus whether each one was measured or defaulted.
type TravelTimes struct {
	Open  time.Duration
	Close time.Duration

	OpenCalibrated  bool
	CloseCalibrated bool
}

func DefaultTravelTimes() TravelTimes {
	return TravelTimes{Open: DefaultOpenTime, Close: DefaultCloseTime}
}

// TravelTimeSource is re-read on every movement so a fresh calibration
// takes effect on the next command.
type TravelTimeSource interface {
	TravelTimes(coverID string) TravelTimes
}

// State is the observable state a controller publishes. Position and
// Closed carry explicit known flags since a cover that was never polled
// and never moved has no trustworthy position at all.
type State struct {
	Position      int
	PositionKnown bool

	Closed      bool
	ClosedKnown bool

	Opening bool
	Closing bool

	Available bool
}

func (s State) String() string {
	switch {
	case s.Opening:
		return OpeningState
	case s.Closing:
		return ClosingState
	case s.ClosedKnown && s.Closed:
		return ClosedState
	default:
		return OpenState
	}
}

type UpdateHandler func(s State)

type Cover interface {
	ID() string
	Name() string

	State() State
	TravelTimes() TravelTimes

	OnUpdate(h UpdateHandler)

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Stop(ctx context.Context) error
	SetPosition(ctx context.Context, position int) error

	ApplySnapshot(snap Snapshot)
}
