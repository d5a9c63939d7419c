package cover

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSnapshotGrace must outlast one typical poll cycle, otherwise a
	// stale reading clobbers a just-completed timed movement.
	DefaultSnapshotGrace = 30 * time.Second

	// Movements shorter than this are spurious micro-adjustments and are
	// published without touching the hardware.
	minMoveDuration = 500 * time.Millisecond

	defaultTickInterval  = 200 * time.Millisecond
	defaultWriteInterval = 500 * time.Millisecond
)

// Controller estimates a cover's position in real time during a commanded
// movement. It converts a target percentage into a timed open/close pulse,
// interpolates the position while the pulse runs and arbitrates between its
// own estimate and externally polled snapshots.
type Controller struct {
	id   string
	name string

	commander Commander
	travel    TravelTimeSource

	snapshotGrace time.Duration
	tickInterval  time.Duration
	writeInterval time.Duration
	minMove       time.Duration

	mu               sync.Mutex
	state            State
	session          *movementSession
	lastControlledAt time.Time
	updateHandler    UpdateHandler
}

func NewController(id, name string, commander Commander, travel TravelTimeSource) *Controller {
	return &Controller{
		id:            id,
		name:          name,
		commander:     commander,
		travel:        travel,
		snapshotGrace: DefaultSnapshotGrace,
		tickInterval:  defaultTickInterval,
		writeInterval: defaultWriteInterval,
		minMove:       minMoveDuration,
	}
}

func (c *Controller) ID() string {
	return c.id
}

func (c *Controller) Name() string {
	return c.name
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// TravelTimes re-reads the calibration source so a save taking place after
// construction is picked up by the next movement.
func (c *Controller) TravelTimes() TravelTimes {
	if c.travel == nil {
		return DefaultTravelTimes()
	}

	return c.travel.TravelTimes(c.id)
}

func (c *Controller) OnUpdate(h UpdateHandler) {
	c.mu.Lock()
	c.updateHandler = h
	c.mu.Unlock()
}

func (c *Controller) notify(s State) {
	c.mu.Lock()
	h := c.updateHandler
	c.mu.Unlock()

	if h != nil {
		h(s)
	}
}

// cancelSessionLocked tears down the in-flight session, if any. The caller
// holds c.mu. Cancellation reaches the interpolation loop and the delayed
// stop at their next suspension point; both re-check session identity under
// the lock, so a superseded session never publishes again.
func (c *Controller) cancelSessionLocked() {
	if c.session == nil {
		return
	}

	logrus.Debugf("%s: cancel in-flight movement", c.name)
	c.session.cancel()
	c.session = nil
}

// Open drives the cover to the full open position. No movement session is
// started: the final position depends on external confirmation of full
// travel, so the numeric position is left to the next accepted snapshot.
func (c *Controller) Open(ctx context.Context) error {
	logrus.Infof("%s: open", c.name)

	c.mu.Lock()
	c.cancelSessionLocked()
	prev := c.state
	c.mu.Unlock()

	if err := c.commander.MoveOpen(ctx); err != nil {
		c.notify(prev)
		return errors.Wrapf(err, "%s: open command failed", c.name)
	}
	commandsTotal.WithLabelValues(c.id, "open").Inc()

	c.mu.Lock()
	c.state.Opening = true
	c.state.Closing = false
	c.state.Closed = false
	c.state.ClosedKnown = true
	s := c.state
	c.mu.Unlock()

	c.notify(s)
	return nil
}

// Close drives the cover to the full closed position. See Open for why no
// movement session is started.
func (c *Controller) Close(ctx context.Context) error {
	logrus.Infof("%s: close", c.name)

	c.mu.Lock()
	c.cancelSessionLocked()
	prev := c.state
	c.mu.Unlock()

	if err := c.commander.MoveClose(ctx); err != nil {
		c.notify(prev)
		return errors.Wrapf(err, "%s: close command failed", c.name)
	}
	commandsTotal.WithLabelValues(c.id, "close").Inc()

	c.mu.Lock()
	c.state.Closing = true
	c.state.Opening = false
	c.state.Closed = true
	c.state.ClosedKnown = true
	s := c.state
	c.mu.Unlock()

	c.notify(s)
	return nil
}

// Stop halts the cover where it is. The published position stays at the
// last interpolated estimate since the true stopping point is unknown.
func (c *Controller) Stop(ctx context.Context) error {
	logrus.Infof("%s: stop", c.name)

	c.mu.Lock()
	c.cancelSessionLocked()
	c.mu.Unlock()

	err := c.commander.Stop(ctx)
	if err == nil {
		commandsTotal.WithLabelValues(c.id, "stop").Inc()
	}

	c.mu.Lock()
	c.state.Opening = false
	c.state.Closing = false
	s := c.state
	c.mu.Unlock()

	c.notify(s)

	if err != nil {
		return errors.Wrapf(err, "%s: stop command failed", c.name)
	}
	return nil
}

// SetPosition moves the cover to a target percentage with a timed pulse in
// the direction-specific calibrated travel time.
func (c *Controller) SetPosition(ctx context.Context, target int) error {
	if target < FullClosePosition || target > FullOpenPosition {
		return errors.Errorf(
			"%s: %d is out of range close/open position (%d/%d)",
			c.name, target, FullClosePosition, FullOpenPosition,
		)
	}

	travelTimes := c.TravelTimes()

	c.mu.Lock()
	current := c.state.Position
	if !c.state.PositionKnown {
		current = FullClosePosition
	}
	c.mu.Unlock()

	opening := target > current

	travel := travelTimes.Close
	calibrated := travelTimes.CloseCalibrated
	if opening {
		travel = travelTimes.Open
		calibrated = travelTimes.OpenCalibrated
	}
	if !calibrated {
		logrus.Warnf("%s: %s direction is not calibrated, position control may be inaccurate",
			c.name, directionOf(opening))
	}

	session := newMovementSession(current, target, travel, time.Now())

	logrus.Infof("%s: set position %d -> %d (%s for %s)",
		c.name, current, target, directionOf(opening), session.duration.String())

	if session.duration < c.minMove {
		logrus.Debugf("%s: movement too small, publishing target without moving", c.name)

		c.mu.Lock()
		c.cancelSessionLocked()
		c.state.Position = target
		c.state.PositionKnown = true
		c.state.Closed = target <= closedThreshold
		c.state.ClosedKnown = true
		c.state.Opening = false
		c.state.Closing = false
		s := c.state
		c.mu.Unlock()

		c.notify(s)
		return nil
	}

	c.mu.Lock()
	c.cancelSessionLocked()
	c.mu.Unlock()

	move := c.commander.MoveClose
	command := "close"
	if opening {
		move = c.commander.MoveOpen
		command = "open"
	}
	if err := move(ctx); err != nil {
		return errors.Wrapf(err, "%s: %s command failed", c.name, command)
	}
	commandsTotal.WithLabelValues(c.id, "set_position").Inc()

	sessionCtx, cancel := context.WithCancel(context.Background())
	session.cancel = cancel

	c.mu.Lock()
	c.session = session
	c.state.Opening = opening
	c.state.Closing = !opening
	c.state.Closed = false
	c.state.ClosedKnown = true
	s := c.state
	c.mu.Unlock()

	c.notify(s)

	go c.trackPosition(sessionCtx, session)
	go c.stopAfter(sessionCtx, session)

	return nil
}

// trackPosition is the interpolation loop: it recomputes the estimate every
// tick but writes observable state at a coarser cadence to bound update
// volume. It exits either at the session's end or on cancellation, always at
// a tick boundary.
func (c *Controller) trackPosition(ctx context.Context, session *movementSession) {
	logrus.Debugf("%s: begin position tracking", c.name)

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	lastWrite := time.Now()

	for {
		select {
		case <-ctx.Done():
			logrus.Debugf("%s: position tracking cancelled", c.name)
			return
		case now := <-ticker.C:
			if now.Sub(session.startAt) >= session.duration {
				c.mu.Lock()
				if c.session != session {
					c.mu.Unlock()
					return
				}
				c.state.Position = session.target
				c.state.PositionKnown = true
				c.state.Closed = session.target <= closedThreshold
				c.state.ClosedKnown = true
				s := c.state
				c.mu.Unlock()

				c.notify(s)
				logrus.Debugf("%s: position tracking done", c.name)
				return
			}

			estimated := session.positionAt(now)

			c.mu.Lock()
			if c.session != session {
				c.mu.Unlock()
				return
			}
			c.state.Position = estimated
			c.state.PositionKnown = true
			c.state.Closed = estimated <= closedThreshold
			c.state.ClosedKnown = true
			s := c.state
			c.mu.Unlock()

			if now.Sub(lastWrite) >= c.writeInterval {
				c.notify(s)
				lastWrite = now
			}
		}
	}
}

// stopAfter fires the physical stop once the timed pulse elapses and
// finalizes the published position at the session target. The completion
// timestamp anchors the snapshot suppression window.
func (c *Controller) stopAfter(ctx context.Context, session *movementSession) {
	logrus.Debugf("%s: will stop after %s", c.name, session.duration.String())

	timer := time.NewTimer(session.duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		logrus.Debugf("%s: delayed stop cancelled", c.name)
		return
	case <-timer.C:
	}

	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.state.Opening = false
	c.state.Closing = false
	c.state.Position = session.target
	c.state.PositionKnown = true
	c.state.Closed = session.target <= closedThreshold
	c.state.ClosedKnown = true
	c.lastControlledAt = time.Now()
	s := c.state
	c.mu.Unlock()

	// Reap the interpolation loop; its final publish already happened or is
	// now a no-op thanks to the session identity check.
	session.cancel()

	// Fire and forget: the pulse timing is what positions the cover, the
	// acknowledgement is of no use here.
	go func() {
		if err := c.commander.Stop(context.Background()); err != nil {
			logrus.Errorf("%s: delayed stop command failed: %s", c.name, err)
		}
	}()
	commandsTotal.WithLabelValues(c.id, "stop").Inc()
	sessionsCompletedTotal.WithLabelValues(c.id).Inc()

	c.notify(s)
	logrus.Infof("%s: stopped at target position %d", c.name, session.target)
}

func directionOf(opening bool) string {
	if opening {
		return "opening"
	}
	return "closing"
}
