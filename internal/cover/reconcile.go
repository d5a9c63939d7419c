package cover

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Positions at or under the threshold count as closed. Snapshots use a
// strict comparison, matching the coarse granularity of the vendor feed.
const closedThreshold = 5

// ApplySnapshot reconciles an externally polled reading against the local
// estimate. The polling source is untrustworthy immediately after a locally
// timed move: its readings lag by up to a poll cycle, so the position is
// discarded while a session runs and for a grace period after one finishes.
// Availability is updated either way.
func (c *Controller) ApplySnapshot(snap Snapshot) {
	c.mu.Lock()

	c.state.Available = true

	if c.session != nil {
		c.mu.Unlock()
		logrus.Debugf("%s: snapshot discarded, movement in flight", c.name)
		snapshotsSuppressedTotal.WithLabelValues(c.id, "session_active").Inc()
		return
	}

	// No session running, so stale opening/closing flags left by a bare
	// open/close command are cleared here.
	c.state.Opening = false
	c.state.Closing = false

	if !c.lastControlledAt.IsZero() {
		sinceControl := time.Since(c.lastControlledAt)
		if sinceControl < c.snapshotGrace {
			s := c.state
			c.mu.Unlock()

			logrus.Debugf("%s: snapshot discarded, %s since last timed movement (grace period active)",
				c.name, sinceControl.String())
			snapshotsSuppressedTotal.WithLabelValues(c.id, "grace_period").Inc()
			c.notify(s)
			return
		}
	}

	if snap.Position == nil {
		c.state.PositionKnown = false
		c.state.ClosedKnown = false
		s := c.state
		c.mu.Unlock()

		logrus.Warnf("%s: snapshot carries no position data, state unknown", c.name)
		c.notify(s)
		return
	}

	c.state.Position = *snap.Position
	c.state.PositionKnown = true
	c.state.Closed = *snap.Position < closedThreshold
	c.state.ClosedKnown = true
	s := c.state
	c.mu.Unlock()

	logrus.Debugf("%s: snapshot applied, position %d", c.name, *snap.Position)
	c.notify(s)
}
