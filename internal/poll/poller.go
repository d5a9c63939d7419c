package poll

import (
	"context"
	"sync"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/cover"
	"github.com/sirupsen/logrus"
)

// DefaultInterval matches the vendor service's coarse polling cadence.
const DefaultInterval = time.Minute

// Source fetches the latest snapshots for every cover it knows about.
type Source interface {
	Fetch(ctx context.Context) ([]cover.Snapshot, error)
}

// Multi concatenates several sources into one. A failing source is logged
// and skipped so one dead motor does not starve the rest.
func Multi(sources ...Source) Source {
	return multiSource(sources)
}

type multiSource []Source

func (m multiSource) Fetch(ctx context.Context) ([]cover.Snapshot, error) {
	var snaps []cover.Snapshot
	for _, s := range m {
		part, err := s.Fetch(ctx)
		if err != nil {
			logrus.Errorf("poll: source fetch failed: %s", err)
			continue
		}
		snaps = append(snaps, part...)
	}
	return snaps, nil
}

type Handler func(snap cover.Snapshot)

// Poller periodically fetches snapshots and dispatches them to the handler
// registered for each cover id.
type Poller struct {
	source   Source
	interval time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
}

func NewPoller(source Source, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Poller{
		source:   source,
		interval: interval,
		handlers: map[string]Handler{},
	}
}

func (p *Poller) Register(coverID string, h Handler) {
	p.mu.Lock()
	p.handlers[coverID] = h
	p.mu.Unlock()
}

// SetSource installs the snapshot source. Handlers are registered while
// the covers are wired up, so the source usually arrives last.
func (p *Poller) SetSource(s Source) {
	p.mu.Lock()
	p.source = s
	p.mu.Unlock()
}

// Run polls until the context ends. The first fetch happens immediately so
// covers come up with a position without waiting out a full interval.
func (p *Poller) Run(ctx context.Context) {
	logrus.Infof("poll: every %s", p.interval.String())

	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Debug("poll: exit")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	p.mu.Lock()
	source := p.source
	p.mu.Unlock()

	if source == nil {
		return
	}

	snaps, err := source.Fetch(ctx)
	if err != nil {
		logrus.Errorf("poll: fetch failed: %s", err)
		return
	}

	for _, snap := range snaps {
		p.mu.Lock()
		h := p.handlers[snap.CoverID]
		p.mu.Unlock()

		if h == nil {
			logrus.Debugf("poll: no handler for cover %s", snap.CoverID)
			continue
		}
		h(snap)
	}
}
