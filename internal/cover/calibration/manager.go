package calibration

import (
	"sync"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/cover"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var calibrationSavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "cover2mqtt_calibration_saves_total",
	Help: "Calibration wizard runs persisted to the store.",
}, []string{"cover"})

// Collectors returns the package collectors for registry assembly in main.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{calibrationSavesTotal}
}

// Manager holds the one-wizard-per-cover slot. Calibrating two covers at
// once is fine; a second run for a cover already mid-run is rejected.
type Manager struct {
	store  Store
	settle time.Duration

	mu   sync.Mutex
	runs map[string]*Wizard
}

func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		settle: DefaultSettleDelay,
		runs:   map[string]*Wizard{},
	}
}

// SetSettleDelay overrides the edge settle wait for every wizard the
// manager creates afterwards.
func (m *Manager) SetSettleDelay(d time.Duration) {
	m.mu.Lock()
	m.settle = d
	m.mu.Unlock()
}

func (m *Manager) Begin(coverID, name string, commander cover.Commander) (*Wizard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.runs[coverID]; ok && !existing.Done() {
		return nil, errors.Errorf("%s: a calibration run is already in progress", name)
	}

	w := NewWizard(coverID, name, commander, m.store)
	w.settle = m.settle
	m.runs[coverID] = w

	return w, nil
}

// SetManual persists a hand-entered travel time through the manager's store.
func (m *Manager) SetManual(coverID string, dir cover.Direction, seconds float64) error {
	return SetManual(m.store, coverID, dir, seconds)
}

// Active returns the in-progress wizard for a cover, if any.
func (m *Manager) Active(coverID string) (*Wizard, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.runs[coverID]
	if !ok || w.Done() {
		return nil, false
	}

	return w, true
}
