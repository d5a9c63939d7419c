package calibration

import (
	"os"
	"sync"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/cover"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Travel times are keyed per cover and direction: "{id}_open" and
// "{id}_close". A bare "{id}" key is the legacy single travel time and is
// read as the open time with the close time discounted, closing being
// typically faster.
const legacyCloseFactor = 0.85

// Manual entry bounds. Measured values are bounded separately by the wizard.
const (
	ManualMinSeconds = 5
	ManualMaxSeconds = 300
)

type Store interface {
	Get(key string) (float64, bool)
	Put(key string, seconds float64) error
}

func OpenKey(coverID string) string {
	return coverID + "_open"
}

func CloseKey(coverID string) string {
	return coverID + "_close"
}

// Source adapts a Store to the controller's travel time lookup, applying
// the legacy fallback and the built-in defaults.
type Source struct {
	Store Store
}

func (s Source) TravelTimes(coverID string) cover.TravelTimes {
	tt := cover.DefaultTravelTimes()

	open, openOK := s.Store.Get(OpenKey(coverID))
	if openOK && open > 0 {
		tt.Open = secondsToDuration(open)
		tt.OpenCalibrated = true
	}

	closeTime, closeOK := s.Store.Get(CloseKey(coverID))
	if closeOK && closeTime > 0 {
		tt.Close = secondsToDuration(closeTime)
		tt.CloseCalibrated = true
	}

	if !tt.OpenCalibrated && !tt.CloseCalibrated {
		if legacy, ok := s.Store.Get(coverID); ok && legacy > 0 {
			logrus.Debugf("%s: using legacy travel time %.1fs for both directions", coverID, legacy)
			tt.Open = secondsToDuration(legacy)
			tt.Close = secondsToDuration(legacy * legacyCloseFactor)
		}
	}

	return tt
}

// SetManual persists a hand-entered travel time, enforcing the input range.
func SetManual(store Store, coverID string, dir cover.Direction, seconds float64) error {
	if seconds < ManualMinSeconds || seconds > ManualMaxSeconds {
		return errors.Errorf(
			"%s: %.1fs is out of the valid %d-%ds travel time range",
			coverID, seconds, ManualMinSeconds, ManualMaxSeconds,
		)
	}

	return store.Put(directionKey(coverID, dir), seconds)
}

func directionKey(coverID string, dir cover.Direction) string {
	if dir == cover.DirectionOpen {
		return OpenKey(coverID)
	}
	return CloseKey(coverID)
}

type MemoryStore struct {
	mu     sync.Mutex
	values map[string]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]float64{}}
}

func (m *MemoryStore) Get(key string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryStore) Put(key string, seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = seconds
	return nil
}

// FileStore keeps the values in a yaml map, rewritten on every put.
// Last writer wins, which is all that concurrent calibration of different
// covers requires.
type FileStore struct {
	path string

	mu     sync.Mutex
	values map[string]float64
}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, values: map[string]float64{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "calibration file %s read failed", path)
	}

	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, errors.Wrapf(err, "calibration file %s decode failed", path)
	}
	if s.values == nil {
		s.values = map[string]float64{}
	}

	return s, nil
}

func (f *FileStore) Get(key string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.values[key]
	return v, ok
}

func (f *FileStore) Put(key string, seconds float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.values[key] = seconds

	data, err := yaml.Marshal(f.values)
	if err != nil {
		return errors.Wrap(err, "calibration values encode failed")
	}

	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return errors.Wrapf(err, "calibration file %s write failed", f.path)
	}

	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
