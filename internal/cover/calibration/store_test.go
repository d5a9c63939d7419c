package calibration

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/cover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceDefaultsWhenUncalibrated(t *testing.T) {
	source := Source{Store: NewMemoryStore()}

	tt := source.TravelTimes("salon")
	assert.Equal(t, cover.DefaultOpenTime, tt.Open)
	assert.Equal(t, cover.DefaultCloseTime, tt.Close)
	assert.False(t, tt.OpenCalibrated)
	assert.False(t, tt.CloseCalibrated)
}

func TestSourceDirectionKeys(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(OpenKey("salon"), 40))
	require.NoError(t, store.Put(CloseKey("salon"), 34))

	tt := Source{Store: store}.TravelTimes("salon")
	assert.Equal(t, 40*time.Second, tt.Open)
	assert.Equal(t, 34*time.Second, tt.Close)
	assert.True(t, tt.OpenCalibrated)
	assert.True(t, tt.CloseCalibrated)
}

func TestSourceLegacyKeyFallback(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put("salon", 40))

	tt := Source{Store: store}.TravelTimes("salon")
	assert.Equal(t, 40*time.Second, tt.Open)
	assert.Equal(t, 34*time.Second, tt.Close, "legacy close time is discounted by 0.85")
	assert.False(t, tt.OpenCalibrated, "a legacy estimate does not count as calibrated")
	assert.False(t, tt.CloseCalibrated)

	t.Run("direction key takes precedence over legacy", func(t *testing.T) {
		require.NoError(t, store.Put(OpenKey("salon"), 50))

		tt := Source{Store: store}.TravelTimes("salon")
		assert.Equal(t, 50*time.Second, tt.Open)
		assert.True(t, tt.OpenCalibrated)
		assert.Equal(t, cover.DefaultCloseTime, tt.Close, "legacy no longer applies once any direction key exists")
	})
}

func TestSetManualEnforcesRange(t *testing.T) {
	store := NewMemoryStore()

	assert.Error(t, SetManual(store, "salon", cover.DirectionOpen, 4.9))
	assert.Error(t, SetManual(store, "salon", cover.DirectionOpen, 300.1))
	require.NoError(t, SetManual(store, "salon", cover.DirectionOpen, 42.5))

	v, ok := store.Get(OpenKey("salon"))
	require.True(t, ok)
	assert.Equal(t, 42.5, v)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.yaml")

	store, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Put(OpenKey("salon"), 40))
	require.NoError(t, store.Put(CloseKey("salon"), 34))
	require.NoError(t, store.Put(OpenKey("salon"), 41), "last writer wins")

	reopened, err := NewFileStore(path)
	require.NoError(t, err)

	v, ok := reopened.Get(OpenKey("salon"))
	require.True(t, ok)
	assert.Equal(t, 41.0, v)

	v, ok = reopened.Get(CloseKey("salon"))
	require.True(t, ok)
	assert.Equal(t, 34.0, v)
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	_, ok := store.Get(OpenKey("salon"))
	assert.False(t, ok)
}
