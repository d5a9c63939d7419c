package calibration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/cover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCommander struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingCommander) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recordingCommander) MoveOpen(ctx context.Context) error {
	r.record("open")
	return nil
}

func (r *recordingCommander) MoveClose(ctx context.Context) error {
	r.record("close")
	return nil
}

func (r *recordingCommander) Stop(ctx context.Context) error {
	r.record("stop")
	return nil
}

func (r *recordingCommander) count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func newTestWizard(t *testing.T, commander cover.Commander, store Store) *Wizard {
	t.Helper()

	w := NewWizard("salon", "salon", commander, store)
	w.settle = time.Millisecond
	w.measuredMin = 0.005
	w.measuredMax = 1
	return w
}

func awaitPhase(t *testing.T, w *Wizard, phase Phase) {
	t.Helper()

	require.Eventually(t, func() bool {
		return w.Status().Phase == phase
	}, time.Second, time.Millisecond, "wizard should reach phase %s", phase)
}

func TestWizardBothDirections(t *testing.T) {
	commander := &recordingCommander{}
	store := NewMemoryStore()
	w := newTestWizard(t, commander, store)

	var completions int
	var mu sync.Mutex
	w.OnUpdate(func(s Status) {
		mu.Lock()
		if s.Phase == PhaseComplete {
			completions++
		}
		mu.Unlock()
	})

	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, Input{Kind: InputSelect, Choice: ChoiceBoth}))
	assert.Equal(t, PhaseInstructions, w.Status().Phase)

	require.NoError(t, w.Handle(ctx, Input{Kind: InputProceed}))
	awaitPhase(t, w, PhaseAwaitStop)
	assert.Equal(t, cover.DirectionOpen, w.Status().Direction)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Handle(ctx, Input{Kind: InputConfirmStop}))

	// The second direction starts on its own.
	awaitPhase(t, w, PhaseAwaitStop)
	assert.Equal(t, cover.DirectionClose, w.Status().Direction)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Handle(ctx, Input{Kind: InputConfirmStop}))

	awaitPhase(t, w, PhaseComplete)
	require.NoError(t, w.Handle(ctx, Input{Kind: InputSave}))
	assert.True(t, w.Done())

	mu.Lock()
	assert.Equal(t, 1, completions, "a both run completes exactly once")
	mu.Unlock()

	open, ok := store.Get(OpenKey("salon"))
	require.True(t, ok)
	assert.Greater(t, open, 0.0)

	closeTime, ok := store.Get(CloseKey("salon"))
	require.True(t, ok)
	assert.Greater(t, closeTime, 0.0)

	// One stop per confirmed direction.
	assert.Equal(t, 2, commander.count("stop"))
}

func TestWizardRejectsImplausibleMeasurement(t *testing.T) {
	commander := &recordingCommander{}
	store := NewMemoryStore()
	w := newTestWizard(t, commander, store)
	w.measuredMin = 10 // nothing this fast is a real traversal

	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, Input{Kind: InputSelect, Choice: ChoiceOpen}))
	require.NoError(t, w.Handle(ctx, Input{Kind: InputProceed}))
	awaitPhase(t, w, PhaseAwaitStop)

	err := w.Handle(ctx, Input{Kind: InputConfirmStop})
	require.Error(t, err)
	assert.Equal(t, PhaseInstructions, w.Status().Phase, "rejection returns the run to the instructions")
	assert.Empty(t, w.Status().Results)

	_, ok := store.Get(OpenKey("salon"))
	assert.False(t, ok, "nothing persisted for a rejected measurement")

	// Stop still went to the hardware before the measurement was judged.
	assert.Equal(t, 1, commander.count("stop"))
}

func TestWizardCancelStopsMotor(t *testing.T) {
	commander := &recordingCommander{}
	w := newTestWizard(t, commander, NewMemoryStore())

	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, Input{Kind: InputSelect, Choice: ChoiceClose}))
	require.NoError(t, w.Handle(ctx, Input{Kind: InputProceed}))
	awaitPhase(t, w, PhaseAwaitStop)

	require.NoError(t, w.Handle(ctx, Input{Kind: InputCancel}))
	assert.True(t, w.Done())
	assert.Equal(t, 1, commander.count("stop"), "cancel never leaves the cover running")
}

func TestWizardDiscardDoesNotPersist(t *testing.T) {
	commander := &recordingCommander{}
	store := NewMemoryStore()
	w := newTestWizard(t, commander, store)

	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, Input{Kind: InputSelect, Choice: ChoiceOpen}))
	require.NoError(t, w.Handle(ctx, Input{Kind: InputProceed}))
	awaitPhase(t, w, PhaseAwaitStop)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Handle(ctx, Input{Kind: InputConfirmStop}))
	awaitPhase(t, w, PhaseComplete)

	require.NoError(t, w.Handle(ctx, Input{Kind: InputDiscard}))
	assert.True(t, w.Done())

	_, ok := store.Get(OpenKey("salon"))
	assert.False(t, ok)
}

func TestWizardRejectsInputOutOfPhase(t *testing.T) {
	w := newTestWizard(t, &recordingCommander{}, NewMemoryStore())

	assert.Error(t, w.Handle(context.Background(), Input{Kind: InputSave}))
	assert.Error(t, w.Handle(context.Background(), Input{Kind: InputConfirmStop}))
	assert.Equal(t, PhaseSelectDirection, w.Status().Phase)
}

func TestManagerRejectsSecondRun(t *testing.T) {
	commander := &recordingCommander{}
	m := NewManager(NewMemoryStore())
	m.SetSettleDelay(time.Millisecond)

	first, err := m.Begin("salon", "salon", commander)
	require.NoError(t, err)

	_, err = m.Begin("salon", "salon", commander)
	assert.Error(t, err, "a cover mid-run rejects a second wizard")

	_, err = m.Begin("kuchnia", "kuchnia", commander)
	assert.NoError(t, err, "other covers calibrate independently")

	require.NoError(t, first.Handle(context.Background(), Input{Kind: InputCancel}))

	_, err = m.Begin("salon", "salon", commander)
	assert.NoError(t, err, "a finished run frees the slot")

	active, ok := m.Active("salon")
	require.True(t, ok)
	assert.Equal(t, PhaseSelectDirection, active.Status().Phase)
}
