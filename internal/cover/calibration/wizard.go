package calibration

import (
	"context"
	"sync"
	"time"

	"github.com/jkaflik/cover2mqtt/internal/cover"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Measured traversal bounds. A stop confirmed within 2 seconds or after 10
// minutes is an implausible travel time and would silently corrupt every
// future position estimate, so it is rejected before persisting.
const (
	MeasuredMinSeconds = 2
	MeasuredMaxSeconds = 600
)

// DefaultSettleDelay outlasts a full traversal at the default travel time,
// so the cover is guaranteed to sit at the known start edge before the
// measured run begins.
const DefaultSettleDelay = 35 * time.Second

type Phase int

const (
	PhaseSelectDirection Phase = iota
	PhaseInstructions
	PhaseMoving
	PhaseAwaitStop
	PhaseComplete
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseSelectDirection:
		return "select_direction"
	case PhaseInstructions:
		return "instructions"
	case PhaseMoving:
		return "moving"
	case PhaseAwaitStop:
		return "await_stop"
	case PhaseComplete:
		return "complete"
	default:
		return "done"
	}
}

type Choice int

const (
	ChoiceOpen Choice = iota
	ChoiceClose
	ChoiceBoth
)

func (c Choice) String() string {
	switch c {
	case ChoiceOpen:
		return "open"
	case ChoiceClose:
		return "close"
	default:
		return "both"
	}
}

// first returns the direction measured first for this choice.
func (c Choice) first() cover.Direction {
	if c == ChoiceClose {
		return cover.DirectionClose
	}
	return cover.DirectionOpen
}

func (c Choice) directions() int {
	if c == ChoiceBoth {
		return 2
	}
	return 1
}

type InputKind int

const (
	InputSelect InputKind = iota
	InputProceed
	InputConfirmStop
	InputSave
	InputRecalibrate
	InputDiscard
	InputCancel
)

// Input is the tagged variant fed to the wizard's transition function.
// Choice is meaningful for InputSelect only.
type Input struct {
	Kind   InputKind
	Choice Choice
}

type Status struct {
	Phase     Phase
	Direction cover.Direction
	Results   map[cover.Direction]float64
}

type StatusHandler func(s Status)

// Wizard drives one cover through a measured open and/or close traversal
// and writes the result to the calibration store. Strictly sequential: a
// single transition function advances a typed phase, and every exit from a
// moving phase routes through a stop command so the cover is never left
// running unattended.
type Wizard struct {
	coverID   string
	name      string
	commander cover.Commander
	store     Store
	settle    time.Duration

	measuredMin float64
	measuredMax float64

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu        sync.Mutex
	phase     Phase
	choice    Choice
	current   cover.Direction
	startedAt time.Time
	results   map[cover.Direction]float64
	prepSeq   int
	onUpdate  StatusHandler
}

func NewWizard(coverID, name string, commander cover.Commander, store Store) *Wizard {
	ctx, cancel := context.WithCancel(context.Background())

	return &Wizard{
		coverID:     coverID,
		name:        name,
		commander:   commander,
		store:       store,
		settle:      DefaultSettleDelay,
		measuredMin: MeasuredMinSeconds,
		measuredMax: MeasuredMaxSeconds,
		runCtx:      ctx,
		cancelRun:   cancel,
		phase:       PhaseSelectDirection,
		results:     map[cover.Direction]float64{},
	}
}

func (w *Wizard) OnUpdate(h StatusHandler) {
	w.mu.Lock()
	w.onUpdate = h
	w.mu.Unlock()
}

func (w *Wizard) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.statusLocked()
}

func (w *Wizard) statusLocked() Status {
	results := make(map[cover.Direction]float64, len(w.results))
	for dir, seconds := range w.results {
		results[dir] = seconds
	}

	return Status{Phase: w.phase, Direction: w.current, Results: results}
}

func (w *Wizard) Done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.phase == PhaseDone
}

func (w *Wizard) notify() {
	w.mu.Lock()
	h := w.onUpdate
	s := w.statusLocked()
	w.mu.Unlock()

	if h != nil {
		h(s)
	}
}

// Handle is the transition function: (phase, input) -> phase. Inputs that
// do not apply to the current phase are rejected without a state change.
func (w *Wizard) Handle(ctx context.Context, in Input) error {
	w.mu.Lock()
	phase := w.phase
	w.mu.Unlock()

	switch {
	case in.Kind == InputCancel:
		return w.cancel(ctx, phase)
	case phase == PhaseSelectDirection && in.Kind == InputSelect:
		return w.selectDirection(in.Choice)
	case phase == PhaseInstructions && in.Kind == InputProceed:
		return w.beginMoving()
	case phase == PhaseAwaitStop && in.Kind == InputConfirmStop:
		return w.confirmStop(ctx)
	case phase == PhaseComplete && in.Kind == InputSave:
		return w.save()
	case phase == PhaseComplete && in.Kind == InputSelect:
		// Calibrate another direction on top of the accumulated results.
		return w.selectDirection(in.Choice)
	case phase == PhaseComplete && in.Kind == InputRecalibrate:
		return w.recalibrate()
	case phase == PhaseComplete && in.Kind == InputDiscard:
		return w.discard()
	default:
		return errors.Errorf("%s: calibration input %d is not valid in phase %s", w.name, in.Kind, phase)
	}
}

func (w *Wizard) selectDirection(choice Choice) error {
	w.mu.Lock()
	w.choice = choice
	w.current = choice.first()
	w.phase = PhaseInstructions
	w.mu.Unlock()

	logrus.Infof("%s: calibration direction %s selected", w.name, choice)
	w.notify()
	return nil
}

func (w *Wizard) beginMoving() error {
	w.mu.Lock()
	w.phase = PhaseMoving
	w.prepSeq++
	seq := w.prepSeq
	dir := w.current
	w.mu.Unlock()

	w.notify()
	go w.prepare(dir, seq)
	return nil
}

// prepare drives the cover to the opposite extreme, waits the settle delay
// so the measured run starts from a known edge, then issues the measured
// move and stamps the start time.
func (w *Wizard) prepare(dir cover.Direction, seq int) {
	logrus.Infof("%s: calibration %s run, driving to the %s extreme first", w.name, dir, dir.Opposite())

	toEdge := w.commander.MoveClose
	measured := w.commander.MoveOpen
	if dir == cover.DirectionClose {
		toEdge = w.commander.MoveOpen
		measured = w.commander.MoveClose
	}

	if err := toEdge(w.runCtx); err != nil {
		logrus.Errorf("%s: calibration edge move failed: %s", w.name, err)
		w.abortPrep(seq)
		return
	}

	settle := time.NewTimer(w.settle)
	defer settle.Stop()

	select {
	case <-w.runCtx.Done():
		logrus.Debugf("%s: calibration settle wait cancelled", w.name)
		return
	case <-settle.C:
	}

	if err := measured(w.runCtx); err != nil {
		logrus.Errorf("%s: calibration measured move failed: %s", w.name, err)
		w.abortPrep(seq)
		return
	}

	w.mu.Lock()
	if w.phase != PhaseMoving || w.prepSeq != seq {
		w.mu.Unlock()
		return
	}
	w.startedAt = time.Now()
	w.phase = PhaseAwaitStop
	w.mu.Unlock()

	logrus.Infof("%s: calibration %s run started, confirm when fully travelled", w.name, dir)
	w.notify()
}

// abortPrep stops the motor and returns the run to the instructions phase
// after a failed preparation step.
func (w *Wizard) abortPrep(seq int) {
	if err := w.commander.Stop(context.Background()); err != nil {
		logrus.Errorf("%s: calibration stop failed: %s", w.name, err)
	}

	w.mu.Lock()
	if w.phase != PhaseMoving || w.prepSeq != seq {
		w.mu.Unlock()
		return
	}
	w.phase = PhaseInstructions
	w.mu.Unlock()

	w.notify()
}

func (w *Wizard) confirmStop(ctx context.Context) error {
	if err := w.commander.Stop(ctx); err != nil {
		return errors.Wrapf(err, "%s: calibration stop command failed", w.name)
	}

	w.mu.Lock()
	dir := w.current
	measured := time.Since(w.startedAt).Seconds()

	if measured < w.measuredMin || measured > w.measuredMax {
		w.phase = PhaseInstructions
		w.mu.Unlock()

		w.notify()
		return errors.Errorf(
			"%s: measured %s travel of %.1fs is outside the plausible %.0f-%.0fs range, please retry",
			w.name, dir, measured, w.measuredMin, w.measuredMax,
		)
	}

	w.results[dir] = measured
	logrus.Infof("%s: measured %s travel time %.1fs", w.name, dir, measured)

	if len(w.results) < w.choice.directions() {
		w.current = dir.Opposite()
		w.phase = PhaseMoving
		w.prepSeq++
		seq := w.prepSeq
		next := w.current
		w.mu.Unlock()

		w.notify()
		go w.prepare(next, seq)
		return nil
	}

	w.phase = PhaseComplete
	w.mu.Unlock()

	w.notify()
	return nil
}

func (w *Wizard) save() error {
	w.mu.Lock()
	results := make(map[cover.Direction]float64, len(w.results))
	for dir, seconds := range w.results {
		results[dir] = seconds
	}
	w.mu.Unlock()

	if len(results) == 0 {
		return errors.Errorf("%s: nothing measured, nothing to save", w.name)
	}

	for dir, seconds := range results {
		if err := w.store.Put(directionKey(w.coverID, dir), seconds); err != nil {
			return errors.Wrapf(err, "%s: calibration save failed", w.name)
		}
	}
	calibrationSavesTotal.WithLabelValues(w.coverID).Inc()
	logrus.Infof("%s: calibration saved (%d direction(s))", w.name, len(results))

	w.mu.Lock()
	w.phase = PhaseDone
	w.mu.Unlock()

	w.notify()
	return nil
}

func (w *Wizard) recalibrate() error {
	w.mu.Lock()
	w.results = map[cover.Direction]float64{}
	w.phase = PhaseSelectDirection
	w.mu.Unlock()

	w.notify()
	return nil
}

func (w *Wizard) discard() error {
	logrus.Infof("%s: calibration discarded", w.name)

	w.mu.Lock()
	w.phase = PhaseDone
	w.mu.Unlock()

	w.cancelRun()
	w.notify()
	return nil
}

// cancel abandons the run. Leaving a moving phase always stops the motor,
// so the cover is never left travelling unattended.
func (w *Wizard) cancel(ctx context.Context, phase Phase) error {
	logrus.Infof("%s: calibration cancelled in phase %s", w.name, phase)

	w.cancelRun()

	if phase == PhaseMoving || phase == PhaseAwaitStop {
		if err := w.commander.Stop(ctx); err != nil {
			logrus.Errorf("%s: calibration stop failed: %s", w.name, err)
		}
	}

	w.mu.Lock()
	w.phase = PhaseDone
	w.mu.Unlock()

	w.notify()
	return nil
}
