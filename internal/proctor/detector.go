package proctor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// InteractionTracker remembers when the candidate last interacted with the
// page, so that a blur caused by that interaction can be told apart from the
// candidate leaving the window.
type InteractionTracker struct {
	sched Scheduler
	// last is the UnixNano of the latest interaction, zero if none yet.
	last atomic.Int64
}

// NewInteractionTracker creates a tracker with no recorded interaction.
func NewInteractionTracker(sched Scheduler) *InteractionTracker {
	return &InteractionTracker{sched: sched}
}

// Attach listens to every interaction signal in the capture phase. The
// returned function removes all listeners.
func (t *InteractionTracker) Attach(src SignalSource) (detach func()) {
	unsubs := make([]func(), 0, len(InteractionSignals))
	for _, kind := range InteractionSignals {
		unsubs = append(unsubs, src.Subscribe(kind, PhaseCapture, t.Record))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Record stamps an interaction at the scheduler's current time.
func (t *InteractionTracker) Record() {
	t.last.Store(t.sched.Now().UnixNano())
}

// Since returns the time since the last interaction; ok is false if none.
func (t *InteractionTracker) Since() (d time.Duration, ok bool) {
	last := t.last.Load()
	if last == 0 {
		return 0, false
	}
	return t.sched.Now().Sub(time.Unix(0, last)), true
}

// Recent reports whether an interaction happened less than window ago.
func (t *InteractionTracker) Recent(window time.Duration) bool {
	d, ok := t.Since()
	return ok && d < window
}

// gate is what the detector fires into. armed is a cheap pre-check; fire
// re-checks atomically and reports whether the event was accepted.
type gate interface {
	armed() bool
	fire(ev ViolationEvent) bool
}

// Detector turns raw page-hidden, blur and fullscreen-exit signals into
// qualifying violation events.
type Detector struct {
	sched   Scheduler
	screen  Screen
	tracker *InteractionTracker
	timing  Timing
	gate    gate
	log     zerolog.Logger

	mu           sync.Mutex
	settleGen    uint64
	settleCancel func()
}

// NewDetector wires a detector to the gate it fires into.
func NewDetector(sched Scheduler, screen Screen, tracker *InteractionTracker, timing Timing, g gate, log zerolog.Logger) *Detector {
	return &Detector{
		sched:   sched,
		screen:  screen,
		tracker: tracker,
		timing:  timing,
		gate:    g,
		log:     log,
	}
}

// Attach subscribes to the three violation signals in the bubble phase.
// The returned function removes them and cancels a pending focus re-check.
func (d *Detector) Attach(src SignalSource) (detach func()) {
	unsubs := []func(){
		src.Subscribe(SignalVisibilityHidden, PhaseBubble, d.onHidden),
		src.Subscribe(SignalWindowBlur, PhaseBubble, d.onBlur),
		src.Subscribe(SignalFullscreenExit, PhaseBubble, d.onFullscreenExit),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
		d.cancelSettle()
	}
}

func (d *Detector) onHidden() {
	defer d.recover("visibility")
	if !d.gate.armed() {
		return
	}
	d.gate.fire(ViolationEvent{Kind: ViolationTabHidden, Reason: "exam page was hidden"})
}

func (d *Detector) onFullscreenExit() {
	defer d.recover("fullscreen")
	if !d.gate.armed() {
		return
	}
	d.gate.fire(ViolationEvent{Kind: ViolationExitFullscreen, Reason: "left fullscreen mode"})
}

func (d *Detector) onBlur() {
	defer d.recover("blur")
	if !d.gate.armed() {
		return
	}
	if d.tracker.Recent(d.timing.InteractionDebounce) {
		d.log.Debug().Msg("Blur discarded: follows user interaction")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settleCancel != nil {
		return
	}
	d.settleGen++
	gen := d.settleGen
	d.settleCancel = d.sched.AfterFunc(d.timing.BlurSettleDelay, func() { d.settle(gen) })
}

// settle re-checks focus once the blur has had time to resolve.
func (d *Detector) settle(gen uint64) {
	defer d.recover("blur settle")

	d.mu.Lock()
	if gen != d.settleGen || d.settleCancel == nil {
		d.mu.Unlock()
		return
	}
	d.settleCancel = nil
	d.mu.Unlock()

	if d.screen.HasFocus() {
		d.log.Debug().Msg("Blur discarded: focus returned")
		return
	}
	d.gate.fire(ViolationEvent{Kind: ViolationWindowBlur, Reason: "exam window lost focus"})
}

func (d *Detector) cancelSettle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settleGen++
	if d.settleCancel != nil {
		d.settleCancel()
		d.settleCancel = nil
	}
}

func (d *Detector) recover(signal string) {
	if r := recover(); r != nil {
		d.log.Error().Interface("panic", r).Str("signal", signal).Msg("Recovered panic in violation detector")
	}
}
