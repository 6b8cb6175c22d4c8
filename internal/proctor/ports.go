package proctor

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Authority is the trust authority (judge backend) the session reports to.
// Every call may block on the network.
type Authority interface {
	GetExamStatus(ctx context.Context, contestID uuid.UUID) (StatusSnapshot, error)
	RecordViolation(ctx context.Context, contestID uuid.UUID, ev ViolationEvent) (Verdict, error)
	StartExam(ctx context.Context, contestID uuid.UUID) error
	EndExam(ctx context.Context, contestID uuid.UUID) error
}

// SignalKind names a browser-level signal.
type SignalKind string

const (
	SignalVisibilityHidden SignalKind = "visibility:hidden"
	SignalWindowBlur       SignalKind = "window:blur"
	SignalWindowFocus      SignalKind = "window:focus"
	SignalFullscreenExit   SignalKind = "fullscreen:exit"
	SignalFullscreenEnter  SignalKind = "fullscreen:enter"

	SignalPointerDown SignalKind = "pointerdown"
	SignalMouseDown   SignalKind = "mousedown"
	SignalKeyDown     SignalKind = "keydown"
	SignalTouchStart  SignalKind = "touchstart"
	SignalFocusIn     SignalKind = "focusin"
	SignalInput       SignalKind = "input"
	SignalClick       SignalKind = "click"
)

// InteractionSignals are the signal kinds counted as genuine user interaction.
var InteractionSignals = []SignalKind{
	SignalPointerDown,
	SignalMouseDown,
	SignalKeyDown,
	SignalTouchStart,
	SignalFocusIn,
	SignalInput,
	SignalClick,
}

// Phase orders handlers of the same signal: every capture handler runs
// before any bubble handler.
type Phase int

const (
	PhaseCapture Phase = iota
	PhaseBubble
)

// SignalSource delivers browser signals. The returned function removes the
// subscription and must be safe to call more than once.
type SignalSource interface {
	Subscribe(kind SignalKind, phase Phase, handler func()) (unsubscribe func())
}

// Screen is the presentation surface. IsFullscreen and HasFocus are plain
// queries and must not call back into the session.
type Screen interface {
	IsFullscreen() bool
	HasFocus() bool
	EnterFullscreen() error
	ExitFullscreen() error
}

// Scheduler abstracts time so timers can run on virtual time in tests.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

type clockScheduler struct {
	clock clock.Clock
}

// NewScheduler returns a Scheduler backed by c, or by the wall clock when c is nil.
func NewScheduler(c clock.Clock) Scheduler {
	if c == nil {
		c = clock.New()
	}
	return clockScheduler{clock: c}
}

func (s clockScheduler) Now() time.Time { return s.clock.Now() }

func (s clockScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := s.clock.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Timing holds the tunable delays of the monitor.
type Timing struct {
	// GracePeriod suppresses detection after monitoring activates.
	GracePeriod time.Duration
	GraceTick   time.Duration
	// InteractionDebounce discards a blur this close to a recorded interaction.
	InteractionDebounce time.Duration
	// BlurSettleDelay is how long a blur waits before focus is re-checked.
	BlurSettleDelay time.Duration
	// ReloadCheckDelay is the delay of the once-per-mount fullscreen check.
	ReloadCheckDelay time.Duration
	UnlockTick       time.Duration
	// PollInterval refreshes status periodically; zero disables polling.
	PollInterval time.Duration
	CallTimeout  time.Duration
}

// DefaultTiming returns the stock delays.
func DefaultTiming() Timing {
	return Timing{
		GracePeriod:         3 * time.Second,
		GraceTick:           time.Second,
		InteractionDebounce: 200 * time.Millisecond,
		BlurSettleDelay:     50 * time.Millisecond,
		ReloadCheckDelay:    time.Second,
		UnlockTick:          time.Second,
		CallTimeout:         10 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.GracePeriod < 0 {
		t.GracePeriod = 0
	}
	if t.GraceTick <= 0 {
		t.GraceTick = d.GraceTick
	}
	if t.InteractionDebounce < 0 {
		t.InteractionDebounce = 0
	}
	if t.BlurSettleDelay <= 0 {
		t.BlurSettleDelay = d.BlurSettleDelay
	}
	if t.ReloadCheckDelay <= 0 {
		t.ReloadCheckDelay = d.ReloadCheckDelay
	}
	if t.UnlockTick <= 0 {
		t.UnlockTick = d.UnlockTick
	}
	if t.CallTimeout <= 0 {
		t.CallTimeout = d.CallTimeout
	}
	return t
}
