package proctor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyMounted = errors.New("exam-mode session already mounted")
	ErrNotMounted     = errors.New("exam-mode session not mounted")
	ErrReportPending  = errors.New("violation report still pending")
)

// Config wires a Session to its collaborators.
type Config struct {
	ContestID       uuid.UUID
	Role            Role
	ExamModeEnabled bool

	Authority Authority
	Signals   SignalSource
	Screen    Screen
	// Scheduler defaults to the wall clock.
	Scheduler Scheduler
	// Timing defaults to DefaultTiming when left zero.
	Timing Timing
	Logger zerolog.Logger

	// OnChange receives the latest view after every change. It may be called
	// from any goroutine but never concurrently, and must not call back into
	// the session synchronously.
	OnChange func(View)
	// Go runs background work (violation reports, timer-driven refreshes).
	// Defaults to a new goroutine.
	Go func(func())
}

// effect is a side effect collected under the session lock and run after it
// is released.
type effect func()

// Session is the exam-mode controller for one candidate on one contest. All
// handlers serialize on mu; side effects run outside it.
type Session struct {
	cfg    Config
	timing Timing
	sched  Scheduler
	log    zerolog.Logger
	spawn  func(func())

	grace      *GraceController
	unlock     *UnlockTimer
	tracker    *InteractionTracker
	detector   *Detector
	fullscreen *FullscreenEnforcer

	mu      sync.Mutex
	mounted bool
	// epoch counts mounts. Work started under one mount is dropped once it
	// no longer matches.
	epoch   uint64

	machine       *Machine
	processing    bool
	refreshing    bool
	warning       WarningModal
	unlockNotice  bool
	exitConfirm   ExitConfirm
	lastErr       string
	reloadChecked bool
	detach        []func()
	reloadCancel  func()
	pollCancel    func()

	notifyMu sync.Mutex
	lastView *View
}

// NewSession builds an unmounted session.
func NewSession(cfg Config) *Session {
	if cfg.Timing == (Timing{}) {
		cfg.Timing = DefaultTiming()
	}
	timing := cfg.Timing.withDefaults()

	sched := cfg.Scheduler
	if sched == nil {
		sched = NewScheduler(nil)
	}
	spawn := cfg.Go
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}

	log := cfg.Logger.With().
		Str("component", "exam_mode").
		Str("contest_id", cfg.ContestID.String()).
		Str("role", string(cfg.Role)).
		Logger()

	s := &Session{
		cfg:     cfg,
		timing:  timing,
		sched:   sched,
		log:     log,
		spawn:   spawn,
		machine: NewMachine(log),
	}
	s.grace = NewGraceController(sched, timing.GracePeriod, timing.GraceTick, s.onGraceTick)
	s.unlock = NewUnlockTimer(sched, timing.UnlockTick, s.onUnlockTick, s.onUnlockExpired)
	s.tracker = NewInteractionTracker(sched)
	s.detector = NewDetector(sched, cfg.Screen, s.tracker, timing, s, log)
	s.fullscreen = NewFullscreenEnforcer(cfg.Screen, log)
	return s
}

// ─── Lifecycle ─────────────────────────────────────────────────────────────

// Mount attaches listeners, fetches the initial status and schedules the
// one-time reload check. Privileged roles and contests without exam mode get
// status tracking only.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return ErrAlreadyMounted
	}
	s.mounted = true
	s.epoch++
	s.machine = NewMachine(s.log)
	s.processing = false
	s.warning = WarningModal{}
	s.unlockNotice = false
	s.exitConfirm = ExitConfirm{}
	s.lastErr = ""
	s.reloadChecked = false
	enforce := s.enforcing()
	s.mu.Unlock()

	if enforce {
		src := s.cfg.Signals
		detach := []func(){
			s.tracker.Attach(src),
			s.detector.Attach(src),
			src.Subscribe(SignalFullscreenExit, PhaseBubble, s.guard("fullscreen exit", s.onFullscreenExit)),
		}
		s.mu.Lock()
		s.detach = detach
		s.mu.Unlock()
	}

	err := s.Refresh(ctx)

	s.mu.Lock()
	if s.mounted {
		if enforce && !s.reloadChecked {
			s.reloadCancel = s.sched.AfterFunc(s.timing.ReloadCheckDelay, s.guard("reload check", s.reloadCheck))
		}
		s.schedulePollLocked()
	}
	s.mu.Unlock()

	s.log.Debug().Bool("enforcing", enforce).Msg("Exam mode mounted")
	return err
}

// Unmount removes every listener and cancels every pending timer.
func (s *Session) Unmount() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	detach := s.detach
	s.detach = nil
	s.cancelTimersLocked()
	s.mu.Unlock()

	for _, d := range detach {
		d()
	}
	s.log.Debug().Msg("Exam mode unmounted")
}

// View returns the current presentation state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// ─── Authority-driven transitions ──────────────────────────────────────────

// Refresh fetches the authoritative status and applies it.
func (s *Session) Refresh(ctx context.Context) error {
	snap, err := s.cfg.Authority.GetExamStatus(ctx, s.cfg.ContestID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Exam status refresh failed")
		s.update(func() []effect {
			s.lastErr = MsgRefreshFailed
			return nil
		})
		return fmt.Errorf("refresh exam status: %w", err)
	}
	if !s.update(func() []effect { return s.applySnapshotLocked(snap) }) {
		return ErrNotMounted
	}
	return nil
}

// Start asks the authority to start (or resume) the exam, then refreshes.
func (s *Session) Start(ctx context.Context) error {
	if err := s.cfg.Authority.StartExam(ctx, s.cfg.ContestID); err != nil {
		s.log.Error().Err(err).Msg("Start exam request failed")
		s.update(func() []effect {
			s.lastErr = MsgStartFailed
			return nil
		})
		return fmt.Errorf("start exam: %w", err)
	}
	return s.Refresh(ctx)
}

func (s *Session) applySnapshotLocked(snap StatusSnapshot) []effect {
	t := s.machine.Apply(snap)
	st := s.machine.State()
	s.lastErr = ""

	if !s.enforcing() {
		return nil
	}

	var fx []effect
	if t.Activated {
		s.grace.Start()
		s.log.Info().Int("countdown", s.grace.Steps()).Msg("Exam monitoring activated, grace period started")
		fx = append(fx, func() { s.fullscreen.Enter("grace period started") })
	}
	if t.Deactivated {
		s.grace.Stop()
	}
	if t.Unlocked {
		s.unlockNotice = true
		s.log.Info().Msg("Exam unlocked by authority")
	}

	if st.IsLocked() && st.AutoUnlockAt != nil {
		s.unlock.Start(*st.AutoUnlockAt)
	} else {
		s.unlock.Stop()
	}

	if !st.Status.FullscreenBound() {
		s.exitConfirm = ExitConfirm{}
	}
	if st.Status.Held() {
		status := st.Status
		fx = append(fx, func() { s.fullscreen.Hold(status) })
	}

	if t.Submitted {
		s.grace.Stop()
		s.unlock.Stop()
		s.unlockNotice = false
		s.cancelTimersLocked()
		detach := s.detach
		s.detach = nil
		s.log.Info().Msg("Exam submitted, monitoring stopped")
		fx = append(fx, s.fullscreen.Exit, func() {
			for _, d := range detach {
				d()
			}
		})
	}
	return fx
}

// ─── Violation reporting ───────────────────────────────────────────────────

func (s *Session) armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armedLocked()
}

func (s *Session) armedLocked() bool {
	return s.mounted &&
		s.enforcing() &&
		s.machine.State().IsActive() &&
		s.grace.Remaining() == 0 &&
		!s.processing &&
		!s.unlockNotice
}

// fire starts the single-flight report. The processing check and set happen
// under one lock, so a second event in the same tick is dropped.
func (s *Session) fire(ev ViolationEvent) bool {
	accepted := false
	s.update(func() []effect {
		if !s.armedLocked() {
			return nil
		}
		s.processing = true
		s.warning = WarningModal{Open: true, Pending: true, Event: ev}
		accepted = true
		epoch := s.epoch
		return []effect{func() { s.spawn(func() { s.report(epoch, ev) }) }}
	})
	if accepted {
		s.log.Info().
			Str("event_type", string(ev.Kind)).
			Str("reason", ev.Reason).
			Msg("Violation detected")
	}
	return accepted
}

func (s *Session) report(epoch uint64, ev ViolationEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Recovered panic while reporting violation")
			s.updateEpoch(epoch, s.failReportLocked)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timing.CallTimeout)
	defer cancel()

	verdict, err := s.cfg.Authority.RecordViolation(ctx, s.cfg.ContestID, ev)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", string(ev.Kind)).Msg("Violation report failed")
		s.updateEpoch(epoch, s.failReportLocked)
		return
	}

	s.log.Info().
		Str("event_type", string(ev.Kind)).
		Int("violation_count", verdict.ViolationCount).
		Int("max_warnings", verdict.MaxWarnings).
		Bool("locked", verdict.Locked).
		Bool("bypass", verdict.Bypass).
		Msg("Violation verdict received")

	applied := s.updateEpoch(epoch, func() []effect {
		if verdict.Bypass {
			s.warning = WarningModal{}
			s.processing = false
			return nil
		}
		s.warning.Pending = false
		s.warning.Verdict = &verdict
		s.machine.ApplyVerdict(verdict)
		return nil
	})
	if !applied {
		s.log.Debug().Str("event_type", string(ev.Kind)).Msg("Dropping verdict from a previous mount")
	}
}

func (s *Session) failReportLocked() []effect {
	s.warning.Pending = false
	s.warning.Failed = true
	s.warning.Verdict = nil
	s.lastErr = MsgReportFailed
	return nil
}

// AcknowledgeWarning closes the warning modal once the report has resolved.
// A locking verdict is never applied locally: the lock screen renders from a
// fresh authority status.
func (s *Session) AcknowledgeWarning(ctx context.Context) error {
	var closed, locked, pending bool
	var epoch uint64
	mounted := s.update(func() []effect {
		epoch = s.epoch
		if !s.warning.Open {
			return nil
		}
		if s.warning.Pending {
			pending = true
			return nil
		}
		closed = true
		locked = s.warning.Locked()
		s.warning = WarningModal{}
		if !locked {
			s.processing = false
		}
		return nil
	})
	switch {
	case !mounted:
		return ErrNotMounted
	case pending:
		return ErrReportPending
	case !closed:
		return nil
	}

	s.resumeFullscreen("warning acknowledged")
	if !locked {
		return nil
	}

	err := s.Refresh(ctx)
	s.updateEpoch(epoch, func() []effect {
		s.processing = false
		return nil
	})
	return err
}

// ─── Fullscreen enforcement ────────────────────────────────────────────────

func (s *Session) onFullscreenExit() {
	s.update(func() []effect {
		if !s.enforcing() || !s.fullscreen.PromptOnExit(s.machine.State().Status) {
			return nil
		}
		s.exitConfirm = ExitConfirm{Open: true}
		return nil
	})
}

func (s *Session) reloadCheck() {
	s.update(func() []effect {
		s.reloadCancel = nil
		if s.reloadChecked {
			return nil
		}
		s.reloadChecked = true
		status := s.machine.State().Status
		if !status.FullscreenBound() || s.cfg.Screen.IsFullscreen() || s.fullscreen.Submitting() {
			return nil
		}
		s.log.Info().Str("status", string(status)).Msg("Mounted outside fullscreen mid-exam")
		s.exitConfirm = ExitConfirm{Open: true}
		return nil
	})
}

// ConfirmExit submits the exam after the candidate left fullscreen. Only once
// the authority reports submitted may fullscreen stay exited.
func (s *Session) ConfirmExit(ctx context.Context) error {
	started := false
	s.update(func() []effect {
		if !s.exitConfirm.Open || s.exitConfirm.Submitting {
			return nil
		}
		s.exitConfirm = ExitConfirm{Open: true, Submitting: true}
		started = true
		return nil
	})
	if !started {
		return nil
	}

	s.fullscreen.BeginSubmit()
	defer s.fullscreen.EndSubmit()

	if err := s.cfg.Authority.EndExam(ctx, s.cfg.ContestID); err != nil {
		s.log.Error().Err(err).Msg("Submit exam request failed")
		s.update(func() []effect {
			if s.exitConfirm.Open {
				s.exitConfirm = ExitConfirm{Open: true, Failed: true}
			}
			s.lastErr = MsgSubmitFailed
			return nil
		})
		return fmt.Errorf("end exam: %w", err)
	}

	err := s.Refresh(ctx)
	s.update(func() []effect {
		s.exitConfirm.Submitting = false
		return nil
	})
	return err
}

// CancelExit closes the exit confirmation and re-enters fullscreen.
func (s *Session) CancelExit() {
	cancelled := false
	s.update(func() []effect {
		if !s.exitConfirm.Open || s.exitConfirm.Submitting {
			return nil
		}
		s.exitConfirm = ExitConfirm{}
		cancelled = true
		return nil
	})
	if cancelled {
		s.fullscreen.Enter("exit cancelled")
	}
}

// AcknowledgeUnlock closes the unlock notice and re-enters fullscreen.
func (s *Session) AcknowledgeUnlock() {
	acked := false
	s.update(func() []effect {
		if !s.unlockNotice {
			return nil
		}
		s.unlockNotice = false
		acked = true
		return nil
	})
	if acked {
		s.resumeFullscreen("unlock acknowledged")
	}
}

func (s *Session) resumeFullscreen(trigger string) {
	if !s.enforcing() {
		return
	}
	if !s.fullscreen.Enter(trigger) {
		return
	}
	s.update(func() []effect {
		if s.exitConfirm.Open && !s.exitConfirm.Submitting {
			s.exitConfirm = ExitConfirm{}
		}
		return nil
	})
}

// ─── Timers ────────────────────────────────────────────────────────────────

func (s *Session) onGraceTick(remaining int) {
	if remaining == 0 {
		s.log.Info().Msg("Grace period over, violation detection armed")
	}
	s.notify()
}

func (s *Session) onUnlockTick(time.Duration) {
	s.notify()
}

func (s *Session) onUnlockExpired() {
	s.spawn(s.refreshInBackground)
}

func (s *Session) refreshInBackground() {
	defer s.recover("background refresh")

	s.mu.Lock()
	if !s.mounted || s.refreshing {
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timing.CallTimeout)
	defer cancel()
	_ = s.Refresh(ctx)
}

func (s *Session) schedulePollLocked() {
	if s.timing.PollInterval <= 0 || s.pollCancel != nil {
		return
	}
	if s.machine.State().Status == StatusSubmitted {
		return
	}
	s.pollCancel = s.sched.AfterFunc(s.timing.PollInterval, s.poll)
}

func (s *Session) poll() {
	s.mu.Lock()
	s.pollCancel = nil
	s.mu.Unlock()

	s.refreshInBackground()

	s.mu.Lock()
	if s.mounted {
		s.schedulePollLocked()
	}
	s.mu.Unlock()
}

func (s *Session) cancelTimersLocked() {
	if s.reloadCancel != nil {
		s.reloadCancel()
		s.reloadCancel = nil
	}
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	s.grace.Stop()
	s.unlock.Stop()
}

// ─── Plumbing ──────────────────────────────────────────────────────────────

func (s *Session) enforcing() bool {
	return s.cfg.ExamModeEnabled && !s.cfg.Role.Privileged()
}

// update runs fn under the lock, then its effects, then notifies. It reports
// false without running fn when the session is not mounted.
func (s *Session) update(fn func() []effect) bool {
	fx, ok := s.locked(fn)
	if !ok {
		return false
	}
	for _, f := range fx {
		s.run(f)
	}
	s.notify()
	return true
}

// updateEpoch is update restricted to the mount identified by epoch.
func (s *Session) updateEpoch(epoch uint64, fn func() []effect) bool {
	current := false
	s.update(func() []effect {
		if s.epoch != epoch {
			return nil
		}
		current = true
		return fn()
	})
	return current
}

func (s *Session) locked(fn func() []effect) ([]effect, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted {
		return nil, false
	}
	return fn(), true
}

func (s *Session) run(f effect) {
	defer s.recover("effect")
	f()
}

func (s *Session) notify() {
	if s.cfg.OnChange == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	defer s.recover("view listener")

	v := s.View()
	if s.lastView != nil && reflect.DeepEqual(*s.lastView, v) {
		return
	}
	s.lastView = &v
	s.cfg.OnChange(v)
}

func (s *Session) viewLocked() View {
	st := s.machine.State()
	v := View{
		State:        st,
		Armed:        s.armedLocked(),
		Warning:      s.warning,
		UnlockNotice: s.unlockNotice,
		ExitConfirm:  s.exitConfirm,
		LastError:    s.lastErr,
	}
	if v.Warning.Verdict != nil {
		verdict := *v.Warning.Verdict
		v.Warning.Verdict = &verdict
	}
	if s.enforcing() && st.IsActive() {
		v.Countdown = s.grace.Remaining()
	}
	if st.IsLocked() {
		v.LockScreen = &LockScreen{
			Reason:     st.LockReason,
			AutoUnlock: st.AutoUnlockAt != nil,
			Remaining:  s.unlock.Remaining(),
		}
	}
	return v
}

func (s *Session) guard(name string, fn func()) func() {
	return func() {
		defer s.recover(name)
		fn()
	}
}

func (s *Session) recover(op string) {
	if r := recover(); r != nil {
		s.log.Error().Interface("panic", r).Str("op", op).Msg("Recovered panic in exam-mode handler")
	}
}
