package proctor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/browser"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// virtualClock is a deterministic proctor.Scheduler. Callbacks only run inside
// Advance, on the caller's goroutine, in deadline order.
type virtualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*virtualTimer
}

type virtualTimer struct {
	at        time.Time
	seq       uint64
	fn        func()
	cancelled bool
}

func newVirtualClock() *virtualClock {
	return &virtualClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) AfterFunc(d time.Duration, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &virtualTimer{at: c.now.Add(d), seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)
	return func() {
		c.mu.Lock()
		t.cancelled = true
		c.mu.Unlock()
	}
}

func (c *virtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		idx := -1
		live := c.timers[:0]
		for _, t := range c.timers {
			if !t.cancelled {
				live = append(live, t)
			}
		}
		c.timers = live
		for i, t := range c.timers {
			if t.at.After(target) {
				continue
			}
			if idx < 0 || t.at.Before(c.timers[idx].at) || (t.at.Equal(c.timers[idx].at) && t.seq < c.timers[idx].seq) {
				idx = i
			}
		}
		if idx < 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		t := c.timers[idx]
		c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
		if t.at.After(c.now) {
			c.now = t.at
		}
		c.mu.Unlock()
		t.fn()
	}
}

// Pending counts timers that are scheduled and not cancelled.
func (c *virtualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// fakeAuthority applies a minimal lock policy: a violation past maxWarnings
// locks the exam, optionally scheduling an automatic unlock.
type fakeAuthority struct {
	mu          sync.Mutex
	now         func() time.Time
	snap        proctor.StatusSnapshot
	autoUnlock  time.Duration
	bypass      bool
	violations  []proctor.ViolationEvent
	statusCalls int
	reports     int
	hold        chan struct{}
	// holds gates reports one call at a time, in order, ahead of hold.
	holds       []chan struct{}

	statusErr    error
	violationErr error
	startErr     error
	endErr       error
}

func newFakeAuthority(now func() time.Time, status proctor.ExamStatus) *fakeAuthority {
	return &fakeAuthority{
		now:  now,
		snap: proctor.StatusSnapshot{Status: status, MaxWarnings: 3},
	}
}

func (a *fakeAuthority) set(fn func(*proctor.StatusSnapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.snap)
}

func (a *fakeAuthority) GetExamStatus(context.Context, uuid.UUID) (proctor.StatusSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusCalls++
	if a.statusErr != nil {
		return proctor.StatusSnapshot{}, a.statusErr
	}
	if a.snap.Status == proctor.StatusLocked && a.snap.AutoUnlockAt != nil && !a.now().Before(*a.snap.AutoUnlockAt) {
		a.snap.Status = proctor.StatusPaused
		a.snap.LockReason = ""
		a.snap.AutoUnlockAt = nil
	}
	return a.snap, nil
}

func (a *fakeAuthority) RecordViolation(ctx context.Context, _ uuid.UUID, ev proctor.ViolationEvent) (proctor.Verdict, error) {
	a.mu.Lock()
	a.reports++
	hold := a.hold
	if len(a.holds) > 0 {
		hold = a.holds[0]
		a.holds = a.holds[1:]
	}
	a.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return proctor.Verdict{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.violations = append(a.violations, ev)
	if a.violationErr != nil {
		return proctor.Verdict{}, a.violationErr
	}
	if a.bypass {
		return proctor.Verdict{ViolationCount: a.snap.ViolationCount, MaxWarnings: a.snap.MaxWarnings, Bypass: true}, nil
	}
	a.snap.ViolationCount++
	v := proctor.Verdict{ViolationCount: a.snap.ViolationCount, MaxWarnings: a.snap.MaxWarnings}
	if a.snap.ViolationCount > a.snap.MaxWarnings {
		a.snap.Status = proctor.StatusLocked
		a.snap.LockReason = "Too many violations"
		if a.autoUnlock > 0 {
			at := a.now().Add(a.autoUnlock)
			a.snap.AutoUnlockAt = &at
			v.AutoUnlockAt = &at
		}
		v.Locked = true
	}
	return v, nil
}

func (a *fakeAuthority) StartExam(context.Context, uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	if a.snap.Status != proctor.StatusNotStarted && a.snap.Status != proctor.StatusPaused {
		return errors.New("invalid transition")
	}
	a.snap.Status = proctor.StatusInProgress
	return nil
}

func (a *fakeAuthority) EndExam(context.Context, uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.endErr != nil {
		return a.endErr
	}
	a.snap.Status = proctor.StatusSubmitted
	return nil
}

func (a *fakeAuthority) violationCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.violations)
}

// reportsStarted counts RecordViolation calls, including ones still held.
func (a *fakeAuthority) reportsStarted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reports
}

func (a *fakeAuthority) kinds() []proctor.ViolationKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]proctor.ViolationKind, len(a.violations))
	for i, v := range a.violations {
		out[i] = v.Kind
	}
	return out
}

type harness struct {
	clock   *virtualClock
	emitter *browser.Emitter
	screen  *browser.VirtualScreen
	auth    *fakeAuthority
	session *proctor.Session

	mu    sync.Mutex
	views []proctor.View
}

type harnessOption func(*proctor.Config)

func withRole(r proctor.Role) harnessOption {
	return func(c *proctor.Config) { c.Role = r }
}

func withAsyncReports() harnessOption {
	return func(c *proctor.Config) { c.Go = nil }
}

func withPoll(d time.Duration) harnessOption {
	return func(c *proctor.Config) { c.Timing.PollInterval = d }
}

// newHarness builds an unmounted session on virtual time. Background work runs
// synchronously unless withAsyncReports is given.
func newHarness(t *testing.T, status proctor.ExamStatus, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{clock: newVirtualClock(), emitter: browser.NewEmitter()}
	h.screen = browser.NewVirtualScreen(h.emitter)
	h.auth = newFakeAuthority(h.clock.Now, status)

	cfg := proctor.Config{
		ContestID:       uuid.New(),
		Role:            proctor.RoleCandidate,
		ExamModeEnabled: true,
		Authority:       h.auth,
		Signals:         h.emitter,
		Screen:          h.screen,
		Scheduler:       h.clock,
		Timing:          proctor.DefaultTiming(),
		Logger:          zerolog.Nop(),
		Go:              func(fn func()) { fn() },
		OnChange: func(v proctor.View) {
			h.mu.Lock()
			h.views = append(h.views, v)
			h.mu.Unlock()
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.session = proctor.NewSession(cfg)
	t.Cleanup(h.session.Unmount)
	return h
}

func (h *harness) mount(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Mount(context.Background()))
}

// armed mounts (if needed), starts the exam and waits out the grace period.
func (h *harness) startAndArm(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Start(context.Background()))
	h.clock.Advance(3 * time.Second)
	require.True(t, h.session.View().Armed)
}

func (h *harness) view() proctor.View {
	return h.session.View()
}

func (h *harness) notified() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.views)
}
