package proctor

import (
	"sync"
	"time"
)

// GraceController runs the countdown that suppresses detection right after
// monitoring activates. Start always resets to the full countdown.
type GraceController struct {
	sched  Scheduler
	period time.Duration
	tick   time.Duration
	// onTick is called outside the controller's lock after every decrement.
	onTick func(remaining int)

	mu        sync.Mutex
	remaining int
	gen       uint64
	cancel    func()
}

// NewGraceController creates a stopped controller.
func NewGraceController(sched Scheduler, period, tick time.Duration, onTick func(remaining int)) *GraceController {
	return &GraceController{
		sched:  sched,
		period: period,
		tick:   tick,
		onTick: onTick,
	}
}

// Steps is the countdown value shown when the grace period starts.
func (g *GraceController) Steps() int {
	if g.period <= 0 {
		return 0
	}
	n := int(g.period / g.tick)
	if g.period%g.tick != 0 {
		n++
	}
	return n
}

// Start (re)starts the countdown. It does not invoke onTick.
func (g *GraceController) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopLocked()
	g.remaining = g.Steps()
	if g.remaining > 0 {
		gen := g.gen
		g.cancel = g.sched.AfterFunc(g.tick, func() { g.advance(gen) })
	}
}

// Stop cancels the countdown and clears it.
func (g *GraceController) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked()
	g.remaining = 0
}

// Remaining returns the current countdown value; zero means detection may arm.
func (g *GraceController) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining
}

func (g *GraceController) stopLocked() {
	g.gen++
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

func (g *GraceController) advance(gen uint64) {
	g.mu.Lock()
	if gen != g.gen || g.remaining == 0 {
		g.mu.Unlock()
		return
	}
	g.remaining--
	remaining := g.remaining
	if remaining > 0 {
		g.cancel = g.sched.AfterFunc(g.tick, func() { g.advance(gen) })
	} else {
		g.cancel = nil
	}
	g.mu.Unlock()

	if g.onTick != nil {
		g.onTick(remaining)
	}
}

// UnlockTimer counts down to a server-scheduled automatic unlock. It only
// informs: the unlock itself happens on the authority.
type UnlockTimer struct {
	sched Scheduler
	tick  time.Duration
	// onTick receives the remaining time after every tick.
	onTick func(remaining time.Duration)
	// onExpire asks for a status refresh; it is repeated every expiryRetry
	// ticks for as long as the timer keeps running past the deadline.
	onExpire func()

	mu       sync.Mutex
	deadline time.Time
	running  bool
	overdue  int
	gen      uint64
	cancel   func()
}

const expiryRetry = 5

// NewUnlockTimer creates a stopped timer.
func NewUnlockTimer(sched Scheduler, tick time.Duration, onTick func(time.Duration), onExpire func()) *UnlockTimer {
	return &UnlockTimer{
		sched:    sched,
		tick:     tick,
		onTick:   onTick,
		onExpire: onExpire,
	}
}

// Start counts down to at. Restarting with the same deadline is a no-op so
// repeated status refreshes do not reset the tick phase.
func (u *UnlockTimer) Start(at time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running && u.deadline.Equal(at) {
		return
	}
	u.stopLocked()
	u.deadline = at
	u.running = true
	u.overdue = 0
	gen := u.gen
	u.cancel = u.sched.AfterFunc(u.tick, func() { u.fire(gen) })
}

// Stop cancels the countdown.
func (u *UnlockTimer) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stopLocked()
}

// Remaining returns the time left, zero when stopped or past the deadline.
func (u *UnlockTimer) Remaining() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.running {
		return 0
	}
	return u.remainingLocked()
}

func (u *UnlockTimer) remainingLocked() time.Duration {
	left := u.deadline.Sub(u.sched.Now())
	if left < 0 {
		return 0
	}
	return left
}

func (u *UnlockTimer) stopLocked() {
	u.gen++
	u.running = false
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
}

func (u *UnlockTimer) fire(gen uint64) {
	u.mu.Lock()
	if gen != u.gen || !u.running {
		u.mu.Unlock()
		return
	}
	left := u.remainingLocked()
	expire := false
	if left == 0 {
		expire = u.overdue%expiryRetry == 0
		u.overdue++
	}
	u.cancel = u.sched.AfterFunc(u.tick, func() { u.fire(gen) })
	u.mu.Unlock()

	if u.onTick != nil {
		u.onTick(left)
	}
	if expire && u.onExpire != nil {
		u.onExpire()
	}
}
