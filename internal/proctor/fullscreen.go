package proctor

import (
	"sync"

	"github.com/rs/zerolog"
)

// FullscreenEnforcer keeps the candidate in fullscreen. Requests the browser
// refuses are logged and retried on the next trigger.
type FullscreenEnforcer struct {
	screen Screen
	log    zerolog.Logger

	mu         sync.Mutex
	submitting bool
}

// NewFullscreenEnforcer wraps screen.
func NewFullscreenEnforcer(screen Screen, log zerolog.Logger) *FullscreenEnforcer {
	return &FullscreenEnforcer{screen: screen, log: log}
}

// Enter requests fullscreen unless already in it and reports whether the
// screen is fullscreen afterwards.
func (f *FullscreenEnforcer) Enter(trigger string) bool {
	if f.screen.IsFullscreen() {
		return true
	}
	if err := f.screen.EnterFullscreen(); err != nil {
		f.log.Warn().Err(err).Str("trigger", trigger).Msg("Fullscreen request denied")
		return false
	}
	return true
}

// Exit leaves fullscreen if still in it.
func (f *FullscreenEnforcer) Exit() {
	if !f.screen.IsFullscreen() {
		return
	}
	if err := f.screen.ExitFullscreen(); err != nil {
		f.log.Warn().Err(err).Msg("Fullscreen exit failed")
	}
}

// Hold re-requests fullscreen while the exam is locked or paused, except
// while a submit is in flight.
func (f *FullscreenEnforcer) Hold(status ExamStatus) {
	if !status.Held() || f.Submitting() {
		return
	}
	f.Enter("status " + string(status))
}

// PromptOnExit reports whether leaving fullscreen in status must ask the
// candidate to resume or submit.
func (f *FullscreenEnforcer) PromptOnExit(status ExamStatus) bool {
	return status.FullscreenBound() && !f.Submitting()
}

// BeginSubmit suspends Hold until EndSubmit.
func (f *FullscreenEnforcer) BeginSubmit() {
	f.mu.Lock()
	f.submitting = true
	f.mu.Unlock()
}

// EndSubmit resumes Hold.
func (f *FullscreenEnforcer) EndSubmit() {
	f.mu.Lock()
	f.submitting = false
	f.mu.Unlock()
}

// Submitting reports whether a submit is in flight.
func (f *FullscreenEnforcer) Submitting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitting
}
