package browser

import (
	"errors"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ErrFullscreenDenied is returned when the screen refuses a fullscreen request.
var ErrFullscreenDenied = errors.New("fullscreen request denied")

// VirtualScreen is a proctor.Screen whose state is changed through user
// actions that also emit the matching signals.
type VirtualScreen struct {
	emitter *Emitter

	mu         sync.Mutex
	fullscreen bool
	focused    bool
	hidden     bool
	deny       bool
	requests   int
}

// NewVirtualScreen creates a focused, visible, windowed screen.
func NewVirtualScreen(emitter *Emitter) *VirtualScreen {
	return &VirtualScreen{emitter: emitter, focused: true}
}

func (s *VirtualScreen) IsFullscreen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullscreen
}

func (s *VirtualScreen) HasFocus() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused && !s.hidden
}

// EnterFullscreen is the programmatic request. It does not emit a signal.
func (s *VirtualScreen) EnterFullscreen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if s.deny {
		return ErrFullscreenDenied
	}
	s.fullscreen = true
	return nil
}

// ExitFullscreen is the programmatic exit. It does not emit a signal.
func (s *VirtualScreen) ExitFullscreen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fullscreen = false
	return nil
}

// DenyFullscreen makes later fullscreen requests fail, like a browser that
// requires a user gesture.
func (s *VirtualScreen) DenyFullscreen(deny bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deny = deny
}

// FullscreenRequests counts EnterFullscreen calls.
func (s *VirtualScreen) FullscreenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// ─── User actions ──────────────────────────────────────────────────────────

// Hide switches away from the tab: the page is hidden and loses focus.
func (s *VirtualScreen) Hide() {
	s.mu.Lock()
	s.hidden = true
	s.focused = false
	s.mu.Unlock()
	s.emitter.Emit(proctor.SignalVisibilityHidden)
	s.emitter.Emit(proctor.SignalWindowBlur)
}

// Show returns to the tab.
func (s *VirtualScreen) Show() {
	s.mu.Lock()
	s.hidden = false
	s.focused = true
	s.mu.Unlock()
	s.emitter.Emit(proctor.SignalWindowFocus)
}

// Blur moves focus to another window.
func (s *VirtualScreen) Blur() {
	s.mu.Lock()
	s.focused = false
	s.mu.Unlock()
	s.emitter.Emit(proctor.SignalWindowBlur)
}

// Focus brings the window back.
func (s *VirtualScreen) Focus() {
	s.mu.Lock()
	s.focused = true
	s.mu.Unlock()
	s.emitter.Emit(proctor.SignalWindowFocus)
}

// PressEscape leaves fullscreen the way the candidate would.
func (s *VirtualScreen) PressEscape() {
	s.mu.Lock()
	was := s.fullscreen
	s.fullscreen = false
	s.mu.Unlock()
	s.emitter.Emit(proctor.SignalKeyDown)
	if was {
		s.emitter.Emit(proctor.SignalFullscreenExit)
	}
}

// Click is a pointer interaction inside the page.
func (s *VirtualScreen) Click() {
	s.emitter.Emit(proctor.SignalPointerDown)
	s.emitter.Emit(proctor.SignalMouseDown)
	s.emitter.Emit(proctor.SignalClick)
}

// Type is a keyboard interaction inside the page.
func (s *VirtualScreen) Type() {
	s.emitter.Emit(proctor.SignalKeyDown)
	s.emitter.Emit(proctor.SignalInput)
}
