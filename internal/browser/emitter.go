// Package browser provides an in-process stand-in for the page the exam runs
// in: a signal emitter with capture and bubble phases and a screen whose
// focus and fullscreen state can be driven programmatically.
package browser

import (
	"sync"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

type listener struct {
	id      uint64
	handler func()
}

type key struct {
	kind  proctor.SignalKind
	phase proctor.Phase
}

// Emitter dispatches signals to subscribers. Every capture-phase handler of a
// signal runs before any bubble-phase handler.
type Emitter struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[key][]listener
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[key][]listener)}
}

// Subscribe implements proctor.SignalSource.
func (e *Emitter) Subscribe(kind proctor.SignalKind, phase proctor.Phase, handler func()) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	k := key{kind: kind, phase: phase}
	e.listeners[k] = append(e.listeners[k], listener{id: id, handler: handler})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(k, id) })
	}
}

func (e *Emitter) remove(k key, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[k]
	for i, l := range ls {
		if l.id == id {
			e.listeners[k] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(e.listeners[k]) == 0 {
		delete(e.listeners, k)
	}
}

// Emit delivers kind to its subscribers. Handlers run on the caller's
// goroutine, outside the emitter's lock.
func (e *Emitter) Emit(kind proctor.SignalKind) {
	for _, phase := range []proctor.Phase{proctor.PhaseCapture, proctor.PhaseBubble} {
		for _, h := range e.snapshot(key{kind: kind, phase: phase}) {
			h()
		}
	}
}

func (e *Emitter) snapshot(k key) []func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[k]
	out := make([]func(), len(ls))
	for i, l := range ls {
		out[i] = l.handler
	}
	return out
}

// Count returns the number of live subscriptions for kind in any phase.
func (e *Emitter) Count(kind proctor.SignalKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[key{kind, proctor.PhaseCapture}]) + len(e.listeners[key{kind, proctor.PhaseBubble}])
}

// Total returns the number of live subscriptions across all signals.
func (e *Emitter) Total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ls := range e.listeners {
		n += len(ls)
	}
	return n
}
