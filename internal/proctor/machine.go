package proctor

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Lifecycle events understood by the machine. An authority status that is not
// reachable through one of these from the current status is applied as a
// forced transition.
const (
	eventStart  = "start"
	eventPause  = "pause"
	eventLock   = "lock"
	eventSubmit = "submit"
)

var eventFor = map[ExamStatus]string{
	StatusInProgress: eventStart,
	StatusPaused:     eventPause,
	StatusLocked:     eventLock,
	StatusSubmitted:  eventSubmit,
}

// Transition describes what changed when a snapshot was applied. The flags are
// edges, computed by comparing against the previous state, never levels.
type Transition struct {
	From ExamStatus
	To   ExamStatus

	Changed bool
	// Forced is set when the authority moved the exam outside the usual
	// lifecycle (administrative status change).
	Forced bool
	// Activated is the isActive false->true edge.
	Activated   bool
	Deactivated bool
	// Unlocked is the locked->paused edge.
	Unlocked  bool
	Submitted bool
}

// Machine owns ExamState. It never advances status on its own: every change
// comes from an authority snapshot.
type Machine struct {
	fsm    *fsm.FSM
	state  ExamState
	active bool
	synced bool
	log    zerolog.Logger
}

// NewMachine creates a machine in not_started.
func NewMachine(log zerolog.Logger) *Machine {
	m := &Machine{
		state: ExamState{Status: StatusNotStarted},
		log:   log,
	}
	m.fsm = fsm.NewFSM(
		string(StatusNotStarted),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StatusNotStarted), string(StatusPaused)}, Dst: string(StatusInProgress)},
			{Name: eventPause, Src: []string{string(StatusInProgress), string(StatusLocked)}, Dst: string(StatusPaused)},
			{Name: eventLock, Src: []string{string(StatusInProgress), string(StatusPaused)}, Dst: string(StatusLocked)},
			{
				Name: eventSubmit,
				Src: []string{
					string(StatusNotStarted), string(StatusInProgress),
					string(StatusPaused), string(StatusLocked),
				},
				Dst: string(StatusSubmitted),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.log.Debug().
					Str("event", e.Event).
					Str("from", e.Src).
					Str("to", e.Dst).
					Msg("Exam status transition")
			},
		},
	)
	return m
}

// State returns a copy of the current state.
func (m *Machine) State() ExamState {
	return m.state
}

// Apply re-derives the state from an authority snapshot and reports the edges
// crossed. Invalid statuses and attempts to leave submitted are ignored.
func (m *Machine) Apply(snap StatusSnapshot) Transition {
	prev := m.state.Status
	t := Transition{From: prev, To: prev}

	if !snap.Status.Valid() {
		m.log.Warn().Str("status", string(snap.Status)).Msg("Ignoring unknown exam status")
		return t
	}
	if prev == StatusSubmitted && snap.Status != StatusSubmitted {
		m.log.Warn().Str("status", string(snap.Status)).Msg("Ignoring status change after submission")
		return t
	}

	t.To = snap.Status
	if snap.Status != prev {
		t.Changed = true
		if !m.synced {
			// First snapshot after mount: adopt whatever the authority says.
			m.fsm.SetState(string(snap.Status))
		} else {
			t.Forced = !m.fire(snap.Status)
		}
	}
	m.synced = true

	m.state = ExamState{
		Status:         snap.Status,
		ViolationCount: nonNegative(snap.ViolationCount),
		MaxWarnings:    nonNegative(snap.MaxWarnings),
		LockReason:     snap.LockReason,
		AutoUnlockAt:   snap.AutoUnlockAt,
	}

	active := m.state.IsActive()
	t.Activated = active && !m.active
	t.Deactivated = !active && m.active
	m.active = active

	t.Unlocked = prev == StatusLocked && snap.Status == StatusPaused
	t.Submitted = t.Changed && snap.Status == StatusSubmitted

	if t.Forced {
		m.log.Warn().
			Str("from", string(prev)).
			Str("to", string(snap.Status)).
			Msg("Exam status forced outside lifecycle")
	}
	return t
}

// ApplyVerdict overwrites the counters from a verdict. Applying the same
// verdict twice yields the same state. Bypass verdicts leave the state alone,
// and the status itself is only ever changed by Apply.
func (m *Machine) ApplyVerdict(v Verdict) {
	if v.Bypass {
		return
	}
	m.state.ViolationCount = nonNegative(v.ViolationCount)
	m.state.MaxWarnings = nonNegative(v.MaxWarnings)
	m.state.AutoUnlockAt = v.AutoUnlockAt
}

func (m *Machine) fire(dst ExamStatus) bool {
	if name, ok := eventFor[dst]; ok && m.fsm.Can(name) {
		err := m.fsm.Event(context.Background(), name)
		if err == nil {
			return true
		}
		m.log.Debug().Err(err).Str("event", name).Msg("Lifecycle event rejected")
	}
	m.fsm.SetState(string(dst))
	return false
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
