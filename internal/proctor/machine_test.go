package proctor_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

func snapshot(status proctor.ExamStatus) proctor.StatusSnapshot {
	return proctor.StatusSnapshot{Status: status, MaxWarnings: 3}
}

func TestMachineAdoptsFirstSnapshot(t *testing.T) {
	m := proctor.NewMachine(zerolog.Nop())
	require.Equal(t, proctor.StatusNotStarted, m.State().Status)

	tr := m.Apply(snapshot(proctor.StatusLocked))
	require.True(t, tr.Changed)
	require.False(t, tr.Forced)
	require.False(t, tr.Activated)
	require.Equal(t, proctor.StatusLocked, m.State().Status)
	require.True(t, m.State().IsLocked())
}

func TestMachineLifecycleEdges(t *testing.T) {
	m := proctor.NewMachine(zerolog.Nop())
	m.Apply(snapshot(proctor.StatusNotStarted))

	tr := m.Apply(snapshot(proctor.StatusInProgress))
	require.True(t, tr.Activated)
	require.False(t, tr.Forced)

	tr = m.Apply(snapshot(proctor.StatusInProgress))
	require.False(t, tr.Changed)
	require.False(t, tr.Activated, "edges fire once")

	tr = m.Apply(snapshot(proctor.StatusLocked))
	require.True(t, tr.Deactivated)
	require.False(t, tr.Forced)

	tr = m.Apply(snapshot(proctor.StatusPaused))
	require.True(t, tr.Unlocked)

	tr = m.Apply(snapshot(proctor.StatusInProgress))
	require.True(t, tr.Activated)
	require.False(t, tr.Unlocked)

	tr = m.Apply(snapshot(proctor.StatusSubmitted))
	require.True(t, tr.Submitted)
	require.True(t, tr.Deactivated)
}

func TestMachineFlagsForcedTransitions(t *testing.T) {
	m := proctor.NewMachine(zerolog.Nop())
	m.Apply(snapshot(proctor.StatusNotStarted))

	tr := m.Apply(snapshot(proctor.StatusLocked))
	require.True(t, tr.Forced)
	require.Equal(t, proctor.StatusLocked, m.State().Status)

	tr = m.Apply(snapshot(proctor.StatusNotStarted))
	require.True(t, tr.Forced)
	require.Equal(t, proctor.StatusNotStarted, m.State().Status)
}

func TestMachineSubmittedIsTerminal(t *testing.T) {
	m := proctor.NewMachine(zerolog.Nop())
	m.Apply(snapshot(proctor.StatusSubmitted))

	tr := m.Apply(snapshot(proctor.StatusInProgress))
	require.False(t, tr.Changed)
	require.False(t, tr.Activated)
	require.Equal(t, proctor.StatusSubmitted, m.State().Status)
}

func TestMachineIgnoresUnknownStatus(t *testing.T) {
	m := proctor.NewMachine(zerolog.Nop())
	m.Apply(snapshot(proctor.StatusInProgress))

	tr := m.Apply(snapshot(proctor.ExamStatus("archived")))
	require.False(t, tr.Changed)
	require.Equal(t, proctor.StatusInProgress, m.State().Status)
}

func TestMachineClampsCounters(t *testing.T) {
	m := proctor.NewMachine(zerolog.Nop())
	m.Apply(proctor.StatusSnapshot{Status: proctor.StatusInProgress, ViolationCount: -2, MaxWarnings: -1})

	st := m.State()
	require.Zero(t, st.ViolationCount)
	require.Zero(t, st.MaxWarnings)
	require.Zero(t, st.RemainingChances())
}

func TestApplyVerdictIsIdempotent(t *testing.T) {
	m := proctor.NewMachine(zerolog.Nop())
	m.Apply(snapshot(proctor.StatusInProgress))

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	v := proctor.Verdict{ViolationCount: 4, MaxWarnings: 3, AutoUnlockAt: &at, Locked: true}
	m.ApplyVerdict(v)
	once := m.State()
	m.ApplyVerdict(v)
	require.Equal(t, once, m.State())

	require.Equal(t, proctor.StatusInProgress, once.Status, "verdicts never change status")
	require.Equal(t, 4, once.ViolationCount)
	require.Zero(t, once.RemainingChances())
}

func TestApplyVerdictSkipsBypass(t *testing.T) {
	m := proctor.NewMachine(zerolog.Nop())
	m.Apply(proctor.StatusSnapshot{Status: proctor.StatusInProgress, ViolationCount: 1, MaxWarnings: 3})

	m.ApplyVerdict(proctor.Verdict{ViolationCount: 9, MaxWarnings: 3, Bypass: true})
	require.Equal(t, 1, m.State().ViolationCount)
	require.Equal(t, 2, m.State().RemainingChances())
}
