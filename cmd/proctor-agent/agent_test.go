package main

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/browser"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

type stubAuthority struct {
	mu         sync.Mutex
	snap       proctor.StatusSnapshot
	violations []proctor.ViolationKind
}

func (s *stubAuthority) GetExamStatus(context.Context, uuid.UUID) (proctor.StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func (s *stubAuthority) RecordViolation(_ context.Context, _ uuid.UUID, ev proctor.ViolationEvent) (proctor.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, ev.Kind)
	s.snap.ViolationCount++
	return proctor.Verdict{ViolationCount: s.snap.ViolationCount, MaxWarnings: s.snap.MaxWarnings}, nil
}

func (s *stubAuthority) StartExam(context.Context, uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Status = proctor.StatusInProgress
	return nil
}

func (s *stubAuthority) EndExam(context.Context, uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Status = proctor.StatusSubmitted
	return nil
}

func newAgent(t *testing.T) (*agent, *stubAuthority, *bytes.Buffer) {
	t.Helper()

	auth := &stubAuthority{snap: proctor.StatusSnapshot{Status: proctor.StatusNotStarted, MaxWarnings: 3}}
	emitter := browser.NewEmitter()
	screen := browser.NewVirtualScreen(emitter)
	out := &bytes.Buffer{}

	session := proctor.NewSession(proctor.Config{
		ContestID:       uuid.New(),
		Role:            proctor.RoleCandidate,
		ExamModeEnabled: true,
		Authority:       auth,
		Signals:         emitter,
		Screen:          screen,
		Timing:          proctor.Timing{GracePeriod: 0, CallTimeout: time.Second},
		Logger:          zerolog.Nop(),
		Go:              func(fn func()) { fn() },
	})
	require.NoError(t, session.Mount(context.Background()))
	t.Cleanup(session.Unmount)

	return &agent{session: session, screen: screen, out: out}, auth, out
}

func TestAgent_StartThenHideReportsViolation(t *testing.T) {
	a, auth, _ := newAgent(t)
	ctx := context.Background()

	_, err := a.exec(ctx, "start")
	require.NoError(t, err)
	require.True(t, a.session.View().Armed)

	_, err = a.exec(ctx, "hide")
	require.NoError(t, err)
	require.Equal(t, []proctor.ViolationKind{proctor.ViolationTabHidden}, auth.violations)

	v := a.session.View()
	require.True(t, v.Warning.Open)
	require.Equal(t, 2, v.Warning.RemainingChances())

	_, err = a.exec(ctx, "ack")
	require.NoError(t, err)
	require.False(t, a.session.View().Warning.Open)
}

func TestAgent_CommandParsing(t *testing.T) {
	a, _, out := newAgent(t)
	ctx := context.Background()

	quit, err := a.exec(ctx, "   ")
	require.NoError(t, err)
	require.False(t, quit)

	_, err = a.exec(ctx, "# comment")
	require.NoError(t, err)

	_, err = a.exec(ctx, "teleport")
	require.ErrorContains(t, err, "unknown command")

	_, err = a.exec(ctx, "deny-fs maybe")
	require.ErrorContains(t, err, "usage")

	_, err = a.exec(ctx, "view")
	require.NoError(t, err)
	require.Contains(t, out.String(), "status=not_started violations=0/3")

	quit, err = a.exec(ctx, "quit")
	require.NoError(t, err)
	require.True(t, quit)
}

func TestFormatView(t *testing.T) {
	at := time.Now().Add(time.Minute)
	tests := []struct {
		name string
		view proctor.View
		want string
	}{
		{
			name: "grace countdown",
			view: proctor.View{
				State:     proctor.ExamState{Status: proctor.StatusInProgress, MaxWarnings: 3},
				Countdown: 2,
			},
			want: "status=in_progress violations=0/3 countdown=2",
		},
		{
			name: "pending warning",
			view: proctor.View{
				State:   proctor.ExamState{Status: proctor.StatusInProgress, ViolationCount: 1, MaxWarnings: 3},
				Warning: proctor.WarningModal{Open: true, Pending: true, Event: proctor.ViolationEvent{Kind: proctor.ViolationWindowBlur}},
			},
			want: "status=in_progress violations=1/3 warning=pending(window_blur)",
		},
		{
			name: "locked with auto unlock",
			view: proctor.View{
				State:      proctor.ExamState{Status: proctor.StatusLocked, ViolationCount: 4, MaxWarnings: 3, AutoUnlockAt: &at},
				LockScreen: &proctor.LockScreen{Reason: "Too many violations", AutoUnlock: true, Remaining: 59600 * time.Millisecond},
			},
			want: `status=locked violations=4/3 lock="Too many violations" unlock-in=1m0s`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, formatView(tt.view))
		})
	}
}
