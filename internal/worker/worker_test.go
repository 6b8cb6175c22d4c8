package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/service"
)

type fakeStore struct {
	mu       sync.Mutex
	copyErr  error
	failIDs  map[uuid.UUID]bool
	copied   int
	inserted []uuid.UUID
}

func (f *fakeStore) CopyBatch(_ context.Context, batch []*model.ExamModeViolation) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	f.copied += len(batch)
	return int64(len(batch)), nil
}

func (f *fakeStore) Insert(_ context.Context, v *model.ExamModeViolation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[v.ID] {
		return errors.New("insert failed")
	}
	f.inserted = append(f.inserted, v.ID)
	return nil
}

func violation() *model.ExamModeViolation {
	return &model.ExamModeViolation{
		ID:         uuid.New(),
		ContestID:  uuid.New(),
		UserID:     7,
		Role:       proctor.RoleCandidate,
		EventType:  proctor.ViolationTabHidden,
		Outcome:    model.ViolationCounted,
		RecordedAt: time.Now().UTC(),
	}
}

func TestViolationWorker_FlushUsesCopy(t *testing.T) {
	store := &fakeStore{}
	w := NewViolationWorker(store, nil, zerolog.Nop())

	w.flushSafe(context.Background(), []*model.ExamModeViolation{violation(), violation()})

	require.Equal(t, 2, store.copied)
	require.Empty(t, store.inserted)
}

func TestViolationWorker_FallsBackRowByRow(t *testing.T) {
	store := &fakeStore{copyErr: errors.New("copy failed")}
	w := NewViolationWorker(store, nil, zerolog.Nop())
	a, b := violation(), violation()

	w.flushSafe(context.Background(), []*model.ExamModeViolation{a, b})

	require.Zero(t, store.copied)
	require.Equal(t, []uuid.UUID{a.ID, b.ID}, store.inserted)
}

func TestViolationWorker_Decode(t *testing.T) {
	w := NewViolationWorker(&fakeStore{}, nil, zerolog.Nop())

	v := violation()
	data, err := json.Marshal(v)
	require.NoError(t, err)

	got, ok := w.decode(string(data))
	require.True(t, ok)
	require.Equal(t, v.ID, got.ID)
	require.Equal(t, v.EventType, got.EventType)

	_, ok = w.decode("{not json")
	require.False(t, ok)

	_, ok = w.decode(`{"event_type":"screenshot"}`)
	require.False(t, ok)
}

type fakeUnlocker struct {
	err   error
	calls []int
}

func (f *fakeUnlocker) UnlockDue(_ context.Context, _ uuid.UUID, userID int) (proctor.StatusSnapshot, error) {
	f.calls = append(f.calls, userID)
	if f.err != nil {
		return proctor.StatusSnapshot{}, f.err
	}
	return proctor.StatusSnapshot{Status: proctor.StatusPaused}, nil
}

type fakeLister struct {
	due []model.ExamModeSession
}

func (f *fakeLister) ListLockedDue(context.Context, int) ([]model.ExamModeSession, error) {
	return f.due, nil
}

func TestUnlockWorker_ResyncUnlocksOverdueSessions(t *testing.T) {
	svc := &fakeUnlocker{}
	contest := uuid.New()
	lister := &fakeLister{due: []model.ExamModeSession{
		{ContestID: contest, UserID: 1, Status: proctor.StatusLocked},
		{ContestID: contest, UserID: 2, Status: proctor.StatusLocked},
	}}
	w := NewUnlockWorker(svc, lister, nil, zerolog.Nop())

	w.resync(context.Background())

	require.Equal(t, []int{1, 2}, svc.calls)
}

func TestUnlockWorker_RetryDecision(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		retry bool
	}{
		{"success", nil, false},
		{"no longer locked", service.ErrInvalidTransition, false},
		{"deadline moved", service.ErrUnlockNotDue, false},
		{"database down", errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewUnlockWorker(&fakeUnlocker{err: tt.err}, &fakeLister{}, nil, zerolog.Nop())
			require.Equal(t, tt.retry, w.unlock(context.Background(), uuid.New(), 3))
		})
	}
}
