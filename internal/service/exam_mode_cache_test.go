//go:build e2e
// +build e2e

package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// cacheService connects to the Redis named by REDIS_URL. Database paths are
// not touched by these tests.
func cacheService(t *testing.T) (*ExamModeService, *redis.Client) {
	t.Helper()
	_ = godotenv.Load("../../.env")
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb, err := database.NewRedisClient(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	return NewExamModeService(nil, nil, rdb, cfg.ExamMode, zerolog.Nop()), rdb
}

func cleanupKeys(t *testing.T, rdb *redis.Client, contest string, userID int) {
	t.Cleanup(func() {
		ctx := context.Background()
		rdb.Del(ctx,
			config.CacheKey.ExamModeStatusKey(contest, userID),
			config.CacheKey.ExamModeStatusVersionKey(contest, userID),
		)
		rdb.ZRem(ctx, config.CacheKey.ExamModeUnlockSchedule(), config.CacheKey.ExamModeUnlockMember(contest, userID))
	})
}

func TestPropagateKeepsNewestSnapshot(t *testing.T) {
	svc, rdb := cacheService(t)
	ctx := context.Background()

	newer := session(proctor.StatusLocked, 4)
	lockReason := "Too many violations"
	newer.LockReason = &lockReason
	unlockAt := time.Now().Add(time.Minute).Truncate(time.Second)
	newer.AutoUnlockAt = &unlockAt
	newer.UpdatedAt = time.Now()

	older := *newer
	older.Status = proctor.StatusInProgress
	older.ViolationCount = 3
	older.LockReason = nil
	older.AutoUnlockAt = nil
	older.UpdatedAt = newer.UpdatedAt.Add(-time.Millisecond)

	contest := newer.ContestID.String()
	cleanupKeys(t, rdb, contest, newer.UserID)

	sub := rdb.Subscribe(ctx, config.CacheKey.ExamModeChannel(contest, newer.UserID))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	svc.propagate(ctx, newer)
	svc.propagate(ctx, &older)

	snap, err := svc.GetStatus(ctx, newer.ContestID, newer.UserID)
	require.NoError(t, err)
	require.Equal(t, proctor.StatusLocked, snap.Status)
	require.Equal(t, 4, snap.ViolationCount)

	score, err := rdb.ZScore(ctx, config.CacheKey.ExamModeUnlockSchedule(), config.CacheKey.ExamModeUnlockMember(contest, newer.UserID)).Result()
	require.NoError(t, err)
	require.Equal(t, float64(unlockAt.Unix()), score)

	msg, err := sub.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	var published proctor.StatusSnapshot
	require.NoError(t, json.Unmarshal([]byte(msg.(*redis.Message).Payload), &published))
	require.Equal(t, proctor.StatusLocked, published.Status)

	_, err = sub.ReceiveTimeout(ctx, 200*time.Millisecond)
	require.Error(t, err)
}

func TestFillCacheDoesNotOverwriteNewerSnapshot(t *testing.T) {
	svc, rdb := cacheService(t)
	ctx := context.Background()

	current := session(proctor.StatusPaused, 4)
	current.UpdatedAt = time.Now()
	contest := current.ContestID.String()
	cleanupKeys(t, rdb, contest, current.UserID)

	svc.propagate(ctx, current)

	stale, err := json.Marshal(proctor.StatusSnapshot{Status: proctor.StatusLocked, ViolationCount: 4, MaxWarnings: 3})
	require.NoError(t, err)
	require.NoError(t, svc.fillCache(ctx, current.ContestID, current.UserID, statusVersion(current)-1, stale))

	snap, err := svc.GetStatus(ctx, current.ContestID, current.UserID)
	require.NoError(t, err)
	require.Equal(t, proctor.StatusPaused, snap.Status)

	fresh, err := json.Marshal(proctor.StatusSnapshot{Status: proctor.StatusInProgress, ViolationCount: 4, MaxWarnings: 3})
	require.NoError(t, err)
	require.NoError(t, svc.fillCache(ctx, current.ContestID, current.UserID, statusVersion(current)+1, fresh))

	snap, err = svc.GetStatus(ctx, current.ContestID, current.UserID)
	require.NoError(t, err)
	require.Equal(t, proctor.StatusInProgress, snap.Status)
}
