package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	UnlockTick       = 1 * time.Second
	UnlockClaimLimit = 100
	// UnlockResyncEvery rebuilds due unlocks from Postgres every N ticks so
	// that a flushed schedule cannot strand a candidate in locked.
	UnlockResyncEvery = 60
	unlockRetryDelay  = 5 * time.Second
)

type unlocker interface {
	UnlockDue(ctx context.Context, contestID uuid.UUID, userID int) (proctor.StatusSnapshot, error)
}

type lockedLister interface {
	ListLockedDue(ctx context.Context, limit int) ([]model.ExamModeSession, error)
}

// UnlockWorker performs scheduled automatic unlocks.
type UnlockWorker struct {
	svc      unlocker
	sessions lockedLister
	rdb      *redis.Client
	log      zerolog.Logger
	now      func() time.Time
}

func NewUnlockWorker(svc unlocker, sessions lockedLister, rdb *redis.Client, log zerolog.Logger) *UnlockWorker {
	return &UnlockWorker{
		svc:      svc,
		sessions: sessions,
		rdb:      rdb,
		log:      log.With().Str("component", "unlock_worker").Logger(),
		now:      time.Now,
	}
}

func (w *UnlockWorker) Start(ctx context.Context) {
	w.log.Info().Msg("UnlockWorker started")

	ticker := time.NewTicker(UnlockTick)
	defer ticker.Stop()

	w.resync(ctx)
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("UnlockWorker stopped")
			return
		case <-ticker.C:
			ticks++
			w.drain(ctx)
			if ticks%UnlockResyncEvery == 0 {
				w.resync(ctx)
			}
		}
	}
}

// drain claims every due schedule entry and unlocks it. ZREM is the claim,
// so with several server instances each entry is processed once.
func (w *UnlockWorker) drain(ctx context.Context) {
	schedule := config.CacheKey.ExamModeUnlockSchedule()
	members, err := w.rdb.ZRangeArgs(ctx, redis.ZRangeArgs{
		Key:     schedule,
		Start:   "-inf",
		Stop:    strconv.FormatInt(w.now().Unix(), 10),
		ByScore: true,
		Count:   UnlockClaimLimit,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Failed to read unlock schedule")
		}
		return
	}

	for _, member := range members {
		removed, err := w.rdb.ZRem(ctx, schedule, member).Result()
		if err != nil || removed == 0 {
			continue
		}

		contestID, userID, err := config.CacheKey.ParseUnlockMember(member)
		if err != nil {
			w.log.Error().Err(err).Str("member", member).Msg("Dropping malformed unlock entry")
			continue
		}

		if retry := w.unlock(ctx, contestID, userID); retry {
			at := w.now().Add(unlockRetryDelay)
			if err := w.rdb.ZAdd(ctx, schedule, redis.Z{Score: float64(at.Unix()), Member: member}).Err(); err != nil {
				w.log.Error().Err(err).Str("member", member).Msg("Failed to reschedule unlock")
			}
		}
	}
}

// resync unlocks overdue sessions straight from Postgres.
func (w *UnlockWorker) resync(ctx context.Context) {
	due, err := w.sessions.ListLockedDue(ctx, UnlockClaimLimit)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Failed to list overdue locked sessions")
		}
		return
	}
	for _, s := range due {
		w.unlock(ctx, s.ContestID, s.UserID)
	}
}

// unlock performs one due unlock and reports whether it should be retried.
// A session that is no longer locked, or whose deadline moved, is dropped.
func (w *UnlockWorker) unlock(ctx context.Context, contestID uuid.UUID, userID int) (retry bool) {
	_, err := w.svc.UnlockDue(ctx, contestID, userID)
	switch {
	case err == nil:
		return false
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrUnlockNotDue):
		w.log.Debug().
			Str("contest_id", contestID.String()).
			Int("user_id", userID).
			Err(err).
			Msg("Scheduled unlock no longer applies")
		return false
	default:
		w.log.Error().
			Err(err).
			Str("contest_id", contestID.String()).
			Int("user_id", userID).
			Msg("Scheduled unlock failed, retrying")
		return true
	}
}
