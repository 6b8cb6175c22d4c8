package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// UnlockedByAuto identifies unlocks performed by the schedule.
const UnlockedByAuto = "auto"

// ExamModeService is the trust authority: it owns every exam-mode status
// change and decides what each reported violation means.
type ExamModeService struct {
	repo       *repository.ExamModeRepository
	violations *repository.ViolationRepository
	rdb        *redis.Client
	cfg        config.ExamModeConfig
	log        zerolog.Logger
	now        func() time.Time
}

// NewExamModeService creates a new ExamModeService.
func NewExamModeService(
	repo *repository.ExamModeRepository,
	violations *repository.ViolationRepository,
	rdb *redis.Client,
	cfg config.ExamModeConfig,
	log zerolog.Logger,
) *ExamModeService {
	return &ExamModeService{
		repo:       repo,
		violations: violations,
		rdb:        rdb,
		cfg:        cfg,
		log:        log.With().Str("component", "exam_mode_service").Logger(),
		now:        time.Now,
	}
}

// GetStatus returns a candidate's snapshot, served from Redis when cached.
// A candidate with no session yet is not_started.
func (s *ExamModeService) GetStatus(ctx context.Context, contestID uuid.UUID, userID int) (proctor.StatusSnapshot, error) {
	key := config.CacheKey.ExamModeStatusKey(contestID.String(), userID)

	cached, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var snap proctor.StatusSnapshot
		if err := json.Unmarshal(cached, &snap); err == nil {
			return snap, nil
		}
		s.log.Warn().Str("key", key).Msg("Discarding corrupt status cache entry")
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Status cache read failed, falling back to database")
	}

	var (
		snap    proctor.StatusSnapshot
		version int64
	)
	sess, err := s.repo.Get(ctx, contestID, userID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		snap = proctor.StatusSnapshot{Status: proctor.StatusNotStarted, MaxWarnings: s.cfg.MaxWarnings}
	case err != nil:
		return proctor.StatusSnapshot{}, fmt.Errorf("get exam-mode session: %w", err)
	default:
		snap = sess.Snapshot()
		version = statusVersion(sess)
	}

	if data, err := json.Marshal(snap); err == nil {
		if err := s.fillCache(ctx, contestID, userID, version, data); err != nil {
			s.log.Warn().Err(err).Msg("Status cache write failed")
		}
	}
	return snap, nil
}

// Start moves not_started or paused to in_progress.
func (s *ExamModeService) Start(ctx context.Context, contestID uuid.UUID, userID int) (proctor.StatusSnapshot, error) {
	sess, err := s.repo.Mutate(ctx, contestID, userID, s.cfg.MaxWarnings, func(sess *model.ExamModeSession) (bool, error) {
		return true, startTransition(sess, s.now().UTC())
	})
	if err != nil {
		return proctor.StatusSnapshot{}, fmt.Errorf("start exam: %w", err)
	}
	s.propagate(ctx, sess)

	s.log.Info().
		Str("contest_id", contestID.String()).
		Int("user_id", userID).
		Msg("Exam started")
	return sess.Snapshot(), nil
}

// End submits the exam from any status. Submitting twice is not an error.
func (s *ExamModeService) End(ctx context.Context, contestID uuid.UUID, userID int) (proctor.StatusSnapshot, error) {
	changed := false
	sess, err := s.repo.Mutate(ctx, contestID, userID, s.cfg.MaxWarnings, func(sess *model.ExamModeSession) (bool, error) {
		changed = endTransition(sess, s.now().UTC())
		return changed, nil
	})
	if err != nil {
		return proctor.StatusSnapshot{}, fmt.Errorf("end exam: %w", err)
	}
	if changed {
		s.propagate(ctx, sess)
		s.log.Info().
			Str("contest_id", contestID.String()).
			Int("user_id", userID).
			Msg("Exam submitted")
	}
	return sess.Snapshot(), nil
}

// RecordViolation records a reported violation and returns the verdict.
// Privileged roles are recorded for audit only.
func (s *ExamModeService) RecordViolation(
	ctx context.Context,
	contestID uuid.UUID,
	userID int,
	role proctor.Role,
	req model.RecordViolationRequest,
) (proctor.Verdict, error) {
	now := s.now().UTC()
	entry := &model.ExamModeViolation{
		ID:         uuid.New(),
		ContestID:  contestID,
		UserID:     userID,
		Role:       role,
		EventType:  proctor.ViolationKind(req.EventType),
		Reason:     req.Reason,
		RecordedAt: now,
	}

	if role.Privileged() {
		snap, err := s.GetStatus(ctx, contestID, userID)
		if err != nil {
			return proctor.Verdict{}, fmt.Errorf("record violation: %w", err)
		}
		entry.Outcome = model.ViolationBypass
		entry.ViolationCount = snap.ViolationCount
		s.enqueue(ctx, entry)
		return proctor.Verdict{
			ViolationCount: snap.ViolationCount,
			MaxWarnings:    snap.MaxWarnings,
			AutoUnlockAt:   snap.AutoUnlockAt,
			Bypass:         true,
		}, nil
	}

	var outcome model.ViolationOutcome
	policy := violationPolicy{autoUnlockAfter: s.cfg.AutoUnlockAfter, now: now}
	sess, err := s.repo.Mutate(ctx, contestID, userID, s.cfg.MaxWarnings, func(sess *model.ExamModeSession) (bool, error) {
		outcome = applyViolation(sess, policy)
		return outcome != model.ViolationIgnored, nil
	})
	if err != nil {
		return proctor.Verdict{}, fmt.Errorf("record violation: %w", err)
	}

	entry.Outcome = outcome
	entry.ViolationCount = sess.ViolationCount
	s.enqueue(ctx, entry)
	if outcome != model.ViolationIgnored {
		s.propagate(ctx, sess)
	}

	evt := s.log.Info()
	if outcome == model.ViolationLocked {
		evt = s.log.Warn()
	}
	evt.Str("contest_id", contestID.String()).
		Int("user_id", userID).
		Str("event_type", req.EventType).
		Str("outcome", string(outcome)).
		Int("violation_count", sess.ViolationCount).
		Int("max_warnings", sess.MaxWarnings).
		Msg("Violation recorded")

	return verdictFor(sess, outcome), nil
}

// Unlock moves a locked candidate to paused on behalf of a proctor.
func (s *ExamModeService) Unlock(ctx context.Context, contestID uuid.UUID, userID int, by string) (proctor.StatusSnapshot, error) {
	return s.unlock(ctx, contestID, userID, by, false)
}

// UnlockDue performs a scheduled automatic unlock if it is due.
func (s *ExamModeService) UnlockDue(ctx context.Context, contestID uuid.UUID, userID int) (proctor.StatusSnapshot, error) {
	return s.unlock(ctx, contestID, userID, UnlockedByAuto, true)
}

func (s *ExamModeService) unlock(ctx context.Context, contestID uuid.UUID, userID int, by string, requireDue bool) (proctor.StatusSnapshot, error) {
	sess, err := s.repo.Mutate(ctx, contestID, userID, s.cfg.MaxWarnings, func(sess *model.ExamModeSession) (bool, error) {
		return true, unlockTransition(sess, s.now().UTC(), requireDue)
	})
	if err != nil {
		return proctor.StatusSnapshot{}, fmt.Errorf("unlock exam: %w", err)
	}
	s.propagate(ctx, sess)

	s.log.Info().
		Str("contest_id", contestID.String()).
		Int("user_id", userID).
		Str("unlocked_by", by).
		Msg("Exam unlocked")
	return sess.Snapshot(), nil
}

// ForceStatus applies an administrative status change.
func (s *ExamModeService) ForceStatus(ctx context.Context, contestID uuid.UUID, userID int, req model.ForceStatusRequest, by string) (proctor.StatusSnapshot, error) {
	status := proctor.ExamStatus(req.Status)
	var from proctor.ExamStatus
	sess, err := s.repo.Mutate(ctx, contestID, userID, s.cfg.MaxWarnings, func(sess *model.ExamModeSession) (bool, error) {
		from = sess.Status
		return true, forceTransition(sess, status, req.LockReason, s.now().UTC())
	})
	if err != nil {
		return proctor.StatusSnapshot{}, fmt.Errorf("force exam status: %w", err)
	}
	s.propagate(ctx, sess)

	s.log.Warn().
		Str("contest_id", contestID.String()).
		Int("user_id", userID).
		Str("from", string(from)).
		Str("to", string(status)).
		Str("changed_by", by).
		Msg("Exam status forced")
	return sess.Snapshot(), nil
}

// ListViolations returns a page of a contest's violation audit log.
func (s *ExamModeService) ListViolations(ctx context.Context, contestID uuid.UUID, userID *int, page, perPage int) ([]model.ExamModeViolation, *response.Pagination, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	items, total, err := s.violations.ListByContest(ctx, contestID, userID, page, perPage)
	if err != nil {
		return nil, nil, fmt.Errorf("list violations: %w", err)
	}
	if items == nil {
		items = []model.ExamModeViolation{}
	}

	pagination := &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: int(total),
		TotalPages: int(math.Ceil(float64(total) / float64(perPage))),
	}
	return items, pagination, nil
}

// enqueue hands an audit entry to the violation worker, writing it directly
// when Redis is unavailable.
func (s *ExamModeService) enqueue(ctx context.Context, entry *model.ExamModeViolation) {
	data, err := json.Marshal(entry)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode violation audit entry")
		return
	}
	err = s.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data).Err()
	if err == nil {
		return
	}
	s.log.Warn().Err(err).Msg("Violation queue unavailable, writing audit entry directly")
	if err := s.violations.Insert(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("violation_id", entry.ID.String()).Msg("Violation audit entry lost")
	}
}

// propagate refreshes the status cache, maintains the unlock schedule and
// notifies stream subscribers after a committed change.
func (s *ExamModeService) propagate(ctx context.Context, sess *model.ExamModeSession) {
	contest := sess.ContestID.String()
	snap := sess.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode status snapshot")
		return
	}

	unlockAt := ""
	if sess.Status == proctor.StatusLocked && sess.AutoUnlockAt != nil {
		unlockAt = strconv.FormatInt(sess.AutoUnlockAt.Unix(), 10)
	}

	keys := []string{
		config.CacheKey.ExamModeStatusKey(contest, sess.UserID),
		config.CacheKey.ExamModeStatusVersionKey(contest, sess.UserID),
		config.CacheKey.ExamModeUnlockSchedule(),
		config.CacheKey.ExamModeChannel(contest, sess.UserID),
	}
	applied, err := propagateScript.Run(ctx, s.rdb, keys,
		statusVersion(sess), data, s.cfg.StatusCacheTTL.Milliseconds(),
		config.CacheKey.ExamModeUnlockMember(contest, sess.UserID), unlockAt,
	).Int()
	if err != nil {
		// The database is authoritative; drop the cache so reads self-heal.
		s.log.Error().Err(err).Str("contest_id", contest).Int("user_id", sess.UserID).Msg("Failed to propagate status change")
		s.rdb.Del(ctx, keys[0], keys[1])
		return
	}
	if applied == 0 {
		s.log.Debug().Str("contest_id", contest).Int("user_id", sess.UserID).Msg("Skipped propagating superseded status")
	}
}

// fillCache stores a snapshot read from the database unless a newer one is
// already cached.
func (s *ExamModeService) fillCache(ctx context.Context, contestID uuid.UUID, userID int, version int64, data []byte) error {
	contest := contestID.String()
	keys := []string{
		config.CacheKey.ExamModeStatusKey(contest, userID),
		config.CacheKey.ExamModeStatusVersionKey(contest, userID),
	}
	return fillScript.Run(ctx, s.rdb, keys, version, data, s.cfg.StatusCacheTTL.Milliseconds()).Err()
}

// statusVersion orders snapshots of one session. Microseconds keep the value
// exact as a Lua number and match the resolution of Postgres timestamps.
func statusVersion(sess *model.ExamModeSession) int64 {
	return sess.UpdatedAt.UnixMicro()
}

// fillScript sets the cached snapshot and its version unless the cached
// version is newer.
//
// KEYS: status, version. ARGV: version, snapshot, ttl ms (0 keeps no expiry).
var fillScript = redis.NewScript(`
local function store(key, value)
	if tonumber(ARGV[3]) > 0 then
		redis.call('SET', key, value, 'PX', ARGV[3])
	else
		redis.call('SET', key, value)
	end
end
local cur = redis.call('GET', KEYS[2])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
store(KEYS[1], ARGV[2])
store(KEYS[2], ARGV[1])
return 1
`)

// propagateScript is fillScript plus the unlock schedule and the status
// publish, all skipped when a newer snapshot already went out.
//
// KEYS: status, version, schedule, channel.
// ARGV: version, snapshot, ttl ms, schedule member, unlock unix time or "".
var propagateScript = redis.NewScript(`
local function store(key, value)
	if tonumber(ARGV[3]) > 0 then
		redis.call('SET', key, value, 'PX', ARGV[3])
	else
		redis.call('SET', key, value)
	end
end
local cur = redis.call('GET', KEYS[2])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
store(KEYS[1], ARGV[2])
store(KEYS[2], ARGV[1])
if ARGV[5] ~= '' then
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[4])
else
	redis.call('ZREM', KEYS[3], ARGV[4])
end
redis.call('PUBLISH', KEYS[4], ARGV[2])
return 1
`)
