package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

const examModeColumns = `contest_id, user_id, status, lock_reason, auto_unlock_at,
	violation_count, max_warnings, started_at, submitted_at, updated_at`

// ExamModeRepository handles exam-mode session data access.
type ExamModeRepository struct {
	pool *pgxpool.Pool
}

// NewExamModeRepository creates a new ExamModeRepository.
func NewExamModeRepository(pool *pgxpool.Pool) *ExamModeRepository {
	return &ExamModeRepository{pool: pool}
}

func scanExamMode(row pgx.Row) (*model.ExamModeSession, error) {
	s := &model.ExamModeSession{}
	err := row.Scan(
		&s.ContestID, &s.UserID, &s.Status, &s.LockReason, &s.AutoUnlockAt,
		&s.ViolationCount, &s.MaxWarnings, &s.StartedAt, &s.SubmittedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Get retrieves a candidate's session. It returns pgx.ErrNoRows when the
// candidate never touched exam mode on the contest.
func (r *ExamModeRepository) Get(ctx context.Context, contestID uuid.UUID, userID int) (*model.ExamModeSession, error) {
	return scanExamMode(r.pool.QueryRow(ctx,
		`SELECT `+examModeColumns+`
		 FROM exam_mode_sessions
		 WHERE contest_id = $1 AND user_id = $2`, contestID, userID,
	))
}

// Mutate runs fn on the candidate's row under a row lock, creating the row in
// not_started with maxWarnings if missing. The row is written back only when
// fn reports a change; an error from fn rolls everything back.
func (r *ExamModeRepository) Mutate(
	ctx context.Context,
	contestID uuid.UUID,
	userID, maxWarnings int,
	fn func(s *model.ExamModeSession) (bool, error),
) (*model.ExamModeSession, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO exam_mode_sessions (contest_id, user_id, status, max_warnings)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (contest_id, user_id) DO NOTHING`,
		contestID, userID, proctor.StatusNotStarted, maxWarnings,
	); err != nil {
		return nil, fmt.Errorf("ensure session row: %w", err)
	}

	s, err := scanExamMode(tx.QueryRow(ctx,
		`SELECT `+examModeColumns+`
		 FROM exam_mode_sessions
		 WHERE contest_id = $1 AND user_id = $2
		 FOR UPDATE`, contestID, userID,
	))
	if err != nil {
		return nil, fmt.Errorf("lock session row: %w", err)
	}

	changed, err := fn(s)
	if err != nil {
		return nil, err
	}

	if changed {
		err = tx.QueryRow(ctx,
			`UPDATE exam_mode_sessions
			 SET status = $3, lock_reason = $4, auto_unlock_at = $5,
			     violation_count = $6, max_warnings = $7,
			     started_at = $8, submitted_at = $9, updated_at = clock_timestamp()
			 WHERE contest_id = $1 AND user_id = $2
			 RETURNING updated_at`,
			contestID, userID, s.Status, s.LockReason, s.AutoUnlockAt,
			s.ViolationCount, s.MaxWarnings, s.StartedAt, s.SubmittedAt,
		).Scan(&s.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("update session row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return s, nil
}

// ListLockedDue returns locked sessions whose automatic unlock time has
// passed. The unlock worker uses it to rebuild the schedule after a Redis
// flush.
func (r *ExamModeRepository) ListLockedDue(ctx context.Context, limit int) ([]model.ExamModeSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+examModeColumns+`
		 FROM exam_mode_sessions
		 WHERE status = $1 AND auto_unlock_at IS NOT NULL AND auto_unlock_at <= NOW()
		 ORDER BY auto_unlock_at ASC
		 LIMIT $2`, proctor.StatusLocked, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamModeSession
	for rows.Next() {
		s, err := scanExamMode(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
