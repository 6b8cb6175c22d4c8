package repository

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var violationColumns = []string{
	"id", "contest_id", "user_id", "role", "event_type",
	"reason", "outcome", "violation_count", "recorded_at",
}

// ViolationRepository handles the exam-mode violation audit log.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

func violationRow(v *model.ExamModeViolation) []interface{} {
	return []interface{}{
		v.ID, v.ContestID, v.UserID, v.Role, v.EventType,
		v.Reason, v.Outcome, v.ViolationCount, v.RecordedAt,
	}
}

// CopyBatch bulk-inserts a batch with COPY.
func (r *ViolationRepository) CopyBatch(ctx context.Context, batch []*model.ExamModeViolation) (int64, error) {
	rows := make([][]interface{}, 0, len(batch))
	for _, v := range batch {
		rows = append(rows, violationRow(v))
	}
	return r.pool.CopyFrom(ctx, pgx.Identifier{"exam_mode_violations"}, violationColumns, pgx.CopyFromRows(rows))
}

// Insert writes one entry. Replays of an already stored entry are ignored.
func (r *ViolationRepository) Insert(ctx context.Context, v *model.ExamModeViolation) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exam_mode_violations
		   (id, contest_id, user_id, role, event_type, reason, outcome, violation_count, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		violationRow(v)...,
	)
	return err
}

// ListByContest returns a page of a contest's audit log, newest first.
func (r *ViolationRepository) ListByContest(ctx context.Context, contestID uuid.UUID, userID *int, page, perPage int) ([]model.ExamModeViolation, int64, error) {
	offset := (page - 1) * perPage

	where := ` FROM exam_mode_violations WHERE contest_id = $1`
	args := []any{contestID}
	if userID != nil {
		args = append(args, *userID)
		where += ` AND user_id = $2`
	}

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, perPage, offset)
	limitAt := len(args) - 1
	rows, err := r.pool.Query(ctx,
		`SELECT id, contest_id, user_id, role, event_type, reason, outcome, violation_count, recorded_at`+
			where+` ORDER BY recorded_at DESC`+
			` LIMIT $`+strconv.Itoa(limitAt)+` OFFSET $`+strconv.Itoa(limitAt+1),
		args...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.ExamModeViolation
	for rows.Next() {
		var v model.ExamModeViolation
		if err := rows.Scan(
			&v.ID, &v.ContestID, &v.UserID, &v.Role, &v.EventType,
			&v.Reason, &v.Outcome, &v.ViolationCount, &v.RecordedAt,
		); err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, rows.Err()
}
