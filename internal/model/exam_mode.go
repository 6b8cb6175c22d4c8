package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ExamModeSession is the authority's record of one candidate's exam-mode
// state on one contest.
type ExamModeSession struct {
	ContestID      uuid.UUID          `json:"contest_id"`
	UserID         int                `json:"user_id"`
	Status         proctor.ExamStatus `json:"status"`
	LockReason     *string            `json:"lock_reason,omitempty"`
	AutoUnlockAt   *time.Time         `json:"auto_unlock_at,omitempty"`
	ViolationCount int                `json:"violation_count"`
	MaxWarnings    int                `json:"max_warnings"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	SubmittedAt    *time.Time         `json:"submitted_at,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Snapshot is the candidate-visible view of the session.
func (s *ExamModeSession) Snapshot() proctor.StatusSnapshot {
	snap := proctor.StatusSnapshot{
		Status:         s.Status,
		AutoUnlockAt:   s.AutoUnlockAt,
		ViolationCount: s.ViolationCount,
		MaxWarnings:    s.MaxWarnings,
	}
	if s.LockReason != nil {
		snap.LockReason = *s.LockReason
	}
	return snap
}

// ViolationOutcome records what the authority did with a reported violation.
type ViolationOutcome string

const (
	ViolationCounted ViolationOutcome = "counted"
	ViolationLocked  ViolationOutcome = "locked"
	// ViolationBypass marks reports from privileged roles.
	ViolationBypass ViolationOutcome = "bypass"
	// ViolationIgnored marks reports received outside in_progress.
	ViolationIgnored ViolationOutcome = "ignored"
)

// ExamModeViolation is one audit-log entry.
type ExamModeViolation struct {
	ID             uuid.UUID             `json:"id"`
	ContestID      uuid.UUID             `json:"contest_id"`
	UserID         int                   `json:"user_id"`
	Role           proctor.Role          `json:"role"`
	EventType      proctor.ViolationKind `json:"event_type"`
	Reason         string                `json:"reason"`
	Outcome        ViolationOutcome      `json:"outcome"`
	ViolationCount int                   `json:"violation_count"`
	RecordedAt     time.Time             `json:"recorded_at"`
}

// RecordViolationRequest is the payload a candidate posts for a violation.
type RecordViolationRequest struct {
	EventType string `json:"event_type" binding:"required,violation_kind"`
	Reason    string `json:"reason" binding:"max=500"`
}

// ForceStatusRequest is the payload for an administrative status change.
type ForceStatusRequest struct {
	Status     string `json:"status" binding:"required,exam_status"`
	LockReason string `json:"lock_reason" binding:"max=500"`
}
