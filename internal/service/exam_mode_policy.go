package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// Exam-mode transition errors.
var (
	ErrInvalidTransition = errors.New("invalid exam-mode transition")
	ErrInvalidStatus     = errors.New("invalid exam-mode status")
	ErrUnlockNotDue      = errors.New("automatic unlock not due")
)

const defaultProctorLockReason = "Locked by proctor"

// violationPolicy is the authority's lock rule for counted violations.
type violationPolicy struct {
	autoUnlockAfter time.Duration
	now             time.Time
}

// applyViolation counts one violation from a non-privileged candidate. Only an
// in_progress session counts; exceeding the warning budget locks it.
func applyViolation(s *model.ExamModeSession, p violationPolicy) model.ViolationOutcome {
	if s.Status != proctor.StatusInProgress {
		return model.ViolationIgnored
	}

	s.ViolationCount++
	if s.ViolationCount <= s.MaxWarnings {
		return model.ViolationCounted
	}

	reason := fmt.Sprintf("Violation limit exceeded (%d/%d)", s.ViolationCount, s.MaxWarnings)
	s.Status = proctor.StatusLocked
	s.LockReason = &reason
	s.AutoUnlockAt = nil
	if p.autoUnlockAfter > 0 {
		at := p.now.Add(p.autoUnlockAfter).UTC().Truncate(time.Second)
		s.AutoUnlockAt = &at
	}
	return model.ViolationLocked
}

// verdictFor builds the verdict returned for a reported violation.
func verdictFor(s *model.ExamModeSession, outcome model.ViolationOutcome) proctor.Verdict {
	v := proctor.Verdict{
		ViolationCount: s.ViolationCount,
		MaxWarnings:    s.MaxWarnings,
		AutoUnlockAt:   s.AutoUnlockAt,
	}
	if outcome == model.ViolationBypass {
		v.Bypass = true
		return v
	}
	v.Locked = s.Status == proctor.StatusLocked
	return v
}

func startTransition(s *model.ExamModeSession, now time.Time) error {
	switch s.Status {
	case proctor.StatusNotStarted, proctor.StatusPaused:
	default:
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.Status)
	}
	s.Status = proctor.StatusInProgress
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	return nil
}

// endTransition submits the exam. Ending an already submitted exam is a no-op.
func endTransition(s *model.ExamModeSession, now time.Time) bool {
	if s.Status == proctor.StatusSubmitted {
		return false
	}
	s.Status = proctor.StatusSubmitted
	s.LockReason = nil
	s.AutoUnlockAt = nil
	s.SubmittedAt = &now
	return true
}

// unlockTransition moves locked to paused. With requireDue it only succeeds
// once the scheduled automatic unlock time has passed.
func unlockTransition(s *model.ExamModeSession, now time.Time, requireDue bool) error {
	if s.Status != proctor.StatusLocked {
		return fmt.Errorf("%w: unlock from %s", ErrInvalidTransition, s.Status)
	}
	if requireDue && (s.AutoUnlockAt == nil || now.Before(*s.AutoUnlockAt)) {
		return ErrUnlockNotDue
	}
	s.Status = proctor.StatusPaused
	s.LockReason = nil
	s.AutoUnlockAt = nil
	return nil
}

// forceTransition applies an administrative status change from any status.
func forceTransition(s *model.ExamModeSession, status proctor.ExamStatus, reason string, now time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	s.Status = status
	s.AutoUnlockAt = nil
	s.LockReason = nil

	switch status {
	case proctor.StatusLocked:
		if reason == "" {
			reason = defaultProctorLockReason
		}
		s.LockReason = &reason
	case proctor.StatusInProgress:
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
	case proctor.StatusSubmitted:
		if s.SubmittedAt == nil {
			s.SubmittedAt = &now
		}
	case proctor.StatusNotStarted:
		s.ViolationCount = 0
		s.StartedAt = nil
		s.SubmittedAt = nil
	}
	return nil
}
