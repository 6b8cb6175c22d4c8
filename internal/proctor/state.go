// Package proctor implements exam mode: the anti-cheat monitor that runs on the
// candidate's side during an invigilated contest. It detects integrity
// violations, reports them to the trust authority one at a time, applies the
// authority's verdict and keeps the candidate in fullscreen while monitoring.
package proctor

import "time"

// ExamStatus is the authoritative exam-mode status reported by the trust authority.
type ExamStatus string

const (
	StatusNotStarted ExamStatus = "not_started"
	StatusInProgress ExamStatus = "in_progress"
	StatusPaused     ExamStatus = "paused"
	StatusLocked     ExamStatus = "locked"
	StatusSubmitted  ExamStatus = "submitted"
)

// Valid reports whether s is one of the known statuses.
func (s ExamStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusPaused, StatusLocked, StatusSubmitted:
		return true
	}
	return false
}

// FullscreenBound reports whether the candidate must stay in fullscreen while in s.
func (s ExamStatus) FullscreenBound() bool {
	return s == StatusInProgress || s == StatusLocked || s == StatusPaused
}

// Held reports whether s freezes the candidate behind an overlay (locked or paused).
func (s ExamStatus) Held() bool {
	return s == StatusLocked || s == StatusPaused
}

// Role is the contest role of the user running the session.
type Role string

const (
	RoleCandidate Role = "candidate"
	RoleProctor   Role = "proctor"
	RoleAdmin     Role = "admin"
)

// Privileged roles bypass detection and enforcement entirely.
func (r Role) Privileged() bool {
	return r == RoleProctor || r == RoleAdmin
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleCandidate || r.Privileged()
}

// ViolationKind identifies which integrity signal produced a violation.
type ViolationKind string

const (
	ViolationTabHidden      ViolationKind = "tab_hidden"
	ViolationWindowBlur     ViolationKind = "window_blur"
	ViolationExitFullscreen ViolationKind = "exit_fullscreen"
)

// Valid reports whether k is one of the known violation kinds.
func (k ViolationKind) Valid() bool {
	return k == ViolationTabHidden || k == ViolationWindowBlur || k == ViolationExitFullscreen
}

// ViolationEvent is a qualifying violation about to be reported. It is never
// persisted on the candidate side.
type ViolationEvent struct {
	Kind   ViolationKind `json:"event_type"`
	Reason string        `json:"reason"`
}

// StatusSnapshot is the authority's view of a candidate's exam-mode session.
type StatusSnapshot struct {
	Status         ExamStatus `json:"status"`
	LockReason     string     `json:"lock_reason,omitempty"`
	AutoUnlockAt   *time.Time `json:"auto_unlock_at,omitempty"`
	ViolationCount int        `json:"violation_count"`
	MaxWarnings    int        `json:"max_warnings"`
}

// Verdict is the authority's decision on a reported violation.
// Bypass means the event was recorded for audit but ignored for policy.
type Verdict struct {
	ViolationCount int        `json:"violation_count"`
	MaxWarnings    int        `json:"max_warnings"`
	AutoUnlockAt   *time.Time `json:"auto_unlock_at,omitempty"`
	Locked         bool       `json:"locked"`
	Bypass         bool       `json:"bypass"`
}

// ExamState is the candidate-side exam-mode state. It is only mutated by the
// Machine; IsActive and IsLocked are derived from Status.
type ExamState struct {
	Status         ExamStatus
	ViolationCount int
	MaxWarnings    int
	LockReason     string
	AutoUnlockAt   *time.Time
}

// IsActive reports whether monitoring is armed for this status.
func (s ExamState) IsActive() bool { return s.Status == StatusInProgress }

// IsLocked reports whether answer submission is frozen.
func (s ExamState) IsLocked() bool { return s.Status == StatusLocked }

// RemainingChances is the number of further violations tolerated before a lock.
func (s ExamState) RemainingChances() int {
	return remainingChances(s.ViolationCount, s.MaxWarnings)
}

func remainingChances(count, max int) int {
	if count >= max {
		return 0
	}
	return max - count
}
