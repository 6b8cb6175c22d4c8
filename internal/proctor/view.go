package proctor

import "time"

// Candidate-facing error messages. Raw diagnostics only go to the log.
const (
	MsgRefreshFailed = "Unable to reach the exam server. Retrying."
	MsgReportFailed  = "Unable to confirm this warning with the exam server."
	MsgSubmitFailed  = "Unable to submit the exam. Please try again."
	MsgStartFailed   = "Unable to start the exam. Please try again."
)

// View is everything the presentation layer needs to render exam mode.
type View struct {
	State ExamState
	// Countdown is the grace-period overlay value; the overlay shows while > 0.
	Countdown    int
	Armed        bool
	Warning      WarningModal
	UnlockNotice bool
	ExitConfirm  ExitConfirm
	// LockScreen is set while the exam is locked.
	LockScreen *LockScreen
	LastError  string
}

// WarningModal is the blocking modal shown while a violation is reported.
type WarningModal struct {
	Open bool
	// Pending is set while the authority call is outstanding; the confirm
	// action is disabled and outside clicks never dismiss the modal.
	Pending bool
	// Failed is the sentinel error verdict: the report did not go through and
	// the exam is treated as not locked.
	Failed  bool
	Event   ViolationEvent
	Verdict *Verdict
}

// CanConfirm reports whether the confirm action is enabled.
func (w WarningModal) CanConfirm() bool {
	return w.Open && !w.Pending
}

// Locked reports whether the acknowledged verdict locks the exam.
func (w WarningModal) Locked() bool {
	return !w.Failed && w.Verdict != nil && w.Verdict.Locked && !w.Verdict.Bypass
}

// AccumulatedViolations is the count shown in the modal.
func (w WarningModal) AccumulatedViolations() int {
	if w.Verdict == nil {
		return 0
	}
	return w.Verdict.ViolationCount
}

// RemainingChances is the number of further warnings before a lock.
func (w WarningModal) RemainingChances() int {
	if w.Verdict == nil {
		return 0
	}
	return remainingChances(w.Verdict.ViolationCount, w.Verdict.MaxWarnings)
}

// ExitConfirm asks a candidate who left fullscreen to resume or submit.
type ExitConfirm struct {
	Open       bool
	Submitting bool
	Failed     bool
}

// LockScreen is the overlay shown while locked.
type LockScreen struct {
	Reason     string
	AutoUnlock bool
	Remaining  time.Duration
}
