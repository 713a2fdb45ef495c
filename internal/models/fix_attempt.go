package models

import "time"

// AttemptStatus represents the state of a single fix attempt.
type AttemptStatus string

const (
	AttemptStatusPending AttemptStatus = "pending"
	AttemptStatusSuccess AttemptStatus = "success"
	AttemptStatusFailed  AttemptStatus = "failed"
)

// Terminal reports whether the attempt has reached an outcome.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptStatusSuccess || s == AttemptStatusFailed
}

// FixAttempt is one remediation try within a session. Attempt numbers form a
// gapless increasing sequence starting at 1, and at most one attempt per
// session may be pending at a time.
type FixAttempt struct {
	ID            string
	SessionID     string
	AttemptNumber int
	BranchName    string
	Status        AttemptStatus
	FilesChanged  []string
	ErrorDetails  string
	StartedAt     time.Time
	CompletedAt   *time.Time
}
