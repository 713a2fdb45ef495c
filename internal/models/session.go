package models

import (
	"encoding/json"
	"time"
)

// SessionKind classifies which producer opened the session.
type SessionKind string

const (
	SessionKindPipelineFailure SessionKind = "pipeline_failure"
	SessionKindQualityGate     SessionKind = "quality_gate"
)

// Valid reports whether the kind is one a producer can emit.
func (k SessionKind) Valid() bool {
	return k == SessionKindPipelineFailure || k == SessionKindQualityGate
}

// SessionStatus represents the lifecycle state of a debugging session.
// Active is the only non-terminal state; resolved, abandoned, and expired
// are absorbing.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusResolved  SessionStatus = "resolved"
	SessionStatusAbandoned SessionStatus = "abandoned"
	SessionStatusExpired   SessionStatus = "expired"
)

// Terminal reports whether the status is absorbing.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusResolved, SessionStatusAbandoned, SessionStatusExpired:
		return true
	}
	return false
}

// Conversation turn roles. Producer turns record webhook deliveries, system
// turns record lifecycle events, assistant turns record reasoning output.
const (
	TurnRoleProducer  = "producer"
	TurnRoleSystem    = "system"
	TurnRoleAssistant = "assistant"
)

// ConversationTurn is one entry in a session's append-only conversation log.
type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a bounded-lifetime debugging context opened for one failure.
//
// At most one active session exists per (ProjectID, SourceRef) pair; webhook
// re-deliveries attach to the existing session instead of creating a new one.
// ExpiresAt is fixed at creation and is not moved by activity unless the
// session is explicitly renewed.
type Session struct {
	ID        string
	Kind      SessionKind
	ProjectID string
	SourceRef string // producer run/task id; empty for branched retry sessions
	Status    SessionStatus

	// Payload is the normalized event data as delivered by the adapter,
	// opaque to the lifecycle manager beyond the classification fields.
	Payload      json.RawMessage
	Conversation []ConversationTurn
	FixesApplied []string

	CurrentFixBranch string
	FixIteration     int

	// ParentSessionID links a branched retry session to the session it
	// restarted from. Weak reference: deleting the parent nulls it out.
	ParentSessionID string

	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
}
