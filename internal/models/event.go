package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEvent indicates a failure event missing required classification
// fields. Adapters are expected to reject these before delivery; the check
// here is the backstop.
var ErrInvalidEvent = errors.New("invalid failure event")

// FailureEvent is the normalized form of a producer webhook, as translated by
// an event adapter. Kind, ProjectID, and SourceRef are the only fields the
// lifecycle manager inspects; Payload is carried through opaquely.
type FailureEvent struct {
	Kind      SessionKind     `json:"kind"`
	ProjectID string          `json:"project_id"`
	SourceRef string          `json:"source_ref"`
	Payload   json.RawMessage `json:"payload"`
}

// Validate checks the classification fields required for session admission.
func (e FailureEvent) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalidEvent)
	}
	return nil
}
