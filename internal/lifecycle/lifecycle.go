// Package lifecycle owns the session state machine: event admission with
// dedup, fix-attempt sequencing, resolution, branching, and expiry. All
// cross-request coordination is delegated to the store's atomicity
// guarantees, so the manager itself holds no mutable state.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/similarity"
	"github.com/remedyhq/remedy/internal/store"
)

// ErrInvalidState indicates the caller attempted a transition that is not
// valid from the session's (or attempt's) current state. Surfaced as-is,
// never retried.
var ErrInvalidState = errors.New("invalid state for operation")

const (
	// DefaultSessionTTL is the fixed expiry horizon. Activity does not
	// extend it; only an explicit Renew does.
	DefaultSessionTTL = 4 * time.Hour

	// DefaultRetryCeiling is the fix_iteration count past which branching
	// abandons the parent session.
	DefaultRetryCeiling = 3
)

// Config holds lifecycle policy values, all externally supplied.
type Config struct {
	SessionTTL   time.Duration
	RetryCeiling int
}

// Manager drives sessions through Active -> {Resolved, Abandoned, Expired}.
type Manager struct {
	store  store.Store
	index  similarity.Index
	logger *slog.Logger
	cfg    Config

	now func() time.Time
}

// NewManager creates a Manager. Zero config fields fall back to defaults.
func NewManager(s store.Store, idx similarity.Index, logger *slog.Logger, cfg Config) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = DefaultRetryCeiling
	}
	return &Manager{
		store:  s,
		index:  idx,
		logger: logger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AdmitEvent converts a normalized failure event into a session. Re-delivery
// of an event for an existing active (project_id, source_ref) key returns
// that session with the payload appended as a conversation turn instead of
// creating a duplicate. The returned bool reports whether a session was
// created.
func (m *Manager) AdmitEvent(ctx context.Context, ev models.FailureEvent) (*models.Session, bool, error) {
	if err := ev.Validate(); err != nil {
		return nil, false, err
	}

	if ev.SourceRef != "" {
		existing, err := m.store.GetActiveSessionByKey(ctx, ev.ProjectID, ev.SourceRef)
		if err == nil {
			return m.attachRedelivery(ctx, existing, ev)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("look up active session: %w", err)
		}
	}

	now := m.now()
	sess := &models.Session{
		Kind:      ev.Kind,
		ProjectID: ev.ProjectID,
		SourceRef: ev.SourceRef,
		Status:    models.SessionStatusActive,
		Payload:   ev.Payload,
		Conversation: []models.ConversationTurn{
			{Role: models.TurnRoleProducer, Content: string(ev.Payload), Timestamp: now},
		},
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.cfg.SessionTTL),
	}

	err := m.store.CreateSession(ctx, sess)
	if errors.Is(err, store.ErrActiveSessionExists) {
		// Lost the creation race to a concurrent delivery of the same
		// event; the winner's session is the session.
		existing, getErr := m.store.GetActiveSessionByKey(ctx, ev.ProjectID, ev.SourceRef)
		if getErr != nil {
			return nil, false, fmt.Errorf("fetch session after creation race: %w", getErr)
		}
		return m.attachRedelivery(ctx, existing, ev)
	}
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}

	m.logger.Info("session created",
		"session_id", sess.ID, "kind", sess.Kind,
		"project_id", sess.ProjectID, "source_ref", sess.SourceRef,
		"expires_at", sess.ExpiresAt)
	return sess, true, nil
}

func (m *Manager) attachRedelivery(ctx context.Context, sess *models.Session, ev models.FailureEvent) (*models.Session, bool, error) {
	turn := models.ConversationTurn{
		Role:      models.TurnRoleProducer,
		Content:   string(ev.Payload),
		Timestamp: m.now(),
	}
	if err := m.store.AppendConversationTurn(ctx, sess.ID, turn); err != nil {
		return nil, false, fmt.Errorf("append redelivered event: %w", err)
	}
	sess.Conversation = append(sess.Conversation, turn)

	m.logger.Info("event attached to existing session",
		"session_id", sess.ID, "project_id", ev.ProjectID, "source_ref", ev.SourceRef)
	return sess, false, nil
}

// RecordFixAttempt opens the next fix attempt for a session. The session
// must be Active with no pending attempt; concurrent callers lose with
// store.ErrAttemptInFlight.
func (m *Manager) RecordFixAttempt(ctx context.Context, sessionID, branchName string) (*models.FixAttempt, error) {
	if branchName == "" {
		return nil, fmt.Errorf("branch name is required: %w", ErrInvalidState)
	}

	// No pre-read of the session: the store validates active status inside
	// the insert transaction, so a concurrent expiry or resolution cannot
	// slip an attempt onto a terminal session.
	attempt, err := m.store.CreateFixAttempt(ctx, sessionID, branchName)
	if errors.Is(err, store.ErrSessionNotActive) {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}

	m.logger.Info("fix attempt recorded",
		"session_id", sessionID, "attempt_id", attempt.ID,
		"attempt_number", attempt.AttemptNumber, "branch", branchName)
	return attempt, nil
}

// Outcome carries the terminal fields for a fix attempt. Description,
// category, and confidence come from the reasoning engine and are stored
// verbatim on success.
type Outcome struct {
	Status         models.AttemptStatus
	FilesChanged   []string
	ErrorDetails   string
	FixDescription string
	FixCategory    string
	Confidence     float64
}

// CompleteFixAttempt closes a pending attempt. Success resolves the session
// and records a historical fix for future similarity lookups; failure leaves
// the session Active for another attempt or an explicit branch.
func (m *Manager) CompleteFixAttempt(ctx context.Context, attemptID string, outcome Outcome) (*models.FixAttempt, error) {
	if outcome.Status != models.AttemptStatusSuccess && outcome.Status != models.AttemptStatusFailed {
		return nil, fmt.Errorf("outcome must be success or failed: %w", ErrInvalidState)
	}

	attempt, err := m.store.GetFixAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status.Terminal() {
		return nil, fmt.Errorf("attempt %s already %s: %w", attemptID, attempt.Status, ErrInvalidState)
	}

	now := m.now()
	attempt.Status = outcome.Status
	attempt.FilesChanged = outcome.FilesChanged
	attempt.ErrorDetails = outcome.ErrorDetails
	attempt.CompletedAt = &now
	if err := m.store.UpdateFixAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	if outcome.Status == models.AttemptStatusSuccess {
		if err := m.resolveSession(ctx, attempt, outcome); err != nil {
			return nil, err
		}
	} else {
		turn := models.ConversationTurn{
			Role:      models.TurnRoleSystem,
			Content:   fmt.Sprintf("fix attempt %d (%s) failed: %s", attempt.AttemptNumber, attempt.BranchName, outcome.ErrorDetails),
			Timestamp: now,
		}
		if err := m.store.AppendConversationTurn(ctx, attempt.SessionID, turn); err != nil {
			m.logger.Warn("failed to record attempt failure turn",
				"session_id", attempt.SessionID, "error", err)
		}
	}

	m.logger.Info("fix attempt completed",
		"session_id", attempt.SessionID, "attempt_id", attempt.ID,
		"attempt_number", attempt.AttemptNumber, "status", attempt.Status)
	return attempt, nil
}

func (m *Manager) resolveSession(ctx context.Context, attempt *models.FixAttempt, outcome Outcome) error {
	ok, err := m.store.UpdateSessionStatus(ctx, attempt.SessionID,
		models.SessionStatusActive, models.SessionStatusResolved)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	if !ok {
		// The session left Active concurrently (sweeper or operator).
		// The attempt outcome stands; the terminal status wins.
		m.logger.Warn("session no longer active at resolution",
			"session_id", attempt.SessionID, "attempt_id", attempt.ID)
	}

	sess, err := m.store.GetSession(ctx, attempt.SessionID)
	if err != nil {
		return err
	}

	sess.FixesApplied = append(sess.FixesApplied, attempt.BranchName)
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("record applied fix: %w", err)
	}

	// Historical record persistence is decoupled from the resolution
	// transaction; the index worker retries out of band.
	desc := outcome.FixDescription
	if desc == "" {
		desc = fmt.Sprintf("fix applied on branch %s", attempt.BranchName)
	}
	m.index.Record(&models.HistoricalFixRecord{
		SessionID:        sess.ID,
		SignatureHash:    similarity.Signature(sess.Kind, sess.Payload),
		FixDescription:   desc,
		FixCategory:      outcome.FixCategory,
		Confidence:       outcome.Confidence,
		SuccessConfirmed: true,
		AppliedAt:        m.now(),
	})
	return nil
}

// BranchRetrySession creates a fresh child session linked to the parent via
// parent_session_id. The child inherits the parent's classification but
// carries no source ref, so producer re-deliveries keep attaching to the
// parent while it remains Active. When the parent's fix_iteration has passed
// the configured retry ceiling, the parent is abandoned.
func (m *Manager) BranchRetrySession(ctx context.Context, parentID string, newPayload json.RawMessage) (*models.Session, error) {
	parent, err := m.store.GetSession(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status != models.SessionStatusActive {
		return nil, fmt.Errorf("cannot branch from %s session %s: %w", parent.Status, parentID, ErrInvalidState)
	}

	payload := newPayload
	if len(payload) == 0 {
		payload = parent.Payload
	}

	now := m.now()
	child := &models.Session{
		Kind:      parent.Kind,
		ProjectID: parent.ProjectID,
		Status:    models.SessionStatusActive,
		Payload:   payload,
		Conversation: []models.ConversationTurn{
			{
				Role:      models.TurnRoleSystem,
				Content:   fmt.Sprintf("branched from session %s after %d fix attempts", parent.ID, parent.FixIteration),
				Timestamp: now,
			},
		},
		ParentSessionID: parent.ID,
		CreatedAt:       now,
		LastActivityAt:  now,
		ExpiresAt:       now.Add(m.cfg.SessionTTL),
	}
	if err := m.store.CreateSession(ctx, child); err != nil {
		return nil, fmt.Errorf("create branch session: %w", err)
	}

	if parent.FixIteration > m.cfg.RetryCeiling {
		ok, err := m.store.UpdateSessionStatus(ctx, parent.ID,
			models.SessionStatusActive, models.SessionStatusAbandoned)
		if err != nil {
			m.logger.Warn("failed to abandon parent past retry ceiling",
				"session_id", parent.ID, "error", err)
		} else if ok {
			m.logger.Info("parent session abandoned past retry ceiling",
				"session_id", parent.ID, "fix_iteration", parent.FixIteration,
				"retry_ceiling", m.cfg.RetryCeiling)
		}
	}

	m.logger.Info("branch session created",
		"session_id", child.ID, "parent_session_id", parent.ID)
	return child, nil
}

// Abandon moves a session from Active to Abandoned. Abandoning an
// already-terminal session is a no-op.
func (m *Manager) Abandon(ctx context.Context, sessionID string) error {
	ok, err := m.store.UpdateSessionStatus(ctx, sessionID,
		models.SessionStatusActive, models.SessionStatusAbandoned)
	if err != nil {
		return fmt.Errorf("abandon session: %w", err)
	}
	if ok {
		m.logger.Info("session abandoned", "session_id", sessionID)
		return nil
	}

	// CAS lost: either the session does not exist, or it is already
	// terminal (idempotent).
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return nil
}

// Expire moves a session from Active to Expired if its deadline has passed.
// Invoked by the sweeper; the compare-and-set guarantees a just-resolved
// session is never expired after the fact. Returns whether the transition
// happened.
func (m *Manager) Expire(ctx context.Context, sessionID string) (bool, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.Status != models.SessionStatusActive || m.now().Before(sess.ExpiresAt) {
		return false, nil
	}

	ok, err := m.store.UpdateSessionStatus(ctx, sessionID,
		models.SessionStatusActive, models.SessionStatusExpired)
	if err != nil {
		return false, fmt.Errorf("expire session: %w", err)
	}
	if ok {
		m.logger.Info("session expired", "session_id", sessionID, "expires_at", sess.ExpiresAt)
	}
	return ok, nil
}

// Renew pushes an Active session's expiry out by another TTL from now. The
// deadline never moves implicitly; this is the only way to extend it.
func (m *Manager) Renew(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionStatusActive {
		return nil, fmt.Errorf("cannot renew %s session %s: %w", sess.Status, sessionID, ErrInvalidState)
	}

	sess.ExpiresAt = m.now().Add(m.cfg.SessionTTL)
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("renew session: %w", err)
	}

	m.logger.Info("session renewed", "session_id", sessionID, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// SimilarFixes returns confirmed historical fixes whose failure signature
// matches the session's payload. Best-effort: index trouble yields an empty
// slice.
func (m *Manager) SimilarFixes(ctx context.Context, sessionID string, limit int) ([]*models.HistoricalFixRecord, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sig := similarity.Signature(sess.Kind, sess.Payload)
	return m.index.Query(ctx, sig, limit), nil
}

// TrackFile snapshots a file's content into the session's working context.
// The first snapshot becomes the original; later ones only move latest.
func (m *Manager) TrackFile(ctx context.Context, sessionID, filePath, content string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrInvalidState)
	}
	return m.store.UpsertTrackedFile(ctx, &models.TrackedFile{
		SessionID:     sessionID,
		FilePath:      filePath,
		LatestContent: content,
	})
}
