package store

import (
	"context"
	"errors"
	"time"

	"github.com/remedyhq/remedy/internal/models"
)

// Sentinel errors surfaced by store implementations. Everything else is a
// transient storage failure and is propagated wrapped.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrActiveSessionExists indicates an active session already holds the
	// (project_id, source_ref) key. Callers resolve it by fetching the
	// existing session.
	ErrActiveSessionExists = errors.New("active session already exists for key")

	// ErrAttemptInFlight indicates the session already has a pending fix
	// attempt. Callers should re-read session state rather than retry the
	// write.
	ErrAttemptInFlight = errors.New("fix attempt already in flight")

	// ErrSessionNotActive indicates the session had left the active
	// status by the time the write executed.
	ErrSessionNotActive = errors.New("session is not active")
)

// SessionFilter specifies filters for listing sessions.
type SessionFilter struct {
	ProjectID string
	Kind      models.SessionKind
	Status    models.SessionStatus
	Limit     int
}

// Store defines the persistence interface for remedy. The lifecycle manager
// is the sole writer of session and fix-attempt records; all cross-request
// coordination happens through the store's atomicity guarantees.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetActiveSessionByKey(ctx context.Context, projectID, sourceRef string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	// UpdateSessionStatus performs a compare-and-set status transition.
	// It returns false (and no error) when the session was no longer in
	// the `from` status at write time.
	UpdateSessionStatus(ctx context.Context, id string, from, to models.SessionStatus) (bool, error)
	AppendConversationTurn(ctx context.Context, id string, turn models.ConversationTurn) error
	DeleteSession(ctx context.Context, id string) error

	// Fix attempts. CreateFixAttempt atomically allocates the next
	// attempt_number, bumps the session's fix_iteration, and fails with
	// ErrAttemptInFlight if a pending attempt exists or with
	// ErrSessionNotActive if the session is no longer active at write
	// time.
	CreateFixAttempt(ctx context.Context, sessionID, branchName string) (*models.FixAttempt, error)
	GetFixAttempt(ctx context.Context, id string) (*models.FixAttempt, error)
	ListFixAttempts(ctx context.Context, sessionID string) ([]*models.FixAttempt, error)
	UpdateFixAttempt(ctx context.Context, a *models.FixAttempt) error

	// Expiry
	ListExpiredActive(ctx context.Context, now time.Time) ([]*models.Session, error)

	// Tracked files
	UpsertTrackedFile(ctx context.Context, f *models.TrackedFile) error
	ListTrackedFiles(ctx context.Context, sessionID string) ([]*models.TrackedFile, error)

	// Historical fixes
	CreateHistoricalFix(ctx context.Context, rec *models.HistoricalFixRecord) error
	ListHistoricalFixesBySignature(ctx context.Context, signatureHash string, limit int) ([]*models.HistoricalFixRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
