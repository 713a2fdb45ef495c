package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/remedyhq/remedy/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent webhook
	// deliveries and sweeper ticks.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys (ON DELETE CASCADE / SET NULL depend on this)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure
// mentioning the given column, which identifies which index fired.
func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}

// marshalJSON encodes v, falling back to the given literal on nil slices so
// columns never hold SQL NULL.
func marshalJSON(v any, fallback string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return fallback
	}
	return string(data)
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `id, kind, project_id, source_ref, status, payload, conversation,
	fixes_applied, current_fix_branch, fix_iteration, parent_session_id,
	created_at, last_activity_at, expires_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusActive
	}

	payload := string(sess.Payload)
	if payload == "" {
		payload = "{}"
	}

	// Empty source_ref is stored as NULL so branched retry sessions stay
	// outside the active-key unique index.
	var sourceRef, parentID sql.NullString
	if sess.SourceRef != "" {
		sourceRef = sql.NullString{String: sess.SourceRef, Valid: true}
	}
	if sess.ParentSessionID != "" {
		parentID = sql.NullString{String: sess.ParentSessionID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Kind), sess.ProjectID, sourceRef, string(sess.Status),
		payload, marshalJSON(sess.Conversation, "[]"), marshalJSON(sess.FixesApplied, "[]"),
		sess.CurrentFixBranch, sess.FixIteration, parentID,
		sess.CreatedAt, sess.LastActivityAt, sess.ExpiresAt,
	)
	if isUniqueViolation(err, "sessions.project_id") {
		return ErrActiveSessionExists
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetActiveSessionByKey(ctx context.Context, projectID, sourceRef string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? AND source_ref = ? AND status = 'active'`,
		projectID, sourceRef)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("active session for (%s, %s): %w", projectID, sourceRef, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active session by key: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	sess.LastActivityAt = time.Now().UTC()

	var sourceRef, parentID sql.NullString
	if sess.SourceRef != "" {
		sourceRef = sql.NullString{String: sess.SourceRef, Valid: true}
	}
	if sess.ParentSessionID != "" {
		parentID = sql.NullString{String: sess.ParentSessionID, Valid: true}
	}

	payload := string(sess.Payload)
	if payload == "" {
		payload = "{}"
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status=?, payload=?, conversation=?, fixes_applied=?,
			current_fix_branch=?, fix_iteration=?, source_ref=?, parent_session_id=?,
			last_activity_at=?, expires_at=?
		WHERE id=?`,
		string(sess.Status), payload,
		marshalJSON(sess.Conversation, "[]"), marshalJSON(sess.FixesApplied, "[]"),
		sess.CurrentFixBranch, sess.FixIteration, sourceRef, parentID,
		sess.LastActivityAt, sess.ExpiresAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, from, to models.SessionStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status=?, last_activity_at=? WHERE id=? AND status=?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) AppendConversationTurn(ctx context.Context, id string, turn models.ConversationTurn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT conversation FROM sessions WHERE id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read conversation: %w", err)
	}

	var turns []models.ConversationTurn
	_ = json.Unmarshal([]byte(raw), &turns)
	turns = append(turns, turn)

	_, err = tx.ExecContext(ctx,
		"UPDATE sessions SET conversation=?, last_activity_at=? WHERE id=?",
		marshalJSON(turns, "[]"), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("append conversation turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	sess := &models.Session{}
	var kind, status, payload, conversation, fixesApplied string
	var sourceRef, parentID sql.NullString

	err := row.Scan(&sess.ID, &kind, &sess.ProjectID, &sourceRef, &status,
		&payload, &conversation, &fixesApplied,
		&sess.CurrentFixBranch, &sess.FixIteration, &parentID,
		&sess.CreatedAt, &sess.LastActivityAt, &sess.ExpiresAt)
	if err != nil {
		return nil, err
	}

	sess.Kind = models.SessionKind(kind)
	sess.Status = models.SessionStatus(status)
	sess.Payload = []byte(payload)
	if sourceRef.Valid {
		sess.SourceRef = sourceRef.String
	}
	if parentID.Valid {
		sess.ParentSessionID = parentID.String
	}
	_ = json.Unmarshal([]byte(conversation), &sess.Conversation)
	_ = json.Unmarshal([]byte(fixesApplied), &sess.FixesApplied)
	return sess, nil
}

// --- Fix attempts ---

const attemptColumns = `id, session_id, attempt_number, branch_name, status,
	files_changed, error_details, started_at, completed_at`

func (s *SQLiteStore) CreateFixAttempt(ctx context.Context, sessionID, branchName string) (*models.FixAttempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Status is read inside the transaction so a session expired or
	// resolved by a concurrent writer cannot accept a new attempt.
	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if models.SessionStatus(status) != models.SessionStatusActive {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, status, ErrSessionNotActive)
	}

	var next int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM fix_attempts WHERE session_id = ?",
		sessionID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("allocate attempt number: %w", err)
	}

	attempt := &models.FixAttempt{
		ID:            newULID(),
		SessionID:     sessionID,
		AttemptNumber: next,
		BranchName:    branchName,
		Status:        models.AttemptStatusPending,
		StartedAt:     time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO fix_attempts (id, session_id, attempt_number, branch_name, status, files_changed, started_at)
		VALUES (?, ?, ?, ?, ?, '[]', ?)`,
		attempt.ID, attempt.SessionID, attempt.AttemptNumber, attempt.BranchName,
		string(attempt.Status), attempt.StartedAt,
	)
	// The single-pending partial index only names session_id; the pair
	// constraints name their second column.
	if isUniqueViolation(err, "fix_attempts.branch_name") {
		return nil, fmt.Errorf("branch %q already used in session %s: %w", branchName, sessionID, err)
	}
	if isUniqueViolation(err, "fix_attempts.session_id") {
		return nil, ErrAttemptInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("create fix attempt: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET current_fix_branch=?, fix_iteration=?, last_activity_at=? WHERE id=?`,
		branchName, next, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("update session fix state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return attempt, nil
}

func (s *SQLiteStore) GetFixAttempt(ctx context.Context, id string) (*models.FixAttempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts WHERE id = ?`, id)
	attempt, err := scanFixAttempt(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("fix attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get fix attempt: %w", err)
	}
	return attempt, nil
}

func (s *SQLiteStore) ListFixAttempts(ctx context.Context, sessionID string) ([]*models.FixAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts
		WHERE session_id = ? ORDER BY attempt_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list fix attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []*models.FixAttempt
	for rows.Next() {
		attempt, err := scanFixAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fix attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func (s *SQLiteStore) UpdateFixAttempt(ctx context.Context, a *models.FixAttempt) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE fix_attempts SET status=?, files_changed=?, error_details=?, completed_at=?
		WHERE id=?`,
		string(a.Status), marshalJSON(a.FilesChanged, "[]"), a.ErrorDetails, a.CompletedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update fix attempt: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("fix attempt %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func scanFixAttempt(row scanner) (*models.FixAttempt, error) {
	attempt := &models.FixAttempt{}
	var status, filesChanged string
	var completedAt sql.NullTime

	err := row.Scan(&attempt.ID, &attempt.SessionID, &attempt.AttemptNumber,
		&attempt.BranchName, &status, &filesChanged, &attempt.ErrorDetails,
		&attempt.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	attempt.Status = models.AttemptStatus(status)
	_ = json.Unmarshal([]byte(filesChanged), &attempt.FilesChanged)
	if completedAt.Valid {
		attempt.CompletedAt = &completedAt.Time
	}
	return attempt, nil
}

// --- Expiry ---

func (s *SQLiteStore) ListExpiredActive(ctx context.Context, now time.Time) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' AND expires_at <= ?
		ORDER BY expires_at ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Tracked files ---

func (s *SQLiteStore) UpsertTrackedFile(ctx context.Context, f *models.TrackedFile) error {
	now := time.Now().UTC()
	if f.FirstTrackedAt.IsZero() {
		f.FirstTrackedAt = now
	}
	f.LastFetchedAt = now

	// First insert keeps the content as both original and latest; re-fetch
	// only moves latest.
	original := f.OriginalContent
	if original == "" {
		original = f.LatestContent
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_files (session_id, file_path, original_content, latest_content, first_tracked_at, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, file_path)
		DO UPDATE SET latest_content = excluded.latest_content,
			last_fetched_at = excluded.last_fetched_at`,
		f.SessionID, f.FilePath, original, f.LatestContent, f.FirstTrackedAt, f.LastFetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert tracked file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTrackedFiles(ctx context.Context, sessionID string) ([]*models.TrackedFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, file_path, original_content, latest_content, first_tracked_at, last_fetched_at
		FROM tracked_files WHERE session_id = ? ORDER BY file_path`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tracked files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []*models.TrackedFile
	for rows.Next() {
		f := &models.TrackedFile{}
		if err := rows.Scan(&f.SessionID, &f.FilePath, &f.OriginalContent,
			&f.LatestContent, &f.FirstTrackedAt, &f.LastFetchedAt); err != nil {
			return nil, fmt.Errorf("scan tracked file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// --- Historical fixes ---

func (s *SQLiteStore) CreateHistoricalFix(ctx context.Context, rec *models.HistoricalFixRecord) error {
	if rec.ID == "" {
		rec.ID = newULID()
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = time.Now().UTC()
	}

	var sessionID sql.NullString
	if rec.SessionID != "" {
		sessionID = sql.NullString{String: rec.SessionID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO historical_fixes (id, session_id, signature_hash, fix_description, fix_category, confidence, success_confirmed, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, sessionID, rec.SignatureHash, rec.FixDescription, rec.FixCategory,
		rec.Confidence, rec.SuccessConfirmed, rec.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("create historical fix: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListHistoricalFixesBySignature(ctx context.Context, signatureHash string, limit int) ([]*models.HistoricalFixRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, signature_hash, fix_description, fix_category, confidence, success_confirmed, applied_at
		FROM historical_fixes
		WHERE signature_hash = ? AND success_confirmed = 1
		ORDER BY applied_at DESC LIMIT ?`, signatureHash, limit)
	if err != nil {
		return nil, fmt.Errorf("list historical fixes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*models.HistoricalFixRecord
	for rows.Next() {
		rec := &models.HistoricalFixRecord{}
		var sessionID sql.NullString
		if err := rows.Scan(&rec.ID, &sessionID, &rec.SignatureHash, &rec.FixDescription,
			&rec.FixCategory, &rec.Confidence, &rec.SuccessConfirmed, &rec.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan historical fix: %w", err)
		}
		if sessionID.Valid {
			rec.SessionID = sessionID.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
