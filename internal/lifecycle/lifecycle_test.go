package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/similarity"
	"github.com/remedyhq/remedy/internal/store"
)

func newTestManager(t *testing.T) (*Manager, store.Store, *similarity.StoreIndex) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx := similarity.NewStoreIndex(s, logger)
	t.Cleanup(idx.Close)

	m := NewManager(s, idx, logger, Config{})
	return m, s, idx
}

func testEvent(projectID, sourceRef string) models.FailureEvent {
	return models.FailureEvent{
		Kind:      models.SessionKindPipelineFailure,
		ProjectID: projectID,
		SourceRef: sourceRef,
		Payload:   []byte(`{"job":"build","error":"exit code 2"}`),
	}
}

func TestAdmitEventCreatesSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, created, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, models.SessionStatusActive, sess.Status)
	assert.Equal(t, 0, sess.FixIteration)
	require.Len(t, sess.Conversation, 1)
	assert.Equal(t, models.TurnRoleProducer, sess.Conversation[0].Role)

	// Fixed 4-hour horizon from creation.
	assert.WithinDuration(t, sess.CreatedAt.Add(DefaultSessionTTL), sess.ExpiresAt, time.Second)
}

func TestAdmitEventDedup(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, created, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)
	require.True(t, created)

	// Identical re-delivery attaches instead of creating.
	second, created, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Conversation, 2)

	// A different source ref is a different failure.
	third, created, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-43"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestAdmitEventConcurrentDedup(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	const n = 10
	ids := make([]string, n)
	createds := make([]bool, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, created, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
			errs[i] = err
			createds[i] = created
			if err == nil {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()

	// Every caller succeeds and sees the same session; exactly one of
	// them created it, the rest attached via the unique-key retry.
	creations := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
		if createds[i] {
			creations++
		}
	}
	assert.Equal(t, 1, creations)

	sessions, err := s.ListSessions(ctx, store.SessionFilter{ProjectID: "proj-7"})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestRecordFixAttemptConcurrent(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	sess, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)

	const n = 8
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.RecordFixAttempt(ctx, sess.ID, fmt.Sprintf("fix/racer-%d", i))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < n; i++ {
		if errs[i] == nil {
			winners++
		} else {
			assert.ErrorIs(t, errs[i], store.ErrAttemptInFlight)
		}
	}
	assert.Equal(t, 1, winners)

	// The winner holds attempt_number 1; no gaps, no duplicates.
	attempts, err := s.ListFixAttempts(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, models.AttemptStatusPending, attempts[0].Status)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FixIteration)
}

func TestAdmitEventAfterResolvedStartsFresh(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	first, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)

	ok, err := s.UpdateSessionStatus(ctx, first.ID, models.SessionStatusActive, models.SessionStatusResolved)
	require.NoError(t, err)
	require.True(t, ok)

	// Resolved is absorbing; the same key opens a new, unrelated session.
	second, created, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Empty(t, second.ParentSessionID)
}

func TestAdmitEventValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.AdmitEvent(ctx, models.FailureEvent{Kind: "bogus", ProjectID: "proj-7"})
	assert.ErrorIs(t, err, models.ErrInvalidEvent)

	_, _, err = m.AdmitEvent(ctx, models.FailureEvent{Kind: models.SessionKindQualityGate})
	assert.ErrorIs(t, err, models.ErrInvalidEvent)
}

func TestRecordFixAttempt(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)

	attempt, err := m.RecordFixAttempt(ctx, sess.ID, "fix/exit-code-1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempt.AttemptNumber)
	assert.Equal(t, models.AttemptStatusPending, attempt.Status)

	// Single flight: a second attempt while one is pending loses.
	_, err = m.RecordFixAttempt(ctx, sess.ID, "fix/exit-code-2")
	assert.ErrorIs(t, err, store.ErrAttemptInFlight)

	_, err = m.RecordFixAttempt(ctx, sess.ID, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRecordFixAttemptTerminalSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)
	require.NoError(t, m.Abandon(ctx, sess.ID))

	_, err = m.RecordFixAttempt(ctx, sess.ID, "fix/too-late")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRecordFixAttemptExpiredUnderneath(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	sess, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)

	// Simulate the sweeper winning the race: the session flips to Expired
	// after admission but before the attempt is recorded.
	ok, err := s.UpdateSessionStatus(ctx, sess.ID, models.SessionStatusActive, models.SessionStatusExpired)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = m.RecordFixAttempt(ctx, sess.ID, "fix/too-late")
	assert.ErrorIs(t, err, ErrInvalidState)

	attempts, err := s.ListFixAttempts(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestFailThenSucceedResolvesSession(t *testing.T) {
	m, s, idx := newTestManager(t)
	ctx := context.Background()

	sess, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)

	a1, err := m.RecordFixAttempt(ctx, sess.ID, "fix/attempt-1")
	require.NoError(t, err)
	_, err = m.CompleteFixAttempt(ctx, a1.ID, Outcome{
		Status:       models.AttemptStatusFailed,
		ErrorDetails: "pipeline still red",
	})
	require.NoError(t, err)

	// Failure keeps the session open for another try.
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)

	a2, err := m.RecordFixAttempt(ctx, sess.ID, "fix/attempt-2")
	require.NoError(t, err)
	assert.Equal(t, 2, a2.AttemptNumber)

	done, err := m.CompleteFixAttempt(ctx, a2.ID, Outcome{
		Status:         models.AttemptStatusSuccess,
		FilesChanged:   []string{"internal/server/handler.go"},
		FixDescription: "guard nil request body",
		FixCategory:    "logic",
		Confidence:     0.85,
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusSuccess, done.Status)
	require.NotNil(t, done.CompletedAt)

	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusResolved, got.Status)
	assert.Equal(t, 2, got.FixIteration)
	assert.Equal(t, []string{"fix/attempt-2"}, got.FixesApplied)

	// Resolution feeds the similarity index.
	idx.Close()
	sig := similarity.Signature(got.Kind, got.Payload)
	records, err := s.ListHistoricalFixesBySignature(ctx, sig, 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "guard nil request body", records[0].FixDescription)
	assert.InDelta(t, 0.85, records[0].Confidence, 1e-9)
	assert.True(t, records[0].SuccessConfirmed)
}

func TestCompleteFixAttemptInvalid(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)
	attempt, err := m.RecordFixAttempt(ctx, sess.ID, "fix/x")
	require.NoError(t, err)

	// Pending is not a valid outcome.
	_, err = m.CompleteFixAttempt(ctx, attempt.ID, Outcome{Status: models.AttemptStatusPending})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = m.CompleteFixAttempt(ctx, attempt.ID, Outcome{Status: models.AttemptStatusFailed})
	require.NoError(t, err)

	// Completing twice is an ordering error.
	_, err = m.CompleteFixAttempt(ctx, attempt.ID, Outcome{Status: models.AttemptStatusSuccess})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestBranchRetryBelowCeiling(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	parent, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)

	child, err := m.BranchRetrySession(ctx, parent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentSessionID)
	assert.Equal(t, parent.Kind, child.Kind)
	assert.Equal(t, parent.ProjectID, child.ProjectID)
	assert.Empty(t, child.SourceRef)
	assert.Equal(t, 0, child.FixIteration)
	assert.JSONEq(t, string(parent.Payload), string(child.Payload))

	// Below the ceiling the parent keeps running.
	got, err := s.GetSession(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)
}

func TestBranchRetryPastCeilingAbandonsParent(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	parent, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)

	// Burn through the ceiling with failed attempts.
	for i := 0; i <= DefaultRetryCeiling; i++ {
		a, err := m.RecordFixAttempt(ctx, parent.ID, "fix/try-"+string(rune('a'+i)))
		require.NoError(t, err)
		_, err = m.CompleteFixAttempt(ctx, a.ID, Outcome{
			Status:       models.AttemptStatusFailed,
			ErrorDetails: "still failing",
		})
		require.NoError(t, err)
	}

	child, err := m.BranchRetrySession(ctx, parent.ID, []byte(`{"job":"build","error":"exit code 2","retry":true}`))
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentSessionID)
	assert.Equal(t, 0, child.FixIteration)

	got, err := s.GetSession(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusAbandoned, got.Status)
}

func TestBranchRetryTerminalParent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	parent, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)
	require.NoError(t, m.Abandon(ctx, parent.ID))

	_, err = m.BranchRetrySession(ctx, parent.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAbandonIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)

	require.NoError(t, m.Abandon(ctx, sess.ID))
	require.NoError(t, m.Abandon(ctx, sess.ID))

	err = m.Abandon(ctx, "nonexistent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpire(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	sess, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)

	// Deadline not reached yet.
	expired, err := m.Expire(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, expired)

	// Jump past the horizon.
	m.now = func() time.Time { return time.Now().UTC().Add(DefaultSessionTTL + time.Minute) }

	expired, err = m.Expire(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, expired)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, got.Status)

	// Re-expiry is a no-op; resolved sessions are never touched.
	expired, err = m.Expire(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestExpireNeverOverridesResolved(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	sess, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)
	ok, err := s.UpdateSessionStatus(ctx, sess.ID, models.SessionStatusActive, models.SessionStatusResolved)
	require.NoError(t, err)
	require.True(t, ok)

	m.now = func() time.Time { return time.Now().UTC().Add(24 * time.Hour) }
	expired, err := m.Expire(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, expired)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusResolved, got.Status)
}

func TestRenew(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)
	originalDeadline := sess.ExpiresAt

	renewed, err := m.Renew(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(originalDeadline) || renewed.ExpiresAt.Equal(originalDeadline))

	require.NoError(t, m.Abandon(ctx, sess.ID))
	_, err = m.Renew(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSimilarFixes(t *testing.T) {
	m, _, idx := newTestManager(t)
	ctx := context.Background()

	sess, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)

	a, err := m.RecordFixAttempt(ctx, sess.ID, "fix/exit-code")
	require.NoError(t, err)
	_, err = m.CompleteFixAttempt(ctx, a.ID, Outcome{
		Status:         models.AttemptStatusSuccess,
		FixDescription: "pin builder image tag",
		Confidence:     0.7,
	})
	require.NoError(t, err)
	idx.Close()

	// Same failure in another project matches on signature.
	other, _, err := m.AdmitEvent(ctx, testEvent("proj-8", "run-99"))
	require.NoError(t, err)

	fixes, err := m.SimilarFixes(ctx, other.ID, 5)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, "pin builder image tag", fixes[0].FixDescription)

	_, err = m.SimilarFixes(ctx, "nonexistent", 5)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTrackFile(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()

	sess, _, err := m.AdmitEvent(ctx, testEvent("proj-7", "run-42"))
	require.NoError(t, err)

	require.NoError(t, m.TrackFile(ctx, sess.ID, "main.go", "package main\n"))
	require.NoError(t, m.TrackFile(ctx, sess.ID, "main.go", "package main\n\nfunc main() {}\n"))

	files, err := s.ListTrackedFiles(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].Drifted())

	require.NoError(t, m.Abandon(ctx, sess.ID))
	err = m.TrackFile(ctx, sess.ID, "main.go", "x")
	assert.ErrorIs(t, err, ErrInvalidState)
}
