package sweeper

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/internal/lifecycle"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/similarity"
	"github.com/remedyhq/remedy/internal/store"
)

func newTestSweeper(t *testing.T) (*Sweeper, store.Store) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx := similarity.NewStoreIndex(s, logger)
	t.Cleanup(idx.Close)

	mgr := lifecycle.NewManager(s, idx, logger, lifecycle.Config{})
	return New(s, mgr, logger, time.Minute), s
}

func seedSession(t *testing.T, s store.Store, sourceRef string, expiresAt time.Time) *models.Session {
	t.Helper()
	sess := &models.Session{
		Kind:      models.SessionKindPipelineFailure,
		ProjectID: "proj-1",
		SourceRef: sourceRef,
		Payload:   []byte(`{}`),
		ExpiresAt: expiresAt,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestSweepOnce(t *testing.T) {
	sw, s := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := seedSession(t, s, "run-1", now.Add(-time.Minute))
	fresh := seedSession(t, s, "run-2", now.Add(time.Hour))

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, got.Status)

	got, err = s.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)
}

func TestSweepIdempotent(t *testing.T) {
	sw, s := newTestSweeper(t)
	ctx := context.Background()

	seedSession(t, s, "run-1", time.Now().UTC().Add(-time.Hour))

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-running immediately changes nothing.
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepNeverTouchesTerminal(t *testing.T) {
	sw, s := newTestSweeper(t)
	ctx := context.Background()

	resolved := seedSession(t, s, "run-1", time.Now().UTC().Add(-time.Hour))
	ok, err := s.UpdateSessionStatus(ctx, resolved.ID, models.SessionStatusActive, models.SessionStatusResolved)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := s.GetSession(ctx, resolved.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusResolved, got.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	sw, s := newTestSweeper(t)

	seedSession(t, s, "run-1", time.Now().UTC().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	// Startup sweep catches the stale session without waiting a tick.
	require.Eventually(t, func() bool {
		sessions, err := s.ListSessions(context.Background(), store.SessionFilter{Status: models.SessionStatusExpired})
		return err == nil && len(sessions) == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
