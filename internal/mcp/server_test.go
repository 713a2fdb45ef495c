package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/internal/lifecycle"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/similarity"
	"github.com/remedyhq/remedy/internal/store"
)

func newTestServer(t *testing.T) (*Server, *lifecycle.Manager) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx := similarity.NewStoreIndex(s, logger)
	t.Cleanup(idx.Close)

	mgr := lifecycle.NewManager(s, idx, logger, lifecycle.Config{})
	srv := NewServer(s, mgr)
	require.NotNil(t, srv)
	return srv, mgr
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

// seedSession admits an event and returns the resulting session.
func seedSession(t *testing.T, mgr *lifecycle.Manager, projectID, sourceRef string) *models.Session {
	t.Helper()
	sess, _, err := mgr.AdmitEvent(context.Background(), models.FailureEvent{
		Kind:      models.SessionKindPipelineFailure,
		ProjectID: projectID,
		SourceRef: sourceRef,
		Payload:   []byte(`{"job":"build","error":"exit code 2"}`),
	})
	require.NoError(t, err)
	return sess
}

func TestHandleListSessions_Empty(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleListSessions(ctx, callToolReq("remedy_list_sessions", nil))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	var out []sessionOut
	resultJSON(t, result, &out)
	assert.Empty(t, out)
}

func TestHandleListSessions_WithFilter(t *testing.T) {
	srv, mgr := newTestServer(t)
	ctx := context.Background()

	seedSession(t, mgr, "proj-7", "run-1")
	seedSession(t, mgr, "proj-8", "run-2")

	result, err := srv.handleListSessions(ctx, callToolReq("remedy_list_sessions",
		map[string]any{"project_id": "proj-7"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out []sessionOut
	resultJSON(t, result, &out)
	require.Len(t, out, 1)
	assert.Equal(t, "proj-7", out[0].ProjectID)
	assert.Equal(t, "active", out[0].Status)
}

func TestHandleGetSession(t *testing.T) {
	srv, mgr := newTestServer(t)
	ctx := context.Background()

	sess := seedSession(t, mgr, "proj-7", "run-1")

	result, err := srv.handleGetSession(ctx, callToolReq("remedy_get_session",
		map[string]any{"session_id": sess.ID}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, sess.ID)
	assert.Contains(t, text, "exit code 2")
}

func TestHandleGetSession_MissingArg(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleGetSession(context.Background(), callToolReq("remedy_get_session", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetSession_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleGetSession(context.Background(), callToolReq("remedy_get_session",
		map[string]any{"session_id": "nonexistent"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRecordAndCompleteAttempt(t *testing.T) {
	srv, mgr := newTestServer(t)
	ctx := context.Background()

	sess := seedSession(t, mgr, "proj-7", "run-1")

	result, err := srv.handleRecordAttempt(ctx, callToolReq("remedy_record_attempt",
		map[string]any{"session_id": sess.ID, "branch_name": "fix/timeout"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var attempt models.FixAttempt
	resultJSON(t, result, &attempt)
	assert.Equal(t, 1, attempt.AttemptNumber)

	// Second pending attempt is rejected.
	result, err = srv.handleRecordAttempt(ctx, callToolReq("remedy_record_attempt",
		map[string]any{"session_id": sess.ID, "branch_name": "fix/other"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleCompleteAttempt(ctx, callToolReq("remedy_complete_attempt",
		map[string]any{
			"attempt_id":      attempt.ID,
			"status":          "success",
			"fix_description": "bump deadline",
			"fix_category":    "config",
			"confidence":      0.8,
		}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	got, err := srv.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusResolved, got.Status)
}

func TestHandleBranchSession(t *testing.T) {
	srv, mgr := newTestServer(t)
	ctx := context.Background()

	sess := seedSession(t, mgr, "proj-7", "run-1")

	result, err := srv.handleBranchSession(ctx, callToolReq("remedy_branch_session",
		map[string]any{"session_id": sess.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out sessionOut
	resultJSON(t, result, &out)
	assert.Equal(t, sess.ID, out.ParentSessionID)
	assert.Empty(t, out.SourceRef)
}

func TestHandleAbandonSession(t *testing.T) {
	srv, mgr := newTestServer(t)
	ctx := context.Background()

	sess := seedSession(t, mgr, "proj-7", "run-1")

	result, err := srv.handleAbandonSession(ctx, callToolReq("remedy_abandon_session",
		map[string]any{"session_id": sess.ID}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "abandoned")

	got, err := srv.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusAbandoned, got.Status)
}

func TestHandleSimilarFixes_Empty(t *testing.T) {
	srv, mgr := newTestServer(t)
	ctx := context.Background()

	sess := seedSession(t, mgr, "proj-7", "run-1")

	result, err := srv.handleSimilarFixes(ctx, callToolReq("remedy_similar_fixes",
		map[string]any{"session_id": sess.ID}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out []map[string]any
	resultJSON(t, result, &out)
	assert.Empty(t, out)
}

func TestMCPServerRegistersTools(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.NotNil(t, srv.MCPServer())
}
