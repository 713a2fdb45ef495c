package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/remedyhq/remedy/internal/lifecycle"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/store"
)

// Server wraps the remedy data layer and exposes it as MCP tools for agents
// driving the fix loop.
type Server struct {
	store store.Store
	mgr   *lifecycle.Manager
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, mgr *lifecycle.Manager) *Server {
	return &Server{store: s, mgr: mgr}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("remedy", "1.0.0", server.WithToolCapabilities(true))

	// Register all tools
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.getSessionTool())
	srv.AddTool(s.recordAttemptTool())
	srv.AddTool(s.completeAttemptTool())
	srv.AddTool(s.branchSessionTool())
	srv.AddTool(s.abandonSessionTool())
	srv.AddTool(s.similarFixesTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type sessionOut struct {
	ID              string `json:"id"`
	Kind            string `json:"kind"`
	ProjectID       string `json:"project_id"`
	SourceRef       string `json:"source_ref,omitempty"`
	Status          string `json:"status"`
	FixIteration    int    `json:"fix_iteration"`
	CurrentBranch   string `json:"current_fix_branch,omitempty"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	ExpiresAt       string `json:"expires_at"`
}

func sessionToOut(sess *models.Session) sessionOut {
	return sessionOut{
		ID:              sess.ID,
		Kind:            string(sess.Kind),
		ProjectID:       sess.ProjectID,
		SourceRef:       sess.SourceRef,
		Status:          string(sess.Status),
		FixIteration:    sess.FixIteration,
		CurrentBranch:   sess.CurrentFixBranch,
		ParentSessionID: sess.ParentSessionID,
		CreatedAt:       sess.CreatedAt.Format(time.RFC3339),
		ExpiresAt:       sess.ExpiresAt.Format(time.RFC3339),
	}
}

// remedy_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_list_sessions",
		mcp.WithDescription("List debugging sessions. Returns a JSON array with id, kind, project, status, fix iteration, and expiry."),
		mcp.WithString("project_id", mcp.Description("Filter by project id")),
		mcp.WithString("status", mcp.Description("Filter by status: active, resolved, abandoned, expired")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.SessionFilter{
		ProjectID: request.GetString("project_id", ""),
		Status:    models.SessionStatus(request.GetString("status", "")),
	}

	sessions, err := s.store.ListSessions(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionToOut(sess)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// remedy_get_session
func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_get_session",
		mcp.WithDescription("Get a session with its full conversation, payload, and fix attempts."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleGetSession
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get session: %v", err)), nil
	}
	attempts, err := s.store.ListFixAttempts(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list attempts: %v", err)), nil
	}

	out := struct {
		sessionOut
		Payload      json.RawMessage           `json:"payload"`
		Conversation []models.ConversationTurn `json:"conversation"`
		FixesApplied []string                  `json:"fixes_applied"`
		Attempts     []*models.FixAttempt      `json:"attempts"`
	}{
		sessionOut:   sessionToOut(sess),
		Payload:      sess.Payload,
		Conversation: sess.Conversation,
		FixesApplied: sess.FixesApplied,
		Attempts:     attempts,
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal session: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// remedy_record_attempt
func (s *Server) recordAttemptTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_record_attempt",
		mcp.WithDescription("Open the next fix attempt for an active session. Fails if the session already has a pending attempt."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("branch_name", mcp.Required(), mcp.Description("Git branch the fix will be developed on")),
	)
	return tool, s.handleRecordAttempt
}

func (s *Server) handleRecordAttempt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	branch, err := request.RequireString("branch_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	attempt, err := s.mgr.RecordFixAttempt(ctx, id, branch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to record attempt: %v", err)), nil
	}

	data, err := json.Marshal(attempt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal attempt: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// remedy_complete_attempt
func (s *Server) completeAttemptTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_complete_attempt",
		mcp.WithDescription("Close a pending fix attempt as success or failed. Success resolves the session and records the fix for future similarity lookups."),
		mcp.WithString("attempt_id", mcp.Required(), mcp.Description("Fix attempt id")),
		mcp.WithString("status", mcp.Required(), mcp.Description("Outcome: success or failed")),
		mcp.WithString("error_details", mcp.Description("What went wrong, for failed outcomes")),
		mcp.WithString("fix_description", mcp.Description("What the fix did, for success outcomes")),
		mcp.WithString("fix_category", mcp.Description("Fix category: logic, config, dependency, test, infra")),
		mcp.WithNumber("confidence", mcp.Description("Reasoning engine confidence between 0 and 1")),
	)
	return tool, s.handleCompleteAttempt
}

func (s *Server) handleCompleteAttempt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("attempt_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	attempt, err := s.mgr.CompleteFixAttempt(ctx, id, lifecycle.Outcome{
		Status:         models.AttemptStatus(status),
		ErrorDetails:   request.GetString("error_details", ""),
		FixDescription: request.GetString("fix_description", ""),
		FixCategory:    request.GetString("fix_category", ""),
		Confidence:     request.GetFloat("confidence", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to complete attempt: %v", err)), nil
	}

	data, err := json.Marshal(attempt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal attempt: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// remedy_branch_session
func (s *Server) branchSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_branch_session",
		mcp.WithDescription("Start a fresh retry session linked to an existing one. Use after repeated failed attempts to restart with a clean slate."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Parent session id")),
	)
	return tool, s.handleBranchSession
}

func (s *Server) handleBranchSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	child, err := s.mgr.BranchRetrySession(ctx, id, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to branch session: %v", err)), nil
	}

	data, err := json.Marshal(sessionToOut(child))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal session: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// remedy_abandon_session
func (s *Server) abandonSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_abandon_session",
		mcp.WithDescription("Abandon an active session. No-op if the session is already terminal."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleAbandonSession
}

func (s *Server) handleAbandonSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.mgr.Abandon(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to abandon session: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("session %s abandoned", id)), nil
}

// remedy_similar_fixes
func (s *Server) similarFixesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remedy_similar_fixes",
		mcp.WithDescription("Look up confirmed fixes that resolved failures similar to this session's. Best-effort; may return an empty list."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithNumber("limit", mcp.Description("Maximum results, default 5")),
	)
	return tool, s.handleSimilarFixes
}

func (s *Server) handleSimilarFixes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := int(request.GetFloat("limit", 5))

	fixes, err := s.mgr.SimilarFixes(ctx, id, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to look up similar fixes: %v", err)), nil
	}

	type fixOut struct {
		Description string  `json:"description"`
		Category    string  `json:"category"`
		Confidence  float64 `json:"confidence"`
		AppliedAt   string  `json:"applied_at"`
	}
	out := make([]fixOut, len(fixes))
	for i, rec := range fixes {
		out[i] = fixOut{
			Description: rec.FixDescription,
			Category:    rec.FixCategory,
			Confidence:  rec.Confidence,
			AppliedAt:   rec.AppliedAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal fixes: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
