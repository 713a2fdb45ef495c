package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/remedyhq/remedy/internal/lifecycle"
	"github.com/remedyhq/remedy/internal/llm"
	"github.com/remedyhq/remedy/internal/models"
	"github.com/remedyhq/remedy/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	store store.Store
	mgr   *lifecycle.Manager
	llm   *llm.Client
}

// NewServer creates a new API server.
// The llmClient may be nil if no API key is configured.
func NewServer(s store.Store, mgr *lifecycle.Manager, llmClient *llm.Client) *Server {
	return &Server{
		store: s,
		mgr:   mgr,
		llm:   llmClient,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/events", s.admitEvent)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/attempts", s.recordAttempt)
	mux.HandleFunc("GET /api/v1/sessions/{id}/attempts", s.listAttempts)
	mux.HandleFunc("POST /api/v1/sessions/{id}/branch", s.branchSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/abandon", s.abandonSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/renew", s.renewSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/files", s.listTrackedFiles)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/files", s.trackFile)
	mux.HandleFunc("GET /api/v1/sessions/{id}/similar", s.similarFixes)
	mux.HandleFunc("POST /api/v1/sessions/{id}/propose", s.proposeFix)

	mux.HandleFunc("POST /api/v1/attempts/{id}/complete", s.completeAttempt)

	mux.HandleFunc("GET /api/v1/healthz", s.healthz)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLifecycleError maps lifecycle and store errors onto HTTP status
// codes: bad input 400, missing records 404, ordering violations and
// contention 409, everything else 500.
func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidState),
		errors.Is(err, store.ErrAttemptInFlight),
		errors.Is(err, store.ErrActiveSessionExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Events ---

func (s *Server) admitEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.FailureEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, created, err := s.mgr.AdmitEvent(r.Context(), ev)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sess)
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		Kind:      models.SessionKind(r.URL.Query().Get("kind")),
		Status:    models.SessionStatus(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) abandonSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.Abandon(r.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) renewSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Renew(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) branchSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload json.RawMessage `json:"payload"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	child, err := s.mgr.BranchRetrySession(r.Context(), r.PathValue("id"), req.Payload)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, child)
}

// --- Fix attempts ---

func (s *Server) recordAttempt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchName string `json:"branch_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	attempt, err := s.mgr.RecordFixAttempt(r.Context(), r.PathValue("id"), req.BranchName)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attempt)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}

	attempts, err := s.store.ListFixAttempts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempts == nil {
		attempts = []*models.FixAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) completeAttempt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status         string   `json:"status"`
		FilesChanged   []string `json:"files_changed"`
		ErrorDetails   string   `json:"error_details"`
		FixDescription string   `json:"fix_description"`
		FixCategory    string   `json:"fix_category"`
		Confidence     float64  `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	attempt, err := s.mgr.CompleteFixAttempt(r.Context(), r.PathValue("id"), lifecycle.Outcome{
		Status:         models.AttemptStatus(req.Status),
		FilesChanged:   req.FilesChanged,
		ErrorDetails:   req.ErrorDetails,
		FixDescription: req.FixDescription,
		FixCategory:    req.FixCategory,
		Confidence:     req.Confidence,
	})
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

// --- Tracked files ---

func (s *Server) trackFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}

	if err := s.mgr.TrackFile(r.Context(), r.PathValue("id"), req.FilePath, req.Content); err != nil {
		writeLifecycleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTrackedFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}

	files, err := s.store.ListTrackedFiles(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []*models.TrackedFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

// --- Similarity ---

func (s *Server) similarFixes(w http.ResponseWriter, r *http.Request) {
	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	fixes, err := s.mgr.SimilarFixes(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	if fixes == nil {
		fixes = []*models.HistoricalFixRecord{}
	}
	writeJSON(w, http.StatusOK, fixes)
}

// --- Reasoning ---

func (s *Server) proposeFix(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "no LLM API key configured")
		return
	}

	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}

	attempts, err := s.store.ListFixAttempts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	similar, err := s.mgr.SimilarFixes(r.Context(), id, 5)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}

	proposal, err := s.llm.ProposeFix(r.Context(), sess, attempts, similar)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

// --- Health ---

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
