// Package api is the HTTP boundary. It interacts with the core only
// through the repositories (enqueue documents and ops requests, read
// progress and execution history) — processing itself is driven by
// cmd/process, never by a request handler.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pixell07/multi-tenant-ai/internal/auth"
	"github.com/pixell07/multi-tenant-ai/internal/connector"
	"github.com/pixell07/multi-tenant-ai/internal/document"
	"github.com/pixell07/multi-tenant-ai/internal/execution"
	"github.com/pixell07/multi-tenant-ai/internal/opsrequest"
	"github.com/pixell07/multi-tenant-ai/internal/progress"
	"github.com/pixell07/multi-tenant-ai/internal/tenant"
)

type contextKey string

const claimsKey contextKey = "claims"

type RouterDeps struct {
	TenantService *tenant.Service
	Documents     *document.Repository
	Executions    *execution.Store
	OpsRequests   *opsrequest.Repository
	Progress      *progress.Store
	Spool         *connector.Dir
	JWTManager    *auth.JWTManager
	Logger        *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	h := &handlers{deps: deps}

	// Public routes
	mux.HandleFunc("POST /api/v1/auth/register", h.register)
	mux.HandleFunc("POST /api/v1/auth/login", h.login)
	mux.HandleFunc("GET  /api/v1/health", h.health)

	// Protected routes (wrapped with auth middleware)
	protected := http.NewServeMux()
	protected.HandleFunc("GET  /api/v1/documents", h.listDocuments)
	protected.HandleFunc("POST /api/v1/documents", h.uploadDocument)
	protected.HandleFunc("DELETE /api/v1/documents/{id}", h.deleteDocument)
	protected.HandleFunc("GET  /api/v1/documents/{id}/executions", h.listExecutions)
	protected.HandleFunc("POST /api/v1/ops", h.enqueueOps)
	protected.HandleFunc("GET  /api/v1/ops", h.listOps)
	protected.HandleFunc("GET  /api/v1/progress", h.readProgress)

	mux.Handle("/api/v1/", h.authMiddleware(protected))

	return h.loggingMiddleware(mux)
}

// Handlers

type handlers struct {
	deps RouterDeps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req tenant.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.deps.TenantService.Register(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req tenant.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.deps.TenantService.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) listDocuments(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	docs, err := h.deps.Documents.ListByOwner(r.Context(), claims.OwnerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

// uploadDocument spools the raw bytes and enqueues a pending document;
// processing happens later when cmd/process picks it up.
func (h *handlers) uploadDocument(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	var body struct {
		Name      string `json:"name"`
		Content   string `json:"content"`
		Workspace string `json:"workspace"`
		DocType   string `json:"doc_type"`
		MimeType  string `json:"mime_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" || body.Content == "" {
		writeError(w, http.StatusBadRequest, "name and content are required")
		return
	}
	if body.Workspace == "" {
		body.Workspace = claims.Workspace
	}

	raw := []byte(body.Content)
	sum := sha256.Sum256(raw)

	docID := uuid.NewString()
	sourceRef, err := h.deps.Spool.Put(docID+"/"+body.Name, raw)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to spool document bytes")
		return
	}

	doc := &document.Document{
		ID:          docID,
		OwnerID:     claims.OwnerID,
		Workspace:   body.Workspace,
		DocType:     body.DocType,
		SourceRef:   sourceRef,
		FileName:    body.Name,
		MimeType:    body.MimeType,
		ContentHash: hex.EncodeToString(sum[:]),
	}
	if err := h.deps.Documents.Insert(r.Context(), doc); err != nil {
		if err == document.ErrDuplicateContentHash {
			writeError(w, http.StatusConflict, "document with identical content already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue document")
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (h *handlers) deleteDocument(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	docID := r.PathValue("id")

	if err := h.deps.Documents.Delete(r.Context(), docID, claims.OwnerID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listExecutions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	docID := r.PathValue("id")

	doc, err := h.deps.Documents.Get(r.Context(), docID)
	if err != nil || doc.OwnerID != claims.OwnerID {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	execs, err := h.deps.Executions.History(r.Context(), docID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs, "count": len(execs)})
}

// enqueueOps writes an operator intent; the Applier picks it up on its
// next pass. The handler never touches worker_state itself.
func (h *handlers) enqueueOps(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	var body struct {
		RequestType string          `json:"request_type"`
		ScopeType   string          `json:"scope_type"`
		ScopeID     *string         `json:"scope_id"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.RequestType == "" {
		writeError(w, http.StatusBadRequest, "request_type is required")
		return
	}

	req := &opsrequest.OpsRequest{
		RequestType: opsrequest.RequestType(body.RequestType),
		ScopeType:   opsrequest.ScopeType(body.ScopeType),
		ScopeID:     body.ScopeID,
		Payload:     body.Payload,
		RequestedBy: claims.UserID,
	}
	if req.ScopeType == "" {
		req.ScopeType = opsrequest.ScopeGlobal
	}
	if err := h.deps.OpsRequests.Enqueue(r.Context(), req); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue request")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": req.ID})
}

func (h *handlers) listOps(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.deps.OpsRequests.FetchQueued(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs, "count": len(reqs)})
}

func (h *handlers) readProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Progress.Read(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read progress")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

//  Middleware

func (h *handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := h.deps.JWTManager.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *handlers) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.deps.Logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func claimsFromCtx(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}
