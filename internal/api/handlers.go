// Package api exposes the application over HTTP and MCP. Handlers stay
// thin: request decoding, error mapping, and response encoding live here,
// everything else is delegated to the Service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/zh-he/docqa/internal/answerer"
	"github.com/zh-he/docqa/internal/loader"
	"github.com/zh-he/docqa/internal/session"
)

const maxUploadBodySize = 50 << 20 // 50MB across all files in one request
const maxRequestBodySize = 1 << 20 // 1MB for JSON bodies

// Service is the application surface the handlers call into.
type Service interface {
	ListSessions() []string
	CreateSession(id string) error
	DeleteSession(id string) error
	History(id string) ([]session.Turn, error)
	IngestFile(ctx context.Context, sessionID, name, path string) (int, error)
	Ask(ctx context.Context, sessionID, question string) (answerer.Result, error)
	Cancel(sessionID string) bool
}

// Deps holds everything the HTTP handler needs.
type Deps struct {
	Service Service
	Token   string
}

// NewHandler builds the HTTP API. The health endpoint is unauthenticated;
// everything else requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/sessions", handleListSessions(deps))
		r.Post("/sessions", handleCreateSession(deps))
		r.Delete("/sessions/{id}", handleDeleteSession(deps))
		r.Get("/sessions/{id}/history", handleHistory(deps))
		r.Post("/sessions/{id}/documents", handleUpload(deps))
		r.Post("/sessions/{id}/ask", handleAsk(deps))
		r.Post("/sessions/{id}/cancel", handleCancel(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := deps.Service.ListSessions()
		if sessions == nil {
			sessions = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"sessions": sessions})
	}
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id is required")
			return
		}

		err := deps.Service.CreateSession(req.ID)
		if errors.Is(err, session.ErrDuplicateSession) {
			httpError(w, http.StatusConflict, "invalid_request_error", "session %q already exists", req.ID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create session: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": req.ID})
	}
}

func handleDeleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Service.DeleteSession(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete session: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		history, err := deps.Service.History(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return
		}
		if history == nil {
			history = []session.Turn{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(history)
	}
}

// UploadResult reports the outcome of indexing one uploaded file. A failure
// on one file never aborts the rest of the batch.
type UploadResult struct {
	File   string `json:"file"`
	Chunks int    `json:"chunks,omitempty"`
	Error  string `json:"error,omitempty"`
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		if err := r.ParseMultipartForm(maxUploadBodySize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		files := r.MultipartForm.File["files"]
		if len(files) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one file is required under the files field")
			return
		}

		results := make([]UploadResult, 0, len(files))
		for _, fh := range files {
			chunks, err := ingestUploadedFile(r.Context(), deps.Service, id, fh)
			result := UploadResult{File: fh.Filename, Chunks: chunks}
			if err != nil {
				result.Error = uploadErrorMessage(err)
			}
			results = append(results, result)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]UploadResult{"results": results})
	}
}

// ingestUploadedFile spools one uploaded file to disk so the loader can read
// it by path, keeping the original extension for format dispatch.
func ingestUploadedFile(ctx context.Context, svc Service, sessionID string, fh *multipart.FileHeader) (int, error) {
	src, err := fh.Open()
	if err != nil {
		return 0, fmt.Errorf("opening upload: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "upload-*"+filepath.Ext(fh.Filename))
	if err != nil {
		return 0, fmt.Errorf("spooling upload: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("spooling upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("spooling upload: %w", err)
	}

	return svc.IngestFile(ctx, sessionID, fh.Filename, tmp.Name())
}

// uploadErrorMessage keeps client-facing messages for expected document
// problems and hides internal detail otherwise.
func uploadErrorMessage(err error) string {
	if errors.Is(err, loader.ErrUnsupportedFormat) || errors.Is(err, loader.ErrEmptyDocument) {
		return err.Error()
	}
	return "failed to index document"
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Question string `json:"question"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		result, err := deps.Service.Ask(r.Context(), id, req.Question)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to answer: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		cancelled := deps.Service.Cancel(id)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
