package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"code-runner-sandbox/internal/registry"
	"code-runner-sandbox/internal/report"
	"code-runner-sandbox/internal/sandbox"
	"code-runner-sandbox/internal/service"
	"code-runner-sandbox/internal/storage"
	"code-runner-sandbox/internal/workspace"
)

// AuditReader serves past executions. *storage.DB satisfies it.
type AuditReader interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
}

type Handlers struct {
	svc   *service.Service
	audit AuditReader
	now   func() time.Time
}

// NewHandlers wires the handlers. audit may be nil when no database is
// configured; the history endpoints then answer 503.
func NewHandlers(svc *service.Service, audit AuditReader) *Handlers {
	return &Handlers{svc: svc, audit: audit, now: time.Now}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.FileName == "" || req.Language == "" {
		writeError(w, "file_name and language are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	out := h.svc.Execute(r.Context(), sandbox.ExecutionRequest{
		Session:  r.PathValue("session"),
		Filename: req.FileName,
		Language: req.Language,
		Timeout:  req.Timeout.Duration,
		Direct:   req.Direct,
	})
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Code == "" || req.Language == "" {
		writeError(w, "code and language are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	out := h.svc.RunCode(r.Context(), r.PathValue("session"), req.Code, req.Language, req.FileName, req.Timeout.Duration)
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}

	msg, err := h.svc.ProcessMessage(r.Context(), r.PathValue("session"), req.Agent, req.Text)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	session := r.PathValue("session")
	info, err := h.svc.WorkspaceInfo(session)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Session: workspace.SanitizeName(session), Info: info})
}

func (h *Handlers) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	session := r.PathValue("session")
	folder := r.URL.Query().Get("folder")
	files, err := h.svc.Files(session, folder)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if files == nil {
		files = []workspace.FileInfo{}
	}
	writeJSON(w, http.StatusOK, FilesResponse{Session: workspace.SanitizeName(session), Folder: folder, Files: files})
}

func (h *Handlers) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	session, folder, name := r.PathValue("session"), r.PathValue("folder"), r.PathValue("name")
	content, err := h.svc.ReadFile(session, name, folder)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FileResponse{
		Session: workspace.SanitizeName(session),
		Folder:  folder,
		Name:    name,
		Content: content,
	})
}

func (h *Handlers) HandlePutFile(w http.ResponseWriter, r *http.Request) {
	var req SaveFileRequest
	if !decode(w, r, &req) {
		return
	}
	session, folder, name := r.PathValue("session"), r.PathValue("folder"), r.PathValue("name")
	path, err := h.svc.SaveFile(session, req.Content, name, folder)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, FileResponse{
		Session: workspace.SanitizeName(session),
		Folder:  folder,
		Name:    name,
		Path:    path,
	})
}

func (h *Handlers) HandleDeleteFile(w http.ResponseWriter, r *http.Request) {
	session, folder, name := r.PathValue("session"), r.PathValue("folder"), r.PathValue("name")
	ok, err := h.svc.DeleteFile(session, name, folder)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if !ok {
		writeError(w, "file not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleListRunning(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	now := h.now()

	entries := h.svc.Running(session)
	resp := RunningResponse{Executions: make([]RunningEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Executions = append(resp.Executions, RunningEntry{
			ID:        e.ContainerName,
			ExecID:    e.ExecID,
			Session:   e.Session,
			Language:  e.Language,
			FileName:  e.Filename,
			StartedAt: e.StartedAt,
			Seconds:   now.Sub(e.StartedAt).Seconds(),
			Snippet:   e.Snippet,
		})
	}
	filter := ""
	if session != "" {
		filter = workspace.SanitizeName(session)
	}
	resp.Text = report.FormatRunning(entries, filter, now)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msg, err := h.svc.KillExecution(r.Context(), id)

	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrInvalidID):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrNotRunning):
		status = http.StatusNotFound
	default:
		status = http.StatusInternalServerError
		log.Error().Err(err).Str("id", id).Str("request_id", RequestIDFromContext(r.Context())).Msg("kill failed")
	}
	writeJSON(w, status, KillResponse{ID: id, Killed: err == nil, Message: msg})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.audit.GetExecution(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("audit lookup failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Language: q.Get("language"),
		Status:   q.Get("status"),
		Limit:    100,
	}
	if s := q.Get("session"); s != "" {
		filter.Session = workspace.SanitizeName(s)
	}

	execs, err := h.audit.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("audit query failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return false
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return false
	}
	return true
}

// writeStoreError maps workspace errors onto status codes.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, workspace.ErrNotFound):
		writeError(w, "file not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, workspace.ErrInvalidPath), errors.Is(err, workspace.ErrInvalidSession):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("workspace operation failed")
		writeError(w, "workspace error", "STORAGE_ERROR", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
