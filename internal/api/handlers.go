package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserbase-copilot/internal/checkpoint"
	"github.com/shehryarbajwa/browserbase-copilot/internal/control"
	"github.com/shehryarbajwa/browserbase-copilot/internal/engine"
	"github.com/shehryarbajwa/browserbase-copilot/internal/recovery"
	"github.com/shehryarbajwa/browserbase-copilot/internal/session"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	engine *engine.Engine
}

// NewHandler creates a new HTTP handler
func NewHandler(e *engine.Engine) *Handler {
	return &Handler{
		engine: e,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ Failed to write response: %v", err)
	}
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, checkpoint.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, control.ErrNoPendingRequest),
		errors.Is(err, control.ErrNoActiveHumanSession),
		errors.Is(err, control.ErrNotPaused),
		errors.Is(err, control.ErrInvalidTransition),
		errors.Is(err, control.ErrTransitionInProgress),
		errors.Is(err, session.ErrSessionStopped),
		errors.Is(err, session.ErrSessionTerminated),
		errors.Is(err, session.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, engine.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, recovery.ErrTaskTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrTaskRequired):
		return http.StatusBadRequest
	case errors.Is(err, recovery.ErrTaskFailed),
		errors.Is(err, recovery.ErrConnectionLost):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body: " + err.Error()})
		return false
	}
	return true
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if !decode(w, r, &req) {
		return
	}

	info, err := h.engine.StartSession(r.Context(), req.Task)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.GetSessionInfo(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ListSessions())
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.StopSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteTask handles POST /v1/sessions/{id}/execute. The call blocks until
// the task succeeds, exhausts its retries, or times out.
func (h *Handler) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req models.ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Instructions == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instructions are required"})
		return
	}

	result, err := h.engine.ExecuteWithRecovery(r.Context(), mux.Vars(r)["id"], req.Instructions, recovery.Options{
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetEvents handles GET /v1/sessions/{id}/events
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.Events(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// GetDebugURL handles GET /v1/sessions/{id}/debug
func (h *Handler) GetDebugURL(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	info, err := h.engine.GetSessionInfo(id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"debuggerUrl":  fmt.Sprintf("ws://%s/v1/sessions/%s/debug/ws", r.Host, info.ID),
		"sessionId":    info.ID,
		"controlState": string(info.ControlState),
	})
}

// GetSessionScreenshot handles GET /v1/sessions/{id}/screenshot
func (h *Handler) GetSessionScreenshot(w http.ResponseWriter, r *http.Request) {
	img, contentType, err := h.engine.Screenshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		log.Printf("❌ Screenshot failed: %v", err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(img)
}
