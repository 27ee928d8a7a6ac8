package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

// RequestControl handles POST /v1/sessions/{id}/control/request
func (h *Handler) RequestControl(w http.ResponseWriter, r *http.Request) {
	var req models.ControlRequest
	if !decode(w, r, &req) {
		return
	}

	human, err := h.engine.RequestHumanControl(mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, human)
}

// TransferControl handles POST /v1/sessions/{id}/control/transfer
func (h *Handler) TransferControl(w http.ResponseWriter, r *http.Request) {
	var req models.ControlRequest
	if !decode(w, r, &req) {
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.engine.TransferControlToHuman(r.Context(), id, req); err != nil {
		writeError(w, err)
		return
	}
	h.writeInfo(w, id)
}

// ReturnControl handles POST /v1/sessions/{id}/control/return
func (h *Handler) ReturnControl(w http.ResponseWriter, r *http.Request) {
	var req models.ControlRequest
	if !decode(w, r, &req) {
		return
	}

	update, err := h.engine.ReturnControlToAgent(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

// PauseAgent handles POST /v1/sessions/{id}/control/pause
func (h *Handler) PauseAgent(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.engine.PauseAgent)
}

// ResumeAgent handles POST /v1/sessions/{id}/control/resume
func (h *Handler) ResumeAgent(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.engine.ResumeAgent)
}

// EmergencyStop handles POST /v1/sessions/{id}/control/stop
func (h *Handler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.engine.EmergencyStop)
}

func (h *Handler) simpleTransition(w http.ResponseWriter, r *http.Request, fn func(sessionID, reason string) error) {
	var req models.ControlRequest
	if !decode(w, r, &req) {
		return
	}

	id := mux.Vars(r)["id"]
	if err := fn(id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	h.writeInfo(w, id)
}

// RecordAction handles POST /v1/sessions/{id}/actions
func (h *Handler) RecordAction(w http.ResponseWriter, r *http.Request) {
	var action models.HumanAction
	if !decode(w, r, &action) {
		return
	}

	recorded, err := h.engine.RecordHumanAction(mux.Vars(r)["id"], action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recorded)
}

// NavigateSession handles POST /v1/sessions/{id}/navigate
func (h *Handler) NavigateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}

	action, err := h.engine.Navigate(r.Context(), mux.Vars(r)["id"], req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (h *Handler) writeInfo(w http.ResponseWriter, id string) {
	info, err := h.engine.GetSessionInfo(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
