package models

import "time"

// ControlState represents who currently directs a session's browser
type ControlState string

const (
	StateAgentActive       ControlState = "AGENT_ACTIVE"
	StateAgentPaused       ControlState = "AGENT_PAUSED"
	StateHumanRequested    ControlState = "HUMAN_REQUESTED"
	StateHumanActive       ControlState = "HUMAN_ACTIVE"
	StateTransitionToAgent ControlState = "TRANSITION_TO_AGENT"
	StateTransitionToHuman ControlState = "TRANSITION_TO_HUMAN"
	StateError             ControlState = "ERROR"
)

// HumanControlled reports whether a human control episode owns the state
func (s ControlState) HumanControlled() bool {
	switch s {
	case StateHumanRequested, StateHumanActive, StateTransitionToHuman, StateTransitionToAgent:
		return true
	}
	return false
}

// SessionInfo is the externally visible view of a session
type SessionInfo struct {
	ID                  string               `json:"id"`
	Task                string               `json:"task"`
	ControlState        ControlState         `json:"controlState"`
	PausedSinceRecovery bool                 `json:"pausedSinceRecovery"`
	ErrorCount          int                  `json:"errorCount"`
	CurrentURL          string               `json:"currentUrl"`
	LastFrameHash       string               `json:"lastFrameHash,omitempty"`
	Checkpoints         []string             `json:"checkpoints"`
	HumanControl        *HumanControlSession `json:"humanControl,omitempty"`
	Running             bool                 `json:"running"`
	StartedAt           time.Time            `json:"startedAt"`
}

// SessionSummary is one row of the global sessions index
type SessionSummary struct {
	ID           string       `json:"id"`
	Task         string       `json:"task"`
	ControlState ControlState `json:"controlState"`
	CurrentURL   string       `json:"currentUrl"`
	Running      bool         `json:"running"`
	StartedAt    time.Time    `json:"startedAt"`
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	Task string `json:"task"`
}

// ExecuteRequest is the payload for running instructions under recovery
type ExecuteRequest struct {
	Instructions string `json:"instructions"`
	MaxRetries   int    `json:"maxRetries,omitempty"`
}

// ShortID returns the 8-char prefix used in log lines and container names
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
