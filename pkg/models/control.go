package models

import "time"

// TransitionType classifies a realized control transition
type TransitionType string

const (
	TransitionAgentToHuman  TransitionType = "AGENT_TO_HUMAN"
	TransitionHumanToAgent  TransitionType = "HUMAN_TO_AGENT"
	TransitionAgentPause    TransitionType = "AGENT_PAUSE"
	TransitionAgentResume   TransitionType = "AGENT_RESUME"
	TransitionEmergencyStop TransitionType = "EMERGENCY_STOP"
)

// ControlEvent is an immutable audit record of one realized transition
type ControlEvent struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"sessionId"`
	TransitionType TransitionType    `json:"transitionType"`
	FromState      ControlState      `json:"fromState"`
	ToState        ControlState      `json:"toState"`
	Reason         string            `json:"reason"`
	ActorID        *string           `json:"actorId,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// AgentStateSnapshot is what the agent was doing when a human took over
type AgentStateSnapshot struct {
	LastTask string         `json:"lastTask"`
	LastURL  string         `json:"lastUrl"`
	LastStep int            `json:"lastStep"`
	Context  map[string]any `json:"context,omitempty"`
}

// HumanAction is one action performed by the human operator
type HumanAction struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Target       string         `json:"target,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// HumanControlSession is a bounded episode of human control
type HumanControlSession struct {
	ControlID  string             `json:"controlId"`
	StartTime  time.Time          `json:"startTime"`
	EndTime    *time.Time         `json:"endTime,omitempty"`
	Reason     string             `json:"reason"`
	AgentState AgentStateSnapshot `json:"agentState"`
	StartURL   string             `json:"startUrl,omitempty"`
	Actions    []HumanAction      `json:"actions"`
	Guidance   []string           `json:"guidance"`
}

// Active reports whether the episode has not been closed yet
func (h *HumanControlSession) Active() bool {
	return h != nil && h.EndTime == nil
}

// Clone returns a deep enough copy for callers outside the session lock
func (h *HumanControlSession) Clone() *HumanControlSession {
	if h == nil {
		return nil
	}
	c := *h
	c.Actions = append([]HumanAction(nil), h.Actions...)
	c.Guidance = append([]string(nil), h.Guidance...)
	if h.EndTime != nil {
		end := *h.EndTime
		c.EndTime = &end
	}
	return &c
}

// ContextUpdate is handed back to the automation executor when control
// returns to the agent. It is the only channel that carries human actions.
type ContextUpdate struct {
	ControlID        string             `json:"controlId"`
	Duration         time.Duration      `json:"duration"`
	ActionsPerformed int                `json:"actionsPerformed"`
	ActionTypes      map[string]int     `json:"actionTypes"`
	GuidanceMessages []string           `json:"guidanceMessages"`
	StateChanges     []string           `json:"stateChanges"`
	ActionsSummary   string             `json:"actionsSummary"`
	AgentState       AgentStateSnapshot `json:"agentState"`
	Overrides        map[string]any     `json:"overrides,omitempty"`
}

// ControlRequest is the HTTP payload for control transitions
type ControlRequest struct {
	Reason         string              `json:"reason,omitempty"`
	Message        string              `json:"message,omitempty"`
	ActorID        *string             `json:"actorId,omitempty"`
	AgentState     *AgentStateSnapshot `json:"agentState,omitempty"`
	ActionsSummary string              `json:"actionsSummary,omitempty"`
	ContextUpdate  map[string]any      `json:"contextUpdate,omitempty"`
}
