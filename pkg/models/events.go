package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the payload carried by an Envelope
type EventType string

const (
	EventControl  EventType = "control"
	EventFrame    EventType = "frame"
	EventStep     EventType = "step"
	EventError    EventType = "error"
	EventSessions EventType = "sessions"
)

// Event is the closed set of payloads delivered to observers.
// Only the types in this package implement it.
type Event interface {
	Type() EventType
	isEvent()
}

func (ControlEvent) Type() EventType       { return EventControl }
func (FrameEvent) Type() EventType         { return EventFrame }
func (StepEvent) Type() EventType          { return EventStep }
func (ErrorEvent) Type() EventType         { return EventError }
func (SessionsIndexEvent) Type() EventType { return EventSessions }

func (ControlEvent) isEvent()       {}
func (FrameEvent) isEvent()         {}
func (StepEvent) isEvent()          {}
func (ErrorEvent) isEvent()         {}
func (SessionsIndexEvent) isEvent() {}

// FrameEvent carries one captured, re-encoded frame
type FrameEvent struct {
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Image      []byte    `json:"image"`
	Hash       string    `json:"hash"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"capturedAt"`
}

// StepPhase marks a step boundary
type StepPhase string

const (
	StepStarted  StepPhase = "started"
	StepFinished StepPhase = "finished"
)

// StepEvent reports automation progress at a step boundary
type StepEvent struct {
	Attempt   int       `json:"attempt"`
	Index     int       `json:"index"`
	Phase     StepPhase `json:"phase"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorKind classifies an ErrorEvent
type ErrorKind string

const (
	ErrorTaskFailed    ErrorKind = "task_failed"
	ErrorTaskTimeout   ErrorKind = "task_timeout"
	ErrorEmergencyStop ErrorKind = "emergency_stop"
	ErrorDriver        ErrorKind = "driver"
)

// ErrorEvent is a failure notification; Terminal means the run is over
type ErrorEvent struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
	Terminal bool      `json:"terminal"`
}

// SessionsIndexEvent is pushed on the global channel
type SessionsIndexEvent struct {
	Sessions []SessionSummary `json:"sessions"`
}

// StepResult is the outcome of one automation run
type StepResult struct {
	Success  bool   `json:"success"`
	Steps    int    `json:"steps"`
	FinalURL string `json:"finalUrl"`
	Output   string `json:"output,omitempty"`
	Attempts int    `json:"attempts"`
}

// Envelope wraps an Event for the wire
type Envelope struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      Event     `json:"data"`
}

// NewEnvelope stamps an event for delivery
func NewEnvelope(sessionID string, ev Event) Envelope {
	return Envelope{
		Type:      ev.Type(),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      ev,
	}
}

// DecodeEnvelope parses a wire message back into its concrete event type
func DecodeEnvelope(data []byte) (Envelope, error) {
	var raw struct {
		Type      EventType       `json:"type"`
		SessionID string          `json:"sessionId"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, err
	}

	var ev Event
	var err error
	switch raw.Type {
	case EventControl:
		var v ControlEvent
		err = json.Unmarshal(raw.Data, &v)
		ev = v
	case EventFrame:
		var v FrameEvent
		err = json.Unmarshal(raw.Data, &v)
		ev = v
	case EventStep:
		var v StepEvent
		err = json.Unmarshal(raw.Data, &v)
		ev = v
	case EventError:
		var v ErrorEvent
		err = json.Unmarshal(raw.Data, &v)
		ev = v
	case EventSessions:
		var v SessionsIndexEvent
		err = json.Unmarshal(raw.Data, &v)
		ev = v
	default:
		return Envelope{}, fmt.Errorf("unknown event type %q", raw.Type)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to decode %s event: %w", raw.Type, err)
	}

	return Envelope{Type: raw.Type, SessionID: raw.SessionID, Timestamp: raw.Timestamp, Data: ev}, nil
}
