// Package control mediates who drives a session's browser: the automation
// agent or a human operator. Every realized transition is appended to the
// session's audit log and published to observers; rejected attempts leave
// no trace.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/browserbase-copilot/internal/metrics"
	"github.com/shehryarbajwa/browserbase-copilot/internal/session"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

var (
	ErrNoPendingRequest     = errors.New("no pending human control request")
	ErrNoActiveHumanSession = errors.New("no active human control session")
	ErrNotPaused            = errors.New("agent is not paused")
	ErrInvalidTransition    = errors.New("invalid control transition")
	ErrTransitionInProgress = errors.New("control transition in progress")
)

const pageReadTimeout = 5 * time.Second

// Publisher delivers events to a session's observers without blocking
type Publisher interface {
	Broadcast(sessionID string, ev models.Event)
}

// Machine is the control state machine. Per-session serialization comes
// from session.UpdateControl; the machine itself holds no lock.
type Machine struct {
	sessions  *session.Store
	publisher Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewMachine(sessions *session.Store, publisher Publisher, m *metrics.Metrics) *Machine {
	return &Machine{
		sessions:  sessions,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
	}
}

// record appends a ControlEvent and moves the state. Callers hold the
// session lock through UpdateControl, so audit order is transition order.
func (m *Machine) record(sessionID string, c *session.ControlData, tt models.TransitionType, from, to models.ControlState, reason string, actor *string, meta map[string]string) {
	ev := models.ControlEvent{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		TransitionType: tt,
		FromState:      from,
		ToState:        to,
		Reason:         reason,
		ActorID:        actor,
		Timestamp:      m.now(),
		Metadata:       meta,
	}
	c.State = to
	c.Events = append(c.Events, ev)

	m.metrics.Transitions.WithLabelValues(string(tt)).Inc()
	m.publisher.Broadcast(sessionID, ev)
}

func rejectTerminal(c *session.ControlData) error {
	if c.State == models.StateError {
		return session.ErrSessionTerminated
	}
	return nil
}

// RequestHumanControl opens a human control episode. A request while an
// episode is already open returns that episode unchanged; duplicate requests
// are expected from concurrent callers.
func (m *Machine) RequestHumanControl(sessionID, reason string, agentState models.AgentStateSnapshot, actor *string) (*models.HumanControlSession, error) {
	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	if agentState.LastTask == "" {
		agentState.LastTask = s.Task
	}
	if agentState.LastURL == "" {
		agentState.LastURL = s.CurrentURL()
	}

	var out *models.HumanControlSession
	err = s.UpdateControl(func(c *session.ControlData) error {
		if err := rejectTerminal(c); err != nil {
			return err
		}
		if c.Human.Active() {
			if c.State == models.StateTransitionToAgent {
				return ErrTransitionInProgress
			}
			out = c.Human.Clone()
			return nil
		}
		if c.State != models.StateAgentActive && c.State != models.StateAgentPaused {
			return fmt.Errorf("%w: cannot request human control from %s", ErrInvalidTransition, c.State)
		}

		h := &models.HumanControlSession{
			ControlID:  uuid.New().String(),
			StartTime:  m.now(),
			Reason:     reason,
			AgentState: agentState,
			Actions:    []models.HumanAction{},
			Guidance:   []string{},
		}
		c.Human = h
		c.History = append(c.History, h)

		m.record(sessionID, c, models.TransitionAgentToHuman, c.State, models.StateHumanRequested, reason, actor, map[string]string{
			"control_id": h.ControlID,
			"phase":      "request",
		})
		out = h.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("🙋 Human control requested for session %s: %s", models.ShortID(sessionID), reason)
	return out, nil
}

// TransferControlToHuman hands the browser to the human who requested it
func (m *Machine) TransferControlToHuman(ctx context.Context, sessionID, message string, actor *string) error {
	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	var controlID string
	err = s.UpdateControl(func(c *session.ControlData) error {
		if err := rejectTerminal(c); err != nil {
			return err
		}
		if c.State != models.StateHumanRequested || !c.Human.Active() {
			return ErrNoPendingRequest
		}
		c.State = models.StateTransitionToHuman
		controlID = c.Human.ControlID
		return nil
	})
	if err != nil {
		return err
	}

	startURL := m.pageURL(ctx, s)

	err = s.UpdateControl(func(c *session.ControlData) error {
		if err := rejectTerminal(c); err != nil {
			return err
		}
		if c.State != models.StateTransitionToHuman || !c.Human.Active() || c.Human.ControlID != controlID {
			return ErrTransitionInProgress
		}
		c.Human.StartURL = startURL
		if message != "" {
			c.Human.Guidance = append(c.Human.Guidance, message)
		}
		m.record(sessionID, c, models.TransitionAgentToHuman, models.StateHumanRequested, models.StateHumanActive, "control transferred to human", actor, map[string]string{
			"control_id": controlID,
			"phase":      "transfer",
		})
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("👤 Session %s is now under human control", models.ShortID(sessionID))
	return nil
}

// RecordHumanAction appends to the active episode's action log.
// ErrNoActiveHumanSession is local; callers log it and move on.
func (m *Machine) RecordHumanAction(sessionID string, action models.HumanAction) (models.HumanAction, error) {
	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return models.HumanAction{}, err
	}

	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = m.now()
	}

	err = s.UpdateControl(func(c *session.ControlData) error {
		if c.State != models.StateHumanActive || !c.Human.Active() {
			return ErrNoActiveHumanSession
		}
		c.Human.Actions = append(c.Human.Actions, action)
		return nil
	})
	if err != nil {
		return models.HumanAction{}, err
	}
	return action, nil
}

// ReturnControlToAgent closes the human episode and returns the context
// update the automation executor needs to pick up where the human left off
func (m *Machine) ReturnControlToAgent(ctx context.Context, sessionID, actionsSummary string, override map[string]any, actor *string) (*models.ContextUpdate, error) {
	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	var controlID string
	err = s.UpdateControl(func(c *session.ControlData) error {
		if err := rejectTerminal(c); err != nil {
			return err
		}
		if !c.Human.Active() {
			return ErrNoActiveHumanSession
		}
		if c.State != models.StateHumanActive {
			return fmt.Errorf("%w: cannot return control from %s", ErrInvalidTransition, c.State)
		}
		c.State = models.StateTransitionToAgent
		controlID = c.Human.ControlID
		return nil
	})
	if err != nil {
		return nil, err
	}

	endURL := m.pageURL(ctx, s)

	var update *models.ContextUpdate
	err = s.UpdateControl(func(c *session.ControlData) error {
		if err := rejectTerminal(c); err != nil {
			return err
		}
		if c.State != models.StateTransitionToAgent || !c.Human.Active() || c.Human.ControlID != controlID {
			return ErrTransitionInProgress
		}

		end := m.now()
		c.Human.EndTime = &end
		update = buildContextUpdate(c.Human, actionsSummary, endURL, override)
		c.Human = nil

		m.record(sessionID, c, models.TransitionHumanToAgent, models.StateHumanActive, models.StateAgentActive, "control returned to agent", actor, map[string]string{
			"control_id": controlID,
			"actions":    fmt.Sprintf("%d", update.ActionsPerformed),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if endURL != "" {
		s.SetCurrentURL(endURL)
	}
	log.Printf("🤖 Control returned to agent for session %s after %d human action(s)", models.ShortID(sessionID), update.ActionsPerformed)
	return update, nil
}

// PauseAgent moves AgentActive to AgentPaused
func (m *Machine) PauseAgent(sessionID, reason string) error {
	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	return s.UpdateControl(func(c *session.ControlData) error {
		if err := rejectTerminal(c); err != nil {
			return err
		}
		if c.State != models.StateAgentActive {
			return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, c.State)
		}
		m.record(sessionID, c, models.TransitionAgentPause, c.State, models.StateAgentPaused, reason, nil, nil)
		return nil
	})
}

// ResumeAgent moves AgentPaused back to AgentActive
func (m *Machine) ResumeAgent(sessionID, reason string) error {
	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	return s.UpdateControl(func(c *session.ControlData) error {
		if c.State != models.StateAgentPaused {
			return ErrNotPaused
		}
		m.record(sessionID, c, models.TransitionAgentResume, c.State, models.StateAgentActive, reason, nil, nil)
		return nil
	})
}

// EmergencyStop forces the session into Error from any state. The session
// must be discarded afterwards; stopping an errored session is a no-op.
func (m *Machine) EmergencyStop(sessionID, reason string) error {
	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	stopped := false
	err = s.UpdateControl(func(c *session.ControlData) error {
		if c.State == models.StateError {
			return nil
		}
		if c.Human.Active() {
			end := m.now()
			c.Human.EndTime = &end
			c.Human = nil
		}
		m.record(sessionID, c, models.TransitionEmergencyStop, c.State, models.StateError, reason, nil, nil)
		stopped = true
		return nil
	})
	if err != nil || !stopped {
		return err
	}

	m.publisher.Broadcast(sessionID, models.ErrorEvent{
		Kind:     models.ErrorEmergencyStop,
		Message:  reason,
		Terminal: true,
	})
	log.Printf("🛑 Emergency stop on session %s: %s", models.ShortID(sessionID), reason)
	return nil
}

// Events returns the session's audit log in transition order
func (m *Machine) Events(sessionID string) ([]models.ControlEvent, error) {
	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Control().Events, nil
}

func (m *Machine) State(sessionID string) (models.ControlState, error) {
	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	return s.ControlState(), nil
}

// pageURL reads the live URL, falling back to the last one observed
func (m *Machine) pageURL(ctx context.Context, s *session.Session) string {
	ctx, cancel := context.WithTimeout(ctx, pageReadTimeout)
	defer cancel()

	url, err := s.Driver().CurrentURL(ctx)
	if err != nil {
		log.Printf("⚠️ Could not read page url for session %s: %v", models.ShortID(s.ID), err)
		return s.CurrentURL()
	}
	return url
}
