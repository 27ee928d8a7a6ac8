package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserbase-copilot/internal/browser"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionStopped    = errors.New("session stopped")
	ErrSessionTerminated = errors.New("session is in error state")
	ErrAlreadyRunning    = errors.New("an automation run is already in progress")
)

// ControlData is the part of a session owned by the control state machine.
// It is only ever touched inside UpdateControl.
type ControlData struct {
	State               models.ControlState
	PausedSinceRecovery bool
	Human               *models.HumanControlSession
	History             []*models.HumanControlSession
	Events              []models.ControlEvent
}

// ControlSnapshot is a copy of ControlData safe to use without the lock
type ControlSnapshot ControlData

// Session is one browser automation session. All mutable state sits behind
// mu; each component mutates it only through the methods it owns.
type Session struct {
	ID        string
	Task      string
	StartedAt time.Time

	instance *browser.Instance
	ctx      context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	control    ControlData
	changed    chan struct{}
	errorCount int
	currentURL string
	frameHash  string
	running    bool
	stopped    bool
}

// New creates a session in AgentActive bound to a launched browser
func New(id, task string, inst *browser.Instance) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        id,
		Task:      task,
		StartedAt: time.Now(),
		instance:  inst,
		ctx:       ctx,
		cancel:    cancel,
		control:   ControlData{State: models.StateAgentActive},
		changed:   make(chan struct{}),
	}
}

// Context is cancelled when the session stops
func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Instance() *browser.Instance {
	return s.instance
}

func (s *Session) Driver() browser.Driver {
	return s.instance.Driver
}

// UpdateControl runs fn atomically against the control data and wakes
// anyone blocked in WaitForAgent when fn succeeds
func (s *Session) UpdateControl(fn func(*ControlData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSessionStopped
	}
	if err := fn(&s.control); err != nil {
		return err
	}

	if s.running && s.control.State != models.StateAgentActive {
		s.control.PausedSinceRecovery = true
	}
	close(s.changed)
	s.changed = make(chan struct{})
	return nil
}

func (s *Session) Control() ControlSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]*models.HumanControlSession, 0, len(s.control.History))
	for _, h := range s.control.History {
		history = append(history, h.Clone())
	}
	return ControlSnapshot{
		State:               s.control.State,
		PausedSinceRecovery: s.control.PausedSinceRecovery,
		Human:               s.control.Human.Clone(),
		History:             history,
		Events:              append([]models.ControlEvent(nil), s.control.Events...),
	}
}

func (s *Session) ControlState() models.ControlState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control.State
}

// WaitForAgent blocks until the agent holds control
func (s *Session) WaitForAgent(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, changed, stopped := s.control.State, s.changed, s.stopped
		s.mu.Unlock()

		if stopped {
			return ErrSessionStopped
		}
		switch state {
		case models.StateAgentActive:
			return nil
		case models.StateError:
			return ErrSessionTerminated
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrSessionStopped
		}
	}
}

// WatchControl returns the current state and a channel closed on the next
// change
func (s *Session) WatchControl() (models.ControlState, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control.State, s.changed
}

// AcknowledgeResume clears PausedSinceRecovery and reports whether it was set
func (s *Session) AcknowledgeResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.control.PausedSinceRecovery
	s.control.PausedSinceRecovery = false
	return was
}

// BeginRun marks a recovery run in flight; only one may run at a time
func (s *Session) BeginRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSessionStopped
	}
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	return nil
}

func (s *Session) EndRun() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// RecordFailure increments the error count and returns the new value
func (s *Session) RecordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount++
	return s.errorCount
}

func (s *Session) ResetErrors() {
	s.mu.Lock()
	s.errorCount = 0
	s.mu.Unlock()
}

func (s *Session) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount
}

// ObserveFrame records the page and frame hash last delivered to observers
func (s *Session) ObserveFrame(url, hash string) {
	s.mu.Lock()
	s.currentURL = url
	s.frameHash = hash
	s.mu.Unlock()
}

func (s *Session) SetCurrentURL(url string) {
	s.mu.Lock()
	s.currentURL = url
	s.mu.Unlock()
}

func (s *Session) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentURL
}

// Info builds the external view; checkpoint names are owned elsewhere
func (s *Session) Info(checkpoints []string) models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if checkpoints == nil {
		checkpoints = []string{}
	}
	var human *models.HumanControlSession
	if s.control.Human.Active() {
		human = s.control.Human.Clone()
	}
	return models.SessionInfo{
		ID:                  s.ID,
		Task:                s.Task,
		ControlState:        s.control.State,
		PausedSinceRecovery: s.control.PausedSinceRecovery,
		ErrorCount:          s.errorCount,
		CurrentURL:          s.currentURL,
		LastFrameHash:       s.frameHash,
		Checkpoints:         checkpoints,
		HumanControl:        human,
		Running:             s.running,
		StartedAt:           s.StartedAt,
	}
}

func (s *Session) Summary() models.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.SessionSummary{
		ID:           s.ID,
		Task:         s.Task,
		ControlState: s.control.State,
		CurrentURL:   s.currentURL,
		Running:      s.running,
		StartedAt:    s.StartedAt,
	}
}

// Stop cancels the session context. It returns false if already stopped.
func (s *Session) Stop() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.cancel()
	return true
}

func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
