// Package engine wires the session components together and is the single
// entry point the HTTP layer calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browserbase-copilot/internal/broadcast"
	"github.com/shehryarbajwa/browserbase-copilot/internal/browser"
	"github.com/shehryarbajwa/browserbase-copilot/internal/checkpoint"
	"github.com/shehryarbajwa/browserbase-copilot/internal/control"
	"github.com/shehryarbajwa/browserbase-copilot/internal/metrics"
	"github.com/shehryarbajwa/browserbase-copilot/internal/recovery"
	"github.com/shehryarbajwa/browserbase-copilot/internal/session"
	"github.com/shehryarbajwa/browserbase-copilot/internal/stream"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

var (
	ErrCapacity     = errors.New("session capacity reached")
	ErrTaskRequired = errors.New("task is required")
	ErrNoFrame      = errors.New("no frame captured yet")
)

const releaseTimeout = 30 * time.Second

type Config struct {
	MaxSessions    int64
	SessionTimeout time.Duration
	Recovery       recovery.Options
	Stream         stream.Config
}

func DefaultConfig() Config {
	return Config{
		MaxSessions:    10,
		SessionTimeout: time.Hour,
		Recovery:       recovery.DefaultOptions(),
		Stream:         stream.DefaultConfig(),
	}
}

// Engine owns the session store and every per-session component
type Engine struct {
	cfg         Config
	sessions    *session.Store
	launcher    browser.Launcher
	checkpoints *checkpoint.Store
	control     *control.Machine
	executor    *recovery.Executor
	stream      *stream.Coordinator
	hub         *broadcast.Hub
	metrics     *metrics.Metrics
	slots       *semaphore.Weighted

	hooksMu   sync.Mutex
	stopHooks []func(sessionID string)
}

func New(cfg Config, launcher browser.Launcher, hub *broadcast.Hub, m *metrics.Metrics) *Engine {
	sessions := session.NewStore()
	checkpoints := checkpoint.NewStore()
	machine := control.NewMachine(sessions, hub, m)
	coordinator := stream.NewCoordinator(cfg.Stream, sessions, hub, m)

	e := &Engine{
		cfg:         cfg,
		sessions:    sessions,
		launcher:    launcher,
		checkpoints: checkpoints,
		control:     machine,
		executor:    recovery.NewExecutor(sessions, checkpoints, coordinator, hub, machine, m, cfg.Recovery),
		stream:      coordinator,
		hub:         hub,
		metrics:     m,
		slots:       semaphore.NewWeighted(cfg.MaxSessions),
	}
	hub.SetSources(coordinator, e)
	return e
}

// StartSession launches a browser for task and starts streaming it
func (e *Engine) StartSession(ctx context.Context, task string) (models.SessionInfo, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return models.SessionInfo{}, ErrTaskRequired
	}
	if !e.slots.TryAcquire(1) {
		return models.SessionInfo{}, fmt.Errorf("%w (%d)", ErrCapacity, e.cfg.MaxSessions)
	}

	sessionID := uuid.New().String()
	inst, err := e.launcher.Launch(ctx, sessionID)
	if err != nil {
		e.slots.Release(1)
		return models.SessionInfo{}, fmt.Errorf("failed to launch browser: %w", err)
	}

	s := session.New(sessionID, task, inst)
	if url, err := inst.Driver.CurrentURL(ctx); err == nil {
		s.SetCurrentURL(url)
	}
	e.sessions.Add(s)
	e.metrics.ActiveSessions.Inc()

	go e.stream.Run(s.Context(), sessionID)
	if e.cfg.SessionTimeout > 0 {
		go e.handleTimeout(s)
	}

	e.publishIndex()
	log.Printf("🚀 Session %s started: %s", models.ShortID(sessionID), task)
	return s.Info(nil), nil
}

// ExecuteWithRecovery runs instructions on the session's browser with retries
func (e *Engine) ExecuteWithRecovery(ctx context.Context, sessionID, instructions string, opts recovery.Options) (*models.StepResult, error) {
	return e.executor.ExecuteWithRecovery(ctx, sessionID, instructions, opts)
}

func (e *Engine) RequestHumanControl(sessionID string, req models.ControlRequest) (*models.HumanControlSession, error) {
	var agentState models.AgentStateSnapshot
	if req.AgentState != nil {
		agentState = *req.AgentState
	}
	return e.control.RequestHumanControl(sessionID, req.Reason, agentState, req.ActorID)
}

func (e *Engine) TransferControlToHuman(ctx context.Context, sessionID string, req models.ControlRequest) error {
	return e.control.TransferControlToHuman(ctx, sessionID, req.Message, req.ActorID)
}

func (e *Engine) ReturnControlToAgent(ctx context.Context, sessionID string, req models.ControlRequest) (*models.ContextUpdate, error) {
	return e.control.ReturnControlToAgent(ctx, sessionID, req.ActionsSummary, req.ContextUpdate, req.ActorID)
}

func (e *Engine) PauseAgent(sessionID, reason string) error {
	return e.control.PauseAgent(sessionID, reason)
}

func (e *Engine) ResumeAgent(sessionID, reason string) error {
	return e.control.ResumeAgent(sessionID, reason)
}

func (e *Engine) EmergencyStop(sessionID, reason string) error {
	return e.control.EmergencyStop(sessionID, reason)
}

func (e *Engine) RecordHumanAction(sessionID string, action models.HumanAction) (models.HumanAction, error) {
	return e.control.RecordHumanAction(sessionID, action)
}

// Navigate drives the page on behalf of the human in control and records
// the result as a human action
func (e *Engine) Navigate(ctx context.Context, sessionID, url string) (models.HumanAction, error) {
	s, err := e.sessions.Get(sessionID)
	if err != nil {
		return models.HumanAction{}, err
	}
	if s.ControlState() != models.StateHumanActive {
		return models.HumanAction{}, control.ErrNoActiveHumanSession
	}

	action := models.HumanAction{Type: "navigate", Target: url, Success: true}
	navErr := s.Driver().Navigate(ctx, url)
	if navErr != nil {
		action.Success = false
		action.ErrorMessage = navErr.Error()
	} else {
		s.SetCurrentURL(url)
	}

	recorded, err := e.control.RecordHumanAction(sessionID, action)
	if err != nil {
		return models.HumanAction{}, err
	}
	if navErr != nil {
		return recorded, fmt.Errorf("navigation failed: %w", navErr)
	}
	return recorded, nil
}

// Subscribe, Unsubscribe and Broadcast expose the hub to callers that hold
// a connection id
func (e *Engine) Subscribe(connID, channel string) error {
	return e.hub.Subscribe(connID, channel)
}

func (e *Engine) Unsubscribe(connID, channel string) {
	e.hub.Unsubscribe(connID, channel)
}

func (e *Engine) Broadcast(sessionID string, ev models.Event) {
	e.hub.Broadcast(sessionID, ev)
}

func (e *Engine) GetSessionInfo(sessionID string) (models.SessionInfo, error) {
	s, err := e.sessions.Get(sessionID)
	if err != nil {
		return models.SessionInfo{}, err
	}
	return s.Info(e.checkpoints.Names(sessionID)), nil
}

func (e *Engine) ListSessions() []models.SessionSummary {
	return e.Summaries()
}

// Summaries feeds the hub's global channel
func (e *Engine) Summaries() []models.SessionSummary {
	live := e.sessions.List()
	out := make([]models.SessionSummary, 0, len(live))
	for _, s := range live {
		out = append(out, s.Summary())
	}
	return out
}

// Live reports whether sessionID names a session that has not been stopped
func (e *Engine) Live(sessionID string) bool {
	s, err := e.sessions.Get(sessionID)
	return err == nil && !s.Stopped()
}

func (e *Engine) Events(sessionID string) ([]models.ControlEvent, error) {
	return e.control.Events(sessionID)
}

// Screenshot returns the latest streamed frame, or captures one directly
// if nothing has been streamed yet
func (e *Engine) Screenshot(ctx context.Context, sessionID string) ([]byte, string, error) {
	s, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, "", err
	}
	if frame, ok := e.stream.LatestFrame(sessionID); ok {
		return frame.Image, "image/jpeg", nil
	}

	raw, err := s.Driver().CaptureFrame(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrNoFrame, err)
	}
	return raw, "image/png", nil
}

// DebugTarget returns the CDP endpoint of the session's browser. It is only
// handed out while a human holds control.
func (e *Engine) DebugTarget(sessionID string) (string, error) {
	s, err := e.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	if s.ControlState() != models.StateHumanActive {
		return "", control.ErrNoActiveHumanSession
	}
	return s.Instance().ConnectURL, nil
}

// WatchControl returns the session's control state and a channel that is
// closed on the next change. A stopped session reports ErrSessionStopped.
func (e *Engine) WatchControl(sessionID string) (models.ControlState, <-chan struct{}, error) {
	s, err := e.sessions.Get(sessionID)
	if err != nil {
		return "", nil, err
	}
	state, changed := s.WatchControl()
	if s.Stopped() {
		return "", nil, session.ErrSessionStopped
	}
	return state, changed, nil
}

// StopSession tears a session down. Stopping an unknown or already stopped
// session is a no-op.
func (e *Engine) StopSession(ctx context.Context, sessionID string) error {
	s, ok := e.sessions.Remove(sessionID)
	if !ok {
		return nil
	}
	if !s.Stop() {
		return nil
	}

	e.hub.DropSession(sessionID)
	e.stream.Forget(sessionID)
	e.checkpoints.Drop(sessionID)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := e.launcher.Release(ctx, s.Instance()); err != nil {
		log.Printf("⚠️ Failed to release browser for session %s: %v", models.ShortID(sessionID), err)
	}

	e.slots.Release(1)
	e.metrics.ActiveSessions.Dec()
	e.publishIndex()

	e.hooksMu.Lock()
	hooks := append([]func(string){}, e.stopHooks...)
	e.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(sessionID)
	}

	log.Printf("🧹 Session %s stopped", models.ShortID(sessionID))
	return nil
}

// OnSessionStopped registers fn to run after a session is torn down
func (e *Engine) OnSessionStopped(fn func(sessionID string)) {
	e.hooksMu.Lock()
	e.stopHooks = append(e.stopHooks, fn)
	e.hooksMu.Unlock()
}

// Shutdown stops every live session
func (e *Engine) Shutdown(ctx context.Context) {
	for _, s := range e.sessions.List() {
		if err := e.StopSession(ctx, s.ID); err != nil {
			log.Printf("⚠️ Failed to stop session %s: %v", models.ShortID(s.ID), err)
		}
	}
}

func (e *Engine) publishIndex() {
	e.hub.BroadcastGlobal(models.SessionsIndexEvent{Sessions: e.Summaries()})
}

// handleTimeout stops a session that outlives SessionTimeout
func (e *Engine) handleTimeout(s *session.Session) {
	timer := time.NewTimer(e.cfg.SessionTimeout)
	defer timer.Stop()

	select {
	case <-s.Context().Done():
		return
	case <-timer.C:
	}

	log.Printf("⏱️ Session %s reached its %s lifetime", models.ShortID(s.ID), e.cfg.SessionTimeout)
	if err := e.StopSession(context.Background(), s.ID); err != nil {
		log.Printf("⚠️ Failed to stop timed out session %s: %v", models.ShortID(s.ID), err)
	}
}
