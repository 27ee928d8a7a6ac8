// Package recovery runs automation work under a bounded retry policy,
// checkpointing the browser before each attempt and rolling back to that
// checkpoint when the attempt fails.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shehryarbajwa/browserbase-copilot/internal/browser"
	"github.com/shehryarbajwa/browserbase-copilot/internal/checkpoint"
	"github.com/shehryarbajwa/browserbase-copilot/internal/metrics"
	"github.com/shehryarbajwa/browserbase-copilot/internal/session"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

var (
	ErrTaskTimeout    = errors.New("task exceeded its time limit")
	ErrTaskFailed     = errors.New("task failed")
	ErrConnectionLost = errors.New("browser connection could not be re-established")
)

// errHandedOff interrupts an attempt when control leaves the agent
var errHandedOff = errors.New("control left the agent")

const snapshotTimeout = 15 * time.Second

type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		Timeout:    5 * time.Minute,
	}
}

// withDefaults fills zero fields from d
func (o Options) withDefaults(d Options) Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// FrameCapturer is asked for a frame at every finished step
type FrameCapturer interface {
	Capture(ctx context.Context, sessionID string) (bool, error)
}

type Publisher interface {
	Broadcast(sessionID string, ev models.Event)
}

// Stopper moves a session to Error when its browser cannot be recovered
type Stopper interface {
	EmergencyStop(sessionID, reason string) error
}

type Executor struct {
	sessions    *session.Store
	checkpoints *checkpoint.Store
	frames      FrameCapturer
	publisher   Publisher
	stopper     Stopper
	metrics     *metrics.Metrics
	defaults    Options
}

func NewExecutor(sessions *session.Store, checkpoints *checkpoint.Store, frames FrameCapturer, publisher Publisher, stopper Stopper, m *metrics.Metrics, defaults Options) *Executor {
	return &Executor{
		sessions:    sessions,
		checkpoints: checkpoints,
		frames:      frames,
		publisher:   publisher,
		stopper:     stopper,
		metrics:     m,
		defaults:    defaults.withDefaults(DefaultOptions()),
	}
}

func attemptName(attempt int) string {
	return fmt.Sprintf("attempt_%d", attempt)
}

// ExecuteWithRecovery runs instructions up to MaxRetries times. Attempts
// wait while a human holds control, and an attempt interrupted by a hand-off
// is re-run without counting as a failure.
func (e *Executor) ExecuteWithRecovery(ctx context.Context, sessionID, instructions string, opts Options) (*models.StepResult, error) {
	opts = opts.withDefaults(e.defaults)

	s, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.BeginRun(); err != nil {
		return nil, err
	}
	defer s.EndRun()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	stopWatch := context.AfterFunc(s.Context(), cancel)
	defer stopWatch()

	log.Printf("▶️ Executing task for session %s (max %d attempts)", models.ShortID(sessionID), opts.MaxRetries)

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; {
		if err := s.WaitForAgent(ctx); err != nil {
			return nil, e.abort(s, ctx, attempt, err)
		}
		if s.AcknowledgeResume() {
			log.Printf("🔁 Session %s resumed by agent after a control change", models.ShortID(sessionID))
		}

		e.snapshot(ctx, s, attempt)

		result, err := e.runAttempt(ctx, s, instructions, attempt)
		if errors.Is(err, errHandedOff) {
			e.metrics.RecoveryAttempts.WithLabelValues("interrupted").Inc()
			log.Printf("✋ Attempt %d on session %s interrupted by control change", attempt+1, models.ShortID(sessionID))
			continue
		}
		if err == nil {
			s.ResetErrors()
			e.metrics.RecoveryAttempts.WithLabelValues("success").Inc()
			result.Attempts = attempt + 1
			log.Printf("✅ Task succeeded for session %s on attempt %d", models.ShortID(sessionID), attempt+1)
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, e.abort(s, ctx, attempt+1, err)
		}

		lastErr = err
		count := s.RecordFailure()
		e.metrics.RecoveryAttempts.WithLabelValues("failure").Inc()
		log.Printf("❌ Attempt %d/%d failed for session %s (errors: %d): %v", attempt+1, opts.MaxRetries, models.ShortID(sessionID), count, err)

		if attempt == opts.MaxRetries-1 {
			break
		}

		delay := opts.BaseDelay * time.Duration(attempt+1)
		if err := sleep(ctx, delay); err != nil {
			return nil, e.abort(s, ctx, attempt+1, lastErr)
		}

		if browser.IsConnectionLost(err) {
			if rerr := e.reconnect(ctx, s); rerr != nil {
				return nil, rerr
			}
		}
		e.restore(ctx, s, attempt)
		attempt++
	}

	e.publisher.Broadcast(sessionID, models.ErrorEvent{
		Kind:     models.ErrorTaskFailed,
		Message:  lastErr.Error(),
		Attempts: opts.MaxRetries,
		Terminal: true,
	})
	return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrTaskFailed, opts.MaxRetries, lastErr)
}

// runAttempt drives one automation run, forwarding its step events. The run
// is cancelled with errHandedOff if control leaves the agent.
func (e *Executor) runAttempt(ctx context.Context, s *session.Session, instructions string, attempt int) (*models.StepResult, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go e.watchControl(runCtx, s, cancel)

	progress := make(chan models.StepEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.forwardSteps(runCtx, s.ID, attempt, progress)
	}()

	result, err := s.Driver().RunAutomationStep(runCtx, instructions, progress)
	close(progress)
	<-done

	if err == nil && result != nil && result.Success {
		return result, nil
	}
	if errors.Is(context.Cause(runCtx), errHandedOff) || s.ControlState() != models.StateAgentActive {
		return nil, errHandedOff
	}
	if err != nil {
		return nil, err
	}
	return nil, errors.New("automation step reported failure")
}

func (e *Executor) watchControl(ctx context.Context, s *session.Session, cancel context.CancelCauseFunc) {
	for {
		state, changed := s.WatchControl()
		if state != models.StateAgentActive {
			cancel(errHandedOff)
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

// forwardSteps publishes step events and asks for a frame at every step end
func (e *Executor) forwardSteps(ctx context.Context, sessionID string, attempt int, progress <-chan models.StepEvent) {
	for ev := range progress {
		ev.Attempt = attempt
		e.publisher.Broadcast(sessionID, ev)

		if ev.Phase == models.StepFinished && e.frames != nil && ctx.Err() == nil {
			if _, err := e.frames.Capture(ctx, sessionID); err != nil {
				log.Printf("⚠️ Step frame capture failed for session %s: %v", models.ShortID(sessionID), err)
			}
		}
	}
}

// snapshot checkpoints the browser before an attempt; failures only log
func (e *Executor) snapshot(ctx context.Context, s *session.Session, attempt int) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	if _, err := e.checkpoints.Create(ctx, s.ID, attemptName(attempt), s.Driver()); err != nil {
		log.Printf("⚠️ Checkpoint %s skipped for session %s: %v", attemptName(attempt), models.ShortID(s.ID), err)
	}
}

// restore rolls back to the attempt's checkpoint; failures only log
func (e *Executor) restore(ctx context.Context, s *session.Session, attempt int) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	if err := e.checkpoints.Restore(ctx, s.ID, attemptName(attempt), s.Driver()); err != nil {
		log.Printf("⚠️ Restore of %s skipped for session %s: %v", attemptName(attempt), models.ShortID(s.ID), err)
		return
	}
	log.Printf("⏪ Session %s restored to %s", models.ShortID(s.ID), attemptName(attempt))
}

// reconnect re-establishes a dead driver connection. If that fails the
// session is unrecoverable and moves to Error.
func (e *Executor) reconnect(ctx context.Context, s *session.Session) error {
	log.Printf("🔌 Browser connection lost for session %s, reconnecting", models.ShortID(s.ID))

	d := s.Driver()
	if err := d.Stop(ctx); err != nil {
		log.Printf("⚠️ Failed to stop dead driver for session %s: %v", models.ShortID(s.ID), err)
	}
	if err := d.Start(ctx); err != nil {
		reason := fmt.Sprintf("browser connection lost: %v", err)
		if serr := e.stopper.EmergencyStop(s.ID, reason); serr != nil {
			log.Printf("⚠️ Emergency stop failed for session %s: %v", models.ShortID(s.ID), serr)
		}
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	log.Printf("✅ Browser reconnected for session %s", models.ShortID(s.ID))
	return nil
}

// abort maps a cancelled run to its cause: timeout, stopped session, or
// the caller's own cancellation
func (e *Executor) abort(s *session.Session, ctx context.Context, attempts int, cause error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.metrics.RecoveryAttempts.WithLabelValues("timeout").Inc()
		e.publisher.Broadcast(s.ID, models.ErrorEvent{
			Kind:     models.ErrorTaskTimeout,
			Message:  "task exceeded its time limit",
			Attempts: attempts,
			Terminal: true,
		})
		log.Printf("⏱️ Task timed out for session %s", models.ShortID(s.ID))
		return ErrTaskTimeout
	case s.Stopped():
		return session.ErrSessionStopped
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return cause
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
