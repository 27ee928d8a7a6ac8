package engine

import (
	"context"
	"errors"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserbase-copilot/internal/broadcast"
	"github.com/shehryarbajwa/browserbase-copilot/internal/control"
	"github.com/shehryarbajwa/browserbase-copilot/internal/metrics"
	"github.com/shehryarbajwa/browserbase-copilot/internal/recovery"
	"github.com/shehryarbajwa/browserbase-copilot/internal/session"
	"github.com/shehryarbajwa/browserbase-copilot/internal/testutil"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxSessions = 2
	cfg.Stream.Interval = 5 * time.Millisecond
	cfg.Recovery = recovery.Options{MaxRetries: 3, BaseDelay: time.Millisecond, Timeout: 5 * time.Second}
	return cfg
}

func newEngine(t *testing.T, cfg Config) (*Engine, *testutil.FakeLauncher, *broadcast.Hub) {
	t.Helper()

	launcher := testutil.NewFakeLauncher()
	hub := broadcast.NewHub(broadcast.DefaultConfig(), metrics.Nop())
	e := New(cfg, launcher, hub, metrics.Nop())
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e, launcher, hub
}

func TestStartSession(t *testing.T) {
	e, launcher, _ := newEngine(t, testConfig())

	info, err := e.StartSession(context.Background(), "  book a table  ")
	require.NoError(t, err)
	assert.Equal(t, "book a table", info.Task)
	assert.Equal(t, models.StateAgentActive, info.ControlState)
	assert.NotNil(t, launcher.Driver(info.ID))

	_, err = e.StartSession(context.Background(), " ")
	assert.ErrorIs(t, err, ErrTaskRequired)

	summaries := e.ListSessions()
	require.Len(t, summaries, 1)
	assert.Equal(t, info.ID, summaries[0].ID)
}

func TestStartSession_Capacity(t *testing.T) {
	e, launcher, _ := newEngine(t, testConfig())
	ctx := context.Background()

	first, err := e.StartSession(ctx, "one")
	require.NoError(t, err)
	_, err = e.StartSession(ctx, "two")
	require.NoError(t, err)

	_, err = e.StartSession(ctx, "three")
	assert.ErrorIs(t, err, ErrCapacity)

	require.NoError(t, e.StopSession(ctx, first.ID))
	_, err = e.StartSession(ctx, "three")
	assert.NoError(t, err)

	launcher.Fail = errors.New("docker unavailable")
	_, err = e.StartSession(ctx, "four")
	assert.ErrorIs(t, err, ErrCapacity, "still full")
}

func TestStartSession_LaunchFailureReleasesSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	e, launcher, _ := newEngine(t, cfg)

	launcher.Fail = errors.New("docker unavailable")
	_, err := e.StartSession(context.Background(), "x")
	require.Error(t, err)

	launcher.Fail = nil
	_, err = e.StartSession(context.Background(), "x")
	assert.NoError(t, err)
}

func TestHandoffScenario(t *testing.T) {
	e, _, _ := newEngine(t, testConfig())
	ctx := context.Background()

	info, err := e.StartSession(ctx, "pay invoice")
	require.NoError(t, err)
	id := info.ID

	_, err = e.RequestHumanControl(id, models.ControlRequest{Reason: "2fa code"})
	require.NoError(t, err)
	got, err := e.GetSessionInfo(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateHumanRequested, got.ControlState)

	require.NoError(t, e.TransferControlToHuman(ctx, id, models.ControlRequest{Message: "enter the code"}))
	got, _ = e.GetSessionInfo(id)
	assert.Equal(t, models.StateHumanActive, got.ControlState)
	require.NotNil(t, got.HumanControl)

	target, err := e.DebugTarget(id)
	require.NoError(t, err)
	assert.Equal(t, "ws://fake", target)

	for _, typ := range []string{"click", "type", "click"} {
		_, err := e.RecordHumanAction(id, models.HumanAction{Type: typ, Success: true})
		require.NoError(t, err)
	}

	update, err := e.ReturnControlToAgent(ctx, id, models.ControlRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, update.ActionsPerformed)

	got, err = e.GetSessionInfo(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateAgentActive, got.ControlState)
	assert.Nil(t, got.HumanControl)

	_, err = e.DebugTarget(id)
	assert.ErrorIs(t, err, control.ErrNoActiveHumanSession)

	events, err := e.Events(id)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestExecuteReportsCheckpoints(t *testing.T) {
	e, launcher, _ := newEngine(t, testConfig())
	ctx := context.Background()

	info, err := e.StartSession(ctx, "search")
	require.NoError(t, err)
	launcher.Driver(info.ID).OnRun(func(run int, instructions string) (*models.StepResult, error) {
		if run == 1 {
			return nil, errors.New("timeout waiting for selector")
		}
		return &models.StepResult{Success: true, Steps: 1}, nil
	})

	result, err := e.ExecuteWithRecovery(ctx, info.ID, "goto https://example.com", recovery.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)

	got, err := e.GetSessionInfo(info.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"attempt_0", "attempt_1"}, got.Checkpoints)
	assert.Equal(t, 0, got.ErrorCount)
}

func TestStopSession_SilencesSubscribers(t *testing.T) {
	e, launcher, hub := newEngine(t, testConfig())
	ctx := context.Background()

	info, err := e.StartSession(ctx, "watch prices")
	require.NoError(t, err)
	id := info.ID

	t1, t2 := &testutil.FakeTransport{}, &testutil.FakeTransport{}
	c1, c2 := hub.Accept(t1), hub.Accept(t2)
	require.NoError(t, e.Subscribe(c1, id))
	require.NoError(t, e.Subscribe(c2, id))

	// the free-running producer delivers while the session lives
	require.Eventually(t, func() bool { return t1.Count() > 0 && t2.Count() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.StopSession(ctx, id))
	assert.Zero(t, hub.Subscribers(id))
	assert.ErrorIs(t, e.Subscribe(c1, id), broadcast.ErrUnknownSession)
	assert.Equal(t, []string{id}, launcher.ReleasedIDs())

	before1, before2 := t1.Count(), t2.Count()
	launcher.Driver(id).SetFrame(testutil.PNG(32, 32, color.Black))
	e.Broadcast(id, models.StepEvent{Action: "late"})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, before1, t1.Count())
	assert.Equal(t, before2, t2.Count())

	_, err = e.GetSessionInfo(id)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	// idempotent
	require.NoError(t, e.StopSession(ctx, id))
	assert.Len(t, launcher.ReleasedIDs(), 1)

	hub.Disconnect(c1)
	hub.Disconnect(c2)
}

func TestStopSession_CancelsRunningTask(t *testing.T) {
	e, _, _ := newEngine(t, testConfig())
	ctx := context.Background()

	info, err := e.StartSession(ctx, "long task")
	require.NoError(t, err)
	require.NoError(t, e.PauseAgent(info.ID, "hold"))

	done := make(chan error, 1)
	go func() {
		_, err := e.ExecuteWithRecovery(ctx, info.ID, "goto https://example.com", recovery.Options{})
		done <- err
	}()

	require.Eventually(t, func() bool {
		got, err := e.GetSessionInfo(info.ID)
		return err == nil && got.Running
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, e.StopSession(ctx, info.ID))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, session.ErrSessionStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("run survived session stop")
	}
}

func TestSessionTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SessionTimeout = 30 * time.Millisecond
	e, launcher, _ := newEngine(t, cfg)

	info, err := e.StartSession(context.Background(), "short lived")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(launcher.ReleasedIDs()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{info.ID}, launcher.ReleasedIDs())

	_, err = e.GetSessionInfo(info.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestScreenshot(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.Interval = time.Hour
	e, _, _ := newEngine(t, cfg)

	info, err := e.StartSession(context.Background(), "look")
	require.NoError(t, err)

	img, contentType, err := e.Screenshot(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
	assert.NotEmpty(t, img)

	_, _, err = e.Screenshot(context.Background(), "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestEmergencyStopKeepsSessionForInspection(t *testing.T) {
	e, _, _ := newEngine(t, testConfig())

	info, err := e.StartSession(context.Background(), "risky")
	require.NoError(t, err)
	require.NoError(t, e.EmergencyStop(info.ID, "operator abort"))

	got, err := e.GetSessionInfo(info.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateError, got.ControlState)

	_, err = e.ExecuteWithRecovery(context.Background(), info.ID, "goto https://example.com", recovery.Options{})
	assert.ErrorIs(t, err, session.ErrSessionTerminated)
}

func TestWatchControl(t *testing.T) {
	e, _, _ := newEngine(t, testConfig())
	ctx := context.Background()

	info, err := e.StartSession(ctx, "file claim")
	require.NoError(t, err)
	_, err = e.RequestHumanControl(info.ID, models.ControlRequest{Reason: "upload"})
	require.NoError(t, err)
	require.NoError(t, e.TransferControlToHuman(ctx, info.ID, models.ControlRequest{}))

	state, changed, err := e.WatchControl(info.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHumanActive, state)

	_, err = e.ReturnControlToAgent(ctx, info.ID, models.ControlRequest{})
	require.NoError(t, err)
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("hand-back did not signal watchers")
	}

	assert.True(t, e.Live(info.ID))
	require.NoError(t, e.StopSession(ctx, info.ID))
	assert.False(t, e.Live(info.ID))
	_, _, err = e.WatchControl(info.ID)
	assert.Error(t, err)
}
