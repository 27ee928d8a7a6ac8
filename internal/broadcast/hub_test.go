package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserbase-copilot/internal/metrics"
	"github.com/shehryarbajwa/browserbase-copilot/internal/testutil"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

const (
	sessionA = "aaaaaaaa-0000-4000-8000-000000000001"
	sessionB = "bbbbbbbb-0000-4000-8000-000000000002"
)

type staticFrames struct {
	mu     sync.Mutex
	frames map[string]*models.FrameEvent
}

func (s *staticFrames) set(sessionID, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == nil {
		s.frames = make(map[string]*models.FrameEvent)
	}
	s.frames[sessionID] = &models.FrameEvent{URL: "https://example.com", Hash: hash}
}

func (s *staticFrames) LatestFrame(sessionID string) (*models.FrameEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[sessionID]
	return f, ok
}

type staticIndex []models.SessionSummary

func (s staticIndex) Summaries() []models.SessionSummary { return s }

func (s staticIndex) Live(sessionID string) bool {
	for _, summary := range s {
		if summary.ID == sessionID {
			return true
		}
	}
	return false
}

// stuckTransport never finishes a write until released
type stuckTransport struct {
	testutil.FakeTransport
	release chan struct{}
}

func (t *stuckTransport) WriteMessage(data []byte) error {
	<-t.release
	return t.FakeTransport.WriteMessage(data)
}

func newHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(DefaultConfig(), metrics.Nop())
	t.Cleanup(func() {
		for h.Connections() > 0 {
			h.mu.Lock()
			var id string
			for id = range h.conns {
				break
			}
			h.mu.Unlock()
			h.Disconnect(id)
		}
	})
	return h
}

func count(tr *testutil.FakeTransport, typ models.EventType) int {
	n := 0
	for _, env := range tr.Envelopes() {
		if env.Type == typ {
			n++
		}
	}
	return n
}

func TestBroadcast_ReachesOnlySubscribers(t *testing.T) {
	h := newHub(t)
	a, b := &testutil.FakeTransport{}, &testutil.FakeTransport{}
	ca, cb := h.Accept(a), h.Accept(b)
	require.NoError(t, h.Subscribe(ca, sessionA))
	require.NoError(t, h.Subscribe(cb, sessionB))

	h.Broadcast(sessionA, models.ErrorEvent{Kind: models.ErrorTaskFailed, Message: "boom"})

	require.Eventually(t, func() bool { return a.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.Count())

	env := a.Envelopes()[0]
	assert.Equal(t, sessionA, env.SessionID)
	assert.Equal(t, "boom", env.Data.(models.ErrorEvent).Message)
}

func TestSubscribe_Idempotent(t *testing.T) {
	h := newHub(t)
	tr := &testutil.FakeTransport{}
	id := h.Accept(tr)

	require.NoError(t, h.Subscribe(id, sessionA))
	require.NoError(t, h.Subscribe(id, sessionA))
	assert.Equal(t, 1, h.Subscribers(sessionA))

	h.Broadcast(sessionA, models.StepEvent{Action: "click"})
	require.Eventually(t, func() bool { return tr.Count() == 1 }, time.Second, 5*time.Millisecond)

	h.Unsubscribe(id, sessionA)
	h.Unsubscribe(id, sessionA)
	assert.Zero(t, h.Subscribers(sessionA))

	assert.ErrorIs(t, h.Subscribe("nope", sessionA), ErrConnectionNotFound)
}

func TestBroadcast_FailedConnectionIsIsolated(t *testing.T) {
	h := newHub(t)
	bad, good := &testutil.FakeTransport{}, &testutil.FakeTransport{}
	cbad, cgood := h.Accept(bad), h.Accept(good)
	for _, id := range []string{cbad, cgood} {
		require.NoError(t, h.Subscribe(id, sessionA))
		require.NoError(t, h.Subscribe(id, GlobalChannel))
	}
	bad.Break()

	h.Broadcast(sessionA, models.StepEvent{Action: "click"})

	require.Eventually(t, bad.Closed, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.Connections())
	assert.Equal(t, 1, h.Subscribers(sessionA))
	assert.Equal(t, 1, h.Subscribers(GlobalChannel))

	h.Broadcast(sessionA, models.StepEvent{Action: "type"})
	require.Eventually(t, func() bool { return good.Count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBroadcast_SlowConnectionNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBuffer = 1
	h := NewHub(cfg, metrics.Nop())

	slow := &stuckTransport{release: make(chan struct{})}
	fast := &testutil.FakeTransport{}
	cslow, cfast := h.Accept(slow), h.Accept(fast)
	require.NoError(t, h.Subscribe(cslow, sessionA))
	require.NoError(t, h.Subscribe(cfast, sessionA))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.Broadcast(sessionA, models.StepEvent{Index: i})
			time.Sleep(2 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow connection")
	}
	close(slow.release)

	assert.Equal(t, 1, h.Connections(), "overflowing connection is dropped")
	require.Eventually(t, func() bool { return fast.Count() == 5 }, time.Second, 5*time.Millisecond)
	h.Disconnect(cfast)
}

func TestGlobalChannel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IndexInterval = 10 * time.Millisecond
	h := NewHub(cfg, metrics.Nop())
	h.SetSources(&staticFrames{}, staticIndex{{ID: sessionA, Task: "search"}})

	global, scoped := &testutil.FakeTransport{}, &testutil.FakeTransport{}
	cg, cs := h.Accept(global), h.Accept(scoped)
	require.NoError(t, h.Subscribe(cg, GlobalChannel))
	require.NoError(t, h.Subscribe(cs, sessionA))

	require.Eventually(t, func() bool { return count(global, models.EventSessions) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, count(scoped, models.EventSessions))

	idx := global.Envelopes()[0].Data.(models.SessionsIndexEvent)
	require.Len(t, idx.Sessions, 1)
	assert.Equal(t, "search", idx.Sessions[0].Task)

	h.Disconnect(cg)
	h.Disconnect(cs)
}

func TestFramePush_DeliversUnseenFramesOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FramePushInterval = time.Hour
	h := NewHub(cfg, metrics.Nop())
	frames := &staticFrames{}
	frames.set(sessionA, "h1")
	h.SetSources(frames, staticIndex{{ID: sessionA}})

	tr := &testutil.FakeTransport{}
	id := h.Accept(tr)
	require.NoError(t, h.Subscribe(id, sessionA))
	frameCount := func(n int) func() bool {
		return func() bool { return count(tr, models.EventFrame) == n }
	}

	// subscribing replays the latest frame
	require.Eventually(t, frameCount(1), time.Second, 5*time.Millisecond)
	h.pushFrames()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, count(tr, models.EventFrame), "unchanged frame is not pushed again")

	frames.set(sessionA, "h2")
	h.pushFrames()
	require.Eventually(t, frameCount(2), time.Second, 5*time.Millisecond)

	// a frame that already went out through Broadcast is not pushed twice
	h.Broadcast(sessionA, models.FrameEvent{Hash: "h3"})
	frames.set(sessionA, "h3")
	h.pushFrames()
	require.Eventually(t, frameCount(3), time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, count(tr, models.EventFrame))

	h.Disconnect(id)
}

func TestFramePush_RunsOnInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FramePushInterval = 10 * time.Millisecond
	h := NewHub(cfg, metrics.Nop())
	frames := &staticFrames{}
	h.SetSources(frames, staticIndex{{ID: sessionA}})

	tr := &testutil.FakeTransport{}
	id := h.Accept(tr)
	require.NoError(t, h.Subscribe(id, sessionA))

	frames.set(sessionA, "late")
	require.Eventually(t, func() bool { return count(tr, models.EventFrame) == 1 }, time.Second, 5*time.Millisecond)
	h.Disconnect(id)
}

func TestLoops_FollowConnectionCount(t *testing.T) {
	h := NewHub(DefaultConfig(), metrics.Nop())
	assert.False(t, h.LoopsRunning())

	a := h.Accept(&testutil.FakeTransport{})
	b := h.Accept(&testutil.FakeTransport{})
	assert.True(t, h.LoopsRunning())

	h.Disconnect(a)
	assert.True(t, h.LoopsRunning())
	h.Disconnect(b)
	assert.False(t, h.LoopsRunning())
	h.Disconnect(b)

	c := h.Accept(&testutil.FakeTransport{})
	assert.True(t, h.LoopsRunning())
	h.Disconnect(c)
	assert.False(t, h.LoopsRunning())
}

// slowCloseTransport parks in Close until released
type slowCloseTransport struct {
	testutil.FakeTransport
	closing chan struct{}
	release chan struct{}
}

func (t *slowCloseTransport) Close() error {
	close(t.closing)
	<-t.release
	return t.FakeTransport.Close()
}

func waitGroupDone(g interface{ Wait() error }) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	return done
}

func TestLoops_ReconnectDuringCloseDoesNotLeak(t *testing.T) {
	h := newHub(t)

	first := &slowCloseTransport{closing: make(chan struct{}), release: make(chan struct{})}
	c1 := h.Accept(first)
	h.mu.Lock()
	firstLoops := h.loops
	h.mu.Unlock()
	require.NotNil(t, firstLoops)

	disconnected := make(chan struct{})
	go func() {
		h.Disconnect(c1)
		close(disconnected)
	}()
	<-first.closing

	// a new observer arrives while the old transport is still closing
	c2 := h.Accept(&testutil.FakeTransport{})
	h.mu.Lock()
	secondLoops := h.loops
	h.mu.Unlock()
	assert.NotSame(t, firstLoops, secondLoops)

	select {
	case <-waitGroupDone(firstLoops):
	case <-time.After(time.Second):
		t.Fatal("loops of the departed connection kept running")
	}

	close(first.release)
	<-disconnected
	assert.True(t, h.LoopsRunning())

	h.Disconnect(c2)
	assert.False(t, h.LoopsRunning())
	select {
	case <-waitGroupDone(secondLoops):
	case <-time.After(time.Second):
		t.Fatal("loops survived the last disconnect")
	}
}

func TestNewHub_FillsNonPositiveIntervals(t *testing.T) {
	h := NewHub(Config{}, metrics.Nop())
	assert.Equal(t, DefaultConfig(), h.cfg)

	id := h.Accept(&testutil.FakeTransport{})
	assert.True(t, h.LoopsRunning())
	h.Disconnect(id)
}

func TestSubscribe_RejectsUnknownSession(t *testing.T) {
	h := newHub(t)
	h.SetSources(&staticFrames{}, staticIndex{{ID: sessionA}})

	id := h.Accept(&testutil.FakeTransport{})
	assert.ErrorIs(t, h.Subscribe(id, sessionB), ErrUnknownSession)
	assert.Zero(t, h.Subscribers(sessionB))

	require.NoError(t, h.Subscribe(id, sessionA))
	require.NoError(t, h.Subscribe(id, GlobalChannel))
	assert.Equal(t, 1, h.Subscribers(sessionA))
}

func TestDropSession(t *testing.T) {
	h := newHub(t)
	t1, t2 := &testutil.FakeTransport{}, &testutil.FakeTransport{}
	c1, c2 := h.Accept(t1), h.Accept(t2)
	for _, id := range []string{c1, c2} {
		require.NoError(t, h.Subscribe(id, sessionA))
		require.NoError(t, h.Subscribe(id, sessionB))
	}

	h.DropSession(sessionA)
	assert.Zero(t, h.Subscribers(sessionA))
	assert.Equal(t, 2, h.Subscribers(sessionB))

	h.Broadcast(sessionA, models.StepEvent{Action: "late"})
	h.Broadcast(sessionB, models.StepEvent{Action: "other"})
	require.Eventually(t, func() bool { return t1.Count() == 1 && t2.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sessionB, t1.Envelopes()[0].SessionID)
}
