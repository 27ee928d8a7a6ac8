// Package broadcast fans session events out to observer connections.
// Delivery is best effort: every connection has its own bounded queue, and
// a connection that cannot keep up or fails a write is dropped without
// affecting anyone else.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/browserbase-copilot/internal/metrics"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

// GlobalChannel carries the sessions index
const GlobalChannel = "sessions"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrUnknownSession     = errors.New("no live session for channel")
)

// Transport is one observer's duplex channel, outbound half
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// FrameSource serves the latest known frame of a session
type FrameSource interface {
	LatestFrame(sessionID string) (*models.FrameEvent, bool)
}

// IndexSource lists live sessions for the global channel
type IndexSource interface {
	Summaries() []models.SessionSummary
	Live(sessionID string) bool
}

type Config struct {
	IndexInterval     time.Duration
	FramePushInterval time.Duration
	SendBuffer        int
}

func DefaultConfig() Config {
	return Config{
		IndexInterval:     5 * time.Second,
		FramePushInterval: 2 * time.Second,
		SendBuffer:        64,
	}
}

type conn struct {
	id        string
	transport Transport
	send      chan []byte
	subs      map[string]struct{}
	seen      map[string]string // sessionID -> frame hash last queued
}

type Hub struct {
	cfg     Config
	metrics *metrics.Metrics
	frames  FrameSource
	index   IndexSource

	mu       sync.Mutex
	conns    map[string]*conn
	channels map[string]map[string]*conn
	stop     context.CancelFunc
	loops    *errgroup.Group
}

func NewHub(cfg Config, m *metrics.Metrics) *Hub {
	d := DefaultConfig()
	if cfg.IndexInterval <= 0 {
		cfg.IndexInterval = d.IndexInterval
	}
	if cfg.FramePushInterval <= 0 {
		cfg.FramePushInterval = d.FramePushInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = d.SendBuffer
	}
	return &Hub{
		cfg:      cfg,
		metrics:  m,
		conns:    make(map[string]*conn),
		channels: make(map[string]map[string]*conn),
	}
}

// SetSources wires the frame and index providers used by the background
// loops. Call before the first Accept.
func (h *Hub) SetSources(frames FrameSource, index IndexSource) {
	h.mu.Lock()
	h.frames = frames
	h.index = index
	h.mu.Unlock()
}

// Accept registers a transport and returns its connection id. The first
// connection starts the background loops.
func (h *Hub) Accept(t Transport) string {
	c := &conn{
		id:        uuid.New().String(),
		transport: t,
		send:      make(chan []byte, h.cfg.SendBuffer),
		subs:      make(map[string]struct{}),
		seen:      make(map[string]string),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.startLoopsLocked()
	h.mu.Unlock()

	h.metrics.Connections.Inc()
	go h.writer(c)

	log.Printf("🔌 Observer %s connected", models.ShortID(c.id))
	return c.id
}

func (h *Hub) writer(c *conn) {
	failed := false
	for data := range c.send {
		if failed {
			continue
		}
		if err := c.transport.WriteMessage(data); err != nil {
			log.Printf("⚠️ Dropping observer %s: %v", models.ShortID(c.id), err)
			failed = true
			go h.Disconnect(c.id)
		}
	}
}

// Subscribe adds the connection to a session channel or GlobalChannel.
// Subscribing twice is a no-op. Once an index source is set, session
// channels must name a live session.
func (h *Hub) Subscribe(connID, channel string) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return ErrConnectionNotFound
	}
	if channel != GlobalChannel && h.index != nil && !h.index.Live(channel) {
		h.mu.Unlock()
		return ErrUnknownSession
	}
	if _, already := c.subs[channel]; already {
		h.mu.Unlock()
		return nil
	}
	c.subs[channel] = struct{}{}
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[string]*conn)
		h.channels[channel] = members
	}
	members[connID] = c
	frames, index := h.frames, h.index
	h.mu.Unlock()

	// bring the newcomer up to date
	if channel == GlobalChannel {
		if index != nil {
			h.sendTo(connID, "", models.SessionsIndexEvent{Sessions: index.Summaries()})
		}
	} else if frames != nil {
		if frame, ok := frames.LatestFrame(channel); ok {
			h.sendTo(connID, channel, *frame)
		}
	}
	return nil
}

// Unsubscribe is symmetric to Subscribe and idempotent
func (h *Hub) Unsubscribe(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conns[connID]; ok {
		delete(c.subs, channel)
		delete(c.seen, channel)
	}
	if members, ok := h.channels[channel]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Broadcast delivers ev to every subscriber of sessionID
func (h *Hub) Broadcast(sessionID string, ev models.Event) {
	h.deliver(sessionID, sessionID, ev)
}

// BroadcastGlobal delivers ev to global subscribers
func (h *Hub) BroadcastGlobal(ev models.Event) {
	h.deliver(GlobalChannel, "", ev)
}

func (h *Hub) deliver(channel, sessionID string, ev models.Event) {
	data, err := json.Marshal(models.NewEnvelope(sessionID, ev))
	if err != nil {
		log.Printf("❌ Failed to encode %s event: %v", ev.Type(), err)
		return
	}
	frame, isFrame := ev.(models.FrameEvent)

	h.mu.Lock()
	var dropped []*conn
	for _, c := range h.channels[channel] {
		if isFrame {
			c.seen[sessionID] = frame.Hash
		}
		if !h.enqueueLocked(c, data) {
			dropped = append(dropped, c)
		}
	}
	var stopped *errgroup.Group
	for _, c := range dropped {
		if g := h.removeLocked(c); g != nil {
			stopped = g
		}
	}
	h.mu.Unlock()

	h.finish(dropped, stopped)
}

func (h *Hub) sendTo(connID, sessionID string, ev models.Event) {
	data, err := json.Marshal(models.NewEnvelope(sessionID, ev))
	if err != nil {
		return
	}

	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if frame, isFrame := ev.(models.FrameEvent); isFrame {
		c.seen[sessionID] = frame.Hash
	}
	var dropped []*conn
	var stopped *errgroup.Group
	if !h.enqueueLocked(c, data) {
		stopped = h.removeLocked(c)
		dropped = append(dropped, c)
	}
	h.mu.Unlock()

	h.finish(dropped, stopped)
}

// enqueueLocked never blocks; a full queue counts as a failed send
func (h *Hub) enqueueLocked(c *conn, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// removeLocked unlinks c from every channel and closes its queue. When c
// was the last connection the loops are cancelled and their group returned
// for the caller to wait on outside the lock.
func (h *Hub) removeLocked(c *conn) *errgroup.Group {
	if _, ok := h.conns[c.id]; !ok {
		return nil
	}
	delete(h.conns, c.id)
	for channel := range c.subs {
		if members, ok := h.channels[channel]; ok {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	close(c.send)

	if len(h.conns) > 0 || h.stop == nil {
		return nil
	}
	h.stop()
	h.stop = nil
	loops := h.loops
	h.loops = nil
	return loops
}

// finish closes removed transports and waits out stopped loops. Runs
// without the hub lock.
func (h *Hub) finish(removed []*conn, loops *errgroup.Group) {
	for _, c := range removed {
		if err := c.transport.Close(); err != nil {
			log.Printf("⚠️ Failed to close observer %s: %v", models.ShortID(c.id), err)
		}
		h.metrics.Connections.Dec()
		log.Printf("👋 Observer %s disconnected", models.ShortID(c.id))
	}

	// a loop may be the caller, so never wait inline
	if loops != nil {
		go func() {
			_ = loops.Wait()
			log.Printf("💤 Last observer left, background loops stopped")
		}()
	}
}

// Disconnect removes a connection from all of its subscriptions. Calling it
// for an unknown id is a no-op.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	var stopped *errgroup.Group
	if ok {
		stopped = h.removeLocked(c)
	}
	h.mu.Unlock()

	if ok {
		h.finish([]*conn{c}, stopped)
	}
}

// DropSession removes every subscription to a session's channel
func (h *Hub) DropSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.channels[sessionID] {
		delete(c.subs, sessionID)
		delete(c.seen, sessionID)
	}
	delete(h.channels, sessionID)
}

// Subscribers counts connections subscribed to a channel
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// LoopsRunning reports whether the background loops are active
func (h *Hub) LoopsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}

// startLoopsLocked is a no-op while loops are already running
func (h *Hub) startLoopsLocked() {
	if h.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.indexLoop(ctx) })
	g.Go(func() error { return h.framePushLoop(ctx) })
	h.stop = cancel
	h.loops = g
}

func (h *Hub) indexLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.IndexInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.mu.Lock()
			index, listening := h.index, len(h.channels[GlobalChannel]) > 0
			h.mu.Unlock()
			if index != nil && listening {
				h.BroadcastGlobal(models.SessionsIndexEvent{Sessions: index.Summaries()})
			}
		}
	}
}

// framePushLoop re-sends each subscribed session's latest frame to the
// connections that have not seen it yet
func (h *Hub) framePushLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.FramePushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.pushFrames()
		}
	}
}

func (h *Hub) pushFrames() {
	h.mu.Lock()
	frames := h.frames
	sessions := make([]string, 0, len(h.channels))
	for channel := range h.channels {
		if channel != GlobalChannel {
			sessions = append(sessions, channel)
		}
	}
	h.mu.Unlock()

	if frames == nil {
		return
	}
	for _, sessionID := range sessions {
		frame, ok := frames.LatestFrame(sessionID)
		if !ok {
			continue
		}

		h.mu.Lock()
		var stale []string
		for id, c := range h.channels[sessionID] {
			if c.seen[sessionID] != frame.Hash {
				stale = append(stale, id)
			}
		}
		h.mu.Unlock()

		for _, id := range stale {
			h.sendTo(id, sessionID, *frame)
		}
	}
}
