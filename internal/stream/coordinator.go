// Package stream captures session frames at a bounded rate, drops frames
// whose content did not change, and keeps a short-lived per-URL cache of
// the last frame for cheap re-delivery.
package stream

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/disintegration/imaging"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/shehryarbajwa/browserbase-copilot/internal/metrics"
	"github.com/shehryarbajwa/browserbase-copilot/internal/ratelimit"
	"github.com/shehryarbajwa/browserbase-copilot/internal/session"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

// Publisher delivers events to a session's observers without blocking
type Publisher interface {
	Broadcast(sessionID string, ev models.Event)
}

type Config struct {
	Interval  time.Duration
	MaxWidth  int
	MaxHeight int
	Quality   int
	CacheTTL  time.Duration
	CacheSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  200 * time.Millisecond,
		MaxWidth:  1280,
		MaxHeight: 720,
		Quality:   60,
		CacheTTL:  5 * time.Minute,
		CacheSize: 512,
	}
}

type cacheEntry struct {
	frame      *models.FrameEvent
	capturedAt time.Time
}

// captureState is shared by every producer capturing for one session
type captureState struct {
	mu       sync.Mutex
	lastHash string
	last     *models.FrameEvent
	lastErr  string
}

type Coordinator struct {
	cfg       Config
	sessions  *session.Store
	publisher Publisher
	metrics   *metrics.Metrics
	gate      *ratelimit.Limiter
	cache     *expirable.LRU[string, cacheEntry]
	states    sync.Map // map[sessionID]*captureState
}

func NewCoordinator(cfg Config, sessions *session.Store, publisher Publisher, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		sessions:  sessions,
		publisher: publisher,
		metrics:   m,
		gate:      ratelimit.NewIntervalLimiter(cfg.Interval),
		cache:     expirable.NewLRU[string, cacheEntry](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

func (c *Coordinator) state(sessionID string) *captureState {
	value, _ := c.states.LoadOrStore(sessionID, &captureState{})
	return value.(*captureState)
}

func cacheKey(sessionID, url string) string {
	return sessionID + "|" + url
}

// Capture takes one frame if the session's cadence allows it and delivers
// it if its content changed. It reports whether a frame was delivered.
// Step-boundary and free-running producers both call this, so the gate and
// the last hash are checked and updated under one lock.
func (c *Coordinator) Capture(ctx context.Context, sessionID string) (bool, error) {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return false, err
	}

	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !c.gate.Allow(sessionID) {
		return false, nil
	}

	d := s.Driver()
	raw, err := d.CaptureFrame(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to capture frame: %w", err)
	}
	url, err := d.CurrentURL(ctx)
	if err != nil {
		url = s.CurrentURL()
	}
	title, _ := d.Title(ctx)

	hash := strconv.FormatUint(xxhash.Sum64(raw), 16)
	if hash == st.lastHash {
		c.metrics.FramesSuppressed.Inc()
		if url != s.CurrentURL() {
			s.SetCurrentURL(url)
		}
		return false, nil
	}

	encoded, width, height, err := c.encode(raw)
	if err != nil {
		return false, err
	}

	// the session may have been stopped while the browser was busy
	if s.Stopped() {
		return false, nil
	}

	now := time.Now()
	frame := &models.FrameEvent{
		URL:        url,
		Title:      title,
		Image:      encoded,
		Hash:       hash,
		Width:      width,
		Height:     height,
		CapturedAt: now,
	}

	c.cache.Add(cacheKey(sessionID, url), cacheEntry{frame: frame, capturedAt: now})
	st.lastHash = hash
	st.last = frame
	s.ObserveFrame(url, hash)

	c.publisher.Broadcast(sessionID, *frame)
	c.metrics.FramesDelivered.Inc()
	return true, nil
}

// encode downscales to the configured bounds and re-encodes as JPEG
func (c *Coordinator) encode(raw []byte) ([]byte, int, int, error) {
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode frame: %w", err)
	}

	b := img.Bounds()
	if b.Dx() > c.cfg.MaxWidth || b.Dy() > c.cfg.MaxHeight {
		img = imaging.Fit(img, c.cfg.MaxWidth, c.cfg.MaxHeight, imaging.Lanczos)
		b = img.Bounds()
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.cfg.Quality)); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}

// Run is the free-running producer used for continuous viewing. It
// returns when ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, sessionID string) {
	interval := c.cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := c.Capture(ctx, sessionID)
			if err != nil && ctx.Err() == nil {
				c.logOnce(sessionID, err)
			}
		}
	}
}

// logOnce avoids logging the same capture failure every tick
func (c *Coordinator) logOnce(sessionID string, err error) {
	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.lastErr == err.Error() {
		return
	}
	st.lastErr = err.Error()
	log.Printf("⚠️ Frame capture failed for session %s: %v", models.ShortID(sessionID), err)
}

// CachedFrame reads the per-URL cache
func (c *Coordinator) CachedFrame(sessionID, url string) (*models.FrameEvent, bool) {
	entry, ok := c.cache.Get(cacheKey(sessionID, url))
	if !ok {
		return nil, false
	}
	return entry.frame, true
}

// LatestFrame returns the frame for the session's current page, from the
// cache when possible, otherwise the last frame delivered
func (c *Coordinator) LatestFrame(sessionID string) (*models.FrameEvent, bool) {
	if s, err := c.sessions.Get(sessionID); err == nil {
		if frame, ok := c.CachedFrame(sessionID, s.CurrentURL()); ok {
			return frame, true
		}
	}

	value, ok := c.states.Load(sessionID)
	if !ok {
		return nil, false
	}
	st := value.(*captureState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.last, st.last != nil
}

// Forget drops all capture state for a stopped session. It waits for an
// in-flight Capture to finish so nothing is cached after it returns.
func (c *Coordinator) Forget(sessionID string) {
	if value, ok := c.states.LoadAndDelete(sessionID); ok {
		st := value.(*captureState)
		st.mu.Lock()
		defer st.mu.Unlock()
	}
	c.gate.Forget(sessionID)

	prefix := sessionID + "|"
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
}
