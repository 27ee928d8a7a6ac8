// Package testutil holds in-memory stand-ins for the browser and the
// observer transport so component tests never need Docker or Playwright.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserbase-copilot/internal/browser"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

// RunFunc decides the outcome of the n-th (1-based) automation run
type RunFunc func(run int, instructions string) (*models.StepResult, error)

// FakeDriver is a scriptable browser.Driver
type FakeDriver struct {
	mu sync.Mutex

	url       string
	title     string
	frame     []byte
	cookies   []models.Cookie
	storage   models.StorageSnapshot
	started   bool
	snapErr   error
	runFn     RunFunc
	stepCount int

	Runs         int
	StartCalls   int
	StopCalls    int
	CaptureCalls int
	Navigations  []string
	Restored     []models.StorageSnapshot
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		url:       "about:blank",
		frame:     PNG(32, 32, color.White),
		started:   true,
		stepCount: 1,
	}
}

func (d *FakeDriver) SetURL(url string) {
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
}

func (d *FakeDriver) SetFrame(frame []byte) {
	d.mu.Lock()
	d.frame = frame
	d.mu.Unlock()
}

func (d *FakeDriver) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return errors.New("driver not started")
	}
	d.cookies = append([]models.Cookie(nil), cookies...)
	return nil
}

func (d *FakeDriver) SetStorage(s models.StorageSnapshot) {
	d.mu.Lock()
	d.storage = s
	d.mu.Unlock()
}

// FailSnapshots makes cookie and storage reads fail with err
func (d *FakeDriver) FailSnapshots(err error) {
	d.mu.Lock()
	d.snapErr = err
	d.mu.Unlock()
}

// OnRun installs the outcome of each RunAutomationStep call
func (d *FakeDriver) OnRun(fn RunFunc) {
	d.mu.Lock()
	d.runFn = fn
	d.mu.Unlock()
}

// Crash simulates the browser connection dying
func (d *FakeDriver) Crash() {
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

func (d *FakeDriver) Counts() (runs, starts, stops, captures int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Runs, d.StartCalls, d.StopCalls, d.CaptureCalls
}

func (d *FakeDriver) NavigatedTo() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Navigations...)
}

func (d *FakeDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls++
	d.started = true
	return nil
}

func (d *FakeDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StopCalls++
	d.started = false
	return nil
}

func (d *FakeDriver) CurrentURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return "", errors.New("driver not started")
	}
	return d.url, nil
}

func (d *FakeDriver) Title(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.title, nil
}

func (d *FakeDriver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return errors.New("driver not started")
	}
	d.url = url
	d.Navigations = append(d.Navigations, url)
	return nil
}

func (d *FakeDriver) CaptureFrame(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil, errors.New("driver not started")
	}
	d.CaptureCalls++
	return append([]byte(nil), d.frame...), nil
}

func (d *FakeDriver) Cookies(ctx context.Context) ([]models.Cookie, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snapErr != nil {
		return nil, d.snapErr
	}
	return append([]models.Cookie(nil), d.cookies...), nil
}

func (d *FakeDriver) ReadStorage(ctx context.Context) (models.StorageSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snapErr != nil {
		return models.StorageSnapshot{}, d.snapErr
	}
	return d.storage, nil
}

func (d *FakeDriver) WriteStorage(ctx context.Context, s models.StorageSnapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.storage = s
	d.Restored = append(d.Restored, s)
	return nil
}

func (d *FakeDriver) RunAutomationStep(ctx context.Context, instructions string, progress chan<- models.StepEvent) (*models.StepResult, error) {
	d.mu.Lock()
	d.Runs++
	run, fn, steps, url := d.Runs, d.runFn, d.stepCount, d.url
	d.mu.Unlock()

	for i := 0; i < steps; i++ {
		for _, phase := range []models.StepPhase{models.StepStarted, models.StepFinished} {
			select {
			case progress <- models.StepEvent{Index: i, Phase: phase, Action: "fake", Success: true, Timestamp: time.Now()}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if fn == nil {
		return &models.StepResult{Success: true, Steps: steps, FinalURL: url}, nil
	}
	return fn(run, instructions)
}

// PNG encodes a solid w×h image
func PNG(w, h int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// FakeLauncher hands out FakeDrivers
type FakeLauncher struct {
	mu       sync.Mutex
	Drivers  map[string]*FakeDriver
	Released []string
	Fail     error
}

func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{Drivers: make(map[string]*FakeDriver)}
}

func (l *FakeLauncher) Launch(ctx context.Context, sessionID string) (*browser.Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail != nil {
		return nil, l.Fail
	}
	d := NewFakeDriver()
	l.Drivers[sessionID] = d
	return &browser.Instance{
		SessionID:   sessionID,
		ContainerID: fmt.Sprintf("container-%s", sessionID),
		ConnectURL:  "ws://fake",
		Driver:      d,
	}, nil
}

func (l *FakeLauncher) Release(ctx context.Context, inst *browser.Instance) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Released = append(l.Released, inst.SessionID)
	return inst.Driver.Stop(ctx)
}

func (l *FakeLauncher) ReleasedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Released...)
}

func (l *FakeLauncher) Driver(sessionID string) *FakeDriver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Drivers[sessionID]
}

// FakeTransport records everything written to it
type FakeTransport struct {
	mu       sync.Mutex
	messages [][]byte
	fail     bool
	closed   bool
}

func (t *FakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail || t.closed {
		return errors.New("write on broken transport")
	}
	t.messages = append(t.messages, append([]byte(nil), data...))
	return nil
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Break makes every later write fail
func (t *FakeTransport) Break() {
	t.mu.Lock()
	t.fail = true
	t.mu.Unlock()
}

func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *FakeTransport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Envelopes decodes every message received so far
func (t *FakeTransport) Envelopes() []models.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.Envelope, 0, len(t.messages))
	for _, m := range t.messages {
		env, err := models.DecodeEnvelope(m)
		if err == nil {
			out = append(out, env)
		}
	}
	return out
}

// Publisher captures broadcasts without a hub
type Publisher struct {
	mu     sync.Mutex
	Events []models.Envelope
}

func (p *Publisher) Broadcast(sessionID string, ev models.Event) {
	p.mu.Lock()
	p.Events = append(p.Events, models.NewEnvelope(sessionID, ev))
	p.mu.Unlock()
}

// OfType returns captured events with the given tag
func (p *Publisher) OfType(t models.EventType) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []models.Event
	for _, env := range p.Events {
		if env.Type == t {
			out = append(out, env.Data)
		}
	}
	return out
}
