package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

var errNotStarted = errors.New("driver not started")

const (
	readStorageScript = `() => JSON.stringify({
		local: JSON.stringify(Object.assign({}, window.localStorage)),
		session: JSON.stringify(Object.assign({}, window.sessionStorage)),
	})`
	writeStorageScript = `(data) => {
		const restore = (store, blob) => {
			if (!blob) return;
			store.clear();
			for (const [k, v] of Object.entries(JSON.parse(blob))) store.setItem(k, v);
		};
		restore(window.localStorage, data.local);
		restore(window.sessionStorage, data.session);
	}`
)

// PlaywrightDriver drives a remote Chrome over CDP
type PlaywrightDriver struct {
	pw        *playwright.Playwright
	endpoint  string
	automator Automator

	mu      sync.RWMutex
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

func NewPlaywrightDriver(pw *playwright.Playwright, endpoint string, automator Automator) *PlaywrightDriver {
	if automator == nil {
		automator = ScriptAutomator{}
	}
	return &PlaywrightDriver{
		pw:        pw,
		endpoint:  endpoint,
		automator: automator,
	}
}

func (d *PlaywrightDriver) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil && d.browser.IsConnected() {
		return nil
	}

	browser, err := d.pw.Chromium.ConnectOverCDP(d.endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect over CDP: %w", err)
	}

	var bctx playwright.BrowserContext
	if contexts := browser.Contexts(); len(contexts) > 0 {
		bctx = contexts[0]
	} else {
		bctx, err = browser.NewContext()
		if err != nil {
			browser.Close()
			return fmt.Errorf("failed to create context: %w", err)
		}
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = bctx.NewPage()
		if err != nil {
			browser.Close()
			return fmt.Errorf("failed to create page: %w", err)
		}
	}

	d.browser = browser
	d.context = bctx
	d.page = page
	return nil
}

func (d *PlaywrightDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser == nil {
		return nil
	}

	err := d.browser.Close()
	d.browser, d.context, d.page = nil, nil, nil
	if err != nil {
		log.Printf("⚠️ Closing CDP connection to %s: %v", d.endpoint, err)
	}
	return nil
}

func (d *PlaywrightDriver) current() (playwright.BrowserContext, playwright.Page, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.page == nil {
		return nil, nil, errNotStarted
	}
	return d.context, d.page, nil
}

func (d *PlaywrightDriver) CurrentURL(ctx context.Context) (string, error) {
	_, page, err := d.current()
	if err != nil {
		return "", err
	}
	return page.URL(), nil
}

func (d *PlaywrightDriver) Title(ctx context.Context) (string, error) {
	_, page, err := d.current()
	if err != nil {
		return "", err
	}
	return page.Title()
}

func (d *PlaywrightDriver) Navigate(ctx context.Context, url string) error {
	_, page, err := d.current()
	if err != nil {
		return err
	}
	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (d *PlaywrightDriver) CaptureFrame(ctx context.Context) ([]byte, error) {
	_, page, err := d.current()
	if err != nil {
		return nil, err
	}
	return page.Screenshot(playwright.PageScreenshotOptions{
		Type: playwright.ScreenshotTypePng,
	})
}

func (d *PlaywrightDriver) Cookies(ctx context.Context) ([]models.Cookie, error) {
	bctx, _, err := d.current()
	if err != nil {
		return nil, err
	}

	raw, err := bctx.Cookies()
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	cookies := make([]models.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, models.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		})
	}
	return cookies, nil
}

func (d *PlaywrightDriver) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	bctx, _, err := d.current()
	if err != nil {
		return err
	}

	if err := bctx.ClearCookies(); err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	if len(cookies) == 0 {
		return nil
	}

	opts := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		path := c.Path
		if path == "" {
			path = "/"
		}
		opts = append(opts, playwright.OptionalCookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: playwright.String(c.Domain),
			Path:   playwright.String(path),
		})
	}
	if err := bctx.AddCookies(opts); err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}
	return nil
}

func (d *PlaywrightDriver) ReadStorage(ctx context.Context) (models.StorageSnapshot, error) {
	_, page, err := d.current()
	if err != nil {
		return models.StorageSnapshot{}, err
	}

	result, err := page.Evaluate(readStorageScript)
	if err != nil {
		return models.StorageSnapshot{}, fmt.Errorf("failed to read storage: %w", err)
	}
	blob, ok := result.(string)
	if !ok {
		return models.StorageSnapshot{}, fmt.Errorf("unexpected storage result %T", result)
	}

	return decodeStorage(blob)
}

func (d *PlaywrightDriver) WriteStorage(ctx context.Context, snapshot models.StorageSnapshot) error {
	_, page, err := d.current()
	if err != nil {
		return err
	}

	_, err = page.Evaluate(writeStorageScript, map[string]string{
		"local":   snapshot.Local,
		"session": snapshot.Session,
	})
	if err != nil {
		return fmt.Errorf("failed to write storage: %w", err)
	}
	return nil
}

func (d *PlaywrightDriver) RunAutomationStep(ctx context.Context, instructions string, progress chan<- models.StepEvent) (*models.StepResult, error) {
	_, page, err := d.current()
	if err != nil {
		return nil, err
	}
	return d.automator.Run(ctx, page, instructions, progress)
}

func decodeStorage(blob string) (models.StorageSnapshot, error) {
	var raw struct {
		Local   string `json:"local"`
		Session string `json:"session"`
	}
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		return models.StorageSnapshot{}, fmt.Errorf("failed to decode storage: %w", err)
	}
	return models.StorageSnapshot{Local: raw.Local, Session: raw.Session}, nil
}
