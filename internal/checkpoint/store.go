// Package checkpoint captures and restores named snapshots of a session's
// browser state (URL, cookies, web storage). Snapshots live in memory and
// are dropped with their session.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserbase-copilot/internal/browser"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

type sessionCheckpoints struct {
	mu     sync.Mutex
	byName map[string]*models.Checkpoint
}

// Store keeps checkpoints scoped per session
type Store struct {
	sessions sync.Map // map[sessionID]*sessionCheckpoints
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) scope(sessionID string) *sessionCheckpoints {
	value, _ := s.sessions.LoadOrStore(sessionID, &sessionCheckpoints{
		byName: make(map[string]*models.Checkpoint),
	})
	return value.(*sessionCheckpoints)
}

// Create snapshots the driver's current state under name, replacing any
// checkpoint with the same name
func (s *Store) Create(ctx context.Context, sessionID, name string, d browser.Driver) (*models.Checkpoint, error) {
	url, err := d.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read url: %w", err)
	}
	cookies, err := d.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	storage, err := d.ReadStorage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage: %w", err)
	}

	cp := &models.Checkpoint{
		Name:      name,
		URL:       url,
		Timestamp: time.Now(),
		Cookies:   cookies,
		Storage:   storage,
	}

	scope := s.scope(sessionID)
	scope.mu.Lock()
	scope.byName[name] = cp
	scope.mu.Unlock()

	return cp, nil
}

// Get returns a copy of a checkpoint
func (s *Store) Get(sessionID, name string) (models.Checkpoint, error) {
	value, ok := s.sessions.Load(sessionID)
	if !ok {
		return models.Checkpoint{}, ErrCheckpointNotFound
	}
	scope := value.(*sessionCheckpoints)

	scope.mu.Lock()
	defer scope.mu.Unlock()

	cp, ok := scope.byName[name]
	if !ok {
		return models.Checkpoint{}, ErrCheckpointNotFound
	}
	out := *cp
	out.Cookies = append([]models.Cookie(nil), cp.Cookies...)
	return out, nil
}

// Restore drives the browser back to a checkpoint: page first, then cookies,
// then storage, since storage is bound to the page's origin
func (s *Store) Restore(ctx context.Context, sessionID, name string, d browser.Driver) error {
	cp, err := s.Get(sessionID, name)
	if err != nil {
		return err
	}

	if cp.URL != "" && cp.URL != "about:blank" {
		if err := d.Navigate(ctx, cp.URL); err != nil {
			return fmt.Errorf("failed to restore url: %w", err)
		}
	}
	if err := d.SetCookies(ctx, cp.Cookies); err != nil {
		return fmt.Errorf("failed to restore cookies: %w", err)
	}
	if err := d.WriteStorage(ctx, cp.Storage); err != nil {
		return fmt.Errorf("failed to restore storage: %w", err)
	}
	return nil
}

// Names lists a session's checkpoints in name order
func (s *Store) Names(sessionID string) []string {
	value, ok := s.sessions.Load(sessionID)
	if !ok {
		return []string{}
	}
	scope := value.(*sessionCheckpoints)

	scope.mu.Lock()
	names := make([]string, 0, len(scope.byName))
	for name := range scope.byName {
		names = append(names, name)
	}
	scope.mu.Unlock()

	sort.Strings(names)
	return names
}

// Drop forgets every checkpoint of a session
func (s *Store) Drop(sessionID string) {
	s.sessions.Delete(sessionID)
}
