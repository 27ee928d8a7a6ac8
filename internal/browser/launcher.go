package browser

import (
	"context"
	"fmt"
	"log"

	"github.com/playwright-community/playwright-go"

	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

// DockerLauncher starts a container per session and connects Playwright to it
type DockerLauncher struct {
	pool      *Pool
	pw        *playwright.Playwright
	automator Automator
}

func NewDockerLauncher(pool *Pool, pw *playwright.Playwright, automator Automator) *DockerLauncher {
	return &DockerLauncher{
		pool:      pool,
		pw:        pw,
		automator: automator,
	}
}

func (l *DockerLauncher) Launch(ctx context.Context, sessionID string) (*Instance, error) {
	c, err := l.pool.LaunchContainer(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	driver := NewPlaywrightDriver(l.pw, c.ConnectURL, l.automator)
	if err := driver.Start(ctx); err != nil {
		if stopErr := l.pool.StopContainer(context.Background(), c.ID); stopErr != nil {
			log.Printf("⚠️ Failed to clean up container %s: %v", c.ID[:12], stopErr)
		}
		return nil, fmt.Errorf("failed to start driver: %w", err)
	}

	log.Printf("✅ Browser ready for session %s at %s", models.ShortID(sessionID), c.ConnectURL)

	return &Instance{
		SessionID:   sessionID,
		ContainerID: c.ID,
		ConnectURL:  c.ConnectURL,
		Driver:      driver,
	}, nil
}

func (l *DockerLauncher) Release(ctx context.Context, inst *Instance) error {
	if err := inst.Driver.Stop(ctx); err != nil {
		log.Printf("⚠️ Failed to stop driver for %s: %v", models.ShortID(inst.SessionID), err)
	}
	if inst.ContainerID == "" {
		return nil
	}
	return l.pool.StopContainer(ctx, inst.ContainerID)
}
