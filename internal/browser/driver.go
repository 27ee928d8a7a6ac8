package browser

import (
	"context"
	"strings"

	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

// Driver is the live browser a session drives
type Driver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	CaptureFrame(ctx context.Context) ([]byte, error)
	Cookies(ctx context.Context) ([]models.Cookie, error)
	SetCookies(ctx context.Context, cookies []models.Cookie) error
	ReadStorage(ctx context.Context) (models.StorageSnapshot, error)
	WriteStorage(ctx context.Context, snapshot models.StorageSnapshot) error

	// RunAutomationStep executes instructions and reports step boundaries on
	// progress. It must not send on progress after it returns.
	RunAutomationStep(ctx context.Context, instructions string, progress chan<- models.StepEvent) (*models.StepResult, error)
}

// Instance is a launched browser bound to one session
type Instance struct {
	SessionID   string
	ContainerID string
	ConnectURL  string
	Driver      Driver
}

// Launcher provisions and releases browsers for sessions
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (*Instance, error)
	Release(ctx context.Context, inst *Instance) error
}

var connectionLostMarkers = []string{
	"target closed",
	"target page, context or browser has been closed",
	"browser has been closed",
	"browser has disconnected",
	"connection closed",
	"connection refused",
	"websocket: close",
	"broken pipe",
	"driver not started",
}

// IsConnectionLost reports whether err means the browser connection itself
// died, as opposed to the task failing on a live page
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectionLostMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// send delivers a step event unless ctx is done
func send(ctx context.Context, progress chan<- models.StepEvent, ev models.StepEvent) {
	if progress == nil {
		return
	}
	select {
	case progress <- ev:
	case <-ctx.Done():
	}
}
