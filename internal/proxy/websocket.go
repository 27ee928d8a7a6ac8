package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/browserbase-copilot/internal/broadcast"
	"github.com/shehryarbajwa/browserbase-copilot/internal/control"
	"github.com/shehryarbajwa/browserbase-copilot/internal/session"
	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Engine is what the websocket endpoints need from the session engine
type Engine interface {
	RecordHumanAction(sessionID string, action models.HumanAction) (models.HumanAction, error)
	DebugTarget(sessionID string) (string, error)
	WatchControl(sessionID string) (models.ControlState, <-chan struct{}, error)
}

type Server struct {
	engine Engine
	hub    *broadcast.Hub
}

func NewServer(engine Engine, hub *broadcast.Hub) *Server {
	return &Server{
		engine: engine,
		hub:    hub,
	}
}

// clientMessage is what observers send upstream
type clientMessage struct {
	Type        string              `json:"type"`
	Channel     string              `json:"channel,omitempty"`
	SessionID   string              `json:"sessionId,omitempty"`
	HumanAction *models.HumanAction `json:"humanAction,omitempty"`
}

// wsTransport serializes writes to a gorilla connection
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}

// HandleObserver upgrades to a websocket and registers it with the hub.
// Initial subscriptions come from ?session=<id> (repeatable) and ?global=1.
func (s *Server) HandleObserver(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	connID := s.hub.Accept(&wsTransport{conn: conn})
	defer s.hub.Disconnect(connID)

	query := r.URL.Query()
	for _, sessionID := range query["session"] {
		if err := s.subscribe(connID, sessionID); err != nil {
			return
		}
	}
	if query.Get("global") == "1" {
		if err := s.hub.Subscribe(connID, broadcast.GlobalChannel); err != nil {
			return
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Observer %s read error: %v", models.ShortID(connID), err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("⚠️ Ignoring malformed message from observer %s: %v", models.ShortID(connID), err)
			continue
		}
		if err := s.handleClientMessage(connID, msg); err != nil {
			return
		}
	}
}

// handleClientMessage returns an error only when the connection is gone
func (s *Server) handleClientMessage(connID string, msg clientMessage) error {
	switch msg.Type {
	case "subscribe":
		return s.subscribe(connID, msg.Channel)
	case "unsubscribe":
		s.hub.Unsubscribe(connID, msg.Channel)
	case "human_action":
		if msg.HumanAction == nil || msg.SessionID == "" {
			log.Printf("⚠️ human_action from observer %s missing session or action", models.ShortID(connID))
			return nil
		}
		_, err := s.engine.RecordHumanAction(msg.SessionID, *msg.HumanAction)
		if errors.Is(err, control.ErrNoActiveHumanSession) {
			log.Printf("Ignoring human action on session %s: %v", models.ShortID(msg.SessionID), err)
		} else if err != nil {
			log.Printf("⚠️ Failed to record human action on session %s: %v", models.ShortID(msg.SessionID), err)
		}
	default:
		log.Printf("⚠️ Unknown message type %q from observer %s", msg.Type, models.ShortID(connID))
	}
	return nil
}

// subscribe ignores channels of sessions that are gone
func (s *Server) subscribe(connID, channel string) error {
	err := s.hub.Subscribe(connID, channel)
	if errors.Is(err, broadcast.ErrUnknownSession) {
		log.Printf("⚠️ Observer %s asked for unknown session %s", models.ShortID(connID), models.ShortID(channel))
		return nil
	}
	return err
}

// HandleDebugConnection proxies raw CDP traffic to the session's browser.
// Only the human in control may attach.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, sessionID string) {
	chromeURL, err := s.engine.DebugTarget(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	// Upgrade HTTP connection to WebSocket
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer clientConn.Close()

	log.Printf("✅ Client connected to session %s debug", models.ShortID(sessionID))

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	chromeConn, _, err := websocket.DefaultDialer.DialContext(ctx, chromeURL, nil)
	if err != nil {
		log.Printf("❌ Failed to connect to Chrome: %v", err)
		clientConn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("Error connecting: %v", err)))
		return
	}
	defer chromeConn.Close()

	// cut the human off as soon as control leaves them
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		if !s.awaitHandBack(watchCtx, sessionID) {
			return
		}
		log.Printf("✋ Human control over session %s ended, closing debug connection", models.ShortID(sessionID))
		deadline := time.Now().Add(time.Second)
		clientConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "human control ended"), deadline)
		clientConn.Close()
		chromeConn.Close()
	}()

	errChan := make(chan error, 2)

	go func() {
		errChan <- proxyMessages(clientConn, chromeConn, "client→chrome")
	}()

	go func() {
		errChan <- proxyMessages(chromeConn, clientConn, "chrome→client")
	}()

	// Wait for either direction to close
	err = <-errChan
	if err != nil && err != io.EOF {
		log.Printf("Proxy error for session %s: %v", models.ShortID(sessionID), err)
	}

	log.Printf("Client disconnected from session %s debug", models.ShortID(sessionID))
}

// awaitHandBack blocks until the session leaves HumanActive or is gone. It
// returns false if ctx ends first.
func (s *Server) awaitHandBack(ctx context.Context, sessionID string) bool {
	for {
		state, changed, err := s.engine.WatchControl(sessionID)
		if err != nil || state != models.StateHumanActive {
			return true
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}

func proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error (%s): %v", direction, err)
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			log.Printf("Failed to write message (%s): %v", direction, err)
			return err
		}
	}
}
