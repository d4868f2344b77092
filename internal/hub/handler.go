package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/afkeeper/internal/session"
)

// Inbound event names.
const (
	EventToggle        = "toggle"
	EventCommand       = "command"
	EventGlobalCommand = "global_command"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Controller is the part of the session manager observers may drive.
type Controller interface {
	Snapshotter
	Toggle(id int, identity string) error
	SendCommand(id int, text string) error
	GlobalCommand(text string)
}

// TogglePayload is the payload of a toggle request.
type TogglePayload struct {
	ID       int    `json:"id"`
	Identity string `json:"email"`
}

// CommandPayload is the payload of a command request.
type CommandPayload struct {
	ID  int    `json:"id"`
	Cmd string `json:"cmd"`
}

// Handler serves the observer WebSocket endpoint.
type Handler struct {
	fan      *Fanout
	ctl      Controller
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a Handler that registers observers with fan and routes
// their requests to ctl.
//
// Precondition: fan, ctl and logger must be non-nil.
func NewHandler(fan *Fanout, ctl Controller, logger *zap.Logger) *Handler {
	return &Handler{
		fan: fan,
		ctl: ctl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the request and serves the observer until it disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	o := h.fan.Join(h.ctl)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(conn, o)
	}()
	h.readPump(conn, o)

	h.fan.Leave(o)
	_ = conn.Close()
	<-done
}

func (h *Handler) readPump(conn *websocket.Conn, o *Observer) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("observer read error", zap.String("observer", o.ID().String()), zap.Error(err))
			}
			return
		}
		if err := h.dispatch(data); err != nil {
			h.logger.Debug("rejected observer request", zap.String("observer", o.ID().String()), zap.Error(err))
			h.fan.Send(o, EventError, ErrorPayload{Message: err.Error()})
		}
	}
}

// dispatch routes one inbound message. Commands refused because a session has
// not spawned are already reported through its log and are not errors here.
func (h *Handler) dispatch(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("malformed message: %w", err)
	}

	switch env.Event {
	case EventToggle:
		var p TogglePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("malformed toggle: %w", err)
		}
		return h.ctl.Toggle(p.ID, p.Identity)
	case EventCommand:
		var p CommandPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("malformed command: %w", err)
		}
		if p.Cmd == "" {
			return errors.New("command: cmd is required")
		}
		if err := h.ctl.SendCommand(p.ID, p.Cmd); err != nil && !errors.Is(err, session.ErrNotSpawned) {
			return err
		}
		return nil
	case EventGlobalCommand:
		var text string
		if err := json.Unmarshal(env.Data, &text); err != nil {
			return fmt.Errorf("malformed global_command: %w", err)
		}
		if text == "" {
			return errors.New("global_command: text is required")
		}
		h.ctl.GlobalCommand(text)
		return nil
	default:
		return fmt.Errorf("unknown event %q", env.Event)
	}
}

func (h *Handler) writePump(conn *websocket.Conn, o *Observer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-o.Ready():
			for _, frame := range o.Drain() {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					h.logger.Debug("observer write error", zap.String("observer", o.ID().String()), zap.Error(err))
					_ = conn.Close()
					return
				}
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-o.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
	}
}
