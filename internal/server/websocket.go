package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wgst88w/Gemini-CLI-UI/internal/attachments"
	"github.com/wgst88w/Gemini-CLI-UI/internal/supervisor"
)

const wsWriteTimeout = 10 * time.Second

// Client message types.
const (
	msgGeminiCommand = "gemini-command"
	msgAbortSession  = "abort-session"
	msgGeminiInput   = "gemini-input"
)

// clientMessage is any message a client sends over the WebSocket.
type clientMessage struct {
	Type      string         `json:"type"`
	Command   string         `json:"command,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      string         `json:"data,omitempty"`
	Options   commandOptions `json:"options"`
}

type commandOptions struct {
	SessionID       string                   `json:"sessionId"`
	ProjectPath     string                   `json:"projectPath"`
	Cwd             string                   `json:"cwd"`
	Resume          bool                     `json:"resume"`
	Model           string                   `json:"model"`
	Debug           bool                     `json:"debug"`
	SkipPermissions bool                     `json:"skipPermissions"`
	ToolsSettings   *toolsSettings           `json:"toolsSettings"`
	PermissionMode  string                   `json:"permissionMode"`
	Images          []attachments.Attachment `json:"images"`
}

type toolsSettings struct {
	AllowedTools    []string `json:"allowedTools"`
	DisallowedTools []string `json:"disallowedTools"`
	SkipPermissions bool     `json:"skipPermissions"`
}

// sessionAborted answers an abort request.
type sessionAborted struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

// wsConn is one client connection. Writes from concurrent turns are
// serialized by writeMu.
type wsConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// keepAlive pings the client every interval until done is closed or a ping
// fails. A client that stops answering runs into the read deadline.
func (c *wsConn) keepAlive(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				slog.Debug("WebSocket ping failed", "connId", c.id, "error", err)
				return
			}
		}
	}
}

func (c *wsConn) sendError(msg string) {
	if err := c.writeJSON(supervisor.Event{Type: supervisor.EventError, Error: msg}); err != nil {
		slog.Debug("Failed to send error to client", "connId", c.id, "error", err)
	}
}

// createUpgrader creates a WebSocket upgrader with origin validation.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser client.
				return true
			}
			if originAllowed(origin, s.config.AllowedOrigins) {
				return true
			}
			slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
			return false
		},
	}
}

func (s *Server) turnLimiter() *rate.Limiter {
	if s.config.TurnRatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.config.TurnBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.config.TurnRatePerSec), burst)
}

// handleWebSocket upgrades the request and serves client messages until the
// connection closes. Turns already running keep going after a disconnect;
// their remaining events are dropped.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: s.turnLimiter(),
	}
	s.trackConn(c, true)
	defer func() {
		s.trackConn(c, false)
		conn.Close()
	}()

	slog.Info("WebSocket client connected", "connId", c.id, "remote", r.RemoteAddr)

	pongTimeout := s.config.WSPongTimeout
	conn.SetReadLimit(s.config.WSMaxMessageBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(s.config.WSPingInterval, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				slog.Warn("WebSocket message too large", "connId", c.id, "limit", s.config.WSMaxMessageBytes)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("WebSocket read error", "connId", c.id, "error", err)
			}
			break
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Malformed WebSocket message", "connId", c.id, "error", err)
			c.sendError("invalid message: " + err.Error())
			continue
		}

		switch msg.Type {
		case msgGeminiCommand:
			s.handleCommand(c, msg)
		case msgAbortSession:
			s.handleAbort(c, msg.SessionID)
		case msgGeminiInput:
			s.handleInput(c, msg)
		default:
			slog.Debug("Unknown WebSocket message type", "connId", c.id, "type", msg.Type)
			c.sendError("unknown message type: " + msg.Type)
		}
	}

	slog.Info("WebSocket client disconnected", "connId", c.id)
}

// handleCommand starts a turn in its own goroutine.
func (s *Server) handleCommand(c *wsConn, msg clientMessage) {
	if !c.limiter.Allow() {
		slog.Warn("Turn rate limit exceeded", "connId", c.id)
		c.sendError("rate limit exceeded, try again shortly")
		return
	}

	req := newRequest(msg)
	if !s.beginTurn() {
		c.sendError("server is shutting down")
		return
	}

	sink := supervisor.EventSinkFunc(func(ev supervisor.Event) error {
		return c.writeJSON(ev)
	})

	go func() {
		defer s.turns.Done()
		res, err := s.supervisor.Run(s.turnCtx, req, sink)
		if err != nil && !errors.Is(err, supervisor.ErrAborted) {
			slog.Warn("Turn failed", "connId", c.id, "sessionId", res.SessionID, "error", err)
			return
		}
		slog.Debug("Turn finished", "connId", c.id, "sessionId", res.SessionID, "state", res.State, "exitCode", res.ExitCode)
	}()
}

func (s *Server) handleAbort(c *wsConn, sessionID string) {
	success := s.supervisor.Abort(sessionID)
	slog.Info("Abort requested", "connId", c.id, "sessionId", sessionID, "success", success)
	if err := c.writeJSON(sessionAborted{Type: "session-aborted", SessionID: sessionID, Success: success}); err != nil {
		slog.Debug("Failed to send abort result", "connId", c.id, "error", err)
	}
}

func (s *Server) handleInput(c *wsConn, msg clientMessage) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = msg.Options.SessionID
	}
	if err := s.supervisor.WriteInput(sessionID, []byte(msg.Data)); err != nil {
		slog.Debug("Failed to forward input", "connId", c.id, "sessionId", sessionID, "error", err)
		c.sendError(err.Error())
	}
}

func newRequest(msg clientMessage) supervisor.Request {
	opts := msg.Options
	req := supervisor.Request{
		Command:         msg.Command,
		SessionID:       opts.SessionID,
		ProjectPath:     opts.ProjectPath,
		Cwd:             opts.Cwd,
		Resume:          opts.Resume,
		Model:           opts.Model,
		Debug:           opts.Debug,
		SkipPermissions: opts.SkipPermissions,
		PermissionMode:  opts.PermissionMode,
		Images:          opts.Images,
	}
	if ts := opts.ToolsSettings; ts != nil {
		req.AllowedTools = ts.AllowedTools
		req.DisallowedTools = ts.DisallowedTools
		req.SkipPermissions = req.SkipPermissions || ts.SkipPermissions
	}
	return req
}
