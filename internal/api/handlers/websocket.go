// Package handlers provides HTTP request handlers for the cidrsweep API.
// This file implements the WebSocket scan endpoint: the client sends one
// scan request and receives every event of that sweep.
package handlers

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/cidrsweep/internal/api/middleware"
	"github.com/anstrom/cidrsweep/internal/errors"
	"github.com/anstrom/cidrsweep/internal/logging"
	"github.com/anstrom/cidrsweep/internal/scan"
)

const (
	// WebSocket configuration constants.
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 64 * 1024                                          // Maximum message size allowed from peer
)

// Message types sent besides the scan event types.
const (
	MessageTypeError = "error"
)

// WebSocketMessage represents a WebSocket message structure.
type WebSocketMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	RequestID string    `json:"request_id,omitempty"`
}

// WebSocketHandler runs one sweep per WebSocket connection.
type WebSocketHandler struct {
	scanner     Scanner
	defaultPort uint16
	logger      *logging.Logger
	upgrader    websocket.Upgrader
	writeWait   time.Duration

	mutex   sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewWebSocketHandler creates a new WebSocket handler. allowedOrigins limits
// cross-origin upgrades; "*" allows any origin and an empty list only allows
// same-origin requests.
func NewWebSocketHandler(scanner Scanner, defaultPort uint16, allowedOrigins []string, logger *logging.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		scanner:     scanner,
		defaultPort: defaultPort,
		logger:      logger.WithFields("handler", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		writeWait: writeWait,
		clients:   make(map[*websocket.Conn]struct{}),
	}

	switch {
	case slices.Contains(allowedOrigins, "*"):
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	case len(allowedOrigins) > 0:
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, origin)
		}
	}
	return h
}

// ScanWebSocket upgrades the connection, reads a ScanRequest and streams the
// sweep's events. The sweep is canceled when the client disconnects.
func (h *WebSocketHandler) ScanWebSocket(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		h.logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}
	h.register(conn)
	defer h.unregister(conn)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var body ScanRequest
	if err := conn.ReadJSON(&body); err != nil {
		h.logger.Debug("WebSocket client sent no scan request", "request_id", requestID, "error", err)
		h.closeWithError(conn, requestID, err)
		return
	}

	req, err := body.toRequest(h.defaultPort)
	if err != nil {
		h.closeWithError(conn, requestID, err)
		return
	}

	// the request context is not canceled when a hijacked client disconnects
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := h.scanner.Run(ctx, req)
	if err != nil {
		h.closeWithError(conn, requestID, err)
		return
	}

	h.logger.Info("WebSocket scan started",
		"request_id", requestID,
		"ranges", len(req.Ranges),
		"port", req.Port)

	go h.readPump(conn, cancel)
	h.writePump(conn, requestID, events, cancel)
}

// readPump discards client messages and cancels the sweep once the
// connection fails or closes. It also keeps pong handling running.
func (h *WebSocketHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// writePump is the only writer on conn once the sweep started. A failed
// write cancels the sweep; a client that stops reading must not keep it alive.
func (h *WebSocketHandler) writePump(conn *websocket.Conn, requestID string, events <-chan scan.Event, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				h.logger.Info("WebSocket scan finished", "request_id", requestID)
				h.writeClose(conn, websocket.CloseNormalClosure, "scan complete")
				return
			}
			msg := WebSocketMessage{
				Type:      string(ev.Type),
				Timestamp: time.Now().UTC(),
				Data:      newStreamEvent(ev),
				RequestID: requestID,
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Warn("WebSocket write failed, canceling scan", "request_id", requestID, "error", err)
				cancel()
				drain(events)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Warn("WebSocket ping failed, canceling scan", "request_id", requestID, "error", err)
				cancel()
				drain(events)
				return
			}
		}
	}
}

// drain waits for a canceled sweep to wind down.
func drain(events <-chan scan.Event) {
	for range events {
	}
}

func (h *WebSocketHandler) closeWithError(conn *websocket.Conn, requestID string, err error) {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
	_ = conn.WriteJSON(WebSocketMessage{
		Type:      MessageTypeError,
		Timestamp: time.Now().UTC(),
		Data: ErrorResponse{
			Error:     http.StatusText(statusForError(err)),
			Message:   err.Error(),
			Code:      string(errors.GetCode(err)),
			Timestamp: time.Now().UTC(),
			RequestID: requestID,
		},
		RequestID: requestID,
	})
	if errors.IsCode(err, errors.CodeBusy) {
		h.writeClose(conn, websocket.CloseTryAgainLater, "server busy")
		return
	}
	h.writeClose(conn, websocket.ClosePolicyViolation, "invalid scan request")
}

func (h *WebSocketHandler) writeClose(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(h.writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

func (h *WebSocketHandler) register(conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.clients[conn] = struct{}{}
}

func (h *WebSocketHandler) unregister(conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
}

// GetConnectedClients returns the number of open connections.
func (h *WebSocketHandler) GetConnectedClients() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Close closes every open connection, which cancels their sweeps.
func (h *WebSocketHandler) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}
