package localui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wxmux/internal/mux"
)

const writeDeadline = 5 * time.Second
const readDeadline = 90 * time.Second
const pingInterval = 30 * time.Second
const maxReadMessageSize = 32 * 1024

var wsUpgrader = websocket.Upgrader{
	// Binds to 127.0.0.1 only; origin check is redundant for a local
	// desktop observer but kept permissive for WebView compatibility.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
}

// HubOptions configures the hub's listen address.
type HubOptions struct {
	// Addr is the listen address. Use "127.0.0.1:0" for an OS-assigned port.
	Addr string
}

// subscribeMsg is the JSON payload a connected observer sends to pick which
// panes it wants binary output frames for.
type subscribeMsg struct {
	Action  string   `json:"action"`
	PaneIDs []uint64 `json:"paneIds"`
}

const (
	subscribeAction   = "subscribe"
	unsubscribeAction = "unsubscribe"
)

// eventMsg is the JSON payload pushed for every mux.Notification the hub
// forwards, one field set populated per Kind exactly like mux.Notification
// shapes its own sum type.
type eventMsg struct {
	Type       string `json:"type"`
	PaneID     uint64 `json:"paneId,omitempty"`
	WindowID   uint64 `json:"windowId,omitempty"`
	ToastTitle string `json:"toastTitle,omitempty"`
	ToastBody  string `json:"toastBody,omitempty"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Hub serves exactly one local WebSocket observer at a time, mirroring mux
// lifecycle notifications as JSON and pane output as binary frames. New
// connections replace the existing one (a page reload in the observing
// WebView), matching the teacher's single-connection model.
//
// Lock ordering (never acquire in reverse): writeMu -> mu.
type Hub struct {
	opts HubOptions

	mu         sync.RWMutex
	conn       *websocket.Conn
	subscribed map[uint64]bool

	writeMu sync.Mutex

	listener net.Listener
	server   *http.Server
	url      string

	subID uint64
	m     *mux.Mux

	closeOnce sync.Once
}

// NewHub creates a Hub with the given options; it is not started until
// Start is called.
func NewHub(opts HubOptions) *Hub {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	return &Hub{opts: opts, subscribed: make(map[uint64]bool)}
}

// Attach subscribes the hub to m, broadcasting window-created,
// window-removed, pane-removed and toast notifications as JSON event
// frames; other kinds are not forwarded. Call once; Stop tears the
// subscription down.
func (h *Hub) Attach(m *mux.Mux) {
	h.m = m
	h.subID = m.Subscribe(func(n mux.Notification) bool {
		h.broadcastNotification(n)
		return true
	})
}

// Start begins listening and serving WebSocket connections on opts.Addr.
func (h *Hub) Start(ctx context.Context) error {
	if h.server != nil {
		return fmt.Errorf("localui: already started")
	}
	ln, err := net.Listen("tcp", h.opts.Addr)
	if err != nil {
		return fmt.Errorf("localui: listen: %w", err)
	}
	h.listener = ln

	port := ln.Addr().(*net.TCPAddr).Port
	h.url = fmt.Sprintf("ws://127.0.0.1:%d/ws", port)

	serveMux := http.NewServeMux()
	serveMux.HandleFunc("/ws", h.handleWS)
	h.server = &http.Server{
		Handler:     serveMux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if serveErr := h.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("localui: server error", "error", serveErr)
		}
	}()

	slog.Info("localui: server started", "url", h.url)
	return nil
}

// Stop shuts down the HTTP server, closes any active connection, and
// unsubscribes from the mux if Attach was called. Idempotent.
func (h *Hub) Stop() error {
	var stopErr error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		conn := h.conn
		h.conn = nil
		h.subscribed = make(map[uint64]bool)
		h.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				slog.Debug("localui: connection close during stop", "error", err)
			}
		}

		if h.m != nil && h.subID != 0 {
			h.m.Unsubscribe(h.subID)
		}

		if h.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.server.Shutdown(shutdownCtx); err != nil {
				stopErr = fmt.Errorf("localui: shutdown: %w", err)
			}
		}
		slog.Info("localui: server stopped")
	})
	return stopErr
}

// URL returns the ws:// URL an observer should dial, empty until Start.
func (h *Hub) URL() string {
	return h.url
}

// HasActiveConnection reports whether an observer is currently connected.
func (h *Hub) HasActiveConnection() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

func (h *Hub) clearIfCurrent(conn *websocket.Conn) bool {
	h.mu.Lock()
	isCurrent := h.conn == conn
	if isCurrent {
		h.conn = nil
		h.subscribed = make(map[uint64]bool)
	}
	h.mu.Unlock()
	return isCurrent
}

func (h *Hub) closeConn(conn *websocket.Conn, reason string) {
	if err := conn.Close(); err != nil {
		slog.Debug("localui: connection close", "reason", reason, "error", err)
	}
}

func (h *Hub) setWriteDeadlineOrClose(conn *websocket.Conn, d time.Duration) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(d)); err != nil {
		slog.Warn("localui: SetWriteDeadline failed, closing connection", "error", err)
		h.clearIfCurrent(conn)
		h.closeConn(conn, "SetWriteDeadline failure")
		return false
	}
	return true
}

func (h *Hub) clearWriteDeadline(conn *websocket.Conn) {
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("localui: clearWriteDeadline failed (non-fatal)", "error", err)
	}
}

// BroadcastPaneData sends a binary pane-output frame to the connected
// observer, a no-op unless that observer has subscribed to paneID. Called
// from the session server's output coalescer.
func (h *Hub) BroadcastPaneData(paneID uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	h.mu.RLock()
	conn := h.conn
	subscribed := h.subscribed[paneID]
	h.mu.RUnlock()
	if conn == nil || !subscribed {
		return
	}

	frame, err := EncodePaneData(paneID, data)
	if err != nil {
		slog.Warn("localui: failed to encode pane data", "error", err, "paneId", paneID)
		return
	}

	h.writeMu.Lock()
	if !h.setWriteDeadlineOrClose(conn, writeDeadline) {
		h.writeMu.Unlock()
		return
	}
	writeErr := conn.WriteMessage(websocket.BinaryMessage, frame)
	h.clearWriteDeadline(conn)
	h.writeMu.Unlock()

	if writeErr != nil {
		slog.Warn("localui: write failed, closing connection", "paneId", paneID, "error", writeErr)
		h.clearIfCurrent(conn)
		h.closeConn(conn, "write error in BroadcastPaneData")
	}
}

func (h *Hub) broadcastNotification(n mux.Notification) {
	var evt eventMsg
	switch n.Kind {
	case mux.WindowCreated:
		evt = eventMsg{Type: "window_created", WindowID: n.WindowID}
	case mux.WindowRemoved:
		evt = eventMsg{Type: "window_removed", WindowID: n.WindowID}
	case mux.PaneRemoved:
		evt = eventMsg{Type: "pane_removed", PaneID: n.PaneID}
	case mux.Toast:
		evt = eventMsg{Type: "toast", ToastTitle: n.ToastTitle, ToastBody: n.ToastBody}
	default:
		return
	}

	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()
	if conn == nil {
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("localui: failed to marshal event", "error", err)
		return
	}

	h.writeMu.Lock()
	if !h.setWriteDeadlineOrClose(conn, writeDeadline) {
		h.writeMu.Unlock()
		return
	}
	writeErr := conn.WriteMessage(websocket.TextMessage, payload)
	h.clearWriteDeadline(conn)
	h.writeMu.Unlock()

	if writeErr != nil {
		slog.Warn("localui: write failed, closing connection", "error", writeErr)
		h.clearIfCurrent(conn)
		h.closeConn(conn, "write error in broadcastNotification")
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("localui: upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxReadMessageSize)

	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		slog.Warn("localui: SetReadDeadline failed on new connection", "error", err)
		h.closeConn(conn, "initial SetReadDeadline failure")
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	h.mu.Lock()
	oldConn := h.conn
	h.conn = conn
	h.subscribed = make(map[uint64]bool)
	h.mu.Unlock()

	if oldConn != nil {
		h.closeConn(oldConn, "replaced by new connection")
	}
	slog.Info("localui: observer connected", "remoteAddr", conn.RemoteAddr())

	pingDone := make(chan struct{})
	go h.pingLoop(conn, pingDone)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("localui: handleWS recovered", "panic", rec, "stack", string(debug.Stack()))
		}
		close(pingDone)
		h.clearIfCurrent(conn)
		h.closeConn(conn, "read pump exit")
		slog.Info("localui: observer disconnected")
	}()

	for {
		msgType, msg, readErr := conn.ReadMessage()
		if readErr != nil {
			if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("localui: read error", "error", readErr)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var subMsg subscribeMsg
		if jsonErr := json.Unmarshal(msg, &subMsg); jsonErr != nil {
			slog.Debug("localui: invalid JSON from observer", "error", jsonErr)
			h.sendError(conn, fmt.Sprintf("invalid JSON: %s", jsonErr))
			continue
		}
		h.handleSubscription(conn, subMsg)
	}
}

func (h *Hub) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("localui: pingLoop recovered", "panic", rec, "stack", string(debug.Stack()))
			h.clearIfCurrent(conn)
			h.closeConn(conn, "pingLoop panic recovery")
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.writeMu.Lock()
			if !h.setWriteDeadlineOrClose(conn, writeDeadline) {
				h.writeMu.Unlock()
				return
			}
			pingErr := conn.WriteMessage(websocket.PingMessage, nil)
			h.clearWriteDeadline(conn)
			h.writeMu.Unlock()

			if pingErr != nil {
				slog.Debug("localui: ping failed, connection likely dead", "error", pingErr)
				h.clearIfCurrent(conn)
				h.closeConn(conn, "ping failure")
				return
			}
		}
	}
}

func (h *Hub) handleSubscription(conn *websocket.Conn, msg subscribeMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn != conn {
		slog.Debug("localui: subscription from stale connection, skipping")
		return
	}

	switch msg.Action {
	case subscribeAction:
		for _, id := range msg.PaneIDs {
			h.subscribed[id] = true
		}
	case unsubscribeAction:
		for _, id := range msg.PaneIDs {
			delete(h.subscribed, id)
		}
	default:
		slog.Debug("localui: unknown action", "action", msg.Action)
	}
}

func (h *Hub) sendError(conn *websocket.Conn, message string) {
	payload, err := json.Marshal(errorMsg{Type: "error", Message: message})
	if err != nil {
		slog.Debug("localui: failed to marshal error message", "error", err)
		return
	}

	h.writeMu.Lock()
	if !h.setWriteDeadlineOrClose(conn, writeDeadline) {
		h.writeMu.Unlock()
		return
	}
	writeErr := conn.WriteMessage(websocket.TextMessage, payload)
	h.clearWriteDeadline(conn)
	h.writeMu.Unlock()

	if writeErr != nil {
		slog.Debug("localui: failed to send error to observer", "error", writeErr)
		h.clearIfCurrent(conn)
		h.closeConn(conn, "write error in sendError")
	}
}
