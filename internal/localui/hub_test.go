package localui

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wxmux/internal/mux"
)

const testListenAddr = "127.0.0.1:0"

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) bool {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ticker.C:
			if fn() {
				return true
			}
		case <-deadline.C:
			return false
		}
	}
}

func waitForConnection(t *testing.T, hub *Hub) {
	t.Helper()
	if !waitForCondition(t, 2*time.Second, hub.HasActiveConnection) {
		t.Fatal("timed out waiting for hub to register connection")
	}
}

func startTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(HubOptions{Addr: testListenAddr})
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { hub.Stop() })
	return hub
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(hub.URL())
	if err != nil {
		t.Fatalf("parse hub URL %q: %v", hub.URL(), err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial %q: %v", u.String(), err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_StartAssignsURL(t *testing.T) {
	hub := startTestHub(t)
	if !strings.HasPrefix(hub.URL(), "ws://127.0.0.1:") {
		t.Fatalf("expected a ws:// URL, got %q", hub.URL())
	}
}

func TestHub_ConnectThenBroadcastPaneDataRequiresSubscription(t *testing.T) {
	hub := startTestHub(t)
	conn := dialHub(t, hub)
	waitForConnection(t, hub)

	hub.BroadcastPaneData(7, []byte("unsubscribed"))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected no frame to arrive for an unsubscribed pane")
	}

	if err := conn.WriteJSON(subscribeMsg{Action: subscribeAction, PaneIDs: []uint64{7}}); err != nil {
		t.Fatalf("WriteJSON subscribe: %v", err)
	}
	if !waitForCondition(t, 2*time.Second, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return hub.subscribed[7]
	}) {
		t.Fatal("timed out waiting for subscription to register")
	}

	hub.BroadcastPaneData(7, []byte("hello"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected a binary frame, got type %d", msgType)
	}
	paneID, data, err := DecodePaneData(msg)
	if err != nil {
		t.Fatalf("DecodePaneData: %v", err)
	}
	if paneID != 7 || string(data) != "hello" {
		t.Fatalf("unexpected frame: id=%d data=%q", paneID, data)
	}
}

func TestHub_AttachForwardsMuxNotificationsAsJSON(t *testing.T) {
	hub := startTestHub(t)
	conn := dialHub(t, hub)
	waitForConnection(t, hub)

	m := mux.New()
	hub.Attach(m)

	m.Notify(mux.Notification{Kind: mux.Toast, ToastTitle: "title", ToastBody: "body"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var evt eventMsg
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Type != "toast" || evt.ToastTitle != "title" || evt.ToastBody != "body" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestHub_NewConnectionReplacesPrevious(t *testing.T) {
	hub := startTestHub(t)
	first := dialHub(t, hub)
	waitForConnection(t, hub)

	second := dialHub(t, hub)
	waitForConnection(t, hub)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("expected the first connection to be closed once replaced")
	}

	hub.mu.RLock()
	current := hub.conn
	hub.mu.RUnlock()
	if current == nil {
		t.Fatal("expected a current connection after replacement")
	}
	_ = second
}
