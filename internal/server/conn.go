package server

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"wxmux/internal/pdu"
)

// outFrame is one response or push message queued for a connection's writer
// goroutine.
type outFrame struct {
	serial  uint64
	tag     pdu.Tag
	payload any
}

// clientConn is the server's bookkeeping for one live connection: identity
// fields surfaced by ListClients, the serialized write queue, and the set
// of panes this client has asked to watch via GetPaneRenderChanges.
type clientConn struct {
	id   uint64
	conn net.Conn

	username string
	hostname string
	pid      int32

	connectedAt time.Time

	mu             sync.Mutex
	lastInputAt    time.Time
	workspace      string
	focusedPane    uint64
	hasFocusedPane bool

	watchMu sync.Mutex
	watched map[uint64]bool

	out      chan outFrame
	closed   chan struct{}
	closeErr sync.Once
}

func newClientConn(id uint64, conn net.Conn) *clientConn {
	cc := &clientConn{
		id:          id,
		conn:        conn,
		connectedAt: time.Now(),
		workspace:   "default",
		watched:     make(map[uint64]bool),
		out:         make(chan outFrame, 256),
		closed:      make(chan struct{}),
	}
	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err == nil {
			if state := tc.ConnectionState(); len(state.PeerCertificates) > 0 {
				cc.username = state.PeerCertificates[0].Subject.CommonName
			}
		}
	}
	return cc
}

func (c *clientConn) touchInput() {
	c.mu.Lock()
	c.lastInputAt = time.Now()
	c.mu.Unlock()
}

func (c *clientConn) setIdentity(username, hostname string, pid int32) {
	c.mu.Lock()
	c.username, c.hostname, c.pid = username, hostname, pid
	c.mu.Unlock()
}

func (c *clientConn) setFocusedPane(paneID uint64) {
	c.mu.Lock()
	c.focusedPane, c.hasFocusedPane = paneID, true
	c.mu.Unlock()
}

func (c *clientConn) watch(paneID uint64) {
	c.watchMu.Lock()
	c.watched[paneID] = true
	c.watchMu.Unlock()
}

func (c *clientConn) unwatch(paneID uint64) {
	c.watchMu.Lock()
	delete(c.watched, paneID)
	c.watchMu.Unlock()
}

func (c *clientConn) watchedPanes() []uint64 {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	out := make([]uint64, 0, len(c.watched))
	for id := range c.watched {
		out = append(out, id)
	}
	return out
}

// send enqueues a frame for the writer goroutine. Returns false if the
// connection's outbound queue is closed or full (a slow or dead client gets
// dropped rather than blocking the dispatch loop indefinitely).
func (c *clientConn) send(serial uint64, tag pdu.Tag, payload any) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- outFrame{serial: serial, tag: tag, payload: payload}:
		return true
	case <-c.closed:
		return false
	case <-time.After(2 * time.Second):
		return false
	}
}

func (c *clientConn) writeLoop() {
	for {
		select {
		case f := <-c.out:
			if err := pdu.Encode(c.conn, f.serial, f.tag, f.payload); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *clientConn) close() {
	c.closeErr.Do(func() { close(c.closed) })
}
