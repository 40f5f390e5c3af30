// Package client implements the session client side: dialing a wxmux
// session server, issuing async RPCs keyed by PDU serial, and dispatching
// unsolicited pushes (pane output, pane removal, workspace changes) to a
// caller-supplied handler.
//
// Grounded in the teacher's internal/ipc/pipe_client.go dial+encode+decode
// round trip, generalized from its one-shot "dial, send one request, read
// one response, disconnect" shape into spec.md §4.H's model: one long-lived
// connection, a reader goroutine that fulfills serial-keyed response slots
// (built on scheduler.Future, the same primitive SpawnBackground uses) and
// forwards anything arriving on the reserved push serial to the caller.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"wxmux/internal/pdu"
	"wxmux/internal/scheduler"
)

const defaultDialTimeout = 5 * time.Second

// PushHandler receives unsolicited server pushes (TagPaneRenderChanges,
// TagPaneRemoved, TagWindowWorkspaceChanged). It is called from the
// client's own reader goroutine -- a handler that touches shared state
// must do its own synchronization, exactly as a pane's background pty
// reader does before handing batches to the scheduler.
type PushHandler func(pdu.Message)

// Client is one framed, persistent connection to a session server.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[uint64]func(pdu.Message, error)
	nextSerial uint64

	onPush PushHandler

	closed    chan struct{}
	closeOnce sync.Once
}

func newClient(conn net.Conn, onPush PushHandler) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]func(pdu.Message, error)),
		onPush:  onPush,
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// DialUnix connects to a unix-domain session server at path.
func DialUnix(path string, onPush PushHandler) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, defaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %q: %w", path, err)
	}
	return newClient(conn, onPush), nil
}

// DialTLS connects to a TLS session server at addr, presenting clientCertPEM
// (the concatenated certificate+key PEM pki.CA.ClientCertPEM returns) and
// trusting caCertPEM as the signing authority.
func DialTLS(addr string, caCertPEM, clientCertPEM []byte, onPush PushHandler) (*Client, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, fmt.Errorf("client: no certificates found in CA PEM")
	}
	cert, err := tls.X509KeyPair(clientCertPEM, clientCertPEM)
	if err != nil {
		return nil, fmt.Errorf("client: load client certificate: %w", err)
	}

	dialer := &net.Dialer{Timeout: defaultDialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	})
	if err != nil {
		return nil, fmt.Errorf("client: dial %q: %w", addr, err)
	}
	return newClient(conn, onPush), nil
}

// Close shuts down the connection and fails every in-flight call.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

func (c *Client) readLoop() {
	var buf []byte
	for {
		msg, err := pdu.DecodeAsync(context.Background(), c.conn, &buf)
		if err != nil {
			c.failAllPending(err)
			c.Close()
			return
		}
		if msg.Serial == pdu.PushSerial {
			if c.onPush != nil {
				c.onPush(msg)
			}
			continue
		}

		c.mu.Lock()
		resolve, ok := c.pending[msg.Serial]
		delete(c.pending, msg.Serial)
		c.mu.Unlock()
		if ok {
			resolve(msg, nil)
		}
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]func(pdu.Message, error))
	c.mu.Unlock()
	for _, resolve := range pending {
		resolve(pdu.Message{}, err)
	}
}

// call sends payload under tag with a freshly allocated serial and blocks
// for the matching response, translating a TagErrorResponse into a Go
// error.
func (c *Client) call(ctx context.Context, tag pdu.Tag, payload any) (pdu.Message, error) {
	fut, resolve := scheduler.NewManualFuture[pdu.Message]()

	c.mu.Lock()
	c.nextSerial++
	serial := c.nextSerial
	c.pending[serial] = resolve
	c.mu.Unlock()

	c.writeMu.Lock()
	err := pdu.Encode(c.conn, serial, tag, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, serial)
		c.mu.Unlock()
		return pdu.Message{}, err
	}

	msg, err := fut.Get(ctx)
	if err != nil {
		return pdu.Message{}, err
	}
	if msg.Tag == pdu.TagErrorResponse {
		errResp, _ := msg.Payload.(pdu.ErrorResponse)
		return msg, fmt.Errorf("client: %s", errResp.Message)
	}
	return msg, nil
}
