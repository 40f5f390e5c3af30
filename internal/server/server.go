// Package server implements the session daemon's listener side: it accepts
// unix-domain and TLS connections, frames requests and responses with
// internal/pdu, and dispatches them against a internal/mux.Mux.
//
// Grounded in the teacher's internal/ipc/pipe_server.go: the connection-slot
// semaphore bounding concurrent connections, the accept loop's
// consecutive-error backoff, and the panic-safe per-connection handler all
// carry over. What changes is the transport (unix-domain socket / TLS over
// TCP instead of a Windows named pipe) and the framing (internal/pdu's
// varint-length-prefixed envelope instead of one-shot newline-delimited
// JSON), since a wxmux connection stays open for the life of a client and
// carries unsolicited pushes, not just one request/response pair.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"wxmux/internal/archive"
	"wxmux/internal/localui"
	"wxmux/internal/mux"
	"wxmux/internal/pdu"
	"wxmux/internal/pki"
	"wxmux/internal/scheduler"
	"wxmux/internal/workerutil"
)

// defaultConnIdleTimeout bounds how long a connection may sit without
// sending a single frame before the server drops it. Refreshed on every
// successfully decoded frame; a connection that only receives pushes and
// sends nothing for this long is dropped as well.
const defaultConnIdleTimeout = 10 * time.Minute

// defaultSlotAcquireTimeout bounds how long Serve waits for a free
// connection slot before giving up on a newly accepted connection,
// mirroring the teacher's acquireConnectionSlot.
const defaultSlotAcquireTimeout = 5 * time.Second

// Server dispatches framed PDU connections against a Mux.
type Server struct {
	m   *mux.Mux
	sch *scheduler.Scheduler

	connSlots chan struct{}
	connWG    sync.WaitGroup

	mu           sync.Mutex
	clients      map[uint64]*clientConn
	nextClientID uint64

	coalesceOnce sync.Once

	archive *archive.Archive
	hub     *localui.Hub
}

// New builds a Server bounded to maxConns concurrent connections. A
// maxConns of 0 or less means unbounded.
func New(m *mux.Mux, sch *scheduler.Scheduler, maxConns int) *Server {
	s := &Server{
		m:       m,
		sch:     sch,
		clients: make(map[uint64]*clientConn),
	}
	if maxConns > 0 {
		s.connSlots = make(chan struct{}, maxConns)
	}
	return s
}

// AttachArchive makes the coalescer durably record every swept line of
// pane output through a. Optional; call before Serve.
func (s *Server) AttachArchive(a *archive.Archive) {
	s.archive = a
}

// AttachLocalUI makes the coalescer mirror every swept line of pane
// output to a local GUI observer through hub. Optional; call before Serve.
func (s *Server) AttachLocalUI(hub *localui.Hub) {
	s.hub = hub
}

// ListenUnix removes a stale socket at path (if any) and listens on a new
// unix-domain socket there, mode 0600.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("server: remove stale socket %q: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("server: listen unix %q: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("server: chmod socket %q: %w", path, err)
	}
	return ln, nil
}

// ListenTLS listens on addr, requiring and verifying client certificates
// chained to ca, per spec.md §4.G's remote/TLS listener.
func ListenTLS(addr string, ca *pki.CA) (net.Listener, error) {
	ln, err := tls.Listen("tcp", addr, ca.ServerTLSConfig())
	if err != nil {
		return nil, fmt.Errorf("server: listen tls %q: %w", addr, err)
	}
	return ln, nil
}

// Serve runs the accept loop against ln until ctx is cancelled or Accept
// fails unrecoverably. Each accepted connection is handled on its own
// panic-recovered goroutine via workerutil, bounded by the server's
// connection-slot semaphore. Mirrors the teacher's acceptLoop: a burst of
// consecutive Accept errors triggers a backoff sleep instead of spinning.
// Serve waits for in-flight connections to finish before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.coalesceOnce.Do(func() { s.startCoalescer() })

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.connWG.Wait()
				return nil
			default:
			}
			consecutiveErrors++
			slog.Warn("[server] accept error", "error", err, "consecutive", consecutiveErrors)
			if consecutiveErrors > 10 {
				time.Sleep(500 * time.Millisecond)
			}
			continue
		}
		consecutiveErrors = 0

		if !s.acquireSlot(ctx) {
			conn.Close()
			continue
		}
		workerutil.RunWithPanicRecovery(ctx, "server.connection", &s.connWG,
			func(ctx context.Context) { s.handleConnection(ctx, conn) },
			workerutil.RecoveryOptions{
				MaxRetries: 1,
				IsShutdown: func() bool { return ctx.Err() != nil },
			},
		)
	}
}

func (s *Server) acquireSlot(ctx context.Context) bool {
	if s.connSlots == nil {
		return true
	}
	select {
	case s.connSlots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(defaultSlotAcquireTimeout):
		slog.Warn("[server] timed out waiting for a free connection slot")
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.connSlots == nil {
		return
	}
	<-s.connSlots
}

// handleConnection runs under workerutil.RunWithPanicRecovery (see Serve),
// which covers panic recovery; it does not need its own recover block.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.releaseSlot()
	defer conn.Close()

	cc := s.registerClient(conn)
	defer s.unregisterClient(cc)

	var buf []byte
	for {
		conn.SetReadDeadline(time.Now().Add(defaultConnIdleTimeout))
		msg, err := pdu.DecodeAsync(ctx, conn, &buf)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Debug("[server] connection closed", "client", cc.id, "error", err)
			}
			return
		}
		cc.touchInput()

		respTag, respPayload, dispatchErr := s.dispatch(ctx, cc, msg)
		if dispatchErr != nil {
			respTag, respPayload = pdu.TagErrorResponse, pdu.ErrorResponse{Message: dispatchErr.Error()}
		}
		if !cc.send(msg.Serial, respTag, respPayload) {
			return
		}
	}
}

func (s *Server) registerClient(conn net.Conn) *clientConn {
	s.mu.Lock()
	s.nextClientID++
	id := s.nextClientID
	cc := newClientConn(id, conn)
	s.clients[id] = cc
	s.mu.Unlock()

	go cc.writeLoop()
	return cc
}

func (s *Server) unregisterClient(cc *clientConn) {
	s.mu.Lock()
	delete(s.clients, cc.id)
	s.mu.Unlock()
	cc.close()
}

// snapshotClients returns a stable copy of the currently connected clients
// for ListClients.
func (s *Server) snapshotClients() []*clientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*clientConn, 0, len(s.clients))
	for _, cc := range s.clients {
		out = append(out, cc)
	}
	return out
}
