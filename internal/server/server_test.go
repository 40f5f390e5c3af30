package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"wxmux/internal/domain"
	"wxmux/internal/mux"
	"wxmux/internal/pdu"
	"wxmux/internal/scheduler"
)

// rawClient is a bare pdu-framing round-tripper used to exercise Server
// without depending on the internal/client package.
type rawClient struct {
	conn net.Conn
	buf  []byte
	next uint64
}

func dialRaw(t *testing.T, socketPath string) *rawClient {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &rawClient{conn: conn}
}

func (c *rawClient) roundTrip(t *testing.T, tag pdu.Tag, payload any) pdu.Message {
	t.Helper()
	c.next++
	serial := c.next
	if err := pdu.Encode(c.conn, serial, tag, payload); err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msg, err := pdu.DecodeAsync(context.Background(), c.conn, &c.buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func (c *rawClient) readPush(t *testing.T) pdu.Message {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msg, err := pdu.DecodeAsync(context.Background(), c.conn, &c.buf)
	if err != nil {
		t.Fatalf("decode push: %v", err)
	}
	return msg
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	sch := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sch.Run(ctx)

	m := mux.New()
	d := domain.NewLocal(m.NextID(), "local", "/bin/sh", sch).WithIDSource(m.IDSource())
	m.AddDomain(d)

	s := New(m, sch, 0)
	socketPath := filepath.Join(t.TempDir(), "wxmux.sock")
	ln, err := ListenUnix(socketPath)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	go s.Serve(ctx, ln)
	t.Cleanup(func() { ln.Close() })
	return s, socketPath
}

func TestServer_PingPong(t *testing.T) {
	_, sockPath := newTestServer(t)
	c := dialRaw(t, sockPath)
	msg := c.roundTrip(t, pdu.TagPing, pdu.Ping{})
	if msg.Tag != pdu.TagPong {
		t.Fatalf("expected pong, got tag %d (%+v)", msg.Tag, msg.Payload)
	}
}

func TestServer_SpawnThenListPanes(t *testing.T) {
	_, sockPath := newTestServer(t)
	c := dialRaw(t, sockPath)

	msg := c.roundTrip(t, pdu.TagSpawnV2, pdu.SpawnV2{
		Cmd:  []string{"/bin/sh", "-c", "cat"},
		Size: pdu.Size{Rows: 24, Cols: 80},
	})
	resp, ok := msg.Payload.(pdu.SpawnV2Response)
	if !ok {
		t.Fatalf("expected SpawnV2Response, got %T (%+v)", msg.Payload, msg.Payload)
	}
	if resp.PaneID == 0 {
		t.Fatal("expected a nonzero pane id")
	}

	listMsg := c.roundTrip(t, pdu.TagListPanes, pdu.ListPanes{})
	listResp, ok := listMsg.Payload.(pdu.ListPanesResponse)
	if !ok {
		t.Fatalf("expected ListPanesResponse, got %T", listMsg.Payload)
	}
	if len(listResp.Panes) != 1 || listResp.Panes[0].PaneID != resp.PaneID {
		t.Fatalf("expected exactly the spawned pane listed, got %+v", listResp.Panes)
	}
}

func TestServer_WriteToPaneThenGetPaneRenderChangesSeesEcho(t *testing.T) {
	_, sockPath := newTestServer(t)
	c := dialRaw(t, sockPath)

	spawnMsg := c.roundTrip(t, pdu.TagSpawnV2, pdu.SpawnV2{
		Cmd:  []string{"/bin/sh", "-c", "cat"},
		Size: pdu.Size{Rows: 24, Cols: 80},
	})
	resp := spawnMsg.Payload.(pdu.SpawnV2Response)

	c.roundTrip(t, pdu.TagSendPaste, pdu.SendPaste{Pane: resp.PaneID, Text: "hello\n"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		changesMsg := c.roundTrip(t, pdu.TagGetPaneRenderChanges, pdu.GetPaneRenderChanges{Pane: resp.PaneID})
		changes, ok := changesMsg.Payload.(pdu.PaneRenderChanges)
		if ok {
			for _, line := range changes.DirtyLines {
				if contains(line.Text, "hello") {
					return
				}
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("expected the echoed text to appear in pane render changes")
}

func TestServer_KillPaneThenListPanesIsEmpty(t *testing.T) {
	s, sockPath := newTestServer(t)
	c := dialRaw(t, sockPath)

	spawnMsg := c.roundTrip(t, pdu.TagSpawnV2, pdu.SpawnV2{
		Cmd:  []string{"/bin/sh", "-c", "cat"},
		Size: pdu.Size{Rows: 24, Cols: 80},
	})
	resp := spawnMsg.Payload.(pdu.SpawnV2Response)

	killMsg := c.roundTrip(t, pdu.TagKillPane, pdu.KillPane{Pane: resp.PaneID})
	if killMsg.Tag != pdu.TagUnitResponse {
		t.Fatalf("expected unit response, got tag %d", killMsg.Tag)
	}

	// Kill signals the child; the pane only flips dead once its background
	// reader observes the pty close. Re-issue KillPane (idempotent) until
	// a prune pass catches it in the dead state and removes it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.m.GetPane(resp.PaneID); !ok {
			return
		}
		c.roundTrip(t, pdu.TagKillPane, pdu.KillPane{Pane: resp.PaneID})
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected pane to eventually be removed after kill")
}

func TestServer_RequestForUnsupportedTagReturnsErrorResponse(t *testing.T) {
	_, sockPath := newTestServer(t)
	c := dialRaw(t, sockPath)
	// TagPong is a known, decodable payload shape but not one dispatch
	// handles as an incoming request -- it falls to dispatch's default case.
	msg := c.roundTrip(t, pdu.TagPong, pdu.Pong{})
	if msg.Tag != pdu.TagErrorResponse {
		t.Fatalf("expected an error response for a request dispatch doesn't handle, got %d", msg.Tag)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
