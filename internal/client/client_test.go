package client_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"wxmux/internal/client"
	"wxmux/internal/domain"
	"wxmux/internal/mux"
	"wxmux/internal/pdu"
	"wxmux/internal/scheduler"
	"wxmux/internal/server"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	sch := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sch.Run(ctx)

	m := mux.New()
	d := domain.NewLocal(m.NextID(), "local", "/bin/sh", sch).WithIDSource(m.IDSource())
	m.AddDomain(d)

	s := server.New(m, sch, 0)
	socketPath := filepath.Join(t.TempDir(), "wxmux.sock")
	ln, err := server.ListenUnix(socketPath)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	go s.Serve(ctx, ln)
	t.Cleanup(func() { ln.Close() })
	return socketPath
}

func dialTestClient(t *testing.T, socketPath string, onPush client.PushHandler) *client.Client {
	t.Helper()
	var c *client.Client
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err = client.DialUnix(socketPath, onPush)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("DialUnix: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_PingSucceeds(t *testing.T) {
	sockPath := newTestServer(t)
	c := dialTestClient(t, sockPath, nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestClient_SpawnListSplitKillRoundTrip(t *testing.T) {
	sockPath := newTestServer(t)
	c := dialTestClient(t, sockPath, nil)
	ctx := context.Background()

	spawned, err := c.Spawn(ctx, pdu.SpawnV2{
		Cmd:  []string{"/bin/sh", "-c", "cat"},
		Size: pdu.Size{Rows: 24, Cols: 80},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if spawned.PaneID == 0 {
		t.Fatal("expected a nonzero pane id")
	}

	panes, err := c.ListPanes(ctx)
	if err != nil {
		t.Fatalf("ListPanes: %v", err)
	}
	if len(panes) != 1 || panes[0].PaneID != spawned.PaneID {
		t.Fatalf("expected exactly the spawned pane, got %+v", panes)
	}

	split, err := c.SplitPane(ctx, pdu.SplitPane{
		Pane:    spawned.PaneID,
		Request: pdu.SplitRequest{Direction: pdu.SplitVertical},
		Cmd:     []string{"/bin/sh", "-c", "cat"},
	})
	if err != nil {
		t.Fatalf("SplitPane: %v", err)
	}
	if split.PaneID == 0 || split.PaneID == spawned.PaneID {
		t.Fatalf("expected a distinct new pane id, got %d", split.PaneID)
	}

	panesAfterSplit, err := c.ListPanes(ctx)
	if err != nil {
		t.Fatalf("ListPanes after split: %v", err)
	}
	if len(panesAfterSplit) != 2 {
		t.Fatalf("expected two panes after split, got %d", len(panesAfterSplit))
	}

	if err := c.KillPane(ctx, split.PaneID); err != nil {
		t.Fatalf("KillPane: %v", err)
	}
}

func TestClient_WriteThenGetPaneRenderChangesSeesEcho(t *testing.T) {
	sockPath := newTestServer(t)
	c := dialTestClient(t, sockPath, nil)
	ctx := context.Background()

	spawned, err := c.Spawn(ctx, pdu.SpawnV2{
		Cmd:  []string{"/bin/sh", "-c", "cat"},
		Size: pdu.Size{Rows: 24, Cols: 80},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := c.SendPaste(ctx, spawned.PaneID, "marker\n"); err != nil {
		t.Fatalf("SendPaste: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		changes, err := c.GetPaneRenderChanges(ctx, spawned.PaneID)
		if err == nil {
			for _, line := range changes.DirtyLines {
				if containsSubstr(line.Text, "marker") {
					return
				}
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("expected the echoed text to eventually show up in pane render changes")
}

func TestClient_GetPaneRenderChangesThenPaneRemovedPush(t *testing.T) {
	sockPath := newTestServer(t)

	pushed := make(chan pdu.Message, 8)
	c := dialTestClient(t, sockPath, func(m pdu.Message) { pushed <- m })
	ctx := context.Background()

	spawned, err := c.Spawn(ctx, pdu.SpawnV2{
		Cmd:  []string{"/bin/sh", "-c", "true"}, // exits immediately
		Size: pdu.Size{Rows: 24, Cols: 80},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := c.GetPaneRenderChanges(ctx, spawned.PaneID); err != nil {
		t.Fatalf("GetPaneRenderChanges: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := c.KillPane(ctx, spawned.PaneID); err != nil {
			t.Fatalf("KillPane: %v", err)
		}
		select {
		case msg := <-pushed:
			if msg.Tag == pdu.TagPaneRemoved {
				removed, ok := msg.Payload.(pdu.PaneRemoved)
				if ok && removed.Pane == spawned.PaneID {
					return
				}
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("expected a PaneRemoved push for the killed pane")
}

func containsSubstr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
