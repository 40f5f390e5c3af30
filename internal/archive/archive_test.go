package archive_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"wxmux/internal/archive"
	"wxmux/internal/domain"
	"wxmux/internal/mux"
	"wxmux/internal/pane"
)

func openTestArchive(t *testing.T) *archive.Archive {
	t.Helper()
	a, err := archive.Open(filepath.Join(t.TempDir(), "wxmux.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArchive_OpenCreatesSchemaAndIsReusable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wxmux.db")
	a, err := archive.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.Close()

	a2, err := archive.Open(path)
	if err != nil {
		t.Fatalf("reopen same path: %v", err)
	}
	defer a2.Close()
}

func TestArchive_AttachRecordsWindowAndPaneRemovedEvents(t *testing.T) {
	a := openTestArchive(t)

	m := mux.New()
	d := domain.NewLocal(m.NextID(), "local", "/bin/sh", nil).WithIDSource(m.IDSource())
	m.AddDomain(d)
	a.Attach(m)

	res, err := m.SpawnTabOrWindow(context.Background(), mux.SpawnRequest{
		Size:      pane.Size{Rows: 24, Cols: 80},
		Cmd:       []string{"/bin/sh", "-c", "cat"},
		Workspace: "default",
	})
	if err != nil {
		t.Fatalf("SpawnTabOrWindow: %v", err)
	}

	p, ok := m.GetPane(res.PaneID)
	if !ok {
		t.Fatal("expected the spawned pane to be registered")
	}
	p.Kill()

	deadline := time.Now().Add(2 * time.Second)
	var events []archive.Event
	for time.Now().Before(deadline) {
		m.PruneDeadWindows()
		events, err = a.RecentEvents(context.Background(), 10)
		if err != nil {
			t.Fatalf("RecentEvents: %v", err)
		}
		if len(events) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one recorded event once the pane died")
	}

	found := false
	for _, e := range events {
		if e.Kind == "pane_removed" && e.PaneID == res.PaneID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a pane_removed event for pane %d, got %+v", res.PaneID, events)
	}
}

func TestArchive_AppendAndReadScrollback(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	if err := a.AppendScrollback(42, 0, "first line"); err != nil {
		t.Fatalf("AppendScrollback: %v", err)
	}
	if err := a.AppendScrollback(42, 1, "second line"); err != nil {
		t.Fatalf("AppendScrollback: %v", err)
	}

	lines, err := a.Scrollback(ctx, 42)
	if err != nil {
		t.Fatalf("Scrollback: %v", err)
	}
	if len(lines) != 2 || lines[0] != "first line" || lines[1] != "second line" {
		t.Fatalf("expected scrollback in insertion order, got %+v", lines)
	}

	if err := a.ForgetPane(42); err != nil {
		t.Fatalf("ForgetPane: %v", err)
	}
	lines, err = a.Scrollback(ctx, 42)
	if err != nil {
		t.Fatalf("Scrollback after forget: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no scrollback after ForgetPane, got %+v", lines)
	}
}

func TestArchive_ScrollbackIsolatedPerPane(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	if err := a.AppendScrollback(1, 0, "pane one"); err != nil {
		t.Fatalf("AppendScrollback: %v", err)
	}
	if err := a.AppendScrollback(2, 0, "pane two"); err != nil {
		t.Fatalf("AppendScrollback: %v", err)
	}

	oneLines, err := a.Scrollback(ctx, 1)
	if err != nil {
		t.Fatalf("Scrollback(1): %v", err)
	}
	if len(oneLines) != 1 || oneLines[0] != "pane one" {
		t.Fatalf("expected only pane one's line, got %+v", oneLines)
	}
}
