package pane

import (
	"context"
	"strings"
	"testing"
	"time"

	"wxmux/internal/scheduler"
)

func spawnEchoPane(t *testing.T, sch *scheduler.Scheduler) *Pane {
	t.Helper()
	p, err := Spawn(1, 1, Config{
		Shell: "/bin/sh",
		Args:  []string{"-c", "cat"},
		Size:  Size{Rows: 24, Cols: 80},
	}, sch)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(p.Kill)
	return p
}

func waitForGridContains(t *testing.T, p *Pane, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(p.grid.String(), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected grid to contain %q within the deadline", substr)
}

func TestPane_SendPasteEchoesThroughGrid(t *testing.T) {
	p := spawnEchoPane(t, nil)
	if err := p.SendPaste("hello\n"); err != nil {
		t.Fatalf("SendPaste: %v", err)
	}
	waitForGridContains(t, p, "hello")
}

func TestPane_TricklePasteDeliversAllBytesInOrder(t *testing.T) {
	sch := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sch.Run(ctx)

	p := spawnEchoPane(t, sch)

	const chunkCount = 3
	payload := strings.Repeat("A", TrickleChunk*chunkCount+137)
	if err := p.TricklePaste(payload); err != nil {
		t.Fatalf("TricklePaste: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		p.pasteMu.Lock()
		remainEmpty := len(p.pasteRemain) == 0 && !p.pasteRunning
		p.pasteMu.Unlock()
		if remainEmpty {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected trickle paste to finish delivering all bytes")
}

func TestPane_IsDeadAfterKill(t *testing.T) {
	p := spawnEchoPane(t, nil)
	p.Kill()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.IsDead() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected pane to report dead after Kill")
}

func TestPane_ResizeUpdatesDimensions(t *testing.T) {
	p := spawnEchoPane(t, nil)
	if err := p.Resize(Size{Rows: 10, Cols: 40, DPI: 96}); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	dims := p.GetDimensions()
	if dims.ViewportRows != 10 || dims.ViewportCols != 40 {
		t.Fatalf("expected resized dimensions 10x40, got %dx%d", dims.ViewportRows, dims.ViewportCols)
	}
	if dims.DPI != 96 {
		t.Fatalf("expected DPI 96, got %d", dims.DPI)
	}
}

func TestPane_SearchFindsLiteralMatch(t *testing.T) {
	p := spawnEchoPane(t, nil)
	if err := p.SendPaste("needle\n"); err != nil {
		t.Fatalf("SendPaste: %v", err)
	}
	waitForGridContains(t, p, "needle")

	matches, err := p.Search("needle")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected a search match for pasted text")
	}
}
