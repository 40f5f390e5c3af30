package tab

import (
	"testing"

	"wxmux/internal/pane"
)

type fakePane struct {
	dead bool
	last pane.Size
}

func (p *fakePane) IsDead() bool { return p.dead }
func (p *fakePane) Resize(size pane.Size) error {
	p.last = size
	return nil
}

func TestTab_NewHasSingleActiveLeaf(t *testing.T) {
	p := &fakePane{}
	tb := New(1, 10, p, 24, 80)
	if tb.ActivePane() != 10 {
		t.Fatalf("expected active pane 10, got %d", tb.ActivePane())
	}
	infos := tb.IterPanes()
	if len(infos) != 1 || infos[0].PaneID != 10 {
		t.Fatalf("expected exactly one leaf, got %+v", infos)
	}
}

func TestTab_SplitAddsLeafAndBecomesActive(t *testing.T) {
	p1, p2 := &fakePane{}, &fakePane{}
	tb := New(1, 10, p1, 24, 80)

	newID, err := tb.Split(10, 11, p2, SplitRequest{Direction: SplitVertical})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if newID != 11 {
		t.Fatalf("expected new pane id 11, got %d", newID)
	}
	if tb.ActivePane() != 11 {
		t.Fatalf("expected split to activate the new pane, got %d", tb.ActivePane())
	}

	infos := tb.IterPanesIgnoringZoom()
	if len(infos) != 2 {
		t.Fatalf("expected two leaves after split, got %d", len(infos))
	}
}

func TestTab_SplitUnknownPaneErrors(t *testing.T) {
	p1 := &fakePane{}
	tb := New(1, 10, p1, 24, 80)
	if _, err := tb.Split(999, 11, &fakePane{}, SplitRequest{}); err == nil {
		t.Fatal("expected an error splitting a nonexistent leaf")
	}
}

func TestTab_ZoomShowsOnlyActiveLeaf(t *testing.T) {
	p1, p2 := &fakePane{}, &fakePane{}
	tb := New(1, 10, p1, 24, 80)
	tb.Split(10, 11, p2, SplitRequest{Direction: SplitHorizontal})

	prior := tb.SetZoomed(true)
	if prior {
		t.Fatal("expected prior zoom state to be false")
	}
	infos := tb.IterPanes()
	if len(infos) != 1 || !infos[0].IsZoomed {
		t.Fatalf("expected a single zoomed leaf, got %+v", infos)
	}

	// Ignoring zoom still reports both leaves.
	ignoring := tb.IterPanesIgnoringZoom()
	if len(ignoring) != 2 {
		t.Fatalf("expected both leaves when ignoring zoom, got %d", len(ignoring))
	}
}

func TestTab_KillPaneCollapsesSiblingIntoParent(t *testing.T) {
	p1, p2 := &fakePane{}, &fakePane{}
	tb := New(1, 10, p1, 24, 80)
	tb.Split(10, 11, p2, SplitRequest{Direction: SplitVertical})

	if !tb.KillPane(10) {
		t.Fatal("expected KillPane to succeed")
	}
	infos := tb.IterPanesIgnoringZoom()
	if len(infos) != 1 || infos[0].PaneID != 11 {
		t.Fatalf("expected sibling 11 to replace the split, got %+v", infos)
	}
	if tb.ActivePane() != 11 {
		t.Fatalf("expected active pane to move to surviving leaf, got %d", tb.ActivePane())
	}
}

func TestTab_KillLastPaneLeavesTabEmpty(t *testing.T) {
	p1 := &fakePane{}
	tb := New(1, 10, p1, 24, 80)
	if !tb.KillPane(10) {
		t.Fatal("expected KillPane to succeed")
	}
	if !tb.IsEmpty() {
		t.Fatal("expected tab to be empty after killing its only pane")
	}
}

func TestTab_PruneDeadPanesRemovesDeadLeaves(t *testing.T) {
	p1 := &fakePane{}
	p2 := &fakePane{dead: true}
	tb := New(1, 10, p1, 24, 80)
	tb.Split(10, 11, p2, SplitRequest{Direction: SplitVertical})

	if !tb.PruneDeadPanes() {
		t.Fatal("expected pruning to report invalidated")
	}
	infos := tb.IterPanesIgnoringZoom()
	if len(infos) != 1 || infos[0].PaneID != 10 {
		t.Fatalf("expected only the live pane to remain, got %+v", infos)
	}
}

func TestTab_ResizePropagatesSubRectanglesToPanes(t *testing.T) {
	p1, p2 := &fakePane{}, &fakePane{}
	tb := New(1, 10, p1, 24, 80)
	tb.Split(10, 11, p2, SplitRequest{Direction: SplitHorizontal, Percent: 0.5})

	tb.Resize(24, 100)

	total := p1.last.Cols + p2.last.Cols
	if total != 100 {
		t.Fatalf("expected resized widths to sum to 100, got %d", total)
	}
	if p1.last.Rows != 24 || p2.last.Rows != 24 {
		t.Fatalf("expected both leaves to receive the full row count, got %d/%d", p1.last.Rows, p2.last.Rows)
	}
}

func TestTab_CheckAndResetInvalidatedClearsFlag(t *testing.T) {
	p1 := &fakePane{}
	tb := New(1, 10, p1, 24, 80)
	tb.SetTitle("renamed")
	if !tb.CheckAndResetInvalidated() {
		t.Fatal("expected SetTitle to set the invalidated flag")
	}
	if tb.CheckAndResetInvalidated() {
		t.Fatal("expected the flag to clear after the first check")
	}
}
