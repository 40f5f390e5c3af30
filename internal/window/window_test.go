package window

import "testing"

type fakeTab struct {
	id     uint64
	active uint64
	empty  bool
}

func (t *fakeTab) ID() uint64          { return t.id }
func (t *fakeTab) ActivePane() uint64  { return t.active }
func (t *fakeTab) IsEmpty() bool       { return t.empty }
func (t *fakeTab) PruneDeadPanes() bool { return false }

type fakeClipboard struct{ alive bool }

func (c *fakeClipboard) Alive() bool          { return c.alive }
func (c *fakeClipboard) SetClipboard(string)  {}

type fakePane struct{ received ClipboardHandle }

func (p *fakePane) SetClipboard(c ClipboardHandle) { p.received = c }

type fakeLookup struct{ panes map[uint64]any }

func (l fakeLookup) PaneHandle(id uint64) (any, bool) {
	p, ok := l.panes[id]
	return p, ok
}

func TestWindow_PushThenIterReturnsInOrder(t *testing.T) {
	w := New(1, "default")
	w.Push(&fakeTab{id: 10})
	w.Push(&fakeTab{id: 11})
	tabs := w.Iter()
	if len(tabs) != 2 || tabs[0].ID() != 10 || tabs[1].ID() != 11 {
		t.Fatalf("unexpected tab order: %+v", tabs)
	}
}

func TestWindow_RemoveByIdxRecomputesActiveWhenItFallsOffEnd(t *testing.T) {
	w := New(1, "default")
	w.Push(&fakeTab{id: 10})
	w.Push(&fakeTab{id: 11})
	w.Push(&fakeTab{id: 12})
	w.SetActive(2)

	w.RemoveByIdx(2)
	if w.GetActive() != 1 {
		t.Fatalf("expected active to move to new last index 1, got %d", w.GetActive())
	}
}

func TestWindow_RemoveByIdxLeavesActiveUnchangedWhenNotAffected(t *testing.T) {
	w := New(1, "default")
	w.Push(&fakeTab{id: 10})
	w.Push(&fakeTab{id: 11})
	w.Push(&fakeTab{id: 12})
	w.SetActive(0)

	w.RemoveByIdx(2)
	if w.GetActive() != 0 {
		t.Fatalf("expected active to remain 0, got %d", w.GetActive())
	}
}

func TestWindow_SetActiveOutOfRangePanics(t *testing.T) {
	w := New(1, "default")
	w.Push(&fakeTab{id: 10})
	defer func() {
		if recover() == nil {
			t.Fatal("expected SetActive out of range to panic")
		}
	}()
	w.SetActive(5)
}

func TestWindow_SetClipboardPropagatesToActivePanes(t *testing.T) {
	w := New(1, "default")
	w.Push(&fakeTab{id: 10, active: 100})
	w.Push(&fakeTab{id: 11, active: 101})

	p1, p2 := &fakePane{}, &fakePane{}
	lookup := fakeLookup{panes: map[uint64]any{100: p1, 101: p2}}
	clip := &fakeClipboard{alive: true}

	w.SetClipboard(clip, lookup)
	if p1.received != clip || p2.received != clip {
		t.Fatal("expected clipboard to propagate to both tabs' active panes")
	}
}

func TestWindow_PruneDeadTabsDropsAbsentAndEmpty(t *testing.T) {
	w := New(1, "default")
	w.Push(&fakeTab{id: 10})
	w.Push(&fakeTab{id: 11, empty: true})
	w.Push(&fakeTab{id: 12})

	w.PruneDeadTabs(map[uint64]bool{10: true, 12: true})
	tabs := w.Iter()
	if len(tabs) != 2 {
		t.Fatalf("expected 2 surviving tabs, got %d", len(tabs))
	}
}

func TestWindow_CheckAndResetInvalidatedClearsFlag(t *testing.T) {
	w := New(1, "default")
	w.SetTitle("renamed")
	if !w.CheckAndResetInvalidated() {
		t.Fatal("expected SetTitle to invalidate")
	}
	if w.CheckAndResetInvalidated() {
		t.Fatal("expected flag to clear after first check")
	}
}
