// Package window implements the ordered tab list, active/last-active index
// tracking, per-window clipboard propagation, and workspace grouping,
// generalized from the teacher's internal/tmux/session_manager_windows.go
// (active-index recomputation on removal, "Locked"-suffix method
// convention) and session_manager.go's TmuxSession workspace-name field.
// The teacher had collapsed to one window per session; this restores the
// general multi-window-per-workspace tree spec.md requires.
package window

import (
	"fmt"
	"sync"
)

// Tab is the subset of *tab.Tab a Window needs. Kept as an interface so
// window has no import-time dependency on the split-tree internals.
type Tab interface {
	ID() uint64
	ActivePane() uint64
	IsEmpty() bool
	PruneDeadPanes() bool
}

// ClipboardHandle is a weakly held clipboard a window propagates to every
// tab's active pane.
type ClipboardHandle interface {
	Alive() bool
	SetClipboard(text string)
}

// ClipboardCapable is the capability interface a Pane satisfies if it can
// receive a clipboard handle -- a capability query rather than a downcast,
// per spec.md's polymorphism guidance.
type ClipboardCapable interface {
	SetClipboard(c ClipboardHandle)
}

// PaneLookup resolves a tab's active pane to the object implementing
// ClipboardCapable, if any. mux.Mux.PaneHandle satisfies this shape.
type PaneLookup interface {
	PaneHandle(paneID uint64) (any, bool)
}

// Window is an ordered list of tabs with an active index, a remembered
// last-active index (for toggle-to-last), an optional clipboard, and a
// workspace name.
//
// Lock ordering: a single mutex; Window never calls into a Tab while
// holding it for longer than a single method call requires.
type Window struct {
	id uint64

	mu         sync.Mutex
	tabs       []Tab
	active     int
	lastActive int
	workspace  string
	title      string
	clipboard  ClipboardHandle
	invalid    bool
}

// New creates an empty window in the given workspace.
func New(id uint64, workspace string) *Window {
	return &Window{id: id, workspace: workspace, active: 0, lastActive: -1}
}

// ID returns the window's process-wide unique id.
func (w *Window) ID() uint64 { return w.id }

// Insert places tab t at idx, shifting later tabs right.
func (w *Window) Insert(idx int, t Tab) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if idx < 0 {
		idx = 0
	}
	if idx > len(w.tabs) {
		idx = len(w.tabs)
	}
	w.tabs = append(w.tabs, nil)
	copy(w.tabs[idx+1:], w.tabs[idx:])
	w.tabs[idx] = t
	w.invalid = true
}

// Push appends t to the end of the tab list.
func (w *Window) Push(t Tab) {
	w.mu.Lock()
	w.tabs = append(w.tabs, t)
	w.invalid = true
	w.mu.Unlock()
}

// RemoveByIdx removes the tab at idx, recomputing the active index per
// spec.md §4.E: if the removed index was the active one and active now
// falls off the end, active moves to the new last index; otherwise active
// is left unchanged (it still names the same tab, shifted).
func (w *Window) RemoveByIdx(idx int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if idx < 0 || idx >= len(w.tabs) {
		return
	}
	w.tabs = append(w.tabs[:idx], w.tabs[idx+1:]...)
	newLen := len(w.tabs)
	switch {
	case newLen == 0:
		w.active = 0
	case idx == w.active && w.active >= newLen:
		w.active = newLen - 1
	}
	w.invalid = true
}

// RemoveByID removes the tab whose ID matches id, if present.
func (w *Window) RemoveByID(id uint64) bool {
	w.mu.Lock()
	idx := w.idxByIDLocked(id)
	w.mu.Unlock()
	if idx < 0 {
		return false
	}
	w.RemoveByIdx(idx)
	return true
}

// IdxByID returns the slice index of the tab with the given id, or -1.
func (w *Window) IdxByID(id uint64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idxByIDLocked(id)
}

func (w *Window) idxByIDLocked(id uint64) int {
	for i, t := range w.tabs {
		if t.ID() == id {
			return i
		}
	}
	return -1
}

// GetByIdx returns the tab at idx, or nil if out of range.
func (w *Window) GetByIdx(idx int) Tab {
	w.mu.Lock()
	defer w.mu.Unlock()
	if idx < 0 || idx >= len(w.tabs) {
		return nil
	}
	return w.tabs[idx]
}

// Len returns the number of tabs.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tabs)
}

// IsEmpty reports whether the window has zero tabs.
func (w *Window) IsEmpty() bool { return w.Len() == 0 }

// SetActive moves the active index to idx. It panics on an out-of-range
// index, matching spec.md's documented behavior for this operation --
// callers are expected to validate idx against Len() first.
func (w *Window) SetActive(idx int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if idx < 0 || idx >= len(w.tabs) {
		panic(fmt.Sprintf("window: SetActive index %d out of range (len=%d)", idx, len(w.tabs)))
	}
	if idx != w.active {
		w.lastActive = w.active
	}
	w.active = idx
	w.invalid = true
}

// GetActive returns the index of the currently active tab.
func (w *Window) GetActive() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// SaveLastActive records the current active index as the "toggle to last"
// target, independent of SetActive's implicit bookkeeping.
func (w *Window) SaveLastActive() {
	w.mu.Lock()
	w.lastActive = w.active
	w.mu.Unlock()
}

// GetLastActiveIdx returns the remembered last-active index, or -1 if none
// has been recorded.
func (w *Window) GetLastActiveIdx() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActive
}

// Iter returns a snapshot slice of the window's tabs in order.
func (w *Window) Iter() []Tab {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Tab, len(w.tabs))
	copy(out, w.tabs)
	return out
}

// SetWorkspace moves the window to a new named workspace. Switching a
// workspace is a view filter only (see mux.SetActiveWorkspace); this just
// updates the tag.
func (w *Window) SetWorkspace(name string) {
	w.mu.Lock()
	w.workspace = name
	w.invalid = true
	w.mu.Unlock()
}

func (w *Window) GetWorkspace() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workspace
}

func (w *Window) SetTitle(title string) {
	w.mu.Lock()
	w.title = title
	w.invalid = true
	w.mu.Unlock()
}

func (w *Window) GetTitle() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.title
}

// SetClipboard stores the window's clipboard handle and propagates it to
// the active pane of every tab that satisfies ClipboardCapable, via
// lookup.
func (w *Window) SetClipboard(c ClipboardHandle, lookup PaneLookup) {
	w.mu.Lock()
	w.clipboard = c
	tabs := make([]Tab, len(w.tabs))
	copy(tabs, w.tabs)
	w.invalid = true
	w.mu.Unlock()

	if lookup == nil {
		return
	}
	for _, t := range tabs {
		handle, ok := lookup.PaneHandle(t.ActivePane())
		if !ok {
			continue
		}
		if capable, ok := handle.(ClipboardCapable); ok {
			capable.SetClipboard(c)
		}
	}
}

// CanCloseWithoutPrompting polls every tab's askBeforeClose hook, if it
// implements one; tabs that don't are assumed safe to close silently.
// wxmux's core tab tree has no notion of "has a foreground job running" --
// that belongs to a richer process-tracking layer outside core scope -- so
// this only honors an optional capability query.
func (w *Window) CanCloseWithoutPrompting() bool {
	w.mu.Lock()
	tabs := make([]Tab, len(w.tabs))
	copy(tabs, w.tabs)
	w.mu.Unlock()

	for _, t := range tabs {
		if prompter, ok := t.(interface{ AskBeforeClose() bool }); ok {
			if prompter.AskBeforeClose() {
				return false
			}
		}
	}
	return true
}

// PruneDeadTabs drops tabs whose panes are all dead and tabs whose ids are
// absent from liveIDs.
func (w *Window) PruneDeadTabs(liveIDs map[uint64]bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.tabs[:0]
	for _, t := range w.tabs {
		t.PruneDeadPanes()
		if t.IsEmpty() {
			continue
		}
		if liveIDs != nil && !liveIDs[t.ID()] {
			continue
		}
		kept = append(kept, t)
	}
	removedCount := len(w.tabs) - len(kept)
	w.tabs = kept
	if removedCount > 0 {
		if len(w.tabs) == 0 {
			w.active = 0
		} else if w.active >= len(w.tabs) {
			w.active = len(w.tabs) - 1
		}
		w.invalid = true
	}
}

// CheckAndResetInvalidated reports whether anything has changed since the
// last call, and clears the flag.
func (w *Window) CheckAndResetInvalidated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := w.invalid
	w.invalid = false
	return v
}
