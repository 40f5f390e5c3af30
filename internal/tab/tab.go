// Package tab implements the recursive split tree that arranges a window's
// panes, generalized from the teacher's internal/tmux/layout.go (LayoutNode,
// splitLayout, removePaneFromLayout, preset builders) from a pure
// JSON-serializable data tree into an operational tree that computes pixel
// rectangles and tracks zoom/active state directly.
package tab

import (
	"errors"
	"fmt"
	"sync"

	"wxmux/internal/pane"
)

// SplitDirection is the axis a Split node divides its two children along.
type SplitDirection string

const (
	SplitHorizontal SplitDirection = "horizontal"
	SplitVertical   SplitDirection = "vertical"
)

// SplitRequest describes where a new pane should land relative to an
// existing leaf.
type SplitRequest struct {
	Direction SplitDirection
	// Percent is the new pane's share of the split, in (0,1). Zero means
	// an even 0.5/0.5 split.
	Percent float64
	// Before puts the new pane first (left/top) instead of second.
	Before bool
}

// Pane is the subset of pane.Pane the tab tree needs: liveness for pruning
// and resize propagation.
type Pane interface {
	IsDead() bool
	Resize(size pane.Size) error
}

// Rect is a leaf's computed position within the tab's overall cell grid.
type Rect struct {
	Left, Top, Width, Height int
}

// PaneInfo is one leaf yielded by IterPanes/IterPanesIgnoringZoom.
type PaneInfo struct {
	PaneID   uint64
	Rect     Rect
	IsActive bool
	IsZoomed bool
}

type nodeKind int

const (
	nodeLeaf nodeKind = iota
	nodeSplit
)

type node struct {
	kind      nodeKind
	paneID    uint64 // nodeLeaf
	direction SplitDirection
	percent   float64 // share of space given to first
	first     *node
	second    *node
}

func newLeaf(paneID uint64) *node {
	return &node{kind: nodeLeaf, paneID: paneID}
}

var errPaneNotFound = errors.New("tab: pane not found in tree")

// Tab owns a split tree of panes within one window, with a single active
// leaf and an optional zoom flag.
//
// Lock ordering: a single mutex; Tab never calls into a Pane while holding
// it longer than the single Resize/IsDead call requires.
type Tab struct {
	id uint64

	mu       sync.Mutex
	root     *node
	active   uint64 // active leaf's pane id
	zoomed   bool
	title    string
	rows     int
	cols     int
	panes    map[uint64]Pane
	invalid  bool
}

// New creates a tab containing exactly one pane, per spec.md's lifecycle
// rule that a tab is always created with one leaf.
func New(id uint64, rootPaneID uint64, p Pane, rows, cols int) *Tab {
	t := &Tab{
		id:     id,
		root:   newLeaf(rootPaneID),
		active: rootPaneID,
		rows:   rows,
		cols:   cols,
		panes:  map[uint64]Pane{rootPaneID: p},
	}
	return t
}

// ID returns the tab's process-wide unique id.
func (t *Tab) ID() uint64 { return t.id }

// ActivePane returns the current active leaf's pane id.
func (t *Tab) ActivePane() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// SetActivePane moves the active pointer to paneID, if it names a leaf of
// this tree.
func (t *Tab) SetActivePane(paneID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !containsLeaf(t.root, paneID) {
		return false
	}
	t.active = paneID
	t.invalid = true
	return true
}

func containsLeaf(n *node, paneID uint64) bool {
	if n == nil {
		return false
	}
	if n.kind == nodeLeaf {
		return n.paneID == paneID
	}
	return containsLeaf(n.first, paneID) || containsLeaf(n.second, paneID)
}

// IterPanes returns a preorder traversal of every leaf with its computed
// rectangle, honoring the zoom flag: when zoomed, the active leaf alone is
// returned with a rectangle covering the full tab area.
func (t *Tab) IterPanes() []PaneInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.zoomed {
		return []PaneInfo{{
			PaneID:   t.active,
			Rect:     Rect{0, 0, t.cols, t.rows},
			IsActive: true,
			IsZoomed: true,
		}}
	}
	return t.iterIgnoringZoomLocked()
}

// IterPanesIgnoringZoom returns every leaf's rectangle regardless of zoom
// state, as RPC enumeration needs.
func (t *Tab) IterPanesIgnoringZoom() []PaneInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iterIgnoringZoomLocked()
}

func (t *Tab) iterIgnoringZoomLocked() []PaneInfo {
	var out []PaneInfo
	var walk func(n *node, rect Rect)
	walk = func(n *node, rect Rect) {
		if n == nil {
			return
		}
		if n.kind == nodeLeaf {
			out = append(out, PaneInfo{
				PaneID:   n.paneID,
				Rect:     rect,
				IsActive: n.paneID == t.active,
				IsZoomed: t.zoomed && n.paneID == t.active,
			})
			return
		}
		first, second := splitRect(rect, n.direction, n.percent)
		walk(n.first, first)
		walk(n.second, second)
	}
	walk(t.root, Rect{0, 0, t.cols, t.rows})
	return out
}

func splitRect(r Rect, dir SplitDirection, percent float64) (Rect, Rect) {
	if dir == SplitHorizontal {
		firstW := clampSplitSize(int(float64(r.Width) * percent))
		return Rect{r.Left, r.Top, firstW, r.Height},
			Rect{r.Left + firstW, r.Top, r.Width - firstW, r.Height}
	}
	firstH := clampSplitSize(int(float64(r.Height) * percent))
	return Rect{r.Left, r.Top, r.Width, firstH},
		Rect{r.Left, r.Top + firstH, r.Width, r.Height - firstH}
}

func clampSplitSize(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Split inserts a new Split node replacing the leaf paneID, with newPaneID
// as its sibling, and returns newPaneID. The new pane becomes active.
func (t *Tab) Split(paneID uint64, newPaneID uint64, newPane Pane, req SplitRequest) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	percent := req.Percent
	if percent <= 0 || percent >= 1 {
		percent = 0.5
	}
	replaced, ok := splitNode(t.root, paneID, newPaneID, req.Direction, percent, req.Before)
	if !ok {
		return 0, fmt.Errorf("tab: %w: %d", errPaneNotFound, paneID)
	}
	t.root = replaced
	t.panes[newPaneID] = newPane
	t.active = newPaneID
	t.invalid = true
	return newPaneID, nil
}

func splitNode(n *node, target, newID uint64, dir SplitDirection, percent float64, before bool) (*node, bool) {
	if n == nil {
		return nil, false
	}
	if n.kind == nodeLeaf {
		if n.paneID != target {
			return n, false
		}
		existing := newLeaf(target)
		fresh := newLeaf(newID)
		first, second := existing, fresh
		if before {
			first, second = fresh, existing
		}
		return &node{
			kind:      nodeSplit,
			direction: dir,
			percent:   percent,
			first:     first,
			second:    second,
		}, true
	}
	if next, ok := splitNode(n.first, target, newID, dir, percent, before); ok {
		n.first = next
		return n, true
	}
	if next, ok := splitNode(n.second, target, newID, dir, percent, before); ok {
		n.second = next
		return n, true
	}
	return n, false
}

// SetZoomed atomically swaps the zoom flag and returns its prior value.
func (t *Tab) SetZoomed(z bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prior := t.zoomed
	t.zoomed = z
	t.invalid = true
	return prior
}

func (t *Tab) IsZoomed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.zoomed
}

// KillPane removes paneID's leaf; if its sibling is the only remaining node
// in the parent split, the sibling replaces the parent. Returns false if
// paneID was not found.
func (t *Tab) KillPane(paneID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	next, removed := removeLeaf(t.root, paneID)
	if !removed {
		return false
	}
	t.root = next
	delete(t.panes, paneID)
	if t.active == paneID {
		t.active = firstLeafID(t.root)
	}
	t.invalid = true
	return true
}

func removeLeaf(n *node, paneID uint64) (*node, bool) {
	if n == nil {
		return nil, false
	}
	if n.kind == nodeLeaf {
		if n.paneID == paneID {
			return nil, true
		}
		return n, false
	}
	first, removedFirst := removeLeaf(n.first, paneID)
	second, removedSecond := removeLeaf(n.second, paneID)
	if !removedFirst && !removedSecond {
		return n, false
	}
	n.first, n.second = first, second
	switch {
	case first == nil && second == nil:
		return nil, true
	case first == nil:
		return second, true
	case second == nil:
		return first, true
	default:
		return n, true
	}
}

func firstLeafID(n *node) uint64 {
	if n == nil {
		return 0
	}
	if n.kind == nodeLeaf {
		return n.paneID
	}
	if id := firstLeafID(n.first); id != 0 {
		return id
	}
	return firstLeafID(n.second)
}

// PruneDeadPanes walks every leaf and removes those whose pane reports
// IsDead. Returns invalidated=true if anything changed; the tab is dead
// once it has zero leaves (callers check IsEmpty after pruning).
func (t *Tab) PruneDeadPanes() (invalidated bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dead []uint64
	var collect func(n *node)
	collect = func(n *node) {
		if n == nil {
			return
		}
		if n.kind == nodeLeaf {
			if p, ok := t.panes[n.paneID]; ok && p.IsDead() {
				dead = append(dead, n.paneID)
			}
			return
		}
		collect(n.first)
		collect(n.second)
	}
	collect(t.root)

	for _, id := range dead {
		next, removed := removeLeaf(t.root, id)
		if !removed {
			continue
		}
		t.root = next
		delete(t.panes, id)
		invalidated = true
	}
	if invalidated {
		if t.active != 0 {
			if !containsLeaf(t.root, t.active) {
				t.active = firstLeafID(t.root)
			}
		}
		t.invalid = true
	}
	return invalidated
}

// IsEmpty reports whether the tree has zero leaves, meaning the tab is dead
// and should be pruned from its window.
func (t *Tab) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root == nil
}

// Resize recomputes every leaf's rectangle for the new overall size and
// calls pane.Resize with each leaf's sub-dimensions. Percentage splits
// survive the resize unchanged; minimum leaf size is one cell in each
// dimension, per spec.md's split geometry rule.
func (t *Tab) Resize(rows, cols int) {
	t.mu.Lock()
	t.rows, t.cols = rows, cols
	infos := t.iterIgnoringZoomLocked()
	panes := make(map[uint64]Pane, len(t.panes))
	for k, v := range t.panes {
		panes[k] = v
	}
	t.invalid = true
	t.mu.Unlock()

	for _, info := range infos {
		if p, ok := panes[info.PaneID]; ok {
			_ = p.Resize(pane.Size{Rows: info.Rect.Height, Cols: info.Rect.Width})
		}
	}
}

// Title returns the tab's overridable title, if one has been set.
func (t *Tab) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title
}

// SetTitle overrides the tab's title.
func (t *Tab) SetTitle(title string) {
	t.mu.Lock()
	t.title = title
	t.invalid = true
	t.mu.Unlock()
}

// PaneHandle returns the Pane registered for paneID, if this tree has a leaf
// naming it. Callers use this to reach capability interfaces a Pane may
// satisfy beyond the minimal tab.Pane contract (e.g. a clipboard setter),
// per the "capability query, not downcasting" guidance for polymorphic
// panes/domains/clipboards.
func (t *Tab) PaneHandle(paneID uint64) (Pane, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.panes[paneID]
	return p, ok
}

// CheckAndResetInvalidated reports whether anything has changed since the
// last call, and clears the flag. It is a renderer hint, not a lock.
func (t *Tab) CheckAndResetInvalidated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.invalid
	t.invalid = false
	return v
}
