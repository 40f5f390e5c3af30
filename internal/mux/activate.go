package mux

import "fmt"

// ActivateTabRequest selects one tab within a window to become active, by
// exactly one of TabID, TabIndex, or a relative offset from the window's
// currently active tab.
type ActivateTabRequest struct {
	TabID       *uint64
	TabIndex    *int
	TabRelative *int
	NoWrap      bool
}

// ActivateTab resolves the target window (windowID directly, or the window
// that owns paneID when windowID is zero) and activates the tab req
// selects. Returns the activated tab's id and its index within the window.
func (m *Mux) ActivateTab(windowID, paneID uint64, req ActivateTabRequest) (uint64, int, error) {
	if windowID == 0 {
		w, ok := m.findWindowContainingPane(paneID)
		if !ok {
			return 0, 0, fmt.Errorf("mux: %w: no window owns pane %d", errNotFound, paneID)
		}
		windowID = w.ID()
	}

	w, ok := m.GetWindow(windowID)
	if !ok {
		return 0, 0, fmt.Errorf("mux: %w: window %d", errNotFound, windowID)
	}

	idx, err := resolveTabIndex(w, req)
	if err != nil {
		return 0, 0, err
	}
	w.SetActive(idx)

	t := w.GetByIdx(idx)
	if t == nil {
		return 0, 0, fmt.Errorf("mux: window %d has no tab at index %d", windowID, idx)
	}
	return t.ID(), idx, nil
}

func resolveTabIndex(w Window, req ActivateTabRequest) (int, error) {
	switch {
	case req.TabID != nil:
		idx := w.IdxByID(*req.TabID)
		if idx < 0 {
			return 0, fmt.Errorf("mux: %w: tab %d in window %d", errNotFound, *req.TabID, w.ID())
		}
		return idx, nil

	case req.TabIndex != nil:
		n := w.Len()
		if *req.TabIndex < 0 || *req.TabIndex >= n {
			return 0, fmt.Errorf("mux: tab index %d out of range (window %d has %d tabs)", *req.TabIndex, w.ID(), n)
		}
		return *req.TabIndex, nil

	case req.TabRelative != nil:
		n := w.Len()
		if n == 0 {
			return 0, fmt.Errorf("mux: window %d has no tabs", w.ID())
		}
		next := w.GetActive() + *req.TabRelative
		if req.NoWrap {
			if next < 0 || next >= n {
				return 0, fmt.Errorf("mux: relative tab offset %d from window %d out of range without wrap", *req.TabRelative, w.ID())
			}
			return next, nil
		}
		return ((next % n) + n) % n, nil

	default:
		return 0, fmt.Errorf("mux: activate-tab requires a tab id, index, or relative offset")
	}
}

// findWindowContainingPane returns the window holding the tab that owns
// paneID, chaining through findTabContainingPane's result.
func (m *Mux) findWindowContainingPane(paneID uint64) (Window, bool) {
	_, tabID := m.findTabContainingPane(paneID)
	if tabID == 0 {
		return nil, false
	}
	return m.findWindowContainingTab(tabID)
}

func (m *Mux) findWindowContainingTab(tabID uint64) (Window, bool) {
	m.mu.RLock()
	windows := make([]Window, 0, len(m.windows))
	for _, w := range m.windows {
		windows = append(windows, w)
	}
	m.mu.RUnlock()

	for _, w := range windows {
		if w.IdxByID(tabID) >= 0 {
			return w, true
		}
	}
	return nil, false
}
