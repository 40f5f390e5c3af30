package mux

import (
	"context"
	"fmt"

	"wxmux/internal/domain"
	"wxmux/internal/pane"
	"wxmux/internal/tab"
	"wxmux/internal/window"
)

// PaneHandle resolves paneID to the registered *pane.Pane as an `any`,
// satisfying window.PaneLookup so window.SetClipboard can propagate a
// clipboard handle to any tab's active pane without window importing pane
// or mux directly.
func (m *Mux) PaneHandle(paneID uint64) (any, bool) {
	return m.GetPane(paneID)
}

// SpawnRequest describes a new tab-or-window spawn.
type SpawnRequest struct {
	// ParentWindowID is nonzero to append the new tab to an existing
	// window instead of creating one.
	ParentWindowID uint64
	DomainName     string // empty selects the default domain
	Cmd            []string
	Cwd            string
	Size           pane.Size
	Workspace      string
	// Position inserts the new tab at this index in the parent window
	// instead of appending; ignored when ParentWindowID is zero.
	Position *int
}

// SpawnResult names the ids of everything a spawn created or reused.
type SpawnResult struct {
	PaneID, TabID, WindowID uint64
}

// SpawnTabOrWindow resolves the domain (default if none named), invokes
// domain.Spawn, wires the produced pane into a new tab, and either appends
// the tab to ParentWindowID or creates a new window in Workspace.
func (m *Mux) SpawnTabOrWindow(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	d, err := m.resolveDomain(req.DomainName)
	if err != nil {
		return SpawnResult{}, err
	}
	if !d.Spawnable() {
		return SpawnResult{}, fmt.Errorf("mux: domain %q refused to spawn", d.Name())
	}

	p, err := d.Spawn(ctx, domain.SpawnRequest{
		Size:     req.Size,
		Cmd:      req.Cmd,
		Cwd:      req.Cwd,
		WindowID: req.ParentWindowID,
	})
	if err != nil {
		return SpawnResult{}, fmt.Errorf("mux: spawn: %w", err)
	}
	if err := m.AddPane(p); err != nil {
		return SpawnResult{}, err
	}

	tabID := m.NextID()
	t := tab.New(tabID, p.PaneID(), p, req.Size.Rows, req.Size.Cols)
	if err := m.AddTab(t); err != nil {
		return SpawnResult{}, err
	}

	var windowID uint64
	if req.ParentWindowID != 0 {
		w, ok := m.GetWindow(req.ParentWindowID)
		if !ok {
			return SpawnResult{}, fmt.Errorf("mux: %w: window %d", errNotFound, req.ParentWindowID)
		}
		if req.Position != nil {
			w.Insert(*req.Position, t)
		} else {
			w.Push(t)
		}
		windowID = w.ID()
	} else {
		windowID = m.NextID()
		workspace := req.Workspace
		if workspace == "" {
			workspace = m.ActiveWorkspace()
		}
		w := window.New(windowID, workspace)
		w.Push(t)
		if err := m.AddWindow(w); err != nil {
			return SpawnResult{}, err
		}
		m.Notify(Notification{Kind: WindowCreated, WindowID: windowID})
	}

	return SpawnResult{PaneID: p.PaneID(), TabID: tabID, WindowID: windowID}, nil
}

// SplitSource is the sum type split_pane's source argument describes: a
// freshly spawned command, or moving an already-registered pane in.
type SplitSource interface{ isSplitSource() }

// SplitSpawn spawns a new command via the resolved domain for the split.
type SplitSpawn struct {
	Cmd []string
	Cwd string
}

func (SplitSpawn) isSplitSource() {}

// MovePaneID moves an already-registered pane into the split instead of
// spawning a new one.
type MovePaneID uint64

func (MovePaneID) isSplitSource() {}

// SplitPane splits the tab containing paneID, producing a new pane via
// source. Returns the new pane id and its pixel size.
//
// Per spec.md's open question on move-pane-id across domain boundaries,
// this conservatively rejects MovePaneID sources whose pane belongs to a
// different domain than the one named by domainName (or the default
// domain, if domainName is empty).
func (m *Mux) SplitPane(ctx context.Context, paneID uint64, req tab.SplitRequest, source SplitSource, domainName string) (uint64, pane.Size, error) {
	ownerTab, ownerTabID := m.findTabContainingPane(paneID)
	if ownerTab == nil {
		return 0, pane.Size{}, fmt.Errorf("mux: %w: pane %d", errNotFound, paneID)
	}
	_ = ownerTabID

	d, err := m.resolveDomain(domainName)
	if err != nil {
		return 0, pane.Size{}, err
	}

	existing, ok := m.GetPane(paneID)
	if !ok {
		return 0, pane.Size{}, fmt.Errorf("mux: %w: pane %d", errNotFound, paneID)
	}
	dims := existing.GetDimensions()
	size := pane.Size{Rows: dims.ViewportRows, Cols: dims.ViewportCols, DPI: dims.DPI}

	var newPane Pane
	switch src := source.(type) {
	case SplitSpawn:
		newPane, err = d.Spawn(ctx, domain.SpawnRequest{Size: size, Cmd: src.Cmd, Cwd: src.Cwd})
		if err != nil {
			return 0, pane.Size{}, fmt.Errorf("mux: split spawn: %w", err)
		}
		if err := m.AddPane(newPane); err != nil {
			return 0, pane.Size{}, err
		}
	case MovePaneID:
		moved, ok := m.GetPane(uint64(src))
		if !ok {
			return 0, pane.Size{}, fmt.Errorf("mux: %w: pane %d", errNotFound, uint64(src))
		}
		if moved.DomainID() != d.DomainID() {
			return 0, pane.Size{}, fmt.Errorf("mux: cross-domain pane move rejected (pane %d is on domain %d, target is %d)",
				uint64(src), moved.DomainID(), d.DomainID())
		}
		newPane = moved
	default:
		return 0, pane.Size{}, fmt.Errorf("mux: unknown split source %T", source)
	}

	newID, err := ownerTab.Split(paneID, newPane.PaneID(), newPane, req)
	if err != nil {
		return 0, pane.Size{}, err
	}
	nd := newPane.GetDimensions()
	return newID, pane.Size{
		Rows: nd.ViewportRows, Cols: nd.ViewportCols,
		PixelWidth: nd.PixelWidth, PixelHeight: nd.PixelHeight, DPI: nd.DPI,
	}, nil
}

func (m *Mux) findTabContainingPane(paneID uint64) (Tab, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, t := range m.tabs {
		if _, ok := t.PaneHandle(paneID); ok {
			return t, id
		}
	}
	return nil, 0
}

func (m *Mux) resolveDomain(name string) (domain.Domain, error) {
	if name == "" {
		d, ok := m.DefaultDomain()
		if !ok {
			return nil, fmt.Errorf("mux: no default domain configured")
		}
		return d, nil
	}
	d, ok := m.GetDomainByName(name)
	if !ok {
		return nil, fmt.Errorf("mux: no such domain: %q", name)
	}
	return d, nil
}
