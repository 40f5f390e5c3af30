package server

import (
	"context"
	"fmt"
	"sort"

	"wxmux/internal/mux"
	"wxmux/internal/pane"
	"wxmux/internal/pdu"
	"wxmux/internal/tab"
)

// dispatch runs one decoded request against the mux and returns the
// response tag/payload pair to frame back to the client. Any error it
// returns -- an unknown pane, a failed spawn or write, or a request tag this
// server does not answer -- is sent back by the caller as pdu.ErrorResponse.
func (s *Server) dispatch(ctx context.Context, cc *clientConn, msg pdu.Message) (pdu.Tag, any, error) {
	switch req := msg.Payload.(type) {
	case pdu.Ping:
		return pdu.TagPong, pdu.Pong{}, nil

	case pdu.SetClientId:
		cc.setIdentity(req.Username, req.Hostname, req.PID)
		return pdu.TagUnitResponse, pdu.UnitResponse{}, nil

	case pdu.SetFocusedPane:
		cc.setFocusedPane(req.Pane)
		return pdu.TagUnitResponse, pdu.UnitResponse{}, nil

	case pdu.ListPanes:
		return pdu.TagListPanesResponse, s.listPanes(), nil

	case pdu.ListClients:
		return pdu.TagListClientsResponse, s.listClients(), nil

	case pdu.SpawnV2:
		return s.dispatchSpawn(ctx, req)

	case pdu.SplitPane:
		return s.dispatchSplit(ctx, req)

	case pdu.WriteToPane:
		p, ok := s.m.GetPane(req.Pane)
		if !ok {
			return 0, nil, fmt.Errorf("server: no such pane %d", req.Pane)
		}
		if _, err := p.Writer().Write(req.Data); err != nil {
			return 0, nil, err
		}
		return pdu.TagUnitResponse, pdu.UnitResponse{}, nil

	case pdu.SendPaste:
		p, ok := s.m.GetPane(req.Pane)
		if !ok {
			return 0, nil, fmt.Errorf("server: no such pane %d", req.Pane)
		}
		if err := p.TricklePaste(req.Text); err != nil {
			return 0, nil, err
		}
		return pdu.TagUnitResponse, pdu.UnitResponse{}, nil

	case pdu.SendKeyDown:
		p, ok := s.m.GetPane(req.Pane)
		if !ok {
			return 0, nil, fmt.Errorf("server: no such pane %d", req.Pane)
		}
		if err := p.KeyDown(pane.KeyEvent{Encoded: []byte(req.Event.Key)}); err != nil {
			return 0, nil, err
		}
		return pdu.TagUnitResponse, pdu.UnitResponse{}, nil

	case pdu.SendMouseEvent:
		p, ok := s.m.GetPane(req.Pane)
		if !ok {
			return 0, nil, fmt.Errorf("server: no such pane %d", req.Pane)
		}
		if err := p.MouseEventWrite(pane.MouseEvent{Encoded: []byte(req.Event.Kind)}); err != nil {
			return 0, nil, err
		}
		return pdu.TagUnitResponse, pdu.UnitResponse{}, nil

	case pdu.Resize:
		p, ok := s.m.GetPane(req.Pane)
		if !ok {
			return 0, nil, fmt.Errorf("server: no such pane %d", req.Pane)
		}
		if err := p.Resize(sizeFromWire(req.Size)); err != nil {
			return 0, nil, err
		}
		return pdu.TagUnitResponse, pdu.UnitResponse{}, nil

	case pdu.KillPane:
		p, ok := s.m.GetPane(req.Pane)
		if !ok {
			return 0, nil, fmt.Errorf("server: no such pane %d", req.Pane)
		}
		p.Kill()
		s.m.PruneDeadWindows()
		return pdu.TagUnitResponse, pdu.UnitResponse{}, nil

	case pdu.SetPaneTitle:
		p, ok := s.m.GetPane(req.Pane)
		if !ok {
			return 0, nil, fmt.Errorf("server: no such pane %d", req.Pane)
		}
		p.SetTitle(req.Title)
		return pdu.TagUnitResponse, pdu.UnitResponse{}, nil

	case pdu.GetPaneRenderChanges:
		p, ok := s.m.GetPane(req.Pane)
		if !ok {
			return 0, nil, fmt.Errorf("server: no such pane %d", req.Pane)
		}
		cc.watch(req.Pane)
		return pdu.TagPaneRenderChangesResponse, paneRenderChanges(p), nil

	case pdu.ActivateTab:
		return s.dispatchActivateTab(req)

	default:
		return 0, nil, fmt.Errorf("server: unsupported request tag %d", msg.Tag)
	}
}

func (s *Server) dispatchSpawn(ctx context.Context, req pdu.SpawnV2) (pdu.Tag, any, error) {
	sreq := mux.SpawnRequest{
		DomainName: req.Domain,
		Cmd:        req.Cmd,
		Cwd:        req.Cwd,
		Size:       sizeFromWire(req.Size),
		Workspace:  req.Workspace,
	}
	if req.Window != nil {
		sreq.ParentWindowID = *req.Window
	}
	res, err := s.m.SpawnTabOrWindow(ctx, sreq)
	if err != nil {
		return 0, nil, err
	}
	return pdu.TagSpawnV2Response, pdu.SpawnV2Response{
		PaneID:   res.PaneID,
		TabID:    res.TabID,
		WindowID: res.WindowID,
		Size:     req.Size,
	}, nil
}

func (s *Server) dispatchSplit(ctx context.Context, req pdu.SplitPane) (pdu.Tag, any, error) {
	treq := tab.SplitRequest{
		Direction: tabDirectionFromWire(req.Request.Direction),
		Percent:   req.Request.Size.Percent,
		Before:    !req.Request.TargetIsSecond,
	}

	var source mux.SplitSource
	switch {
	case req.MovePane != nil:
		source = mux.MovePaneID(*req.MovePane)
	default:
		source = mux.SplitSpawn{Cmd: req.Cmd, Cwd: req.Cwd}
	}

	newID, size, err := s.m.SplitPane(ctx, req.Pane, treq, source, req.Domain)
	if err != nil {
		return 0, nil, err
	}
	return pdu.TagSplitPaneResponse, pdu.SplitPaneResponse{
		PaneID: newID,
		Size: pdu.Size{
			Rows: uint16(size.Rows), Cols: uint16(size.Cols),
			PixelWidth: size.PixelWidth, PixelHeight: size.PixelHeight, DPI: size.DPI,
		},
	}, nil
}

// dispatchActivateTab resolves exactly one of TabID/TabIndex/TabRelative
// against the window req names (or the window owning req.Pane, if Window is
// unset) and activates it. An out-of-range index supplied over RPC is an
// application error (pdu.ErrorResponse), not a panic -- the invariant that
// SetActive may panic on a bad index only holds for callers that already
// know the tab exists; a remote caller's index came from outside the
// process and gets validated here first.
func (s *Server) dispatchActivateTab(req pdu.ActivateTab) (pdu.Tag, any, error) {
	var windowID, paneID uint64
	if req.Window != nil {
		windowID = *req.Window
	}
	if req.Pane != nil {
		paneID = *req.Pane
	}

	areq := mux.ActivateTabRequest{
		TabID:       req.TabID,
		TabIndex:    req.TabIndex,
		TabRelative: req.TabRelative,
		NoWrap:      req.NoWrap,
	}
	tabID, idx, err := s.m.ActivateTab(windowID, paneID, areq)
	if err != nil {
		return 0, nil, err
	}
	return pdu.TagActivateTabResponse, pdu.ActivateTabResponse{TabID: tabID, TabIndex: idx}, nil
}

func (s *Server) listPanes() pdu.ListPanesResponse {
	var entries []pdu.PaneEntry
	for _, windowID := range s.m.IterWindows() {
		w, ok := s.m.GetWindow(windowID)
		if !ok {
			continue
		}
		workspace := w.GetWorkspace()
		windowTitle := w.GetTitle()
		activeTabIdx := w.GetActive()
		for idx, t := range w.Iter() {
			concreteTab, ok := t.(mux.Tab)
			if !ok {
				continue
			}
			for _, info := range concreteTab.IterPanes() {
				p, ok := s.m.GetPane(info.PaneID)
				if !ok {
					continue
				}
				dims := p.GetDimensions()
				cur := p.GetCursorPosition()
				entries = append(entries, pdu.PaneEntry{
					WindowID:      windowID,
					TabID:         concreteTab.ID(),
					PaneID:        info.PaneID,
					Workspace:     workspace,
					Size:          pdu.Size{Rows: uint16(dims.ViewportRows), Cols: uint16(dims.ViewportCols), PixelWidth: dims.PixelWidth, PixelHeight: dims.PixelHeight, DPI: dims.DPI},
					Title:         p.GetTitle(),
					Cwd:           p.GetCurrentWorkingDir(),
					CursorX:       int64(cur.Col),
					CursorY:       cur.StableRow,
					CursorShape:   pdu.CursorShape(cur.Shape),
					CursorVisible: cur.Visible,
					LeftCol:       int64(info.Rect.Left),
					TopRow:        int64(info.Rect.Top),
					TabTitle:      "",
					WindowTitle:   windowTitle,
					IsActive:      idx == activeTabIdx && info.IsActive,
					IsZoomed:      info.IsZoomed,
				})
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PaneID < entries[j].PaneID })
	return pdu.ListPanesResponse{Panes: entries}
}

func (s *Server) listClients() pdu.ListClientsResponse {
	var out pdu.ListClientsResponse
	for _, cc := range s.snapshotClients() {
		cc.mu.Lock()
		out.Clients = append(out.Clients, pdu.ClientInfo{
			Username:       cc.username,
			Hostname:       cc.hostname,
			PID:            cc.pid,
			ConnectedAt:    cc.connectedAt.Unix(),
			LastInputAt:    cc.lastInputAt.Unix(),
			Workspace:      cc.workspace,
			FocusedPaneID:  cc.focusedPane,
			HasFocusedPane: cc.hasFocusedPane,
		})
		cc.mu.Unlock()
	}
	return out
}

func sizeFromWire(s pdu.Size) pane.Size {
	return pane.Size{Rows: int(s.Rows), Cols: int(s.Cols), PixelWidth: s.PixelWidth, PixelHeight: s.PixelHeight, DPI: s.DPI}
}

func tabDirectionFromWire(d pdu.SplitRequestDirection) tab.SplitDirection {
	if d == pdu.SplitVertical {
		return tab.SplitVertical
	}
	return tab.SplitHorizontal
}

func paneRenderChanges(p *pane.Pane) pdu.PaneRenderChanges {
	dims := p.GetDimensions()
	lo := dims.ScrollbackTop
	hi := dims.PhysicalTop + int64(dims.ViewportRows) - 1
	firstRow, lines := p.GetLines(pane.Range{Lo: lo, Hi: hi})
	dirty := make([]pdu.DirtyLine, 0, len(lines))
	for _, l := range lines {
		dirty = append(dirty, pdu.DirtyLine{StableRow: l.Stable, Text: string(l.Runes)})
	}
	cur := p.GetCursorPosition()
	return pdu.PaneRenderChanges{
		Pane:       p.PaneID(),
		FirstRow:   firstRow,
		DirtyLines: dirty,
		Cursor:     pdu.CursorPosition{X: int64(cur.Col), Y: cur.StableRow, Shape: pdu.CursorShape(cur.Shape), Visible: cur.Visible},
		Dimensions: pdu.Dimensions{
			ViewportRows: dims.ViewportRows, ViewportCols: dims.ViewportCols,
			PhysicalTop: dims.PhysicalTop, ScrollbackTop: dims.ScrollbackTop,
			ScrollbackSize: dims.ScrollbackSize, DPI: dims.DPI,
			PixelWidth: dims.PixelWidth, PixelHeight: dims.PixelHeight,
		},
	}
}
