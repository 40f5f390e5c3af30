package server

import (
	"time"

	"wxmux/internal/mux"
	"wxmux/internal/pane"
	"wxmux/internal/pdu"
)

// coalesceInterval is the pause between passes of the dirty-pane sweep.
// Pane output arrives in bursts (a full screen repaint is typically dozens
// of writes within a few milliseconds); batching at this granularity turns
// that into one push per pane per interval instead of one push per write.
const coalesceInterval = 8 * time.Millisecond

// startCoalescer subscribes to the mux for pane-removal pushes and starts a
// recurring low-priority scheduler task that sweeps every connected
// client's watched panes for dirty lines, coalescing bursts of pane output
// into a single PaneRenderChanges push per sweep. Grounded in spec.md §4.F's
// low-priority coalescing requirement; the recurring-requeue shape mirrors
// how pane.Pane.scheduleNextPaste re-submits itself to the same scheduler.
func (s *Server) startCoalescer() {
	s.m.Subscribe(func(n mux.Notification) bool {
		if n.Kind == mux.PaneRemoved {
			s.broadcastPaneRemoved(n.PaneID)
		}
		return true
	})

	if s.sch == nil {
		return
	}
	var sweep func()
	sweep = func() {
		s.sweepDirtyPanes()
		time.Sleep(coalesceInterval)
		s.sch.SpawnMainLow(sweep)
	}
	s.sch.SpawnMainLow(sweep)
}

func (s *Server) sweepDirtyPanes() {
	for _, cc := range s.snapshotClients() {
		for _, paneID := range cc.watchedPanes() {
			p, ok := s.m.GetPane(paneID)
			if !ok {
				cc.unwatch(paneID)
				continue
			}
			dims := p.GetDimensions()
			if len(p.GetDirtyLines(dirtyRange(dims))) == 0 {
				continue
			}
			changes := paneRenderChanges(p)
			s.recordSweptLines(paneID, changes)
			cc.send(pdu.PushSerial, pdu.TagPaneRenderChanges, changes)
		}
	}
}

// recordSweptLines feeds one sweep's worth of dirty lines to the optional
// archive and local-UI mirrors, if attached. Both are best-effort: a
// failure here must never interrupt pushing the change to the client that
// is actually watching this pane.
func (s *Server) recordSweptLines(paneID uint64, changes pdu.PaneRenderChanges) {
	if s.archive != nil {
		for _, line := range changes.DirtyLines {
			_ = s.archive.AppendScrollback(paneID, line.StableRow, line.Text)
		}
	}
	if s.hub != nil {
		for _, line := range changes.DirtyLines {
			s.hub.BroadcastPaneData(paneID, []byte(line.Text))
		}
	}
}

func dirtyRange(dims pane.Dimensions) pane.Range {
	lo := dims.ScrollbackTop
	hi := dims.PhysicalTop + int64(dims.ViewportRows) - 1
	return pane.Range{Lo: lo, Hi: hi}
}

func (s *Server) broadcastPaneRemoved(paneID uint64) {
	for _, cc := range s.snapshotClients() {
		cc.unwatch(paneID)
		cc.send(pdu.PushSerial, pdu.TagPaneRemoved, pdu.PaneRemoved{Pane: paneID})
	}
}
