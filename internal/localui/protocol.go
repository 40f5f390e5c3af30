// Package localui serves a single local WebSocket connection (one desktop
// GUI observer, not a remote client) that mirrors mux notifications and
// pane output for display, independent of the PDU session protocol used by
// real wxmux clients. Grounded in the teacher's internal/wsserver package,
// kept nearly intact: single-connection-replaces-previous model, the
// writeMu/mu lock ordering, the ping/pong keepalive, and the binary
// pane-data frame shape -- only the pane identifier changes, from the
// teacher's string IDs to wxmux's uint64 pane ids.
package localui

import "fmt"

// maxPaneDataLen bounds a single binary frame's payload, matching the
// teacher's maxReadMessageSize discipline applied to outbound frames too.
const maxPaneDataLen = 1 << 20

// EncodePaneData builds a binary frame carrying one pane's output:
// [8 bytes big-endian paneID][data bytes]. A fixed-width id prefix replaces
// the teacher's length-prefixed string id, since wxmux pane ids are
// already a fixed-size uint64.
func EncodePaneData(paneID uint64, data []byte) ([]byte, error) {
	if len(data) > maxPaneDataLen {
		return nil, fmt.Errorf("localui: pane data frame too large: %d bytes", len(data))
	}
	buf := make([]byte, 8+len(data))
	putUint64(buf[:8], paneID)
	copy(buf[8:], data)
	return buf, nil
}

// DecodePaneData parses a frame produced by EncodePaneData. The returned
// data slice shares memory with frame; callers must not modify frame
// afterward.
func DecodePaneData(frame []byte) (paneID uint64, data []byte, err error) {
	if len(frame) < 8 {
		return 0, nil, fmt.Errorf("localui: decode pane data: frame too short (%d bytes)", len(frame))
	}
	return getUint64(frame[:8]), frame[8:], nil
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
