package client

import (
	"context"
	"fmt"

	"wxmux/internal/pdu"
)

// Ping round-trips a TagPing/TagPong pair, useful as a liveness check.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, pdu.TagPing, pdu.Ping{})
	return err
}

// SetClientId identifies this connection to the server, mirroring spec.md
// §6's client identity handshake.
func (c *Client) SetClientId(ctx context.Context, username, hostname string, pid int32) error {
	_, err := c.call(ctx, pdu.TagSetClientId, pdu.SetClientId{Username: username, Hostname: hostname, PID: pid})
	return err
}

// SetFocusedPane tells the server which pane this client currently has
// focused, surfaced in ListClients.
func (c *Client) SetFocusedPane(ctx context.Context, paneID uint64) error {
	_, err := c.call(ctx, pdu.TagSetFocusedPane, pdu.SetFocusedPane{Pane: paneID})
	return err
}

// ListPanes enumerates every pane across every window.
func (c *Client) ListPanes(ctx context.Context) ([]pdu.PaneEntry, error) {
	msg, err := c.call(ctx, pdu.TagListPanes, pdu.ListPanes{})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.Payload.(pdu.ListPanesResponse)
	if !ok {
		return nil, fmt.Errorf("client: unexpected response type %T for ListPanes", msg.Payload)
	}
	return resp.Panes, nil
}

// ListClients enumerates every connected client session.
func (c *Client) ListClients(ctx context.Context) ([]pdu.ClientInfo, error) {
	msg, err := c.call(ctx, pdu.TagListClients, pdu.ListClients{})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.Payload.(pdu.ListClientsResponse)
	if !ok {
		return nil, fmt.Errorf("client: unexpected response type %T for ListClients", msg.Payload)
	}
	return resp.Clients, nil
}

// Spawn creates a new pane, possibly a new tab and/or window for it.
func (c *Client) Spawn(ctx context.Context, req pdu.SpawnV2) (pdu.SpawnV2Response, error) {
	msg, err := c.call(ctx, pdu.TagSpawnV2, req)
	if err != nil {
		return pdu.SpawnV2Response{}, err
	}
	resp, ok := msg.Payload.(pdu.SpawnV2Response)
	if !ok {
		return pdu.SpawnV2Response{}, fmt.Errorf("client: unexpected response type %T for Spawn", msg.Payload)
	}
	return resp, nil
}

// SplitPane splits an existing pane.
func (c *Client) SplitPane(ctx context.Context, req pdu.SplitPane) (pdu.SplitPaneResponse, error) {
	msg, err := c.call(ctx, pdu.TagSplitPane, req)
	if err != nil {
		return pdu.SplitPaneResponse{}, err
	}
	resp, ok := msg.Payload.(pdu.SplitPaneResponse)
	if !ok {
		return pdu.SplitPaneResponse{}, fmt.Errorf("client: unexpected response type %T for SplitPane", msg.Payload)
	}
	return resp, nil
}

// WriteToPane writes raw bytes to a pane's pty, bypassing paste trickling.
func (c *Client) WriteToPane(ctx context.Context, paneID uint64, data []byte) error {
	_, err := c.call(ctx, pdu.TagWriteToPane, pdu.WriteToPane{Pane: paneID, Data: data})
	return err
}

// SendPaste trickle-pastes text into a pane.
func (c *Client) SendPaste(ctx context.Context, paneID uint64, text string) error {
	_, err := c.call(ctx, pdu.TagSendPaste, pdu.SendPaste{Pane: paneID, Text: text})
	return err
}

// SendKeyDown forwards an opaque key event to a pane.
func (c *Client) SendKeyDown(ctx context.Context, paneID uint64, event pdu.KeyEvent) error {
	_, err := c.call(ctx, pdu.TagSendKeyDown, pdu.SendKeyDown{Pane: paneID, Event: event})
	return err
}

// SendMouseEvent forwards an opaque mouse event to a pane.
func (c *Client) SendMouseEvent(ctx context.Context, paneID uint64, event pdu.MouseEvent) error {
	_, err := c.call(ctx, pdu.TagSendMouseEvent, pdu.SendMouseEvent{Pane: paneID, Event: event})
	return err
}

// Resize resizes a pane's pty and grid.
func (c *Client) Resize(ctx context.Context, paneID uint64, size pdu.Size) error {
	_, err := c.call(ctx, pdu.TagResize, pdu.Resize{Pane: paneID, Size: size})
	return err
}

// KillPane signals a pane's child process.
func (c *Client) KillPane(ctx context.Context, paneID uint64) error {
	_, err := c.call(ctx, pdu.TagKillPane, pdu.KillPane{Pane: paneID})
	return err
}

// SetPaneTitle overrides a pane's title.
func (c *Client) SetPaneTitle(ctx context.Context, paneID uint64, title string) error {
	_, err := c.call(ctx, pdu.TagSetPaneTitle, pdu.SetPaneTitle{Pane: paneID, Title: title})
	return err
}

// GetPaneRenderChanges fetches a pane's current dirty lines/cursor/
// dimensions and registers this connection to receive further pushes for
// that pane until it is removed.
func (c *Client) GetPaneRenderChanges(ctx context.Context, paneID uint64) (pdu.PaneRenderChanges, error) {
	msg, err := c.call(ctx, pdu.TagGetPaneRenderChanges, pdu.GetPaneRenderChanges{Pane: paneID})
	if err != nil {
		return pdu.PaneRenderChanges{}, err
	}
	resp, ok := msg.Payload.(pdu.PaneRenderChanges)
	if !ok {
		return pdu.PaneRenderChanges{}, fmt.Errorf("client: unexpected response type %T for GetPaneRenderChanges", msg.Payload)
	}
	return resp, nil
}

// ActivateTab selects a window's active tab. Exactly one of req.TabID,
// req.TabIndex, or req.TabRelative must be set; req.Window or req.Pane
// names the window (directly, or by way of one of its panes).
func (c *Client) ActivateTab(ctx context.Context, req pdu.ActivateTab) (pdu.ActivateTabResponse, error) {
	msg, err := c.call(ctx, pdu.TagActivateTab, req)
	if err != nil {
		return pdu.ActivateTabResponse{}, err
	}
	resp, ok := msg.Payload.(pdu.ActivateTabResponse)
	if !ok {
		return pdu.ActivateTabResponse{}, fmt.Errorf("client: unexpected response type %T for ActivateTab", msg.Payload)
	}
	return resp, nil
}
