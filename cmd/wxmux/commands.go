package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"wxmux/internal/client"
	"wxmux/internal/pdu"
)

// defaultSize seeds a newly spawned top-level pane's grid when the caller
// has no existing pane to inherit dimensions from (split-pane instead
// derives its size from the pane being split).
var defaultSize = pdu.Size{Rows: 24, Cols: 80}

func runList(ctx context.Context, c *client.Client) error {
	panes, err := c.ListPanes(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "WINDOW\tTAB\tPANE\tWORKSPACE\tSIZE\tTITLE\tACTIVE")
	for _, p := range panes {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%dx%d\t%s\t%v\n",
			p.WindowID, p.TabID, p.PaneID, p.Workspace, p.Size.Cols, p.Size.Rows, p.Title, p.IsActive)
	}
	return w.Flush()
}

func runListClients(ctx context.Context, c *client.Client) error {
	clients, err := c.ListClients(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tHOST\tPID\tWORKSPACE\tFOCUSED PANE")
	for _, cl := range clients {
		focus := "-"
		if cl.HasFocusedPane {
			focus = fmt.Sprintf("%d", cl.FocusedPaneID)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", cl.Username, cl.Hostname, cl.PID, cl.Workspace, focus)
	}
	return w.Flush()
}

func runSpawn(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("spawn", flag.ExitOnError)
	domainName := fs.String("domain", "", "domain to spawn on")
	newWindow := fs.Bool("new-window", false, "create a new window for the pane")
	workspace := fs.String("workspace", "", "workspace for a new window (requires --new-window)")
	cwd := fs.String("cwd", "", "working directory for the new pane")
	windowID := fs.Uint64("window-id", 0, "existing window to append a tab to")
	if err := fs.Parse(splitProgram(args)); err != nil {
		return err
	}

	if *workspace != "" && !*newWindow {
		return fmt.Errorf("workspace requires --new-window")
	}

	req := pdu.SpawnV2{
		Domain:    *domainName,
		Cwd:       *cwd,
		Workspace: *workspace,
		Cmd:       programArgs,
		Size:      defaultSize,
	}
	if !*newWindow && *windowID != 0 {
		req.Window = windowID
	}
	resp, err := c.Spawn(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(resp.PaneID)
	return nil
}

func runSplitPane(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("split-pane", flag.ExitOnError)
	horizontal := fs.Bool("horizontal", false, "split horizontally (left/right)")
	left := fs.Bool("left", false, "split horizontally, new pane on the left")
	right := fs.Bool("right", false, "split horizontally, new pane on the right")
	top := fs.Bool("top", false, "split vertically, new pane on top")
	bottom := fs.Bool("bottom", false, "split vertically, new pane on bottom")
	cells := fs.Uint("cells", 0, "split size in cells")
	percent := fs.Float64("percent", 0, "split size as a percentage")
	cwd := fs.String("cwd", "", "working directory for the new pane")
	paneID := fs.Uint64("pane-id", 0, "pane to split (defaults to $WEZTERM_PANE)")
	movePaneID := fs.Uint64("move-pane-id", 0, "move an existing pane into the split instead of spawning")
	if err := fs.Parse(splitProgram(args)); err != nil {
		return err
	}

	pane := *paneID
	if pane == 0 {
		id, ok := callerPaneID()
		if !ok {
			return fmt.Errorf("--pane-id required (no $WEZTERM_PANE in environment)")
		}
		pane = id
	}

	direction := pdu.SplitVertical
	targetIsSecond := true
	switch {
	case *horizontal, *left, *right:
		direction = pdu.SplitHorizontal
		targetIsSecond = !*left
	case *top:
		direction = pdu.SplitVertical
		targetIsSecond = false
	case *bottom:
		direction = pdu.SplitVertical
		targetIsSecond = true
	}

	req := pdu.SplitPane{
		Pane: pane,
		Request: pdu.SplitRequest{
			Direction:      direction,
			TargetIsSecond: targetIsSecond,
			Size:           pdu.SplitSize{Cells: uint16(*cells), Percent: *percent},
		},
		Cwd: *cwd,
		Cmd: programArgs,
	}
	if *movePaneID != 0 {
		req.MovePane = movePaneID
	}

	resp, err := c.SplitPane(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(resp.PaneID)
	return nil
}

func runActivateTab(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("activate-tab", flag.ExitOnError)
	tabID := fs.Uint64("tab-id", 0, "activate this tab id")
	tabIndex := fs.Int("tab-index", -1, "activate the tab at this index")
	tabRelative := fs.Int("tab-relative", 0, "activate the tab this many positions from the current one")
	noWrap := fs.Bool("no-wrap", false, "do not wrap --tab-relative around the end of the tab list")
	paneID := fs.Uint64("pane-id", 0, "pane identifying the window to act on (defaults to $WEZTERM_PANE)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := pdu.ActivateTab{NoWrap: *noWrap}
	switch {
	case *tabID != 0:
		req.TabID = tabID
	case *tabIndex >= 0:
		req.TabIndex = tabIndex
	case *tabRelative != 0:
		req.TabRelative = tabRelative
	default:
		return fmt.Errorf("one of --tab-id, --tab-index, or --tab-relative is required")
	}

	pane := *paneID
	if pane == 0 {
		if id, ok := callerPaneID(); ok {
			pane = id
		}
	}
	if pane != 0 {
		req.Pane = &pane
	}

	resp, err := c.ActivateTab(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("%d\n", resp.TabIndex)
	return nil
}

// programArgs is populated by splitProgram and read by the verb that called
// it; a package-level var keeps flag.FlagSet's own Parse signature (it has
// no hook for "everything after --") out of every call site.
var programArgs []string

// splitProgram extracts the literal argv following a "--" separator (the
// program to spawn/split with) from args, storing it in programArgs and
// returning the remainder for flag.FlagSet.Parse.
func splitProgram(args []string) []string {
	programArgs = nil
	for i, a := range args {
		if a == "--" {
			programArgs = append([]string{}, args[i+1:]...)
			return args[:i]
		}
	}
	return args
}
