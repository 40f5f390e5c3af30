// Package pane wraps one pty plus a termmodel.Grid, exposing the method
// table spec.md §4.C describes. Panes are mutated from the scheduler's main
// thread by convention; the pty's read side runs on its own background
// goroutine which posts byte batches back via scheduler.SpawnMain, matching
// the teacher's split between a pipe-mode reader goroutine
// (internal/terminal/terminal.go) and main-thread consumption.
package pane

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"

	"wxmux/internal/procutil"
	"wxmux/internal/scheduler"
	"wxmux/internal/termmodel"
)

// TrickleChunk is the maximum number of runes sent per trickle-paste tick.
// Pieces are counted in runes, not bytes, so a tick carrying multi-byte
// runes writes more than TrickleChunk bytes.
const TrickleChunk = 1024

// Size is a pane's cell grid plus pixel geometry.
type Size struct {
	Rows        int
	Cols        int
	PixelWidth  uint16
	PixelHeight uint16
	DPI         uint32
}

// Clipboard is a weakly held clipboard handle a pane writes OSC 52 payloads
// through. A pane never owns its clipboard; the enclosing window does.
type Clipboard interface {
	// Alive reports whether the handle's owner still exists; a pane checks
	// this before every use (spec.md §5's "weakly held handle").
	Alive() bool
	SetClipboard(text string)
}

// SemanticZone is a labeled span of a pane's output, reserved for future
// prompt/output/command zone tracking; the core only needs the shape.
type SemanticZone struct {
	StartRow, EndRow int64
	Kind             string
}

// Range is an inclusive stable-row range.
type Range struct{ Lo, Hi int64 }

var errPtyClosed = errors.New("pane: pty is closed")

// Config configures a newly spawned pane's child process.
type Config struct {
	Shell string
	Args  []string
	Dir   string
	Env   []string
	Size  Size
}

// Pane is one terminal session: a pty pair plus a termmodel.Grid.
//
// Lock ordering: Pane has a single mutex; Grid has its own independent
// mutex. Pane never holds its mutex while calling into Grid, so no ordering
// is required between them.
type Pane struct {
	id       uint64
	domainID uint64

	mu        sync.Mutex
	title     string
	cwd       string
	zoomed    bool
	clipboard Clipboard
	dead      bool

	grid *termmodel.Grid
	sch  *scheduler.Scheduler

	ptmx *os.File
	cmd  *exec.Cmd

	pasteMu      sync.Mutex
	pasteRemain  []rune
	pasteRunning bool

	focused atomic.Bool

	// dpi/pixelWidth/pixelHeight cache the most recent Resize call's pixel
	// geometry, since termmodel.Grid only tracks cell dimensions.
	dpi         uint32
	pixelWidth  uint16
	pixelHeight uint16
}

// Spawn starts cfg's command attached to a new pty and wraps it in a Pane.
// sch is the scheduler used to reschedule trickle-paste chunks; it may be
// nil for tests that only exercise the grid without pasting.
func Spawn(id, domainID uint64, cfg Config, sch *scheduler.Scheduler) (*Pane, error) {
	if cfg.Shell == "" {
		return nil, errors.New("pane: shell is required")
	}
	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	procutil.HideWindow(cmd)

	rows, cols := cfg.Size.Rows, cfg.Size.Cols
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
		X:    cfg.Size.PixelWidth,
		Y:    cfg.Size.PixelHeight,
	})
	if err != nil {
		return nil, fmt.Errorf("pane: spawn: %w", err)
	}

	p := &Pane{
		id:       id,
		domainID: domainID,
		title:    cfg.Shell,
		cwd:      cfg.Dir,
		grid:     termmodel.New(cols, rows, 10_000),
		sch:      sch,
		ptmx:     ptmx,
		cmd:      cmd,
	}
	p.startReader()
	return p, nil
}

// startReader runs the pty's read loop on a dedicated background goroutine,
// posting each batch onto the main scheduler via AdvanceBytes -- mirroring
// the teacher's pipe-mode reader thread handing batches back to the owning
// goroutine instead of mutating shared state directly.
func (p *Pane) startReader() {
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := p.ptmx.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				p.postAdvance(chunk)
			}
			if err != nil {
				p.mu.Lock()
				p.dead = true
				p.mu.Unlock()
				return
			}
		}
	}()
}

func (p *Pane) postAdvance(chunk []byte) {
	if p.sch == nil {
		p.AdvanceBytes(chunk)
		return
	}
	p.sch.SpawnMain(func() { p.AdvanceBytes(chunk) })
}

// PaneID returns this pane's process-wide unique id.
func (p *Pane) PaneID() uint64 { return p.id }

// DomainID returns the id of the domain that spawned this pane.
func (p *Pane) DomainID() uint64 { return p.domainID }

// GetCursorPosition returns the stable cursor row/column plus shape and
// visibility.
func (p *Pane) GetCursorPosition() termmodel.Cursor {
	return p.grid.Cursor()
}

// GetDirtyLines reports dirty stable rows in the inclusive range without
// clearing them.
func (p *Pane) GetDirtyLines(r Range) []int64 {
	return p.grid.DirtyLines(r.Lo, r.Hi)
}

// GetLines returns the clamped first row plus line snapshots for the range,
// clearing their dirty bits.
func (p *Pane) GetLines(r Range) (firstRow int64, lines []termmodel.Line) {
	return p.grid.Lines(r.Lo, r.Hi)
}

// Dimensions mirrors termmodel.Grid's geometry plus pixel/DPI fields this
// pane was last resized with.
type Dimensions struct {
	termmodel.Dimensions
	DPI         uint32
	PixelWidth  uint16
	PixelHeight uint16
}

// GetDimensions returns the pane's current viewport/scrollback geometry.
func (p *Pane) GetDimensions() Dimensions {
	p.mu.Lock()
	dpi, pw, ph := p.dpi, p.pixelWidth, p.pixelHeight
	p.mu.Unlock()
	return Dimensions{Dimensions: p.grid.Dimensions(), DPI: dpi, PixelWidth: pw, PixelHeight: ph}
}

// GetTitle returns the pane's current title.
func (p *Pane) GetTitle() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

// SetTitle overrides the pane's title, as the SetPaneTitle RPC does.
func (p *Pane) SetTitle(title string) {
	p.mu.Lock()
	p.title = title
	p.mu.Unlock()
}

// GetCurrentWorkingDir returns the pane's last known working directory, or
// empty if never observed. OSC 7 cwd reporting is delegated to the terminal
// model per spec.md's non-goals; callers that know the cwd out of band (a
// domain that spawned the child with an explicit dir) call SetCwd.
func (p *Pane) GetCurrentWorkingDir() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

func (p *Pane) SetCwd(dir string) {
	p.mu.Lock()
	p.cwd = dir
	p.mu.Unlock()
}

// SendPaste writes text to the pty in one shot.
func (p *Pane) SendPaste(text string) error {
	if p.IsDead() {
		return errPtyClosed
	}
	_, err := p.ptmx.WriteString(text)
	return err
}

// TricklePaste sends the first TrickleChunk runes of text inline and
// schedules the remainder on the main scheduler in further pieces of at
// most TrickleChunk runes, so every piece ends on a rune boundary (grounded
// in original_source/mux/src/pane.rs's schedule_next_paste). Text of at most
// TrickleChunk runes is written in one piece.
func (p *Pane) TricklePaste(text string) error {
	runes := []rune(text)
	if len(runes) <= TrickleChunk {
		return p.SendPaste(text)
	}

	first := runes[:TrickleChunk]
	if err := p.SendPaste(string(first)); err != nil {
		return err
	}

	p.pasteMu.Lock()
	p.pasteRemain = runes[TrickleChunk:]
	already := p.pasteRunning
	p.pasteRunning = true
	p.pasteMu.Unlock()

	if !already {
		p.scheduleNextPaste()
	}
	return nil
}

func (p *Pane) scheduleNextPaste() {
	reschedule := func() {
		p.pasteMu.Lock()
		remain := p.pasteRemain
		p.pasteMu.Unlock()
		if len(remain) == 0 {
			p.pasteMu.Lock()
			p.pasteRunning = false
			p.pasteMu.Unlock()
			return
		}
		if p.IsDead() {
			// A pending paste trickle observing a dead pane aborts
			// silently, per spec.md §5.
			p.pasteMu.Lock()
			p.pasteRunning = false
			p.pasteRemain = nil
			p.pasteMu.Unlock()
			return
		}

		n := TrickleChunk
		if n > len(remain) {
			n = len(remain)
		}
		chunk := remain[:n]
		if _, err := p.ptmx.WriteString(string(chunk)); err != nil {
			p.pasteMu.Lock()
			p.pasteRunning = false
			p.pasteRemain = nil
			p.pasteMu.Unlock()
			return
		}

		p.pasteMu.Lock()
		p.pasteRemain = remain[n:]
		p.pasteMu.Unlock()
		p.scheduleNextPaste()
	}

	if p.sch == nil {
		reschedule()
		return
	}
	p.sch.SpawnMain(reschedule)
}

// Reader returns the pty's read side for callers that want to consume raw
// output directly (e.g. a test harness bypassing the scheduler).
func (p *Pane) Reader() io.Reader { return p.ptmx }

// Writer returns the pty's write side for direct writes.
func (p *Pane) Writer() io.Writer { return p.ptmx }

// Resize updates both the pty and the terminal grid to the new size.
func (p *Pane) Resize(size Size) error {
	if err := pty.Setsize(p.ptmx, &pty.Winsize{
		Rows: uint16(size.Rows),
		Cols: uint16(size.Cols),
		X:    size.PixelWidth,
		Y:    size.PixelHeight,
	}); err != nil {
		return err
	}
	p.grid.Resize(size.Cols, size.Rows)
	p.mu.Lock()
	p.dpi, p.pixelWidth, p.pixelHeight = size.DPI, size.PixelWidth, size.PixelHeight
	p.mu.Unlock()
	return nil
}

// KeyEvent is an opaque key-down event; the pane does not interpret it, it
// forwards the encoded bytes to the pty (spec.md's Non-goals exclude
// defining key event wire semantics).
type KeyEvent struct {
	Encoded []byte
}

// MouseEvent is an opaque mouse event, forwarded the same way as KeyEvent.
type MouseEvent struct {
	Encoded []byte
}

// KeyDown writes the key event's encoded bytes to the pty.
func (p *Pane) KeyDown(e KeyEvent) error {
	_, err := p.ptmx.Write(e.Encoded)
	return err
}

// MouseEventWrite writes the mouse event's encoded bytes to the pty.
func (p *Pane) MouseEventWrite(e MouseEvent) error {
	_, err := p.ptmx.Write(e.Encoded)
	return err
}

// AdvanceBytes feeds pty output into the terminal grid. Called from the
// background reader via the scheduler; safe to call directly in tests.
func (p *Pane) AdvanceBytes(buf []byte) {
	p.grid.Write(buf)
}

// IsDead reports whether the child process has exited. Non-blocking.
func (p *Pane) IsDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return true
	}
	if p.cmd.ProcessState != nil {
		p.dead = true
		return true
	}
	return false
}

// Kill signals the child process. Idempotent.
func (p *Pane) Kill() {
	p.mu.Lock()
	alreadyDead := p.dead
	p.mu.Unlock()
	if alreadyDead {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.ptmx.Close()
}

// SetZoomed / IsZoomed track this pane's zoom hint set by the owning tab.
func (p *Pane) SetZoomed(z bool) {
	p.mu.Lock()
	p.zoomed = z
	p.mu.Unlock()
}

func (p *Pane) IsZoomed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zoomed
}

// EraseScrollback clears retained scrollback per erase mode. wxmux only
// supports the whole-scrollback mode; finer-grained modes (screen-only) are
// not required by spec.md.
func (p *Pane) EraseScrollback() {
	p.grid.EraseScrollback()
}

// FocusChanged records focus state; wired to DECSET/DECRST focus reporting
// is left to the terminal model layer this pane would sit above in a full
// renderer, which is out of scope here (spec.md §1 excludes rendering).
func (p *Pane) FocusChanged(focused bool) {
	p.focused.Store(focused)
}

func (p *Pane) IsFocused() bool { return p.focused.Load() }

// Search finds stable-row ranges whose text matches pattern, compiled as a
// regular expression; an invalid pattern is an error.
func (p *Pane) Search(pattern string) ([]Range, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("pane: invalid search pattern: %w", err)
	}
	dims := p.grid.Dimensions()
	lo := dims.ScrollbackTop
	hi := dims.PhysicalTop + int64(dims.ViewportRows) - 1
	_, lines := p.grid.Lines(lo, hi)
	var matches []Range
	for _, l := range lines {
		if re.MatchString(string(l.Runes)) {
			matches = append(matches, Range{Lo: l.Stable, Hi: l.Stable})
		}
	}
	return matches, nil
}

// GetSemanticZones is a stub returning no zones; semantic zone tracking
// requires shell-integration escape sequences this core does not parse
// (spec.md §1 delegates OSC parsing to the terminal model, treated
// opaquely).
func (p *Pane) GetSemanticZones() []SemanticZone { return nil }

// IsMouseGrabbed / IsAltScreenActive report terminal-model state the grid
// tracks for renderer hints.
func (p *Pane) IsMouseGrabbed() bool     { return p.grid.IsMouseGrabbed() }
func (p *Pane) IsAltScreenActive() bool  { return p.grid.IsAltScreen() }

// SetClipboard stores a weak clipboard handle; OSC 52 writes would go
// through it once clipboard escape parsing exists (delegated, per §1).
func (p *Pane) SetClipboard(c Clipboard) {
	p.mu.Lock()
	p.clipboard = c
	p.mu.Unlock()
}

// Clipboard returns the pane's clipboard handle if its owner is still
// alive; a pane checks this before every OSC 52 write once the terminal
// model surfaces those requests.
func (p *Pane) Clipboard() Clipboard {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clipboard != nil && p.clipboard.Alive() {
		return p.clipboard
	}
	return nil
}
