// Package archive gives a wxmux daemon durable memory of what happened
// before the current process: pane/window lifecycle events and a capped
// tail of each pane's scrollback, so a restarted daemon or a freshly
// attached client can show recent history instead of a blank screen.
//
// Grounded in the teacher's internal/sessionlog.TeeHandler shape (a tee
// that observes a stream of structured records and forwards the ones that
// matter to a sink) but the stream here is mux.Notification rather than
// slog records, and the sink is sqlite rather than a UI callback. Storage
// is database/sql over modernc.org/sqlite, the pack's pure-Go sqlite
// driver, following the notes.Store shape from the sidecar example
// (schema-in-initSchema, ? placeholders, a single *sql.DB per Archive).
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wxmux/internal/mux"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL,
	kind TEXT NOT NULL,
	pane_id INTEGER NOT NULL DEFAULT 0,
	window_id INTEGER NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);

CREATE TABLE IF NOT EXISTS scrollback (
	pane_id INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	stable_row INTEGER NOT NULL,
	text TEXT NOT NULL,
	PRIMARY KEY (pane_id, seq)
);
`

// maxLinesPerPane bounds the scrollback table: once a pane holds this many
// rows, the oldest are dropped as new ones arrive, matching spec.md §4.C's
// own per-pane scrollback cap philosophy rather than inventing a separate
// unbounded archive.
const maxLinesPerPane = 10_000

// Event is one durable record of a mux lifecycle notification.
type Event struct {
	At       time.Time
	Kind     string
	PaneID   uint64
	WindowID uint64
	Detail   string
}

// Archive persists mux notifications and pane scrollback to a sqlite
// database. It subscribes to a *mux.Mux via the ordinary Subscribe
// predicate mechanism -- it is not special-cased by the mux, it is just
// another listener that happens to never return false.
type Archive struct {
	db      *sql.DB
	subID   uint64
	m       *mux.Mux
	nextSeq map[uint64]int64
}

// Open creates (or reuses) the sqlite file at path, under dir's
// permissions discipline: the directory is created with 0700 if it does
// not exist, mirroring pki's PKI-material directory convention, since an
// event/scrollback log can itself carry sensitive terminal output.
func Open(path string) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("archive: create dir %q: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("archive: open %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: init schema: %w", err)
	}
	return &Archive{db: db, nextSeq: make(map[uint64]int64)}, nil
}

// Close releases the underlying database handle and, if still attached to
// a Mux, unsubscribes first.
func (a *Archive) Close() error {
	if a.m != nil && a.subID != 0 {
		a.m.Unsubscribe(a.subID)
	}
	return a.db.Close()
}

// Attach subscribes the archive to m's notification stream. Safe to call
// once per Archive; calling it twice leaks a subscription.
func (a *Archive) Attach(m *mux.Mux) {
	a.m = m
	a.subID = m.Subscribe(func(n mux.Notification) bool {
		a.handle(n)
		return true
	})
}

func (a *Archive) handle(n mux.Notification) {
	var kind, detail string
	switch n.Kind {
	case mux.WindowCreated:
		kind = "window_created"
	case mux.WindowRemoved:
		kind = "window_removed"
	case mux.PaneRemoved:
		kind = "pane_removed"
		defer func() { _ = a.ForgetPane(n.PaneID) }()
	case mux.Toast:
		kind = "toast"
		detail = n.ToastTitle + ": " + n.ToastBody
	case mux.PaneOutput:
		// Pane output is archived separately via AppendScrollback, driven
		// by the server's coalescer rather than this notification.
		// Nothing currently emits PaneOutput notifications, and this case
		// records no event.
		return
	default:
		return
	}
	if err := a.recordEvent(Event{At: time.Now(), Kind: kind, PaneID: n.PaneID, WindowID: n.WindowID, Detail: detail}); err != nil {
		// Best-effort: a failed archive write must never block the mux's
		// own notification fan-out or the caller that triggered it.
		_ = err
	}
}

func (a *Archive) recordEvent(e Event) error {
	_, err := a.db.Exec(
		`INSERT INTO events (at, kind, pane_id, window_id, detail) VALUES (?, ?, ?, ?, ?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Kind, e.PaneID, e.WindowID, e.Detail,
	)
	return err
}

// RecentEvents returns up to limit of the most recently recorded events,
// newest first.
func (a *Archive) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT at, kind, pane_id, window_id, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var at string
		if err := rows.Scan(&at, &e.Kind, &e.PaneID, &e.WindowID, &e.Detail); err != nil {
			return nil, fmt.Errorf("archive: scan event: %w", err)
		}
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("archive: parse event timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendScrollback records one line of a pane's output, trimming the
// pane's stored tail to maxLinesPerPane. Called by the session server's
// output coalescer rather than driven by a notification (see handle's
// PaneOutput case).
func (a *Archive) AppendScrollback(paneID uint64, stableRow int64, text string) error {
	seq := a.nextSeq[paneID]
	a.nextSeq[paneID] = seq + 1

	if _, err := a.db.Exec(
		`INSERT OR REPLACE INTO scrollback (pane_id, seq, stable_row, text) VALUES (?, ?, ?, ?)`,
		paneID, seq, stableRow, text,
	); err != nil {
		return fmt.Errorf("archive: insert scrollback: %w", err)
	}

	if seq >= maxLinesPerPane {
		if _, err := a.db.Exec(
			`DELETE FROM scrollback WHERE pane_id = ? AND seq <= ?`,
			paneID, seq-maxLinesPerPane,
		); err != nil {
			return fmt.Errorf("archive: trim scrollback: %w", err)
		}
	}
	return nil
}

// Scrollback returns every archived line for paneID in original order,
// oldest first -- used to reseed a freshly attached client's mirror before
// the first live PaneRenderChanges push arrives.
func (a *Archive) Scrollback(ctx context.Context, paneID uint64) ([]string, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT text FROM scrollback WHERE pane_id = ? ORDER BY seq ASC`, paneID)
	if err != nil {
		return nil, fmt.Errorf("archive: query scrollback: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("archive: scan scrollback: %w", err)
		}
		out = append(out, text)
	}
	return out, rows.Err()
}

// ForgetPane drops every archived scrollback row for paneID, freeing the
// sequence counter. Called once a pane is confirmed gone for good (its
// PaneRemoved event itself is left in the events table as history).
func (a *Archive) ForgetPane(paneID uint64) error {
	delete(a.nextSeq, paneID)
	_, err := a.db.Exec(`DELETE FROM scrollback WHERE pane_id = ?`, paneID)
	if err != nil {
		return fmt.Errorf("archive: forget pane %d: %w", paneID, err)
	}
	return nil
}
