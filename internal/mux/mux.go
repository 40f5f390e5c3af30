// Package mux implements the process-wide registry of panes, tabs,
// windows, and domains, plus the notification/subscription fabric that
// ties the rest of the system together. Grounded in the teacher's
// internal/tmux/session_manager.go (map-of-maps, atomic id counters,
// coarse sync.RWMutex, "Locked"-suffix method convention for callers
// already holding the lock) and internal/wsserver/hub.go's
// subscribe/notify shape, generalized from a single-connection broadcaster
// into a registration-ordered predicate fan-out.
package mux

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"wxmux/internal/domain"
	"wxmux/internal/pane"
	"wxmux/internal/tab"
	"wxmux/internal/window"
)

// NotificationKind discriminates the sum type spec.md §3 describes.
type NotificationKind int

const (
	PaneOutput NotificationKind = iota
	WindowCreated
	WindowRemoved
	PaneRemoved
	Toast
)

// Notification is the payload delivered to every subscriber predicate.
// Only the fields relevant to Kind are populated.
type Notification struct {
	Kind     NotificationKind
	PaneID   uint64
	WindowID uint64

	ToastTitle string
	ToastBody  string
	ToastFocus bool
}

// Predicate is a subscriber callback; returning false unregisters it after
// the current fan-out completes. Per spec.md §5/§9, a predicate must not
// call back into the mux synchronously -- if it must, it should defer via
// scheduler.SpawnMain. A panicking predicate aborts the notification in
// progress; predicates registered after it are not invoked for that
// notification, matching spec.md §7's recovery policy. Mux.Notify itself
// does not recover the panic -- the caller (ordinarily a scheduler task)
// is expected to, exactly as any other main-thread work would be.
type Predicate func(Notification) bool

// Pane is the subset of *pane.Pane the registry needs directly; kept
// concrete (not an interface) since domains always produce *pane.Pane and
// nothing else implements this core's pane contract.
type Pane = *pane.Pane

// Tab is the registry's view of a split tree.
type Tab = *tab.Tab

// Window is the registry's view of a window.
type Window = *window.Window

var errNotFound = fmt.Errorf("mux: not found")

// Mux is the process-wide registry. All mutating operations are meant to
// run on the scheduler's main thread; Mux itself only guards its maps with
// a mutex so tests and the session server's read paths can call in
// directly without routing through a scheduler.
//
// Lock ordering: mu guards every map below; Mux never calls into a Pane,
// Tab, or Window while holding mu for longer than the map operation
// itself requires.
type Mux struct {
	mu sync.RWMutex

	panes   map[uint64]Pane
	tabs    map[uint64]Tab
	windows map[uint64]Window
	domains map[uint64]domain.Domain

	defaultDomain  uint64
	activeWorkspace string

	nextID uint64 // shared by panes, tabs, and windows, mirroring spec.md's "integer ids"

	subMu       sync.Mutex
	subscribers []subscription
	nextSubID   uint64
}

type subscription struct {
	id   uint64
	pred Predicate
}

// New creates an empty Mux in the "default" workspace.
func New() *Mux {
	return &Mux{
		panes:           make(map[uint64]Pane),
		tabs:            make(map[uint64]Tab),
		windows:         make(map[uint64]Window),
		domains:         make(map[uint64]domain.Domain),
		activeWorkspace: "default",
	}
}

// NextID hands out the next process-wide unique id, shared across panes,
// tabs, and windows (a domain's spawned pane takes one of these via
// domain.Local.WithIDSource).
func (m *Mux) NextID() uint64 {
	return atomic.AddUint64(&m.nextID, 1)
}

// IDSource exposes &m.nextID for wiring into domain.Local.WithIDSource.
func (m *Mux) IDSource() *uint64 { return &m.nextID }

// AddPane registers p under its own id, asserting id-uniqueness.
func (m *Mux) AddPane(p Pane) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := p.PaneID()
	if _, exists := m.panes[id]; exists {
		return fmt.Errorf("mux: pane id %d already registered", id)
	}
	m.panes[id] = p
	return nil
}

// AddTab registers t under its own id.
func (m *Mux) AddTab(t Tab) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := t.ID()
	if _, exists := m.tabs[id]; exists {
		return fmt.Errorf("mux: tab id %d already registered", id)
	}
	m.tabs[id] = t
	return nil
}

// AddWindow registers w under its own id.
func (m *Mux) AddWindow(w Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := w.ID()
	if _, exists := m.windows[id]; exists {
		return fmt.Errorf("mux: window id %d already registered", id)
	}
	m.windows[id] = w
	return nil
}

func (m *Mux) GetPane(id uint64) (Pane, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.panes[id]
	return p, ok
}

func (m *Mux) GetTab(id uint64) (Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tabs[id]
	return t, ok
}

func (m *Mux) GetWindow(id uint64) (Window, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.windows[id]
	return w, ok
}

// RemovePane unregisters a pane and emits PaneRemoved.
func (m *Mux) RemovePane(id uint64) {
	m.mu.Lock()
	_, existed := m.panes[id]
	delete(m.panes, id)
	m.mu.Unlock()
	if existed {
		m.Notify(Notification{Kind: PaneRemoved, PaneID: id})
	}
}

// RemoveTab unregisters a tab.
func (m *Mux) RemoveTab(id uint64) {
	m.mu.Lock()
	delete(m.tabs, id)
	m.mu.Unlock()
}

// RemoveWindow unregisters a window and emits WindowRemoved.
func (m *Mux) RemoveWindow(id uint64) {
	m.mu.Lock()
	_, existed := m.windows[id]
	delete(m.windows, id)
	m.mu.Unlock()
	if existed {
		m.Notify(Notification{Kind: WindowRemoved, WindowID: id})
	}
}

// IterWindows returns a snapshot of registered window ids, sorted for
// deterministic iteration order (the teacher's map-of-maps model makes no
// ordering guarantee either; sorting here just keeps output stable for
// CLI/RPC listing).
func (m *Mux) IterWindows() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.windows))
	for id := range m.windows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsEmpty reports whether no windows or no panes remain.
func (m *Mux) IsEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.windows) == 0 || len(m.panes) == 0
}

// SetDefaultDomain / DefaultDomain / GetDomainByName / AddDomain make up
// the domain registry.
func (m *Mux) AddDomain(d domain.Domain) {
	m.mu.Lock()
	m.domains[d.DomainID()] = d
	if m.defaultDomain == 0 {
		m.defaultDomain = d.DomainID()
	}
	m.mu.Unlock()
}

func (m *Mux) SetDefaultDomain(id uint64) {
	m.mu.Lock()
	m.defaultDomain = id
	m.mu.Unlock()
}

func (m *Mux) DefaultDomain() (domain.Domain, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.domains[m.defaultDomain]
	return d, ok
}

func (m *Mux) GetDomainByName(name string) (domain.Domain, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.domains {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// SetActiveWorkspace / ActiveWorkspace: switching a workspace does not
// move windows; it is a view filter only.
func (m *Mux) SetActiveWorkspace(name string) {
	m.mu.Lock()
	m.activeWorkspace = name
	m.mu.Unlock()
}

func (m *Mux) ActiveWorkspace() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeWorkspace
}

// PruneDeadWindows removes dead panes from the pane registry, invokes
// window.PruneDeadTabs across all windows using the current live-tab-id
// set (which drops the same dead leaves from each tab's split tree), and
// removes windows left empty.
func (m *Mux) PruneDeadWindows() {
	m.mu.RLock()
	dead := make([]uint64, 0)
	for id, p := range m.panes {
		if p.IsDead() {
			dead = append(dead, id)
		}
	}
	liveTabs := make(map[uint64]bool, len(m.tabs))
	for id := range m.tabs {
		liveTabs[id] = true
	}
	windows := make([]Window, 0, len(m.windows))
	for _, w := range m.windows {
		windows = append(windows, w)
	}
	m.mu.RUnlock()

	for _, id := range dead {
		m.RemovePane(id)
	}

	for _, w := range windows {
		w.PruneDeadTabs(liveTabs)
		if w.IsEmpty() {
			m.RemoveWindow(w.ID())
		}
	}
}

// Subscribe registers pred and returns its subscriber id.
func (m *Mux) Subscribe(pred Predicate) uint64 {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.subscribers = append(m.subscribers, subscription{id: id, pred: pred})
	return id
}

// Unsubscribe removes a subscriber by id, regardless of its predicate's
// return value. Used by callers that want to tear down a subscription
// explicitly instead of waiting for the predicate to return false.
func (m *Mux) Unsubscribe(id uint64) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for i, s := range m.subscribers {
		if s.id == id {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

// Notify fans n out to subscribers in registration order. A predicate
// returning false is unregistered after the fan-out completes, per
// spec.md §4.F/§8 invariant 9. The subscriber list is snapshotted before
// the fan-out (not held locked across predicate calls) so a predicate
// calling Subscribe does not deadlock, though it still must not call back
// into Notify itself synchronously.
func (m *Mux) Notify(n Notification) {
	m.subMu.Lock()
	snapshot := make([]subscription, len(m.subscribers))
	copy(snapshot, m.subscribers)
	m.subMu.Unlock()

	var toRemove []uint64
	for _, s := range snapshot {
		if !s.pred(n) {
			toRemove = append(toRemove, s.id)
		}
	}
	if len(toRemove) == 0 {
		return
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, id := range toRemove {
		for i, s := range m.subscribers {
			if s.id == id {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				break
			}
		}
	}
}
