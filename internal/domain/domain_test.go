package domain

import (
	"context"
	"testing"

	"wxmux/internal/pane"
)

func TestLocal_SpawnProducesLivePane(t *testing.T) {
	var counter uint64
	d := NewLocal(1, "local", "/bin/sh", nil).WithIDSource(&counter)

	p, err := d.Spawn(context.Background(), SpawnRequest{
		Size: pane.Size{Rows: 24, Cols: 80},
		Cmd:  []string{"/bin/sh", "-c", "true"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer p.Kill()

	if p.DomainID() != 1 {
		t.Fatalf("expected spawned pane to carry domain id 1, got %d", p.DomainID())
	}
}

func TestLocal_SpawnWhileDetachedFails(t *testing.T) {
	d := NewLocal(1, "local", "/bin/sh", nil)
	if err := d.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, err := d.Spawn(context.Background(), SpawnRequest{Size: pane.Size{Rows: 24, Cols: 80}}); err == nil {
		t.Fatal("expected spawn on a detached domain to fail")
	}
}

func TestLocal_SpawnableReflectsState(t *testing.T) {
	d := NewLocal(1, "local", "/bin/sh", nil)
	if !d.Spawnable() {
		t.Fatal("expected a freshly created local domain to be spawnable")
	}
	d.Detach()
	if d.Spawnable() {
		t.Fatal("expected a detached domain to report not spawnable")
	}
}

func TestAsLocal_CapabilityQuery(t *testing.T) {
	d := NewLocal(1, "local", "/bin/sh", nil)
	var iface Domain = d
	local, ok := AsLocal(iface)
	if !ok || local != d {
		t.Fatal("expected AsLocal to recover the concrete *Local")
	}
}
