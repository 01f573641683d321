package vmm

import (
	"testing"

	"github.com/maxdev1/ghost-sub005/pkg/bootinfo"
	"github.com/maxdev1/ghost-sub005/pkg/pmm"
)

func newAllocator(t *testing.T) *pmm.Allocator {
	t.Helper()
	a := pmm.New()
	a.Initialize(&bootinfo.SetupInformation{
		MemoryMap: []bootinfo.MemoryRegion{
			{Start: 0x100000, Length: 64 * pmm.PageSize, Kind: bootinfo.RegionUsable},
		},
	})
	return a
}

func TestMapReadUnmap(t *testing.T) {
	palloc := newAllocator(t)
	space, err := NewAddressSpace(palloc)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	frame, err := palloc.Allocate()
	if err != nil {
		t.Fatalf("allocate frame: %v", err)
	}

	const virt = 0x40000000
	if !space.Map(virt, frame, TableUser|TableWritable, Writable|User, false) {
		t.Fatalf("expected first map to succeed")
	}
	got, ok := space.Lookup(virt)
	if !ok || got != frame {
		t.Fatalf("lookup after map: got %v,%v want %v", got, ok, frame)
	}

	space.Unmap(virt)
	if _, ok := space.Lookup(virt); ok {
		t.Fatalf("expected unmapped address to miss")
	}
}

func TestMapWithoutOverrideRejectsExisting(t *testing.T) {
	palloc := newAllocator(t)
	space, _ := NewAddressSpace(palloc)
	f1, _ := palloc.Allocate()
	f2, _ := palloc.Allocate()

	const virt = 0x40001000
	if !space.Map(virt, f1, TableUser|TableWritable, User, false) {
		t.Fatalf("first map should succeed")
	}
	if space.Map(virt, f2, TableUser|TableWritable, User, false) {
		t.Fatalf("second map without override should fail")
	}
	if !space.Map(virt, f2, TableUser|TableWritable, User, true) {
		t.Fatalf("second map with override should succeed")
	}
	got, _ := space.Lookup(virt)
	if got != f2 {
		t.Fatalf("expected override to replace frame, got %v want %v", got, f2)
	}
}

func TestMisalignedMapPanics(t *testing.T) {
	palloc := newAllocator(t)
	space, _ := NewAddressSpace(palloc)
	frame, _ := palloc.Allocate()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on misaligned virtual address")
		}
	}()
	space.Map(0x40000001, frame, TableUser, User, false)
}

func TestUserMappingWithoutTableUserPanics(t *testing.T) {
	palloc := newAllocator(t)
	space, _ := NewAddressSpace(palloc)
	frame, _ := palloc.Allocate()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on user page into non-user table")
		}
	}()
	space.Map(0x40000000, frame, 0, User, false)
}

func TestTemporarySwitchRoundTrip(t *testing.T) {
	palloc := newAllocator(t)
	kernelSpace, _ := NewAddressSpace(palloc)
	userSpace, _ := NewAddressSpace(palloc)

	mgr := NewManager()
	mgr.SwitchTo(0, kernelSpace)
	if mgr.CurrentSpace(0) != kernelSpace {
		t.Fatalf("expected kernel space current")
	}

	prev, window := mgr.TemporarySwitchTo(0, userSpace)
	if prev != kernelSpace {
		t.Fatalf("expected prev to be kernel space")
	}
	frame, _ := palloc.Allocate()
	if !window.Map(0x50000000, frame, TableUser|TableWritable, User, false) {
		t.Fatalf("window map should succeed")
	}

	mgr.TemporarySwitchBack(0, prev)
	if mgr.CurrentSpace(0) != kernelSpace {
		t.Fatalf("expected kernel space restored")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic using window after switch-back")
		}
	}()
	window.Map(0x50001000, frame, TableUser|TableWritable, User, false)
}

func TestNestedTemporarySwitchPanics(t *testing.T) {
	palloc := newAllocator(t)
	a, _ := NewAddressSpace(palloc)
	b, _ := NewAddressSpace(palloc)
	c, _ := NewAddressSpace(palloc)

	mgr := NewManager()
	mgr.SwitchTo(0, a)
	mgr.TemporarySwitchTo(0, b)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on nested temporary switch")
		}
	}()
	mgr.TemporarySwitchTo(0, c)
}

func TestOnDemandLookup(t *testing.T) {
	palloc := newAllocator(t)
	space, _ := NewAddressSpace(palloc)
	space.RegisterOnDemand(0x60000000, 4*pmm.PageSize, 3, 0)

	m, ok := space.LookupOnDemand(0x60000000 + pmm.PageSize)
	if !ok {
		t.Fatalf("expected on-demand mapping to be found")
	}
	if m.Descriptor != 3 {
		t.Fatalf("expected descriptor 3, got %d", m.Descriptor)
	}
	if _, ok := space.LookupOnDemand(0x70000000); ok {
		t.Fatalf("expected no on-demand mapping far outside range")
	}
}
