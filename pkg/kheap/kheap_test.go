package kheap

import (
	"testing"

	"github.com/maxdev1/ghost-sub005/pkg/bootinfo"
	"github.com/maxdev1/ghost-sub005/pkg/pmm"
	"github.com/maxdev1/ghost-sub005/pkg/vmm"
)

func newHeap(t *testing.T) *Heap {
	t.Helper()
	palloc := pmm.New()
	palloc.Initialize(&bootinfo.SetupInformation{
		MemoryMap: []bootinfo.MemoryRegion{
			{Start: 0x100000, Length: 4096 * pmm.PageSize, Kind: bootinfo.RegionUsable},
		},
	})
	space, err := vmm.NewAddressSpace(palloc)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return New(palloc, space, 0xD0000000)
}

func TestAllocFreeCoalesce(t *testing.T) {
	h := newHeap(t)

	a1, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("alloc a1: %v", err)
	}
	a2, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("alloc a2: %v", err)
	}
	if a1 == a2 {
		t.Fatalf("expected distinct addresses")
	}

	if err := h.Free(a1); err != nil {
		t.Fatalf("free a1: %v", err)
	}
	if err := h.Free(a2); err != nil {
		t.Fatalf("free a2: %v", err)
	}

	// After freeing everything the heap should satisfy a larger allocation
	// from the coalesced space without growing again.
	if _, err := h.Alloc(100); err != nil {
		t.Fatalf("alloc after coalesce: %v", err)
	}
}

func TestMinimumAllocationSize(t *testing.T) {
	h := newHeap(t)
	addr, err := h.Alloc(1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if addr < h.rangeStart {
		t.Fatalf("address out of range")
	}
}

func TestGrowthOnExhaustion(t *testing.T) {
	h := newHeap(t)
	if _, err := h.Alloc(GrowthStep + 1); err != nil {
		t.Fatalf("alloc larger than one growth step: %v", err)
	}
	if h.rangeEnd-h.rangeStart < GrowthStep {
		t.Fatalf("expected heap to have grown by at least one step")
	}
}

func TestFreeUnknownAddress(t *testing.T) {
	h := newHeap(t)
	if err := h.Free(0xDEADBEEF); err == nil {
		t.Fatalf("expected error freeing unknown address")
	}
}
