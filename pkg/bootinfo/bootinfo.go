// Package bootinfo describes the hand-off record the bootloader passes to
// the kernel core, and nothing else: the kernel's configuration surface is
// exactly this record, per spec.md section 6.
package bootinfo

// MemoryRegionKind classifies one entry of the bootloader-supplied memory
// map.
type MemoryRegionKind int

const (
	// RegionUsable is free RAM available to the physical allocator.
	RegionUsable MemoryRegionKind = iota
	// RegionReserved is memory the allocator must never hand out (MMIO
	// windows, ACPI tables, etc).
	RegionReserved
)

// MemoryRegion is one contiguous span from the bootloader's memory map.
type MemoryRegion struct {
	Start  uintptr
	Length uintptr
	Kind   MemoryRegionKind
}

// End returns the exclusive end address of the region.
func (r MemoryRegion) End() uintptr {
	return r.Start + r.Length
}

// Module is a pre-loaded module the bootloader placed in physical memory
// (e.g. the init ramdisk, or early drivers) before handing off.
type Module struct {
	Name  string
	Start uintptr
	End   uintptr
}

// SetupInformation is the complete bootloader-to-kernel hand-off contract.
// It is the sole configuration input to the kernel core; there is no
// config file, environment variable, or flag that changes kernel-core
// behavior beyond this record (spec.md section 6, "Persistent state:
// none").
type SetupInformation struct {
	// MemoryMap is the full set of usable/reserved regions.
	MemoryMap []MemoryRegion

	// KernelImageStart/End is the virtual range the kernel image occupies
	// in the (already, per spec.md section 6, identity-mapped-low/high-half)
	// address space.
	KernelImageStart uintptr
	KernelImageEnd   uintptr

	// KernelImagePhysicalStart/End is the same range's backing physical
	// frames, so the physical allocator can exclude them.
	KernelImagePhysicalStart uintptr
	KernelImagePhysicalEnd   uintptr

	// InitialStackTop is the stack pointer the loader handed the kernel's
	// entry function on.
	InitialStackTop uintptr

	// InitialHeapStart/End bounds the loader-provided bootstrap heap
	// window used before pkg/kheap takes over.
	InitialHeapStart uintptr
	InitialHeapEnd   uintptr

	// InitialPageDirectoryPhysical is the physical address of the page
	// directory the loader built and is currently active.
	InitialPageDirectoryPhysical uintptr

	// Modules lists pre-loaded module images by name and physical range.
	Modules []Module
}

// UsableRegions returns only the regions the physical allocator may claim.
func (s *SetupInformation) UsableRegions() []MemoryRegion {
	out := make([]MemoryRegion, 0, len(s.MemoryMap))
	for _, r := range s.MemoryMap {
		if r.Kind == RegionUsable {
			out = append(out, r)
		}
	}
	return out
}

// Reserved reports whether physAddr falls within the kernel image's
// physical range or any pre-loaded module. The record carries no
// loader-image range, so loader memory is not reported as reserved.
func (s *SetupInformation) Reserved(physAddr uintptr) bool {
	if physAddr >= s.KernelImagePhysicalStart && physAddr < s.KernelImagePhysicalEnd {
		return true
	}
	for _, m := range s.Modules {
		if physAddr >= m.Start && physAddr < m.End {
			return true
		}
	}
	return false
}
