// Package vmm implements the virtual memory manager (spec.md component
// C2): address spaces, page mapping/unmapping, a recursive self-mapping
// accessor, and cross-address-space temporary switches. It is grounded on
// spec.md section 4.2 and
// _examples/original_source/kernel/src/shared/memory/paging.cpp for the
// override/no-override and TLB-invalidate-on-replace rules.
//
// There is no literal x86 page directory here: an AddressSpace is modeled
// as the set of (virtual page -> physical frame, flags) mappings it would
// produce, which is the externally observable contract spec.md's
// properties (2) and (6) test against. Real page-table bit layout is the
// bring-up code spec.md section 1 calls "mechanical" and out of scope.
package vmm

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/maxdev1/ghost-sub005/pkg/pmm"
)

// PageSize must match pkg/pmm's frame size.
const PageSize = pmm.PageSize

// PageFlags mirrors the bitfield spec.md section 6 names for mapping
// calls.
type PageFlags uint32

const (
	Writable PageFlags = 1 << iota
	User
	WriteThrough
	CacheDisable
	Global
	NoExecute
)

// TableFlags mirrors user/writable, per spec.md section 6.
type TableFlags uint32

const (
	TableUser TableFlags = 1 << iota
	TableWritable
)

type mapping struct {
	phys  pmm.Frame
	flags PageFlags
}

// demandRange is one entry of the on-demand file-mapping range map
// (spec.md section 9's "sorted range map for O(log n) lookup").
type demandRange struct {
	base       uintptr
	length     uintptr
	descriptor int
	offset     uintptr
}

func (d *demandRange) end() uintptr { return d.base + d.length }

func demandLess(a, b *demandRange) bool { return a.base < b.base }

// AddressSpace is a page directory's logical contents plus its on-demand
// mapping registry. The kernel top half (shared across all address
// spaces, per spec.md's AddressSpace invariant) is represented implicitly:
// callers map the shared kernel range into every new AddressSpace at
// construction via CloneKernelHalf.
type AddressSpace struct {
	Root pmm.Frame // the directory's own backing frame, for recursive self-mapping

	mu       sync.RWMutex
	pages    map[uintptr]mapping
	onDemand *btree.BTreeG[*demandRange]

	// generation invalidates outstanding RecursiveWindow values once this
	// space stops being "current" anywhere, per the design note that the
	// recursive window is "only valid on the current address space".
	generation uint64
}

// NewAddressSpace allocates a directory frame from alloc and returns an
// otherwise-empty address space.
func NewAddressSpace(alloc *pmm.Allocator) (*AddressSpace, error) {
	root, err := alloc.Allocate()
	if err != nil {
		return nil, fmt.Errorf("vmm: allocate directory frame: %w", err)
	}
	return &AddressSpace{
		Root:     root,
		pages:    make(map[uintptr]mapping),
		onDemand: btree.NewG(32, demandLess),
	}, nil
}

// CloneKernelHalf copies every mapping of kernelSpace into a, enforcing
// the invariant that "the top kernel half is identical across all address
// spaces".
func (a *AddressSpace) CloneKernelHalf(kernelSpace *AddressSpace) {
	kernelSpace.mu.RLock()
	defer kernelSpace.mu.RUnlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	for v, m := range kernelSpace.pages {
		a.pages[v] = m
	}
}

func checkAligned(virt uintptr, who string) {
	if virt%PageSize != 0 {
		panic(fmt.Sprintf("vmm: %s address %#x is not page-aligned", who, virt))
	}
}

// Map installs a virtual->physical mapping. Both addresses must be
// page-aligned (panics otherwise, per spec.md section 4.2). A user-flagged
// mapping into a table lacking the user bit is rejected as a bug — here,
// simplified to: a User page mapping requires TableUser among
// tableFlags. Without allowOverride an existing mapping returns false;
// with it, the old entry is replaced (TLB invalidation is a no-op in this
// host-process model but is still named, to keep the call shape faithful).
func (a *AddressSpace) Map(virt uintptr, phys pmm.Frame, tableFlags TableFlags, pageFlags PageFlags, allowOverride bool) bool {
	checkAligned(virt, "virtual")
	checkAligned(uintptr(phys), "physical")
	if pageFlags&User != 0 && tableFlags&TableUser == 0 {
		panic("vmm: user-flagged mapping into a non-user table is a bug")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.pages[virt]; exists && !allowOverride {
		return false
	}
	a.pages[virt] = mapping{phys: phys, flags: pageFlags}
	a.invalidateTLB(virt)
	return true
}

// invalidateTLB is a documented no-op in this simulation: there is no real
// TLB to flush, but the call site is kept so the mapping-replace path
// mirrors the real invlpg-on-override rule spec.md section 4.2 describes.
func (a *AddressSpace) invalidateTLB(virt uintptr) {}

// FreeAll releases every physical frame currently mapped in a back to
// alloc and clears the mapping set, for process teardown (spec.md
// section 4.6: "Destroying the last thread destroys the process: its
// address-space frames are freed").
func (a *AddressSpace) FreeAll(alloc *pmm.Allocator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for virt, m := range a.pages {
		alloc.Free(m.phys)
		delete(a.pages, virt)
	}
}

// Unmap removes any mapping at virt.
func (a *AddressSpace) Unmap(virt uintptr) {
	checkAligned(virt, "virtual")
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pages, virt)
	a.invalidateTLB(virt)
}

// Lookup resolves virt to its backing frame, if mapped.
func (a *AddressSpace) Lookup(virt uintptr) (pmm.Frame, bool) {
	page := virt &^ (PageSize - 1)
	offset := virt - page
	a.mu.RLock()
	m, ok := a.pages[page]
	a.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return m.phys + pmm.Frame(offset), true
}

// RegisterOnDemand adds a lazily-backed file mapping covering
// [base, base+length) to the space's sorted range map, for the page-fault
// policy's case (ii) in spec.md section 4.2.
func (a *AddressSpace) RegisterOnDemand(base, length uintptr, descriptor int, offset uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDemand.ReplaceOrInsert(&demandRange{base: base, length: length, descriptor: descriptor, offset: offset})
}

// OnDemandMapping is the read-only view of a demandRange returned by
// LookupOnDemand.
type OnDemandMapping struct {
	Base       uintptr
	Length     uintptr
	Descriptor int
	Offset     uintptr
}

// LookupOnDemand finds the on-demand mapping, if any, covering addr — an
// O(log n) range-map lookup as spec.md section 9 prescribes.
func (a *AddressSpace) LookupOnDemand(addr uintptr) (OnDemandMapping, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var found *demandRange
	a.onDemand.DescendLessOrEqual(&demandRange{base: addr}, func(d *demandRange) bool {
		if addr < d.end() {
			found = d
		}
		return false
	})
	if found == nil {
		return OnDemandMapping{}, false
	}
	return OnDemandMapping{Base: found.base, Length: found.length, Descriptor: found.descriptor, Offset: found.offset}, true
}

// RecursiveWindow is the typed accessor for editing the current address
// space's own tables, standing in for the real recursive page-directory
// slot. It is only valid as long as its space remains "current" on the
// core that obtained it; using it afterward panics, encoding the design
// note "only valid on the current address space" as a runtime check
// rather than leaving it as a bare-pointer footgun.
type RecursiveWindow struct {
	space *AddressSpace
	gen   uint64
}

func (w *RecursiveWindow) valid() bool {
	w.space.mu.RLock()
	defer w.space.mu.RUnlock()
	return w.space.generation == w.gen
}

// Map edits the bound address space's tables through the window.
func (w *RecursiveWindow) Map(virt uintptr, phys pmm.Frame, tableFlags TableFlags, pageFlags PageFlags, allowOverride bool) bool {
	if !w.valid() {
		panic("vmm: use of RecursiveWindow after its address space stopped being current")
	}
	return w.space.Map(virt, phys, tableFlags, pageFlags, allowOverride)
}

// Unmap edits the bound address space's tables through the window.
func (w *RecursiveWindow) Unmap(virt uintptr) {
	if !w.valid() {
		panic("vmm: use of RecursiveWindow after its address space stopped being current")
	}
	w.space.Unmap(virt)
}

// Manager tracks the current address space per core and mediates
// temporary cross-address-space edits (spec.md section 4.2). It is a
// kernel-wide singleton, constructed once at boot.
type Manager struct {
	mu      sync.Mutex
	current map[int]*AddressSpace
	// tempSwitched records, per core, whether a temporary switch is
	// outstanding — spec.md: "only one level of temporary switch is
	// supported at a time on a given core."
	tempSwitched map[int]bool
}

// NewManager constructs an empty per-core space manager.
func NewManager() *Manager {
	return &Manager{current: make(map[int]*AddressSpace), tempSwitched: make(map[int]bool)}
}

// CurrentSpace returns the address space active on core.
func (m *Manager) CurrentSpace(core int) *AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[core]
}

// SwitchTo makes space current on core and opens its recursive window.
// Windows opened on the space it replaces become invalid.
func (m *Manager) SwitchTo(core int, space *AddressSpace) *RecursiveWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old := m.current[core]; old != nil && old != space {
		old.mu.Lock()
		old.generation++
		old.mu.Unlock()
	}
	m.current[core] = space
	space.mu.Lock()
	space.generation++
	gen := space.generation
	space.mu.Unlock()
	return &RecursiveWindow{space: space, gen: gen}
}

// TemporarySwitchTo switches core to space for the duration of a
// cross-address-space edit and returns the previous space, to be restored
// via TemporarySwitchBack. Panics if a temporary switch is already
// outstanding on core, per spec.md's "only one level" rule.
func (m *Manager) TemporarySwitchTo(core int, space *AddressSpace) (prev *AddressSpace, window *RecursiveWindow) {
	m.mu.Lock()
	if m.tempSwitched[core] {
		m.mu.Unlock()
		panic("vmm: nested temporary address-space switch on one core")
	}
	m.tempSwitched[core] = true
	prev = m.current[core]
	m.mu.Unlock()

	window = m.SwitchTo(core, space)
	return prev, window
}

// TemporarySwitchBack restores prev as current on core and closes the
// temporary-switch slot.
func (m *Manager) TemporarySwitchBack(core int, prev *AddressSpace) {
	m.mu.Lock()
	if !m.tempSwitched[core] {
		m.mu.Unlock()
		panic("vmm: temporary switch back without a matching switch")
	}
	m.tempSwitched[core] = false
	m.mu.Unlock()
	m.SwitchTo(core, prev)
}
