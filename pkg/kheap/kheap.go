// Package kheap implements the kernel heap (spec.md component C3): a
// single-list first-fit byte allocator over a growable kernel virtual
// range, backed by pkg/pmm and pkg/vmm. Grounded on spec.md section 4.3;
// the chunk-allocator-plus-growable-window concept matches
// _examples/original_source/kernel/src-kernel/memory/kernel_heap.cpp.
package kheap

import (
	"fmt"
	"sync"

	"github.com/maxdev1/ghost-sub005/pkg/pmm"
	"github.com/maxdev1/ghost-sub005/pkg/vmm"
)

// GrowthStep is the fixed step the heap extends by on exhaustion (spec.md
// section 4.3: "e.g. 1 MiB").
const GrowthStep = 1 << 20

// MinAllocation is the smallest chunk size handed out, preventing header
// thrashing for tiny requests.
const MinAllocation = 8

// block is one node of the heap's single free/used list.
type block struct {
	addr uintptr
	size uintptr
	used bool
	next *block
	prev *block
}

// Heap is the kernel-wide byte allocator. All operations hold a single
// global mutex, per spec.md section 4.3.
type Heap struct {
	mu sync.Mutex

	palloc *pmm.Allocator
	space  *vmm.AddressSpace

	rangeStart uintptr
	rangeEnd   uintptr // grows in GrowthStep increments
	first      *block
}

// New creates a kernel heap whose virtual window starts at start and is
// initially empty (zero-length); the first allocation triggers growth.
func New(palloc *pmm.Allocator, space *vmm.AddressSpace, start uintptr) *Heap {
	return &Heap{palloc: palloc, space: space, rangeStart: start, rangeEnd: start}
}

// grow extends the heap's virtual range by at least need bytes, rounded up
// to GrowthStep, mapping fresh frames with kernel-only flags.
func (h *Heap) grow(need uintptr) error {
	step := uintptr(GrowthStep)
	for step < need {
		step += GrowthStep
	}
	pages := (step + vmm.PageSize - 1) / vmm.PageSize

	base := h.rangeEnd
	for i := uintptr(0); i < pages; i++ {
		frame, err := h.palloc.Allocate()
		if err != nil {
			return fmt.Errorf("kheap: grow: %w", err)
		}
		virt := base + i*vmm.PageSize
		if !h.space.Map(virt, frame, vmm.TableWritable, vmm.Writable, false) {
			return fmt.Errorf("kheap: grow: mapping %#x already present", virt)
		}
	}

	grown := pages * vmm.PageSize
	newBlock := &block{addr: base, size: grown}
	if h.first == nil {
		h.first = newBlock
	} else {
		tail := h.first
		for tail.next != nil {
			tail = tail.next
		}
		if !tail.used && tail.addr+tail.size == base {
			tail.size += grown
		} else {
			newBlock.prev = tail
			tail.next = newBlock
		}
	}
	h.rangeEnd += grown
	return nil
}

// Alloc returns the address of a free block of at least size bytes,
// first-fit, splitting the block if it's larger than needed.
func (h *Heap) Alloc(size uintptr) (uintptr, error) {
	if size < MinAllocation {
		size = MinAllocation
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		for b := h.first; b != nil; b = b.next {
			if !b.used && b.size >= size {
				if b.size > size {
					rest := &block{addr: b.addr + size, size: b.size - size, next: b.next, prev: b}
					if b.next != nil {
						b.next.prev = rest
					}
					b.next = rest
					b.size = size
				}
				b.used = true
				return b.addr, nil
			}
		}
		if err := h.grow(size); err != nil {
			return 0, err
		}
	}
}

// Free releases the block at addr and coalesces it with both neighbors.
func (h *Heap) Free(addr uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var target *block
	for b := h.first; b != nil; b = b.next {
		if b.addr == addr {
			target = b
			break
		}
	}
	if target == nil {
		return fmt.Errorf("kheap: free: unknown address %#x", addr)
	}
	target.used = false

	if next := target.next; next != nil && !next.used {
		target.size += next.size
		target.next = next.next
		if target.next != nil {
			target.next.prev = target
		}
	}
	if prev := target.prev; prev != nil && !prev.used {
		prev.size += target.size
		prev.next = target.next
		if target.next != nil {
			target.next.prev = prev
		}
	}
	return nil
}
