// Package pmm implements the physical page allocator (spec.md component
// C1): a bitmap-backed free-frame tracker fronted by a small LIFO fast
// buffer, grounded on the original bitmap allocator's word-then-bit scan
// (_examples/original_source/kernel/src-shared/memory/bitmap/bitmap_page_allocator.cpp).
package pmm

import (
	"fmt"
	"sync"

	"github.com/maxdev1/ghost-sub005/pkg/bootinfo"
)

// PageSize is the frame size this allocator tracks: 4 KiB, fixed by
// spec.md's data model.
const PageSize = 4096

const wordBits = 64

// fastBufferSlots bounds the LIFO fast-path buffer. spec.md section 4.1
// suggests "e.g. 128 slots".
const fastBufferSlots = 128

// Frame is an opaque, page-aligned physical address.
type Frame uintptr

// ErrOutOfMemory is returned by Allocate when no free frame remains.
var ErrOutOfMemory = fmt.Errorf("pmm: out of memory")

// bitmap is one contiguous span of tracked physical memory. Each bit
// represents one frame; 1 means free, matching the original allocator.
type bitmap struct {
	mu    sync.Mutex
	base  Frame
	words []uint64
}

func newBitmap(base Frame, frames int) *bitmap {
	nwords := (frames + wordBits - 1) / wordBits
	return &bitmap{base: base, words: make([]uint64, nwords)}
}

func (b *bitmap) frameCount() int {
	return len(b.words) * wordBits
}

func (b *bitmap) contains(f Frame) bool {
	idx := int((f - b.base) / PageSize)
	return idx >= 0 && idx < b.frameCount()
}

func (b *bitmap) markFree(f Frame) {
	idx := int((f - b.base) / PageSize)
	b.mu.Lock()
	b.words[idx/wordBits] |= 1 << uint(idx%wordBits)
	b.mu.Unlock()
}

func (b *bitmap) markUsed(f Frame) {
	idx := int((f - b.base) / PageSize)
	b.mu.Lock()
	b.words[idx/wordBits] &^= 1 << uint(idx%wordBits)
	b.mu.Unlock()
}

// allocate scans words in order, picking the first non-zero word and its
// lowest set bit, mirroring the original "entry > 0 then lowest bit" scan.
func (b *bitmap) allocate() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for wi, w := range b.words {
		if w == 0 {
			continue
		}
		bit := trailingZeros64(w)
		b.words[wi] = w &^ (1 << uint(bit))
		idx := wi*wordBits + bit
		return b.base + Frame(idx*PageSize), true
	}
	return 0, false
}

func trailingZeros64(w uint64) int {
	n := 0
	for w&1 == 0 {
		w >>= 1
		n++
	}
	return n
}

// Allocator is the kernel-wide physical page allocator. It is a process-wide
// singleton per spec.md's design notes; callers obtain one via New and
// Initialize.
type Allocator struct {
	bitmaps []*bitmap

	fastMu sync.Mutex
	fast   []Frame // LIFO: append/pop from the tail
}

// New constructs an empty allocator; call Initialize to populate it from a
// bootloader memory map.
func New() *Allocator {
	return &Allocator{fast: make([]Frame, 0, fastBufferSlots)}
}

// Initialize walks the usable regions of setup, marking every covered page
// free except those setup.Reserved reports (the kernel image and early
// modules). Loader-image pages are not excluded.
func (a *Allocator) Initialize(setup *bootinfo.SetupInformation) {
	for _, region := range setup.UsableRegions() {
		start := alignUp(region.Start)
		end := alignDown(region.End())
		if end <= start {
			continue
		}
		frames := int((end - start) / PageSize)
		bm := newBitmap(Frame(start), frames)
		a.bitmaps = append(a.bitmaps, bm)

		for addr := start; addr < end; addr += PageSize {
			if setup.Reserved(addr) {
				continue
			}
			bm.markFree(Frame(addr))
		}
	}
}

func alignUp(v uintptr) uintptr   { return (v + PageSize - 1) &^ (PageSize - 1) }
func alignDown(v uintptr) uintptr { return v &^ (PageSize - 1) }

// Allocate returns one free frame, preferring the fast buffer, per
// spec.md section 4.1's policy. O(1) amortized.
func (a *Allocator) Allocate() (Frame, error) {
	a.fastMu.Lock()
	if n := len(a.fast); n > 0 {
		f := a.fast[n-1]
		a.fast = a.fast[:n-1]
		a.fastMu.Unlock()
		return f, nil
	}
	a.fastMu.Unlock()

	for _, bm := range a.bitmaps {
		if f, ok := bm.allocate(); ok {
			return f, nil
		}
	}
	return 0, ErrOutOfMemory
}

// Free returns a frame to the allocator. It pushes to the fast buffer
// unless full, in which case it updates the owning bitmap directly, per
// spec.md section 4.1.
func (a *Allocator) Free(f Frame) {
	a.fastMu.Lock()
	if len(a.fast) < fastBufferSlots {
		a.fast = append(a.fast, f)
		a.fastMu.Unlock()
		return
	}
	a.fastMu.Unlock()

	for _, bm := range a.bitmaps {
		if bm.contains(f) {
			bm.markFree(f)
			return
		}
	}
}
