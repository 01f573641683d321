// Package vmrange implements the per-address-space address-range pool
// (spec.md component C4): a page-granular allocator of virtual ranges with
// free-list coalescing. It never touches page tables; pkg/vmm is
// responsible for actually mapping whatever range this pool hands out.
//
// The node shape is grounded on
// _examples/original_source/kernel/src/kernel/memory/address_range_pool.hpp
// (g_address_range: next/used/base/pages/flags). The sorted traversal that
// hpp does via a singly-linked list is instead backed by a btree.BTreeG
// keyed on base, preserving the same externally observable node set and
// coalescing rule. Free and Find look a range and its neighbours up in
// O(log n); first-fit Allocate still walks the ranges in base order, O(n).
package vmrange

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

// PageSize matches pkg/pmm's frame size; ranges are always page multiples.
const PageSize = 4096

// Range is one node of the pool: a half-open span of pages, used or free.
type Range struct {
	Base  uintptr
	Pages uint32
	Used  bool
	Flags uint8
}

func (r *Range) end() uintptr { return r.Base + uintptr(r.Pages)*PageSize }

func rangeLess(a, b *Range) bool { return a.Base < b.Base }

// ErrNotFound is returned by Free when base does not name a used range.
var ErrNotFound = fmt.Errorf("vmrange: no such range")

// ErrExhausted is returned by Allocate when no free range of sufficient
// size exists.
var ErrExhausted = fmt.Errorf("vmrange: pool exhausted")

// Pool is a sorted collection of address ranges covering exactly
// [base, base+pages) with no gaps, each range marked free or used.
type Pool struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*Range]
}

// NewPool creates a pool covering [base, base+pages) as a single free
// range, matching the "single range pool" invariant checked by
// spec.md's testable property 3.
func NewPool(base uintptr, pages uint32) *Pool {
	p := &Pool{tree: btree.NewG(32, rangeLess)}
	p.tree.ReplaceOrInsert(&Range{Base: base, Pages: pages})
	return p
}

// Allocate first-fits a free range of at least pages, splits it, marks the
// head used, and returns its base.
func (p *Pool) Allocate(pages uint32, flags uint8) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var found *Range
	p.tree.Ascend(func(r *Range) bool {
		if !r.Used && r.Pages >= pages {
			found = r
			return false
		}
		return true
	})
	if found == nil {
		return 0, ErrExhausted
	}

	p.tree.Delete(found)
	head := &Range{Base: found.Base, Pages: pages, Used: true, Flags: flags}
	p.tree.ReplaceOrInsert(head)
	if found.Pages > pages {
		tail := &Range{Base: found.Base + uintptr(pages)*PageSize, Pages: found.Pages - pages}
		p.tree.ReplaceOrInsert(tail)
	}
	return head.Base, nil
}

// Free marks the range starting at base as free and coalesces it with any
// free neighbor.
func (p *Pool) Free(base uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.tree.Get(&Range{Base: base})
	if !ok || !r.Used {
		return ErrNotFound
	}
	p.tree.Delete(r)
	merged := &Range{Base: r.Base, Pages: r.Pages}
	p.coalesceLocked(merged)
	p.tree.ReplaceOrInsert(merged)
	return nil
}

// coalesceLocked fuses merged with its immediate free predecessor and
// successor, deleting them from the tree and growing merged in place. Must
// be called with p.mu held.
func (p *Pool) coalesceLocked(merged *Range) {
	var pred *Range
	p.tree.DescendLessOrEqual(&Range{Base: merged.Base}, func(r *Range) bool {
		if r.Base < merged.Base {
			pred = r
		}
		return false
	})
	if pred != nil && !pred.Used && pred.end() == merged.Base {
		p.tree.Delete(pred)
		merged.Base = pred.Base
		merged.Pages += pred.Pages
	}

	var succ *Range
	p.tree.AscendGreaterOrEqual(&Range{Base: merged.end()}, func(r *Range) bool {
		if r.Base == merged.end() {
			succ = r
		}
		return false
	})
	if succ != nil && !succ.Used {
		p.tree.Delete(succ)
		merged.Pages += succ.Pages
	}
}

// Find returns the range containing base, if any, mirroring
// addressRangePoolFind.
func (p *Pool) Find(base uintptr) (Range, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var found *Range
	p.tree.DescendLessOrEqual(&Range{Base: base}, func(r *Range) bool {
		if base < r.end() {
			found = r
		}
		return false
	})
	if found == nil {
		return Range{}, false
	}
	return *found, true
}

// Ranges returns all ranges in base order, for inspection and tests.
func (p *Pool) Ranges() []Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Range
	p.tree.Ascend(func(r *Range) bool {
		out = append(out, *r)
		return true
	})
	return out
}
