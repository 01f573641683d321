// Package fsdesc implements the per-process filesystem descriptor table
// (spec.md component C11): a map from integer descriptor to a virtual
// filesystem node id, offset, and open flags, with
// open/close/clone/seek/read/write entrypoints. Grounded directly on
// spec.md section 4.11; no concrete on-disk filesystem layout is
// specified here, only the descriptor bookkeeping and the VirtualNode
// seam a real filesystem driver would sit behind.
package fsdesc

import (
	"fmt"
	"sync"
)

// SeekMode selects how Seek interprets its offset argument.
type SeekMode int

const (
	SeekAbsolute SeekMode = iota
	SeekRelative
	SeekEnd
)

// VirtualNode is the minimal seam a concrete filesystem (userspace driver,
// per spec.md section 1's Out-of-scope list) implements for the kernel to
// delegate reads and writes to.
type VirtualNode interface {
	ReadAt(offset int64, buf []byte) (n int, err error)
	WriteAt(offset int64, buf []byte) (n int, err error)
	Length() int64
}

// Entry is one descriptor's bookkeeping, per spec.md's FileDescriptor data
// model.
type Entry struct {
	NodeID    int
	Offset    int64
	OpenFlags int
}

// Table is one process's descriptor table.
type Table struct {
	mu      sync.Mutex
	entries map[int]Entry
	nextFD  int
	resolve func(nodeID int) (VirtualNode, bool)
}

// NewTable builds an empty descriptor table. resolve looks up the
// VirtualNode backing a node id; Read/Write use it to delegate.
func NewTable(resolve func(nodeID int) (VirtualNode, bool)) *Table {
	return &Table{entries: make(map[int]Entry), resolve: resolve}
}

// Map binds a descriptor to node, preferring fdHint if it is not already
// bound, else the next free id, per spec.md section 4.11.
func (t *Table) Map(node int, fdHint int, flags int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := fdHint
	if fd < 0 {
		fd = t.allocateLocked()
	} else if _, taken := t.entries[fd]; taken {
		fd = t.allocateLocked()
	}
	t.entries[fd] = Entry{NodeID: node, OpenFlags: flags}
	if fd >= t.nextFD {
		t.nextFD = fd + 1
	}
	return fd
}

func (t *Table) allocateLocked() int {
	for {
		fd := t.nextFD
		t.nextFD++
		if _, taken := t.entries[fd]; !taken {
			return fd
		}
	}
}

// Unmap deletes fd's entry.
func (t *Table) Unmap(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, fd)
}

// UnmapAll clears the table, run at process teardown (spec.md section
// 4.6).
func (t *Table) UnmapAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[int]Entry)
}

// Get returns fd's entry.
func (t *Table) Get(fd int) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	return e, ok
}

// Clone copies fd's entry under a new descriptor id, returning it.
func (t *Table) Clone(fd int) (int, error) {
	t.mu.Lock()
	e, ok := t.entries[fd]
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("fsdesc: clone: no such descriptor %d", fd)
	}
	return t.Map(e.NodeID, -1, e.OpenFlags), nil
}

// Seek adjusts fd's offset per mode, clamping to [0, length].
func (t *Table) Seek(fd int, offset int64, mode SeekMode) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	if !ok {
		return 0, fmt.Errorf("fsdesc: seek: no such descriptor %d", fd)
	}
	node, ok := t.resolve(e.NodeID)
	if !ok {
		return 0, fmt.Errorf("fsdesc: seek: no such node %d", e.NodeID)
	}
	length := node.Length()

	var newOffset int64
	switch mode {
	case SeekAbsolute:
		newOffset = offset
	case SeekRelative:
		newOffset = e.Offset + offset
	case SeekEnd:
		newOffset = length + offset
	default:
		return 0, fmt.Errorf("fsdesc: seek: invalid mode %d", mode)
	}
	if newOffset < 0 {
		newOffset = 0
	}
	if newOffset > length {
		newOffset = length
	}
	e.Offset = newOffset
	t.entries[fd] = e
	return newOffset, nil
}

// Read delegates to fd's node starting at its current offset and advances
// the offset by the number of bytes actually transferred.
func (t *Table) Read(fd int, buf []byte) (int, error) {
	t.mu.Lock()
	e, ok := t.entries[fd]
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("fsdesc: read: no such descriptor %d", fd)
	}
	node, ok := t.resolve(e.NodeID)
	if !ok {
		return 0, fmt.Errorf("fsdesc: read: no such node %d", e.NodeID)
	}
	n, err := node.ReadAt(e.Offset, buf)

	t.mu.Lock()
	e = t.entries[fd]
	e.Offset += int64(n)
	t.entries[fd] = e
	t.mu.Unlock()
	return n, err
}

// Write delegates to fd's node starting at its current offset and
// advances the offset by the number of bytes actually transferred.
func (t *Table) Write(fd int, buf []byte) (int, error) {
	t.mu.Lock()
	e, ok := t.entries[fd]
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("fsdesc: write: no such descriptor %d", fd)
	}
	node, ok := t.resolve(e.NodeID)
	if !ok {
		return 0, fmt.Errorf("fsdesc: write: no such node %d", e.NodeID)
	}
	n, err := node.WriteAt(e.Offset, buf)

	t.mu.Lock()
	e = t.entries[fd]
	e.Offset += int64(n)
	t.entries[fd] = e
	t.mu.Unlock()
	return n, err
}
