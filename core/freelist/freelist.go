// Package freelist implements the offset-sorted, coalescing free-block list
// shared by the chunk allocator and the buffer planner's
// per-buffer layouts. Both machines need the same shape of
// structure — pairwise-disjoint blocks kept sorted by offset, split on
// take, merged on release — so it is factored out once rather than
// duplicated.
package freelist

import "github.com/gammazero/deque"

// Block is one free region: [Offset, Offset+Size).
type Block struct {
	Offset uint64
	Size   uint64
}

// List is an offset-sorted, pairwise-disjoint sequence of free Blocks.
// The zero value is an empty, usable list.
type List struct {
	d deque.Deque[Block]
}

// Len reports the number of free blocks.
func (l *List) Len() int { return l.d.Len() }

// At returns the block at position i (0-based, offset order).
func (l *List) At(i int) Block { return l.d.At(i) }

// Reset clears the list and installs a single free block covering
// [0, total).
func (l *List) Reset(total uint64) {
	l.d.Clear()
	if total > 0 {
		l.d.PushBack(Block{Offset: 0, Size: total})
	}
}

// Clear empties the list with no replacement block.
func (l *List) Clear() { l.d.Clear() }

// BestFit scans the list in order and returns the index of the smallest
// block whose size is >= need, preferring the earliest such block among
// ties. Reports ok=false when no block fits.
func (l *List) BestFit(need uint64) (idx int, ok bool) {
	best := -1
	var bestSize uint64
	for i := 0; i < l.d.Len(); i++ {
		b := l.d.At(i)
		if b.Size >= need && (best == -1 || b.Size < bestSize) {
			best = i
			bestSize = b.Size
		}
	}
	if best == -1 {
		return -1, false
	}
	return best, true
}

// Take splits the free block at idx, removing a prefix of size `need` and
// returning its offset; any non-zero suffix remains as a (smaller) free
// block in the same position.
func (l *List) Take(idx int, need uint64) uint64 {
	b := l.d.At(idx)
	offset := b.Offset
	remaining := b.Size - need
	if remaining == 0 {
		l.d.Remove(idx)
	} else {
		l.d.Set(idx, Block{Offset: offset + need, Size: remaining})
	}
	return offset
}

// Overlaps reports whether [offset, offset+size) intersects any existing
// free block.
func (l *List) Overlaps(offset, size uint64) (Block, bool) {
	end := offset + size
	for i := 0; i < l.d.Len(); i++ {
		b := l.d.At(i)
		if offset < b.Offset+b.Size && b.Offset < end {
			return b, true
		}
	}
	return Block{}, false
}

// Release inserts [offset, offset+size) in offset order and coalesces it
// with a touching predecessor and/or successor. The caller is responsible
// for ensuring the range does not overlap an existing free block (Overlaps
// can be used to check first); Release itself does not re-validate.
func (l *List) Release(offset, size uint64) {
	insertAt := l.d.Len()
	for i := 0; i < l.d.Len(); i++ {
		if l.d.At(i).Offset >= offset+size {
			insertAt = i
			break
		}
	}
	l.d.Insert(insertAt, Block{Offset: offset, Size: size})
	l.coalesce(insertAt)
}

// coalesce merges the block at idx with an immediate predecessor and/or
// successor that touches it.
func (l *List) coalesce(idx int) {
	if idx+1 < l.d.Len() {
		cur := l.d.At(idx)
		next := l.d.At(idx + 1)
		if cur.Offset+cur.Size == next.Offset {
			l.d.Set(idx, Block{Offset: cur.Offset, Size: cur.Size + next.Size})
			l.d.Remove(idx + 1)
		}
	}
	if idx > 0 {
		prev := l.d.At(idx - 1)
		cur := l.d.At(idx)
		if prev.Offset+prev.Size == cur.Offset {
			l.d.Set(idx-1, Block{Offset: prev.Offset, Size: prev.Size + cur.Size})
			l.d.Remove(idx)
		}
	}
}
