// Package chunkalloc implements a bounded first-fit chunk allocator: it
// partitions one or more logical buffers into aligned chunks and answers
// (size) -> (chunk id, offset). Chunks are created lazily, up to a fixed
// cap, and each chunk's free space is tracked as an offset-sorted list of
// free blocks that merge on release.
package chunkalloc

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/llmcore/emelcore/core/errs"
	"github.com/llmcore/emelcore/core/freelist"
)

// MaxChunks bounds the number of chunks an Allocator may create, mirroring
// the reference implementation's `chunks: [chunk_record; <=16]`.
const MaxChunks = 16

// chunkRecord is the per-chunk allocation state: total capacity and the
// offset-sorted, pairwise-disjoint list of free blocks.
type chunkRecord struct {
	maxSize uint64
	free    freelist.List
}

// Allocation is the result of a successful Allocate call.
type Allocation struct {
	Chunk       int32
	Offset      uint64
	AlignedSize uint64
}

// Allocator is a bounded first-fit allocator over a growable set of
// aligned chunks. The zero value is not ready to use; call Configure first.
type Allocator struct {
	alignment    uint64
	maxChunkSize uint64
	chunks       []chunkRecord
	configured   bool

	log *logrus.Entry
}

// New returns an unconfigured Allocator. Callers must call Configure before
// any other operation.
func New() *Allocator {
	return &Allocator{log: logrus.WithField("component", "chunkalloc")}
}

// isPowerOfTwo reports whether v is a power of two, v >= 1.
func isPowerOfTwo(v uint64) bool {
	return v >= 1 && (v&(v-1)) == 0
}

// Configure validates and installs the alignment and max chunk size for all
// subsequently created chunks: alignment must be a power
// of two >= 1; max_chunk_size must be positive and a multiple of alignment.
func (a *Allocator) Configure(alignment, maxChunkSize uint64) error {
	if !isPowerOfTwo(alignment) {
		return fmt.Errorf("chunkalloc: configure: %w: alignment %d is not a power of two", errs.ErrInvalidArgument, alignment)
	}
	if maxChunkSize == 0 {
		return fmt.Errorf("chunkalloc: configure: %w: max_chunk_size must be positive", errs.ErrInvalidArgument)
	}
	if maxChunkSize%alignment != 0 {
		return fmt.Errorf("chunkalloc: configure: %w: max_chunk_size %d is not a multiple of alignment %d", errs.ErrInvalidArgument, maxChunkSize, alignment)
	}
	a.alignment = alignment
	a.maxChunkSize = maxChunkSize
	a.chunks = a.chunks[:0]
	a.configured = true
	a.log.Debugf("configured alignment=%d max_chunk_size=%d", alignment, maxChunkSize)
	return nil
}

// roundUp rounds size up to the nearest multiple of alignment.
func roundUp(size, alignment uint64) uint64 {
	if size == 0 {
		return 0
	}
	rem := size % alignment
	if rem == 0 {
		return size
	}
	return size + (alignment - rem)
}

// Allocate reserves aligned_size = round_up(size, alignment) bytes. It takes
// the first chunk, in definition order, that has a free block of at least
// aligned_size, and within that chunk the smallest such block (the earliest
// one among blocks of equal size). If no existing chunk fits, a new chunk is
// created sized max(max_chunk_size, aligned_size), with no further rounding,
// unless that would exceed MaxChunks.
func (a *Allocator) Allocate(size uint64) (Allocation, error) {
	if !a.configured {
		return Allocation{}, fmt.Errorf("chunkalloc: allocate: %w: not configured", errs.ErrInvalidArgument)
	}
	if size == 0 {
		return Allocation{}, fmt.Errorf("chunkalloc: allocate: %w: size must be positive", errs.ErrInvalidArgument)
	}
	aligned := roundUp(size, a.alignment)

	if err := a.validateAllocate(aligned); err != nil {
		return Allocation{}, err
	}

	if idx, blockIdx, ok := a.selectBlock(aligned); ok {
		return a.commitAllocate(idx, blockIdx, aligned), nil
	}

	idx, err := a.ensureChunk(aligned)
	if err != nil {
		return Allocation{}, err
	}
	_, blockIdx, ok := a.selectBlock(aligned)
	if !ok || blockIdx == -1 {
		// Defensive: a freshly created chunk of >= aligned size always
		// has a single free block covering it.
		return Allocation{}, fmt.Errorf("chunkalloc: allocate: %w: new chunk %d has no fitting block", errs.ErrBackend, idx)
	}
	return a.commitAllocate(idx, blockIdx, aligned), nil
}

// validateAllocate is a no-op guard hook today (aligned size is always
// well-formed by construction); it exists as its own named step so the
// staging mirrors the reference implementation's
// validate_allocate -> select_block -> ensure_chunk -> commit_allocate
// phase sequence (original_source/src/emel/buffer/chunk_allocator/events.hpp).
func (a *Allocator) validateAllocate(aligned uint64) error {
	if aligned == 0 {
		return fmt.Errorf("chunkalloc: allocate: %w: aligned size is zero", errs.ErrInvalidArgument)
	}
	return nil
}

// selectBlock scans existing chunks in order for the first chunk containing
// a free block of at least aligned_size, preferring (within that chunk) the
// smallest block that still fits (best-fit tie-break). Returns ok=false if
// no existing chunk has a fit.
func (a *Allocator) selectBlock(aligned uint64) (chunkIdx int, blockIdx int, ok bool) {
	for ci := range a.chunks {
		if bi, found := a.chunks[ci].free.BestFit(aligned); found {
			return ci, bi, true
		}
	}
	return -1, -1, false
}

// ensureChunk creates a new chunk able to hold aligned_size, rejecting the
// request if the chunk cap (MaxChunks) would be exceeded.
func (a *Allocator) ensureChunk(aligned uint64) (int, error) {
	if len(a.chunks) >= MaxChunks {
		return -1, fmt.Errorf("chunkalloc: allocate: %w: chunk limit %d reached", errs.ErrBackend, MaxChunks)
	}
	size := a.maxChunkSize
	if aligned > size {
		size = aligned
	}
	rec := chunkRecord{maxSize: size}
	rec.free.Reset(size)
	a.chunks = append(a.chunks, rec)
	idx := len(a.chunks) - 1
	a.log.Debugf("created chunk %d size=%d", idx, size)
	return idx, nil
}

// commitAllocate splits the free block at blockIdx within chunk chunkIdx,
// returning the prefix of aligned_size as the allocation and leaving any
// non-zero suffix as a new free block in the same position.
func (a *Allocator) commitAllocate(chunkIdx, blockIdx int, aligned uint64) Allocation {
	c := &a.chunks[chunkIdx]
	offset := c.free.Take(blockIdx, aligned)
	return Allocation{Chunk: int32(chunkIdx), Offset: offset, AlignedSize: aligned}
}

// Release returns [offset, offset+round_up(size,alignment)) to chunk_id's
// free list, coalescing with a touching predecessor and/or successor.
func (a *Allocator) Release(chunkID int32, offset, size uint64) error {
	if !a.configured {
		return fmt.Errorf("chunkalloc: release: %w: not configured", errs.ErrInvalidArgument)
	}
	if chunkID < 0 || int(chunkID) >= len(a.chunks) {
		return fmt.Errorf("chunkalloc: release: %w: chunk %d out of range", errs.ErrInvalidArgument, chunkID)
	}
	aligned := roundUp(size, a.alignment)
	c := &a.chunks[chunkID]
	if offset+aligned > c.maxSize {
		return fmt.Errorf("chunkalloc: release: %w: [%d,%d) exceeds chunk size %d", errs.ErrInvalidArgument, offset, offset+aligned, c.maxSize)
	}
	// Overlap with an existing free block is a misuse of Release: the
	// range being released must currently be outstanding.
	if blk, overlaps := c.free.Overlaps(offset, aligned); overlaps {
		return fmt.Errorf("chunkalloc: release: %w: [%d,%d) overlaps existing free block [%d,%d)", errs.ErrInvalidArgument, offset, offset+aligned, blk.Offset, blk.Offset+blk.Size)
	}

	c.free.Release(offset, aligned)
	return nil
}

// Reset returns every existing chunk to a single free block covering
// [0, max_size); the chunk count is unchanged.
func (a *Allocator) Reset() error {
	if !a.configured {
		return fmt.Errorf("chunkalloc: reset: %w: not configured", errs.ErrInvalidArgument)
	}
	for i := range a.chunks {
		a.chunks[i].free.Reset(a.chunks[i].maxSize)
	}
	return nil
}

// ChunkCount reports the number of chunks created so far.
func (a *Allocator) ChunkCount() int { return len(a.chunks) }

// ChunkSize reports the max_size of a given chunk.
func (a *Allocator) ChunkSize(chunkID int32) (uint64, error) {
	if chunkID < 0 || int(chunkID) >= len(a.chunks) {
		return 0, fmt.Errorf("chunkalloc: chunk_size: %w: chunk %d out of range", errs.ErrInvalidArgument, chunkID)
	}
	return a.chunks[chunkID].maxSize, nil
}

// FreeBlockCount reports the number of free blocks in a given chunk, for
// diagnostics and tests.
func (a *Allocator) FreeBlockCount(chunkID int32) (int, error) {
	if chunkID < 0 || int(chunkID) >= len(a.chunks) {
		return 0, fmt.Errorf("chunkalloc: free_block_count: %w: chunk %d out of range", errs.ErrInvalidArgument, chunkID)
	}
	return a.chunks[chunkID].free.Len(), nil
}
