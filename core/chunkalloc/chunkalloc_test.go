package chunkalloc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmcore/emelcore/core/errs"
)

func TestConfigure_RejectsNonPowerOfTwoAlignment(t *testing.T) {
	// GIVEN a fresh allocator
	a := New()

	// WHEN Configure is called with alignment=3 (not a power of two)
	err := a.Configure(3, 4096)

	// THEN it fails with ErrInvalidArgument
	if err == nil || !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("Configure(3, 4096): got %v, want ErrInvalidArgument", err)
	}
}

func TestConfigure_RejectsMaxChunkSizeNotMultipleOfAlignment(t *testing.T) {
	a := New()
	err := a.Configure(16, 100)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestConfigure_RejectsZeroMaxChunkSize(t *testing.T) {
	a := New()
	err := a.Configure(16, 0)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestAllocate_Zero_IsInvalidArgument(t *testing.T) {
	a := New()
	require.NoError(t, a.Configure(16, 4096))

	_, err := a.Allocate(0)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestAllocate_RoundsUpToAlignment(t *testing.T) {
	// GIVEN an allocator configured with alignment=16
	a := New()
	require.NoError(t, a.Configure(16, 4096))

	// WHEN a 10-byte allocation is requested
	got, err := a.Allocate(10)
	require.NoError(t, err)

	// THEN the aligned size rounds up to 16
	require.Equal(t, uint64(16), got.AlignedSize)
	require.Equal(t, uint64(0), got.Offset)
	require.Equal(t, int32(0), got.Chunk)
}

func TestAllocate_MaxChunkSize_SucceedsInFreshAllocator(t *testing.T) {
	a := New()
	require.NoError(t, a.Configure(16, 4096))

	got, err := a.Allocate(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(0), got.Offset)
	require.Equal(t, 1, a.ChunkCount())
}

func TestAllocate_OverMaxChunkSize_CreatesChunkSizedToRequest(t *testing.T) {
	// GIVEN an allocator with max_chunk_size=4096
	a := New()
	require.NoError(t, a.Configure(16, 4096))

	// WHEN a 4097-byte allocation is requested
	got, err := a.Allocate(4097)
	require.NoError(t, err)

	// THEN a new chunk is created sized to exactly the aligned request
	// (4097 rounded up to alignment 16 is 4112), not a multiple of 4096.
	size, err := a.ChunkSize(got.Chunk)
	require.NoError(t, err)
	require.Equal(t, uint64(4112), size)
}

func TestAllocate_FirstFitAcrossChunks(t *testing.T) {
	// GIVEN two 1024-byte chunks, both entirely free again after their
	// whole space is carved out and released
	a := New()
	require.NoError(t, a.Configure(16, 1024))

	// Force two chunks to exist.
	first, err := a.Allocate(1024)
	require.NoError(t, err)
	second, err := a.Allocate(1024)
	require.NoError(t, err)
	require.NotEqual(t, first.Chunk, second.Chunk)

	require.NoError(t, a.Release(first.Chunk, first.Offset, first.AlignedSize))
	require.NoError(t, a.Release(second.Chunk, second.Offset, second.AlignedSize))

	// WHEN allocating 32 bytes
	got, err := a.Allocate(32)
	require.NoError(t, err)

	// THEN the first chunk in definition order is chosen, not the second.
	require.Equal(t, first.Chunk, got.Chunk)
}

func TestAllocate_NoFitAndChunkCapReached_IsBackend(t *testing.T) {
	// GIVEN an allocator at the chunk cap, each chunk fully allocated
	a := New()
	require.NoError(t, a.Configure(16, 16))
	for i := 0; i < MaxChunks; i++ {
		_, err := a.Allocate(16)
		require.NoError(t, err)
	}
	require.Equal(t, MaxChunks, a.ChunkCount())

	// WHEN one more allocation is requested
	_, err := a.Allocate(16)

	// THEN it fails with ErrBackend
	require.ErrorIs(t, err, errs.ErrBackend)
}

func TestReleaseThenReset_RoundTrip(t *testing.T) {
	// GIVEN an allocator with several outstanding allocations
	a := New()
	require.NoError(t, a.Configure(16, 4096))

	var allocs []Allocation
	for i := 0; i < 5; i++ {
		got, err := a.Allocate(64)
		require.NoError(t, err)
		allocs = append(allocs, got)
	}
	countAfterReset, err := a.FreeBlockCount(0)
	require.NoError(t, err)
	_ = countAfterReset

	// WHEN every allocation is released, in arbitrary order
	for i := len(allocs) - 1; i >= 0; i-- {
		require.NoError(t, a.Release(allocs[i].Chunk, allocs[i].Offset, allocs[i].AlignedSize))
	}
	releasedBlocks, err := a.FreeBlockCount(0)
	require.NoError(t, err)

	// THEN the state matches a fresh Reset(): a single free block covering
	// the whole chunk.
	require.NoError(t, a.Reset())
	resetBlocks, err := a.FreeBlockCount(0)
	require.NoError(t, err)
	require.Equal(t, resetBlocks, releasedBlocks)
	require.Equal(t, 1, releasedBlocks)
}

func TestRelease_OutOfRangeChunk_IsInvalidArgument(t *testing.T) {
	a := New()
	require.NoError(t, a.Configure(16, 4096))

	err := a.Release(5, 0, 16)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestRelease_OverlappingExistingFreeBlock_IsInvalidArgument(t *testing.T) {
	// GIVEN an allocator with one chunk whose tail [16, 4096) is free
	a := New()
	require.NoError(t, a.Configure(16, 4096))
	_, err := a.Allocate(16)
	require.NoError(t, err)

	// WHEN releasing a range that was never allocated (it lies inside the
	// free tail of chunk 0)
	err = a.Release(0, 16, 16)

	// THEN it is rejected
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestCoalesce_AdjacentReleasesMerge(t *testing.T) {
	// GIVEN three adjacent 16-byte allocations
	a := New()
	require.NoError(t, a.Configure(16, 4096))
	a1, err := a.Allocate(16)
	require.NoError(t, err)
	a2, err := a.Allocate(16)
	require.NoError(t, err)
	a3, err := a.Allocate(16)
	require.NoError(t, err)

	// WHEN all three are released
	require.NoError(t, a.Release(a1.Chunk, a1.Offset, a1.AlignedSize))
	require.NoError(t, a.Release(a2.Chunk, a2.Offset, a2.AlignedSize))
	require.NoError(t, a.Release(a3.Chunk, a3.Offset, a3.AlignedSize))

	// THEN the free list merges them into a single block big enough for
	// a 48-byte allocation at offset 0.
	got, err := a.Allocate(48)
	require.NoError(t, err)
	require.Equal(t, uint64(0), got.Offset)
}
