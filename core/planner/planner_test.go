package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmcore/emelcore/core/dispatch"
	"github.com/llmcore/emelcore/core/graph"
)

func noSrc() [graph.MaxSources]int32 { return [graph.MaxSources]int32{-1, -1, -1, -1} }

func src1(a int32) [graph.MaxSources]int32 { return [graph.MaxSources]int32{a, -1, -1, -1} }

// TestRun_LinearChain_PlansWithoutError: leaf(0) -> node(1) -> node(2), all
// on buffer 0. Node 1 is the sole reader of leaf 0 with no views, so it
// takes over leaf 0's storage in place; node 2 is in turn the sole reader
// of node 1 and takes over the same region. This exercises the phase-5/6
// interleaving and bounds the buffer size without asserting specific
// offsets.
func TestRun_LinearChain_PlansWithoutError(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 64, SrcIDs: noSrc()}},
		Nodes: []graph.TensorDesc{
			{TensorID: 1, AllocSize: 64, SrcIDs: src1(0)},
			{TensorID: 2, AllocSize: 64, SrcIDs: src1(1)},
		},
	}
	p := New()
	plan, err := p.Run(Input{
		Graph:     g,
		BufferIDs: []int32{0, 0, 0},
		Alignment: map[int32]uint64{0: 16},
		MaxSize:   map[int32]uint64{0: 0},
	})
	require.NoError(t, err)

	// GIVEN leaf 0 is consumed solely by node 1, WHEN node 1 completes and
	// is itself consumed solely by node 2, THEN node 2 reuses node 1's
	// offset (same buffer, non-view, large enough), so the buffer never
	// needs more than one tensor's worth of bytes resident at once.
	require.LessOrEqual(t, plan.BytesByBuffer[0], int64(128))
	require.False(t, plan.MultiChunkSplit)
}

// TestRun_DiamondDependency_ReuseOnlyAtLastReader verifies a leaf read by
// two nodes is not reused in-place by the first reader (n_children==2 when
// node 1 runs), but becomes eligible for the second, final reader once
// node 1's own decrement has brought the leaf's child count down to 1.
func TestRun_DiamondDependency_ReuseOnlyAtLastReader(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 32, SrcIDs: noSrc()}},
		Nodes: []graph.TensorDesc{
			{TensorID: 1, AllocSize: 32, SrcIDs: src1(0)},
			{TensorID: 2, AllocSize: 32, SrcIDs: src1(0)},
		},
	}
	p := New()
	plan, err := p.Run(Input{
		Graph:     g,
		BufferIDs: []int32{0, 0, 0},
		Alignment: map[int32]uint64{0: 16},
		MaxSize:   map[int32]uint64{0: 0},
	})
	require.NoError(t, err)

	// Node 1 cannot reuse leaf 0 (still has a second reader pending), so it
	// gets a fresh 32-byte region; node 2 is leaf 0's last reader and does
	// reuse its storage. Total residency is 2*32, not 3*32.
	require.Equal(t, int64(64), plan.BytesByBuffer[0])
	require.NotEqual(t, plan.Records[0].AllocOffset, plan.Records[1].AllocOffset)
	require.Equal(t, plan.Records[0].AllocOffset, plan.Records[2].AllocOffset)
}

// TestRun_ExplicitInput_Allocated verifies a leaf marked
// is_input is allocated during phase 4, before any node consumes it.
func TestRun_ExplicitInput_Allocated(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 16, SrcIDs: noSrc(), IsInput: true}},
		Nodes: []graph.TensorDesc{{TensorID: 1, AllocSize: 16, SrcIDs: src1(0)}},
	}
	p := New()
	plan, err := p.Run(Input{
		Graph:     g,
		BufferIDs: []int32{0, 0},
		Alignment: map[int32]uint64{0: 16},
		MaxSize:   map[int32]uint64{0: 0},
	})
	require.NoError(t, err)
	// Phase 4 assigns leaf 0 an offset before node 1 ever runs; by the time
	// planning finishes node 1 (its only reader) has taken over the same
	// storage via in-place reuse, so the offset survives even though the
	// leaf's own Allocated flag has since been cleared.
	require.Equal(t, int64(0), plan.Records[0].AllocOffset)
	require.Equal(t, plan.Records[0].AllocOffset, plan.Records[1].AllocOffset)
}

// TestRun_ExternalDataLeaf_NotAllocatable verifies a leaf with external
// data is seeded as non-allocatable and never occupies buffer space.
func TestRun_ExternalDataLeaf_NotAllocatable(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 16, SrcIDs: noSrc(), IsInput: true, HasExternalData: true}},
		Nodes: []graph.TensorDesc{{TensorID: 1, AllocSize: 16, SrcIDs: src1(0)}},
	}
	p := New()
	plan, err := p.Run(Input{
		Graph:     g,
		BufferIDs: []int32{0, 0},
		Alignment: map[int32]uint64{0: 16},
		MaxSize:   map[int32]uint64{0: 0},
	})
	require.NoError(t, err)
	require.False(t, plan.Records[0].Allocated)
}

// TestRun_BufferExceedsMaxSize_SplitsIntoChunks verifies the split-required
// phase's chunk split when bytes_by_buffer exceeds buffer_max_sizes.
func TestRun_BufferExceedsMaxSize_SplitsIntoChunks(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{
			{TensorID: 0, AllocSize: 100, SrcIDs: noSrc(), IsInput: true},
			{TensorID: 1, AllocSize: 100, SrcIDs: noSrc(), IsInput: true},
			{TensorID: 2, AllocSize: 100, SrcIDs: noSrc(), IsInput: true},
		},
		Nodes: []graph.TensorDesc{{TensorID: 3, AllocSize: 4, SrcIDs: [graph.MaxSources]int32{0, 1, 2, -1}}},
	}
	p := New()
	plan, err := p.Run(Input{
		Graph:     g,
		BufferIDs: []int32{0, 0, 0, 0},
		Alignment: map[int32]uint64{0: 16},
		MaxSize:   map[int32]uint64{0: 128},
	})
	require.NoError(t, err)
	require.True(t, plan.MultiChunkSplit)

	var cp ChunkPlan
	for _, c := range plan.Chunks {
		if c.BufferID == 0 {
			cp = c
		}
	}
	require.Greater(t, len(cp.ChunkSizes), 1)
	var sum int64
	for _, s := range cp.ChunkSizes {
		require.LessOrEqual(t, s, int64(128))
		sum += s
	}
	require.Equal(t, cp.Bytes, sum)
}

// TestRun_BufferIDCountMismatch_IsInvalidArgument verifies the per-tensor
// buffer assignment must cover the whole arena.
func TestRun_BufferIDCountMismatch_IsInvalidArgument(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 16, SrcIDs: noSrc(), IsInput: true}},
		Nodes: []graph.TensorDesc{{TensorID: 1, AllocSize: 16, SrcIDs: src1(0)}},
	}
	p := New()
	_, err := p.Run(Input{
		Graph:     g,
		BufferIDs: []int32{0}, // only one entry for a two-tensor arena
	})
	require.Error(t, err)
}

// TestRun_StrategyOverride_ForcesFreshAllocation verifies an
// AllowInPlaceReuse override can force every node to allocate fresh
// storage instead of reusing an eligible source.
func TestRun_StrategyOverride_ForcesFreshAllocation(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 32, SrcIDs: noSrc()}},
		Nodes: []graph.TensorDesc{
			{TensorID: 1, AllocSize: 32, SrcIDs: src1(0)},
			{TensorID: 2, AllocSize: 32, SrcIDs: src1(1)},
		},
	}
	noReuse := &Strategy{AllowInPlaceReuse: func(src, dst *TensorRecord) bool { return false }}
	p := New()
	plan, err := p.Run(Input{
		Graph:            g,
		BufferIDs:        []int32{0, 0, 0},
		Alignment:        map[int32]uint64{0: 16},
		MaxSize:          map[int32]uint64{0: 0},
		StrategyOverride: noReuse,
	})
	require.NoError(t, err)
	// No node shares its own source's offset since reuse is disabled; node 2
	// lands in leaf 0's region, which was released after node 1 read it.
	require.NotEqual(t, plan.Records[0].AllocOffset, plan.Records[1].AllocOffset)
	require.NotEqual(t, plan.Records[1].AllocOffset, plan.Records[2].AllocOffset)
}

// TestRun_OnEvent_DeliversPhaseEventsInOrder verifies Run drains its
// internal dispatch queue through OnEvent, delivering one "<phase>_done"
// event per phase in pipeline order, ending with split_required.
func TestRun_OnEvent_DeliversPhaseEventsInOrder(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 16, SrcIDs: noSrc(), IsInput: true}},
		Nodes: []graph.TensorDesc{{TensorID: 1, AllocSize: 16, SrcIDs: src1(0)}},
	}
	var names []string
	p := New()
	_, err := p.Run(Input{
		Graph:     g,
		BufferIDs: []int32{0, 0},
		Alignment: map[int32]uint64{0: 16},
		MaxSize:   map[int32]uint64{0: 0},
		OnEvent: func(ownerContext any, ev dispatch.Event) bool {
			names = append(names, ev.Name)
			return true
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"build_index_done",
		"reset_done",
		"seed_leafs_done",
		"count_references_done",
		"allocate_explicit_inputs_done",
		"plan_nodes_done",
		"finalize_done",
		"split_required_done",
	}, names)
}

// TestRun_OnEvent_DeliversErrorEventAndStopsThere verifies a phase failure
// posts exactly one "<phase>_error" event (carrying the same error Run
// returns) and no further phase events follow it.
func TestRun_OnEvent_DeliversErrorEventAndStopsThere(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 16, SrcIDs: noSrc(), IsInput: true}},
		Nodes: []graph.TensorDesc{{TensorID: 1, AllocSize: 16, SrcIDs: src1(0)}},
	}
	var events []dispatch.Event
	p := New()
	_, err := p.Run(Input{
		Graph:     g,
		BufferIDs: []int32{0}, // mismatched count triggers the build_index phase error
		OnEvent: func(ownerContext any, ev dispatch.Event) bool {
			events = append(events, ev)
			return true
		},
	})
	require.Error(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "build_index_error", events[0].Name)
	require.ErrorIs(t, events[0].Err, err)
}
