package lifetime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmcore/emelcore/core/errs"
	"github.com/llmcore/emelcore/core/graph"
)

func noSrc() [graph.MaxSources]int32 { return [graph.MaxSources]int32{-1, -1, -1, -1} }

func src1(a int32) [graph.MaxSources]int32 { return [graph.MaxSources]int32{a, -1, -1, -1} }

func src2(a, b int32) [graph.MaxSources]int32 { return [graph.MaxSources]int32{a, b, -1, -1} }

// TestAnalyze_LinearChain: leaf(0) -> node(1) -> node(2). Each tensor is
// used exactly from its production point until its last reader.
func TestAnalyze_LinearChain(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 4, SrcIDs: noSrc()}},
		Nodes: []graph.TensorDesc{
			{TensorID: 1, AllocSize: 4, SrcIDs: src1(0)},
			{TensorID: 2, AllocSize: 4, SrcIDs: src1(1)},
		},
	}
	res, err := Analyze(g)
	require.NoError(t, err)

	// Leaf 0 at arena position 0, node 1 at position 1, node 2 at position 2.
	require.LessOrEqual(t, res.FirstUse[0], res.LastUse[0])
	require.LessOrEqual(t, res.FirstUse[1], res.LastUse[1])
	require.LessOrEqual(t, res.FirstUse[2], res.LastUse[2])

	// Leaf 0 is read by node 1 at position 1: last_use[0] == 1.
	require.Equal(t, 1, res.LastUse[0])
	// Node 1 is read by node 2 at position 2: last_use[1] == 2.
	require.Equal(t, 2, res.LastUse[1])
}

// TestAnalyze_DiamondDependency: two nodes share a leaf source; the leaf's
// last_use is the later of the two consumers.
func TestAnalyze_DiamondDependency(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 4, SrcIDs: noSrc()}},
		Nodes: []graph.TensorDesc{
			{TensorID: 1, AllocSize: 4, SrcIDs: src1(0)},
			{TensorID: 2, AllocSize: 4, SrcIDs: src1(0)},
			{TensorID: 3, AllocSize: 4, SrcIDs: src2(1, 2)},
		},
	}
	res, err := Analyze(g)
	require.NoError(t, err)

	// Leaf 0's last reader is node 2, at arena position 2.
	require.Equal(t, 2, res.LastUse[0])
	for _, s := range res.FirstUse {
		require.GreaterOrEqual(t, s, 0)
	}
}

// TestAnalyze_ViewCascade: a view of a leaf keeps the leaf alive until the
// view itself is released.
func TestAnalyze_ViewCascade(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 64, SrcIDs: noSrc()}},
		Nodes: []graph.TensorDesc{
			{TensorID: 1, AllocSize: 16, SrcIDs: noSrc(), IsView: true, ViewSrcID: 0},
			{TensorID: 2, AllocSize: 4, SrcIDs: src1(1)},
		},
	}
	res, err := Analyze(g)
	require.NoError(t, err)

	// View 1 is read by node 2 at position 2: last_use[1] == 2, and the
	// cascade propagates to the leaf it views, since the view has no other
	// readers and is itself released at the same step.
	require.Equal(t, 2, res.LastUse[1])
	require.Equal(t, 2, res.LastUse[0])
}

// TestAnalyze_ControlDepView_ExcludedFromViewCounter verifies a
// control-dependency view is excluded from the leaf's view counter, so the
// leaf can still expire from its ordinary readers alone.
func TestAnalyze_ControlDepView_ExcludedFromViewCounter(t *testing.T) {
	g := graph.View{
		Leafs: []graph.TensorDesc{{TensorID: 0, AllocSize: 64, SrcIDs: noSrc()}},
		Nodes: []graph.TensorDesc{
			{TensorID: 1, AllocSize: 4, SrcIDs: src1(0)},
			{TensorID: 2, AllocSize: 16, SrcIDs: noSrc(), IsView: true, ViewSrcID: 0, IsControlDepView: true},
		},
	}
	idx, err := graph.BuildIndex(g)
	require.NoError(t, err)
	counters := NewCounters(idx)
	// Leaf 0 has one ordinary child (node 1) and zero counted views (node 2
	// is a control-dep view, excluded).
	require.Equal(t, int32(1), counters.NChildren(0))
	require.Equal(t, int32(0), counters.NViews(0))
}

func TestAnalyze_DuplicateTensorID_IsInvalidArgument(t *testing.T) {
	g := graph.View{
		Nodes: []graph.TensorDesc{
			{TensorID: 1, SrcIDs: noSrc()},
			{TensorID: 1, SrcIDs: noSrc()},
		},
	}
	_, err := Analyze(g)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestAnalyze_MissingReferencedSrc_IsInvalidArgument(t *testing.T) {
	g := graph.View{
		Nodes: []graph.TensorDesc{
			{TensorID: 1, SrcIDs: src1(99)},
		},
	}
	_, err := Analyze(g)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestAnalyze_ViewWithNegativeViewSrc_IsInvalidArgument(t *testing.T) {
	g := graph.View{
		Nodes: []graph.TensorDesc{
			{TensorID: 1, SrcIDs: noSrc(), IsView: true, ViewSrcID: -1},
		},
	}
	_, err := Analyze(g)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}
