// Package graph defines the tensor graph descriptor shared by the realloc
// analyzer, lifetime analyzer, and buffer planner. It realizes
// the "cyclic graphs of tensor views -> arena + index model" design note:
// tensors live in flat Nodes/Leafs slices, src/view references are resolved
// to slice indices by a single ingestion pass, and any reference that does
// not resolve within the same view is rejected before any analysis runs.
package graph

import (
	"fmt"

	"github.com/llmcore/emelcore/core/errs"
)

// MaxSources bounds the number of source tensor ids a node may reference,
// matching the reference implementation's `src_ids: [i32; 4]`.
const MaxSources = 4

// MaxGraphTensors bounds the combined node+leaf count of a single graph
// view, matching the reference's ~2048-tensor graph size bound.
const MaxGraphTensors = 2048

// NoID marks an absent tensor reference (a negative src slot, or a
// view_src_id on a non-view tensor).
const NoID int32 = -1

// TensorDesc describes one tensor: an execution node or a leaf (input or
// constant referenced by nodes).
type TensorDesc struct {
	TensorID          int32
	AllocSize         int32
	SrcIDs            [MaxSources]int32
	IsView            bool
	ViewSrcID         int32
	IsInput           bool
	IsOutput          bool
	HasExternalData   bool
	IsControlDepView  bool // a view excluded from the view reference counter but still first_use-tracked
}

// View is an ordered tensor graph: nodes in execution order, plus leaves
// (inputs/constants) referenced by nodes but not themselves executed.
type View struct {
	Nodes []TensorDesc
	Leafs []TensorDesc
}

// Index resolves every TensorID in a View to its position in a combined
// arena (leafs first, then nodes, matching the planner's seed-leafs-before-
// nodes phase order), and validates that every SrcIDs/ViewSrcID reference
// resolves within the same view.
type Index struct {
	// Arena holds every tensor in the view, leafs first then nodes.
	Arena []TensorDesc
	// posByID maps a TensorID to its position in Arena.
	posByID map[int32]int
	// NumLeafs is the number of leading Arena entries that are leaves.
	NumLeafs int
}

// BuildIndex validates and indexes a graph view. It rejects a view whose
// node/leaf count exceeds MaxGraphTensors, that contains a duplicate
// TensorID, or whose SrcIDs/ViewSrcID references do not resolve to a
// tensor in the same view.
func BuildIndex(g View) (*Index, error) {
	total := len(g.Nodes) + len(g.Leafs)
	if total > MaxGraphTensors {
		return nil, fmt.Errorf("graph: build_index: %w: %d tensors exceeds max %d", errs.ErrInvalidArgument, total, MaxGraphTensors)
	}

	idx := &Index{
		Arena:    make([]TensorDesc, 0, total),
		posByID:  make(map[int32]int, total),
		NumLeafs: len(g.Leafs),
	}
	for _, t := range g.Leafs {
		if t.TensorID < 0 {
			return nil, fmt.Errorf("graph: build_index: %w: leaf has negative tensor_id", errs.ErrInvalidArgument)
		}
		if _, dup := idx.posByID[t.TensorID]; dup {
			return nil, fmt.Errorf("graph: build_index: %w: duplicate tensor_id %d", errs.ErrInvalidArgument, t.TensorID)
		}
		idx.posByID[t.TensorID] = len(idx.Arena)
		idx.Arena = append(idx.Arena, t)
	}
	for _, t := range g.Nodes {
		if t.TensorID < 0 {
			return nil, fmt.Errorf("graph: build_index: %w: node has negative tensor_id", errs.ErrInvalidArgument)
		}
		if _, dup := idx.posByID[t.TensorID]; dup {
			return nil, fmt.Errorf("graph: build_index: %w: duplicate tensor_id %d", errs.ErrInvalidArgument, t.TensorID)
		}
		idx.posByID[t.TensorID] = len(idx.Arena)
		idx.Arena = append(idx.Arena, t)
	}

	for i := range idx.Arena {
		t := &idx.Arena[i]
		for _, s := range t.SrcIDs {
			if s == NoID {
				continue
			}
			if _, ok := idx.posByID[s]; !ok {
				return nil, fmt.Errorf("graph: build_index: %w: tensor %d references unknown src %d", errs.ErrInvalidArgument, t.TensorID, s)
			}
		}
		if t.IsView {
			if t.ViewSrcID < 0 {
				return nil, fmt.Errorf("graph: build_index: %w: view tensor %d has no view_src_id", errs.ErrInvalidArgument, t.TensorID)
			}
			if _, ok := idx.posByID[t.ViewSrcID]; !ok {
				return nil, fmt.Errorf("graph: build_index: %w: tensor %d references unknown view_src %d", errs.ErrInvalidArgument, t.TensorID, t.ViewSrcID)
			}
		}
	}

	return idx, nil
}

// PosOf returns the arena position of id, or -1 if absent.
func (idx *Index) PosOf(id int32) int {
	if id == NoID {
		return -1
	}
	p, ok := idx.posByID[id]
	if !ok {
		return -1
	}
	return p
}

// IsNode reports whether the arena position p refers to an execution node
// (as opposed to a leaf).
func (idx *Index) IsNode(p int) bool { return p >= idx.NumLeafs }

// NodeIndex converts an arena position that is known to be a node into a
// 0-based execution-order node index.
func (idx *Index) NodeIndex(p int) int { return p - idx.NumLeafs }
