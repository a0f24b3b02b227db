// Package lifetime computes per-tensor first-use/last-use indices over a
// topologically ordered tensor graph, honoring views and control-dependency
// views. The buffer planner's "release expired" phase
// reuses the exact same reference-counting and cascade rules via
// NewCounters/ReleaseCascade, so the two components can never silently drift
// apart on what "expired" means.
package lifetime

import (
	"fmt"

	"github.com/llmcore/emelcore/core/errs"
	"github.com/llmcore/emelcore/core/graph"
)

// Result holds the first_use/last_use arrays, indexed by arena position
// (leafs first, then nodes in execution order — see graph.Index).
type Result struct {
	FirstUse []int
	LastUse  []int
}

// Counters holds the live reference counts driving the release cascade:
// n_children (remaining node reads) and n_views (remaining view tensors
// pointing at this tensor as their view_src). Both the lifetime analyzer and
// the buffer planner's "release expired" phase operate on a Counters value.
type Counters struct {
	idx       *graph.Index
	nChildren []int32
	nViews    []int32
}

// NewCounters builds the initial reference counts for idx: n_children[t] is
// the number of times t appears in another tensor's SrcIDs; n_views[t] is
// the number of non-control-dependency view tensors whose ViewSrcID is t.
func NewCounters(idx *graph.Index) *Counters {
	c := &Counters{
		idx:       idx,
		nChildren: make([]int32, len(idx.Arena)),
		nViews:    make([]int32, len(idx.Arena)),
	}
	for _, t := range idx.Arena {
		for _, s := range t.SrcIDs {
			if s == graph.NoID {
				continue
			}
			c.nChildren[idx.PosOf(s)]++
		}
		if t.IsView && !t.IsControlDepView {
			c.nViews[idx.PosOf(t.ViewSrcID)]++
		}
	}
	return c
}

// NChildren returns the live child-reference count for the tensor at arena
// position p.
func (c *Counters) NChildren(p int) int32 { return c.nChildren[p] }

// NViews returns the live view-reference count for the tensor at arena
// position p.
func (c *Counters) NViews(p int) int32 { return c.nViews[p] }

// Expired reports whether the tensor at position p has no remaining
// children or views — the condition under which its storage is returned to
// the free list.
func (c *Counters) Expired(p int) bool {
	return c.nChildren[p] == 0 && c.nViews[p] == 0
}

// DecrementChild decrements the child-reference count of the tensor at
// position p, rejecting an underflow (more decrements than the tensor has
// children — a sign of a malformed graph).
func (c *Counters) DecrementChild(p int) error {
	if c.nChildren[p] <= 0 {
		return fmt.Errorf("lifetime: %w: n_children underflow at tensor %d", errs.ErrInvalidArgument, c.idx.Arena[p].TensorID)
	}
	c.nChildren[p]--
	return nil
}

// ReleaseCascade marks tensor p as released at execution index i (setting
// onExpire(p, i)) if and only if p is now Expired. If p is itself a
// non-control-dependency view, it then recursively applies the same
// release check to its view source, decrementing that source's view
// counter first.
func (c *Counters) ReleaseCascade(p, i int, onExpire func(p, i int)) error {
	if !c.Expired(p) {
		return nil
	}
	onExpire(p, i)
	t := c.idx.Arena[p]
	if t.IsView && !t.IsControlDepView {
		vsPos := c.idx.PosOf(t.ViewSrcID)
		if c.nViews[vsPos] <= 0 {
			return fmt.Errorf("lifetime: %w: n_views underflow at tensor %d", errs.ErrInvalidArgument, c.idx.Arena[vsPos].TensorID)
		}
		c.nViews[vsPos]--
		return c.ReleaseCascade(vsPos, i, onExpire)
	}
	return nil
}

// Analyze runs a two-pass walk over g and returns first_use/last_use
// indexed by arena position.
func Analyze(g graph.View) (*Result, error) {
	idx, err := graph.BuildIndex(g)
	if err != nil {
		return nil, err
	}
	return AnalyzeIndexed(idx)
}

// AnalyzeIndexed is Analyze over an already-built graph.Index, reused by
// callers (the buffer planner) that need the same Index for other phases.
func AnalyzeIndexed(idx *graph.Index) (*Result, error) {
	n := len(idx.Arena)
	res := &Result{FirstUse: make([]int, n), LastUse: make([]int, n)}
	for p := range idx.Arena {
		res.FirstUse[p] = p
		res.LastUse[p] = p
	}

	counters := NewCounters(idx)

	for p := idx.NumLeafs; p < n; p++ {
		i := p
		t := idx.Arena[p]
		for _, s := range t.SrcIDs {
			if s == graph.NoID {
				continue
			}
			sPos := idx.PosOf(s)
			if sPos < 0 {
				return nil, fmt.Errorf("lifetime: %w: tensor %d references unknown src %d", errs.ErrInvalidArgument, t.TensorID, s)
			}
			if res.FirstUse[sPos] > i {
				res.FirstUse[sPos] = i
			}
			if err := counters.DecrementChild(sPos); err != nil {
				return nil, err
			}
			if err := counters.ReleaseCascade(sPos, i, func(relPos, idxAt int) {
				res.LastUse[relPos] = idxAt
			}); err != nil {
				return nil, err
			}
		}
	}

	return res, nil
}
