// Package planner implements the buffer planner's phased pipeline: given
// a graph and a per-tensor buffer assignment, it computes final byte
// requirements and per-chunk size lists for each buffer, enforces
// non-view tensor offsets within their assigned buffer, and decides
// whether the result is a multi-chunk split.
package planner

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/llmcore/emelcore/core/dispatch"
	"github.com/llmcore/emelcore/core/errs"
	"github.com/llmcore/emelcore/core/freelist"
	"github.com/llmcore/emelcore/core/graph"
	"github.com/llmcore/emelcore/core/lifetime"
)

// MaxBuffers bounds the number of distinct buffers a plan may target,
// mirroring original_source/src/emel/buffer/allocator/context.hpp's
// k_max_buffers.
const MaxBuffers = 16

// MaxFreeBlocksPerBuffer is the per-buffer free-block fragmentation cap;
// exceeding it during planning is a backend-class failure.
const MaxFreeBlocksPerBuffer = 256

// NoOffset marks a tensor record that has not yet been assigned an offset.
const NoOffset int64 = -1

// TensorRecord is the planner's per-tensor bookkeeping
// "Planner tensor record".
type TensorRecord struct {
	TensorID     int32
	AllocSize    int64
	BufferID     int32
	AllocOffset  int64
	AllocReserved int64
	NChildren    int32
	NViews       int32
	ViewSrcPos   int // arena position, or -1
	IsView       bool
	IsInput      bool
	IsOutput     bool
	Allocatable  bool
	Allocated    bool
	// ConsumedByDst marks a record whose region was handed to a
	// destination node via in-place reuse rather than released: the
	// region is still live (owned by the destination now), so the
	// release-expired phase must not return it to the free list a second
	// time. Set alongside Allocated=false at the moment of reuse.
	ConsumedByDst bool
}

// BufferLayout is a single buffer's free-block list and high-watermark
//.
type BufferLayout struct {
	Free         freelist.List
	HighWatermark int64
}

// ChunkPlan is one buffer's finalized chunk-split result.
type ChunkPlan struct {
	BufferID   int32
	Bytes      int64
	ChunkSizes []int64
}

// Plan is the result of a completed planning run.
type Plan struct {
	BytesByBuffer    map[int32]int64
	MaxAllocByBuffer map[int32]int64
	Chunks           []ChunkPlan
	MultiChunkSplit  bool
	Records          []TensorRecord // indexed by arena position
}

// Strategy supplies optional override hooks; a nil hook falls back to the
// gallocr-parity default. There are two hooks: the free-block search used
// whenever a tensor is allocated, and the in-place reuse decision in node
// planning. The other phases (reset, seed leafs, count references, release
// expired, finalize, split required) have no hook and always run their
// defaults, and neither hook can fail a run. Hooks are independently
// overridable rather than mutually exclusive named policies, so Strategy
// is consulted as a set of optional hooks on a *Strategy field rather than
// resolved by name.
type Strategy struct {
	// SelectBlock overrides the free-block search for a new allocation of
	// `need` bytes in buffer layout `layout`. Returns the free-block index
	// and true on a fit, or false to fall through to the high-watermark
	// grow path.
	SelectBlock func(layout *BufferLayout, need int64) (idx int, ok bool)

	// AllowInPlaceReuse overrides the in-place reuse decision for a node
	// with a single eligible source. Returning false forces a fresh
	// allocation even when the default conditions are met.
	AllowInPlaceReuse func(src, dst *TensorRecord) bool
}

// DefaultStrategy is the concrete gallocr-parity implementation: best-fit
// block selection, in-place reuse whenever the default conditions hold.
var DefaultStrategy = Strategy{}

func (s *Strategy) selectBlock(layout *BufferLayout, need int64) (int, bool) {
	if s != nil && s.SelectBlock != nil {
		return s.SelectBlock(layout, need)
	}
	return layout.Free.BestFit(uint64(need))
}

func (s *Strategy) allowInPlaceReuse(src, dst *TensorRecord) bool {
	if s != nil && s.AllowInPlaceReuse != nil {
		return s.AllowInPlaceReuse(src, dst)
	}
	return true
}

// Input bundles everything a planning run needs: the graph, a per-tensor
// buffer assignment (indexed by arena position — leafs then nodes), and
// per-buffer configuration.
type Input struct {
	Graph            graph.View
	BufferIDs        []int32 // len == len(Leafs)+len(Nodes), arena order
	Alignment        map[int32]uint64
	MaxSize          map[int32]uint64 // 0 means unbounded
	SizeOnly         bool
	StrategyOverride *Strategy

	// OnEvent, if non-nil, receives each phase's terminal done/error event
	// as Run's own dispatch.Queue drains — run-to-completion,
	// single-threaded event delivery for an owner that wants per-phase
	// visibility instead of just Run's final (*Plan, error) return. The
	// buffer allocator leaves it nil.
	OnEvent      dispatch.Callback
	OwnerContext any
}

// Planner runs the phased pipeline over an Input and produces
// a Plan.
type Planner struct {
	log *logrus.Entry
}

// New returns a ready-to-use Planner.
func New() *Planner {
	return &Planner{log: logrus.WithField("component", "planner")}
}

// Run executes the full pipeline: reset, seed leafs, count references,
// alloc explicit inputs, plan nodes (with release-expired interleaved),
// finalize, split-required.
func (p *Planner) Run(in Input) (*Plan, error) {
	var q dispatch.Queue

	// fail posts a phase_error event, drains the queue (delivering every
	// event — including this one — to in.OnEvent), and returns err.
	fail := func(phase string, err error) (*Plan, error) {
		q.Push(dispatch.Event{Name: phase + "_error", Err: err})
		q.Drain(q.PopFIFO, func(ev dispatch.Event) bool {
			dispatch.Dispatch(in.OnEvent, in.OwnerContext, ev)
			return true
		})
		return nil, err
	}
	done := func(phase string) {
		q.Push(dispatch.Event{Name: phase + "_done"})
	}

	idx, err := graph.BuildIndex(in.Graph)
	if err != nil {
		return fail("build_index", err)
	}
	if len(in.BufferIDs) != len(idx.Arena) {
		return fail("build_index", fmt.Errorf("planner: run: %w: buffer id count %d does not match arena size %d", errs.ErrInvalidArgument, len(in.BufferIDs), len(idx.Arena)))
	}
	done("build_index")

	strat := in.StrategyOverride

	// Phase 1: reset.
	layouts := make(map[int32]*BufferLayout)
	for _, bid := range in.BufferIDs {
		if _, ok := layouts[bid]; !ok {
			layouts[bid] = &BufferLayout{}
		}
	}
	if len(layouts) > MaxBuffers {
		return fail("reset", fmt.Errorf("planner: run: %w: %d distinct buffers exceeds max %d", errs.ErrInvalidArgument, len(layouts), MaxBuffers))
	}
	p.log.Debugf("phase=reset buffers=%d", len(layouts))
	done("reset")

	records := make([]TensorRecord, len(idx.Arena))

	// Phase 2: seed leafs (and index the rest of the arena alongside, since
	// both leafs and nodes need a record before counting references).
	p.log.Debug("phase=seed_leafs")
	for pos, t := range idx.Arena {
		records[pos] = TensorRecord{
			TensorID:    t.TensorID,
			AllocSize:   int64(t.AllocSize),
			BufferID:    in.BufferIDs[pos],
			AllocOffset: NoOffset,
			IsView:      t.IsView,
			IsInput:     t.IsInput,
			IsOutput:    t.IsOutput,
			Allocatable: !t.HasExternalData,
			ViewSrcPos:  idx.PosOf(t.ViewSrcID),
		}
	}
	done("seed_leafs")

	// Phase 3: count references, exactly as the lifetime analyzer does.
	p.log.Debug("phase=count_references")
	counters := lifetime.NewCounters(idx)
	for pos := range records {
		records[pos].NChildren = counters.NChildren(pos)
		records[pos].NViews = counters.NViews(pos)
	}
	done("count_references")

	// Phase 4: alloc explicit inputs.
	p.log.Debug("phase=allocating_explicit_inputs")
	for pos := 0; pos < idx.NumLeafs; pos++ {
		rec := &records[pos]
		if rec.IsInput && rec.Allocatable {
			if err := p.allocate(strat, layouts, rec); err != nil {
				return fail("allocate_explicit_inputs", err)
			}
		}
	}
	done("allocate_explicit_inputs")

	// Phase 5 + 6: plan nodes, releasing expired tensors as we go.
	p.log.Debug("phase=planning_nodes")
	for pos := idx.NumLeafs; pos < len(idx.Arena); pos++ {
		t := idx.Arena[pos]
		rec := &records[pos]

		if !rec.IsView {
			if err := p.planNode(strat, idx, layouts, records, pos, t); err != nil {
				return fail("plan_nodes", err)
			}
		}

		for _, s := range t.SrcIDs {
			if s == graph.NoID {
				continue
			}
			sPos := idx.PosOf(s)
			if err := counters.DecrementChild(sPos); err != nil {
				return fail("release_expired", err)
			}
			if err := counters.ReleaseCascade(sPos, pos, func(relPos, _ int) {
				p.releaseRecord(layouts, &records[relPos])
			}); err != nil {
				return fail("release_expired", err)
			}
			records[sPos].NChildren = counters.NChildren(sPos)
			records[sPos].NViews = counters.NViews(sPos)
		}
	}
	done("plan_nodes")

	// Phase 7: finalize.
	p.log.Debug("phase=finalizing")
	plan := &Plan{
		BytesByBuffer:    map[int32]int64{},
		MaxAllocByBuffer: map[int32]int64{},
		Records:          records,
	}
	for bid, layout := range layouts {
		plan.BytesByBuffer[bid] = layout.HighWatermark
	}
	for pos := range records {
		rec := &records[pos]
		if rec.AllocReserved > plan.MaxAllocByBuffer[rec.BufferID] {
			plan.MaxAllocByBuffer[rec.BufferID] = rec.AllocReserved
		}
	}
	done("finalize")

	// Phase 8: split required.
	p.log.Debug("phase=splitting_required")
	for bid, bytes := range plan.BytesByBuffer {
		maxSize := in.MaxSize[bid]
		alignment := in.Alignment[bid]
		if alignment == 0 {
			alignment = 1
		}
		if maxSize == 0 || uint64(bytes) <= maxSize {
			plan.Chunks = append(plan.Chunks, ChunkPlan{BufferID: bid, Bytes: bytes, ChunkSizes: []int64{bytes}})
			continue
		}
		sizes := splitChunks(uint64(bytes), maxSize, alignment)
		if len(sizes) > 1 {
			plan.MultiChunkSplit = true
		}
		plan.Chunks = append(plan.Chunks, ChunkPlan{BufferID: bid, Bytes: bytes, ChunkSizes: sizes})
	}
	done("split_required")

	q.Drain(q.PopFIFO, func(ev dispatch.Event) bool {
		dispatch.Dispatch(in.OnEvent, in.OwnerContext, ev)
		return true
	})
	return plan, nil
}

// splitChunks divides total bytes into consecutive chunks of at most
// maxSize rounded up to alignment, so each chunk boundary is aligned
// (phase 8, split required).
func splitChunks(total, maxSize, alignment uint64) []int64 {
	aligned := func(v uint64) uint64 {
		rem := v % alignment
		if rem == 0 {
			return v
		}
		return v + (alignment - rem)
	}
	chunkSize := aligned(maxSize)
	if chunkSize == 0 {
		chunkSize = alignment
	}
	var sizes []int64
	remaining := total
	for remaining > 0 {
		s := chunkSize
		if s > remaining {
			s = remaining
		}
		sizes = append(sizes, int64(s))
		remaining -= s
	}
	return sizes
}

// allocate performs the common "find or grow, then commit" allocation
// action shared by explicit-input seeding and node planning.
func (p *Planner) allocate(strat *Strategy, layouts map[int32]*BufferLayout, rec *TensorRecord) error {
	layout, ok := layouts[rec.BufferID]
	if !ok {
		return fmt.Errorf("planner: allocate: %w: tensor %d references unconfigured buffer %d", errs.ErrInvalidArgument, rec.TensorID, rec.BufferID)
	}
	if rec.AllocSize < 0 {
		return fmt.Errorf("planner: allocate: %w: tensor %d has negative alloc_size", errs.ErrInvalidArgument, rec.TensorID)
	}

	if idx, fit := strat.selectBlock(layout, rec.AllocSize); fit {
		offset := int64(layout.Free.Take(idx, uint64(rec.AllocSize)))
		rec.AllocOffset = offset
		rec.AllocReserved = rec.AllocSize
		rec.Allocated = true
		return nil
	}

	if layout.Free.Len() >= MaxFreeBlocksPerBuffer {
		return fmt.Errorf("planner: allocate: %w: tensor %d: free-block table full", errs.ErrBackend, rec.TensorID)
	}

	offset := layout.HighWatermark
	layout.HighWatermark += rec.AllocSize
	rec.AllocOffset = offset
	rec.AllocReserved = rec.AllocSize
	rec.Allocated = true
	return nil
}

// planNode implements phase 5's per-node decision: in-place reuse when a
// single source is about to expire (n_children==1 before this node's own
// decrement, i.e. this node is its last reader, and n_views==0) on the
// same non-view buffer with enough reserved
// room, otherwise a fresh allocation.
func (p *Planner) planNode(strat *Strategy, idx *graph.Index, layouts map[int32]*BufferLayout, records []TensorRecord, pos int, t graph.TensorDesc) error {
	dst := &records[pos]

	// A leaf source that is neither an explicit input nor externally
	// backed has not yet been allocated (phase 4 only seeds explicit
	// inputs); lazily allocate it the first time a node references it,
	// the same way the reference allocator materializes graph constants
	// on first use rather than up front.
	for _, s := range t.SrcIDs {
		if s == graph.NoID {
			continue
		}
		sPos := idx.PosOf(s)
		src := &records[sPos]
		if !idx.IsNode(sPos) && !src.IsView && src.Allocatable && !src.Allocated {
			if err := p.allocate(strat, layouts, src); err != nil {
				return err
			}
		}
	}

	var reuseSrcPos = -1
	for _, s := range t.SrcIDs {
		if s == graph.NoID {
			continue
		}
		sPos := idx.PosOf(s)
		src := &records[sPos]
		if src.NChildren == 1 && src.NViews == 0 && !src.IsView && src.BufferID == dst.BufferID &&
			src.AllocReserved >= dst.AllocSize && src.Allocated {
			if strat.allowInPlaceReuse(src, dst) {
				reuseSrcPos = sPos
				break
			}
		}
	}

	if reuseSrcPos >= 0 {
		src := &records[reuseSrcPos]
		dst.AllocOffset = src.AllocOffset
		dst.AllocReserved = src.AllocReserved
		dst.Allocated = true
		// Ownership passes to dst; src no longer holds live storage but
		// must not be released into the free list when it later expires.
		src.Allocated = false
		src.ConsumedByDst = true
		return nil
	}

	return p.allocate(strat, layouts, dst)
}

// releaseRecord returns an expired, non-view, allocated record's region to
// its buffer's free list phase 6.
func (p *Planner) releaseRecord(layouts map[int32]*BufferLayout, rec *TensorRecord) {
	if rec.IsView || rec.ConsumedByDst || !rec.Allocated || rec.AllocOffset == NoOffset {
		return
	}
	layout := layouts[rec.BufferID]
	if layout == nil {
		return
	}
	layout.Free.Release(uint64(rec.AllocOffset), uint64(rec.AllocReserved))
	rec.Allocated = false
}
