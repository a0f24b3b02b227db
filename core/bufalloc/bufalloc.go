// Package bufalloc implements the Buffer Allocator: the
// top-level orchestrator that owns a planner, one chunk allocator per
// logical buffer, and the realloc analyzer, exposing
// Initialize/Reserve/ReserveN/ReserveNSize/AllocGraph/Release and
// persisting a reservation snapshot that gates alloc_graph's
// needs_realloc decision.
package bufalloc

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/llmcore/emelcore/core/chunkalloc"
	"github.com/llmcore/emelcore/core/errs"
	"github.com/llmcore/emelcore/core/graph"
	"github.com/llmcore/emelcore/core/planner"
	"github.com/llmcore/emelcore/core/realloc"
)

// MaxBuffers mirrors planner.MaxBuffers / original_source's k_max_buffers.
const MaxBuffers = planner.MaxBuffers

// DefaultMaxSize is the sentinel "effectively unbounded" cap used when a
// buffer's configured MaxSize is 0 ("no cap"), per original_source's
// context.hpp distinction between the 0 sentinel and k_default_max_size
// (int32 max). It is rounded to the nearest power of two at or above
// int32 max so it divides evenly by any power-of-two buffer alignment,
// satisfying the underlying chunk allocator's "max_chunk_size must be a
// multiple of alignment" requirement.
const DefaultMaxSize uint64 = 1 << 31

// snapshotCacheSize bounds the LRU of recent reservation plans keyed by
// graph fingerprint: an optimization layered under the needs_realloc
// contract, never a substitute for it.
const snapshotCacheSize = 8

// State is the Buffer Allocator's top-level state machine value.
type State string

const (
	StateUninitialized  State = "uninitialized"
	StateReady          State = "ready"
	StateAllocated      State = "allocated"
	StateFailed         State = "failed"
)

// Config is one buffer's static configuration: alignment (power of two)
// and an optional max size (0 means unbounded, per original_source's
// sentinel convention).
type Config struct {
	Alignment uint64
	MaxSize   uint64
}

type bufferState struct {
	cfg             Config
	chunks          *chunkalloc.Allocator
	configured      bool
	committedSizes  []int64
	committedAllocs []chunkalloc.Allocation
}

// Allocator is the top-level buffer allocator state machine.
type Allocator struct {
	state   State
	buffers map[int32]*bufferState
	order   []int32 // buffer ids in Initialize order, for deterministic iteration

	snap realloc.Snapshot
	plan *planner.Plan

	cache *lru.Cache[planCacheKey, *planner.Plan]

	InitEpoch    int
	ReserveEpoch int
	AllocEpoch   int
	ReleaseEpoch int

	log *logrus.Entry
}

// New returns an Allocator in StateUninitialized.
func New() *Allocator {
	c, _ := lru.New[planCacheKey, *planner.Plan](snapshotCacheSize)
	return &Allocator{state: StateUninitialized, cache: c, log: logrus.WithField("component", "bufalloc")}
}

// planCacheKey identifies a cached plan by both the graph's structural
// fingerprint and the buffer-id assignment it was planned under — two
// graphs with identical shape but different tensor->buffer assignments
// must never collide on the same cached plan.
type planCacheKey struct {
	fingerprint uint64
	assignment  uint64
}

// hashBufferIDs computes a deterministic xxhash64 digest of a
// node/leaf-ordered buffer-id assignment, for use alongside a graph
// fingerprint in planCacheKey.
func hashBufferIDs(bufferIDs []int32) uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, id := range bufferIDs {
		binary.LittleEndian.PutUint32(buf[:], uint32(id))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// State reports the current top-level state.
func (a *Allocator) State() State { return a.state }

// Initialize validates and installs per-buffer configuration, transitioning
// uninitialized -> ready. Each alignment must be a power of two; each
// MaxSize must be 0 (no cap) or a multiple of its alignment.
func (a *Allocator) Initialize(configs map[int32]Config) error {
	if a.state != StateUninitialized && a.state != StateFailed {
		return a.sequencingError("initialize")
	}
	if len(configs) == 0 || len(configs) > MaxBuffers {
		return fmt.Errorf("bufalloc: initialize: %w: buffer count %d out of range", errs.ErrInvalidArgument, len(configs))
	}
	buffers := make(map[int32]*bufferState, len(configs))
	var order []int32
	for bid, cfg := range configs {
		if cfg.Alignment == 0 || (cfg.Alignment&(cfg.Alignment-1)) != 0 {
			return fmt.Errorf("bufalloc: initialize: %w: buffer %d alignment %d is not a power of two", errs.ErrInvalidArgument, bid, cfg.Alignment)
		}
		if cfg.MaxSize != 0 && cfg.MaxSize%cfg.Alignment != 0 {
			return fmt.Errorf("bufalloc: initialize: %w: buffer %d max_size %d is not a multiple of alignment %d", errs.ErrInvalidArgument, bid, cfg.MaxSize, cfg.Alignment)
		}
		buffers[bid] = &bufferState{cfg: cfg, chunks: chunkalloc.New()}
		order = append(order, bid)
	}
	a.buffers = buffers
	a.order = order
	a.plan = nil
	a.snap = realloc.Snapshot{}
	a.state = StateReady
	a.InitEpoch++
	a.log.Debugf("initialized %d buffers", len(buffers))
	return nil
}

func (a *Allocator) sequencingError(op string) error {
	from := a.state
	a.state = StateFailed
	return fmt.Errorf("bufalloc: %s: %w: not valid from state %s", op, errs.ErrSequencing, from)
}

// ReserveNSize runs the planner in size-only mode and writes required bytes
// per buffer into sizesOut. No chunk commitment occurs.
func (a *Allocator) ReserveNSize(g graph.View, nodeBufferIDs, leafBufferIDs []int32, sizesOut map[int32]int64) error {
	if a.state != StateReady && a.state != StateAllocated {
		return a.sequencingError("reserve_n_size")
	}
	plan, err := a.runPlanner(g, nodeBufferIDs, leafBufferIDs, true)
	if err != nil {
		a.state = StateFailed
		return err
	}
	for bid, bytes := range plan.BytesByBuffer {
		sizesOut[bid] = bytes
	}
	return nil
}

// ReserveN runs the planner in full mode, grows committed chunk bindings to
// match the plan, and captures a reservation snapshot.
func (a *Allocator) ReserveN(g graph.View, nodeBufferIDs, leafBufferIDs []int32) error {
	if a.state != StateReady && a.state != StateAllocated {
		return a.sequencingError("reserve_n")
	}
	plan, err := a.runPlanner(g, nodeBufferIDs, leafBufferIDs, false)
	if err != nil {
		a.state = StateFailed
		return err
	}
	for _, cp := range plan.Chunks {
		if err := a.commitChunks(cp.BufferID, cp.ChunkSizes); err != nil {
			a.state = StateFailed
			return err
		}
	}

	sizeOf := func(tensorID int32) int32 {
		for i := range plan.Records {
			if plan.Records[i].TensorID == tensorID {
				return int32(plan.Records[i].AllocReserved)
			}
		}
		return 0
	}
	alignmentOf := func(bufferID int32) int32 {
		if bs, ok := a.buffers[bufferID]; ok {
			return int32(bs.cfg.Alignment)
		}
		return 1
	}
	snap, err := realloc.BuildSnapshot(g, nodeBufferIDs, leafBufferIDs, sizeOf, alignmentOf)
	if err != nil {
		a.state = StateFailed
		return err
	}
	a.snap = snap
	a.plan = plan
	a.state = StateReady
	a.ReserveEpoch++

	idx, err := graph.BuildIndex(g)
	if err != nil {
		return err
	}
	bufferIDs := make([]int32, len(idx.Arena))
	copy(bufferIDs[:idx.NumLeafs], leafBufferIDs)
	copy(bufferIDs[idx.NumLeafs:], nodeBufferIDs)
	a.cache.Add(planCacheKey{fingerprint: snap.Fingerprint, assignment: hashBufferIDs(bufferIDs)}, plan)
	return nil
}

// Reserve is reserve_n with every tensor assigned to buffer 0.
func (a *Allocator) Reserve(g graph.View) error {
	idx, err := graph.BuildIndex(g)
	if err != nil {
		return err
	}
	nodeIDs := make([]int32, len(g.Nodes))
	leafIDs := make([]int32, len(g.Leafs))
	_ = idx
	return a.ReserveN(g, nodeIDs, leafIDs)
}

// AllocGraph runs the realloc analyzer against the current snapshot and
// decides whether to proceed, auto-reserve (single-buffer only), or fail.
func (a *Allocator) AllocGraph(g graph.View) error {
	if a.state != StateReady && a.state != StateAllocated {
		return a.sequencingError("alloc_graph")
	}
	if a.plan == nil {
		return fmt.Errorf("bufalloc: alloc_graph: %w: no prior reserve", errs.ErrSequencing)
	}
	needsRealloc, err := realloc.Analyze(g, a.snap)
	if err != nil {
		a.state = StateFailed
		return err
	}
	if !needsRealloc {
		a.state = StateAllocated
		a.AllocEpoch++
		return nil
	}
	if len(a.buffers) > 1 {
		a.state = StateFailed
		return fmt.Errorf("bufalloc: alloc_graph: %w: multi-buffer realloc requires an explicit reserve_n", errs.ErrBackend)
	}

	// Single-buffer auto-reserve: every tensor in g belongs to the sole
	// configured buffer.
	var bid int32
	for id := range a.buffers {
		bid = id
	}
	nodeIDs := make([]int32, len(g.Nodes))
	leafIDs := make([]int32, len(g.Leafs))
	for i := range nodeIDs {
		nodeIDs[i] = bid
	}
	for i := range leafIDs {
		leafIDs[i] = bid
	}
	if err := a.ReserveN(g, nodeIDs, leafIDs); err != nil {
		return err
	}
	a.state = StateAllocated
	a.AllocEpoch++
	return nil
}

// Release releases every committed chunk binding, resets every per-buffer
// chunk allocator, discards the reservation snapshot, and returns to
// StateUninitialized.
func (a *Allocator) Release() error {
	for _, bid := range a.order {
		bs := a.buffers[bid]
		if bs.configured {
			if err := bs.chunks.Reset(); err != nil {
				return err
			}
		}
		bs.committedSizes = nil
		bs.committedAllocs = nil
	}
	a.plan = nil
	a.snap = realloc.Snapshot{}
	a.state = StateUninitialized
	a.ReleaseEpoch++
	return nil
}

// BufferSize reports the total committed bytes for a buffer.
func (a *Allocator) BufferSize(bufID int32) (uint64, error) {
	bs, err := a.bufferOf(bufID)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, s := range bs.committedSizes {
		total += uint64(s)
	}
	return total, nil
}

// ChunkCount reports the number of committed chunks for a buffer.
func (a *Allocator) ChunkCount(bufID int32) (int, error) {
	bs, err := a.bufferOf(bufID)
	if err != nil {
		return 0, err
	}
	return len(bs.committedAllocs), nil
}

// BufferChunkID reports the underlying chunk allocator's chunk id for the
// i-th committed chunk of a buffer.
func (a *Allocator) BufferChunkID(bufID int32, i int) (int32, error) {
	bs, err := a.bufferOf(bufID)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= len(bs.committedAllocs) {
		return 0, fmt.Errorf("bufalloc: buffer_chunk_id: %w: chunk index %d out of range", errs.ErrInvalidArgument, i)
	}
	return bs.committedAllocs[i].Chunk, nil
}

// BufferChunkOffset reports the committed offset of the i-th chunk.
func (a *Allocator) BufferChunkOffset(bufID int32, i int) (uint64, error) {
	bs, err := a.bufferOf(bufID)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= len(bs.committedAllocs) {
		return 0, fmt.Errorf("bufalloc: buffer_chunk_offset: %w: chunk index %d out of range", errs.ErrInvalidArgument, i)
	}
	return bs.committedAllocs[i].Offset, nil
}

// BufferAllocSize reports the committed aligned size of the i-th chunk.
func (a *Allocator) BufferAllocSize(bufID int32, i int) (uint64, error) {
	bs, err := a.bufferOf(bufID)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= len(bs.committedAllocs) {
		return 0, fmt.Errorf("bufalloc: buffer_alloc_size: %w: chunk index %d out of range", errs.ErrInvalidArgument, i)
	}
	return bs.committedAllocs[i].AlignedSize, nil
}

func (a *Allocator) bufferOf(bufID int32) (*bufferState, error) {
	bs, ok := a.buffers[bufID]
	if !ok {
		return nil, fmt.Errorf("bufalloc: %w: unknown buffer %d", errs.ErrInvalidArgument, bufID)
	}
	return bs, nil
}

// runPlanner invokes core/planner.Run with this allocator's buffer
// configuration. Full-mode runs first consult the recent-plan cache, keyed
// by graph fingerprint and buffer-id assignment; size-only runs bypass it.
// runPlanner never adds to the cache; ReserveN does.
func (a *Allocator) runPlanner(g graph.View, nodeBufferIDs, leafBufferIDs []int32, sizeOnly bool) (*planner.Plan, error) {
	idx, err := graph.BuildIndex(g)
	if err != nil {
		return nil, err
	}
	bufferIDs := make([]int32, len(idx.Arena))
	copy(bufferIDs[:idx.NumLeafs], leafBufferIDs)
	copy(bufferIDs[idx.NumLeafs:], nodeBufferIDs)

	if !sizeOnly {
		key := planCacheKey{fingerprint: realloc.Fingerprint(g), assignment: hashBufferIDs(bufferIDs)}
		if cached, ok := a.cache.Get(key); ok {
			return cached, nil
		}
	}

	alignment := make(map[int32]uint64, len(a.buffers))
	maxSize := make(map[int32]uint64, len(a.buffers))
	for bid, bs := range a.buffers {
		alignment[bid] = bs.cfg.Alignment
		if bs.cfg.MaxSize == 0 {
			maxSize[bid] = 0
		} else {
			maxSize[bid] = bs.cfg.MaxSize
		}
	}

	p := planner.New()
	return p.Run(planner.Input{
		Graph:     g,
		BufferIDs: bufferIDs,
		Alignment: alignment,
		MaxSize:   maxSize,
		SizeOnly:  sizeOnly,
	})
}

// commitChunks grows or replaces buffer bufID's committed chunk bindings so
// they match sizes exactly.
func (a *Allocator) commitChunks(bufID int32, sizes []int64) error {
	bs, err := a.bufferOf(bufID)
	if err != nil {
		return err
	}
	if equalSizes(bs.committedSizes, sizes) {
		return nil
	}

	maxChunkSize := bs.cfg.MaxSize
	if maxChunkSize == 0 {
		maxChunkSize = DefaultMaxSize
	}
	if err := bs.chunks.Configure(bs.cfg.Alignment, maxChunkSize); err != nil {
		return err
	}
	bs.configured = true

	allocs := make([]chunkalloc.Allocation, 0, len(sizes))
	for _, size := range sizes {
		al, err := bs.chunks.Allocate(uint64(size))
		if err != nil {
			return fmt.Errorf("bufalloc: commit_chunks: %w: buffer %d chunk of size %d: %v", errs.ErrBackend, bufID, size, err)
		}
		allocs = append(allocs, al)
	}
	bs.committedAllocs = allocs
	bs.committedSizes = append([]int64(nil), sizes...)
	return nil
}

func equalSizes(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
