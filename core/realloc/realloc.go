// Package realloc implements the realloc analyzer: it compares a prior
// reservation snapshot against a new graph view and decides whether a
// full replan (needs_realloc) is required.
//
// A cheap xxhash fingerprint of the graph view is checked first, and only
// when it disagrees with the snapshot's own recorded fingerprint does the
// analyzer fall through to the field-by-field comparison. The fingerprint
// is purely a cache: the field-by-field result is always authoritative.
package realloc

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/llmcore/emelcore/core/errs"
	"github.com/llmcore/emelcore/core/graph"
)

// TensorAlloc is the flat per-tensor allocation record persisted in a
// reservation snapshot: {tensor_id, buffer_id, size_max, alignment}.
type TensorAlloc struct {
	TensorID  int32
	BufferID  int32
	SizeMax   int32
	Alignment int32
}

// srcAlloc mirrors one recorded source slot of a node, or an absent slot
// when TensorID == graph.NoID.
type srcAlloc struct {
	TensorID int32
	SizeMax  int32
}

// NodeAlloc is a node's recorded destination allocation plus up to
// graph.MaxSources recorded source allocations, matching the reference
// implementation's per-node snapshot shape.
type NodeAlloc struct {
	Dst  TensorAlloc
	Srcs [graph.MaxSources]srcAlloc
}

// Snapshot is the reservation snapshot consulted by Analyze. It is rebuilt
// on every successful Reserve/ReserveN by the buffer allocator.
type Snapshot struct {
	Nodes       []NodeAlloc
	Leafs       []TensorAlloc
	Fingerprint uint64
}

// BuildSnapshot constructs a Snapshot from a graph view together with the
// per-tensor buffer assignment and size/alignment information the buffer
// allocator derives from a successful plan. sizeOf and alignmentOf are
// consulted per tensor id (alloc_reserved and the owning buffer's
// alignment, respectively).
func BuildSnapshot(g graph.View, nodeBufferIDs, leafBufferIDs []int32, sizeOf func(tensorID int32) int32, alignmentOf func(bufferID int32) int32) (Snapshot, error) {
	if len(nodeBufferIDs) != len(g.Nodes) || len(leafBufferIDs) != len(g.Leafs) {
		return Snapshot{}, fmt.Errorf("realloc: build_snapshot: %w: buffer id count mismatch", errs.ErrInvalidArgument)
	}

	snap := Snapshot{
		Nodes: make([]NodeAlloc, len(g.Nodes)),
		Leafs: make([]TensorAlloc, len(g.Leafs)),
	}
	for i, t := range g.Leafs {
		bid := leafBufferIDs[i]
		snap.Leafs[i] = TensorAlloc{TensorID: t.TensorID, BufferID: bid, SizeMax: sizeOf(t.TensorID), Alignment: alignmentOf(bid)}
	}
	for i, t := range g.Nodes {
		bid := nodeBufferIDs[i]
		na := NodeAlloc{Dst: TensorAlloc{TensorID: t.TensorID, BufferID: bid, SizeMax: sizeOf(t.TensorID), Alignment: alignmentOf(bid)}}
		for s := range t.SrcIDs {
			id := t.SrcIDs[s]
			if id == graph.NoID {
				na.Srcs[s] = srcAlloc{TensorID: graph.NoID, SizeMax: 0}
				continue
			}
			na.Srcs[s] = srcAlloc{TensorID: id, SizeMax: sizeOf(id)}
		}
		snap.Nodes[i] = na
	}
	snap.Fingerprint = Fingerprint(g)
	return snap, nil
}

// Fingerprint computes a deterministic xxhash64 digest of a graph view's
// structural identity: tensor ids, sizes, source ids, and view/flag bits,
// in arena order (leafs then nodes). It is used only as a fast-path cache
// key by Analyze; it is never treated as a substitute for tensor-id
// equality checks.
func Fingerprint(g graph.View) uint64 {
	h := xxhash.New()
	var buf [8]byte
	write32 := func(v int32) {
		binary.LittleEndian.PutUint32(buf[:4], uint32(v))
		h.Write(buf[:4])
	}
	writeBool := func(b bool) {
		if b {
			buf[0] = 1
		} else {
			buf[0] = 0
		}
		h.Write(buf[:1])
	}
	writeTensor := func(t graph.TensorDesc) {
		write32(t.TensorID)
		write32(t.AllocSize)
		for _, s := range t.SrcIDs {
			write32(s)
		}
		writeBool(t.IsView)
		write32(t.ViewSrcID)
		writeBool(t.IsInput)
		writeBool(t.IsOutput)
		writeBool(t.HasExternalData)
	}
	for _, t := range g.Leafs {
		writeTensor(t)
	}
	for _, t := range g.Nodes {
		writeTensor(t)
	}
	return h.Sum64()
}

func roundUp(size, alignment int32) int32 {
	if alignment <= 0 || size <= 0 {
		return size
	}
	rem := size % alignment
	if rem == 0 {
		return size
	}
	return size + (alignment - rem)
}

// Analyze decides needs_realloc. The fast path compares
// Fingerprint(g) against snap.Fingerprint; on a match it returns
// needs_realloc=false immediately (a graph byte-for-byte identical to the
// snapshot never needs realloc, satisfying the testable
// property). On a mismatch — or when the caller passes a zero Fingerprint,
// e.g. from a snapshot built before this fast path existed — it falls
// through to the mandated field-by-field comparison.
func Analyze(g graph.View, snap Snapshot) (needsRealloc bool, err error) {
	idx, err := graph.BuildIndex(g)
	if err != nil {
		return false, err
	}

	if snap.Fingerprint != 0 && snap.Fingerprint == Fingerprint(g) &&
		len(snap.Nodes) == len(g.Nodes) && len(snap.Leafs) == len(g.Leafs) {
		return false, nil
	}

	if len(snap.Nodes) != len(g.Nodes) || len(snap.Leafs) != len(g.Leafs) {
		return true, nil
	}

	for i, t := range g.Leafs {
		if snap.Leafs[i].TensorID != t.TensorID {
			return true, nil
		}
		if needsSizeCheck(t) && sizeExceeds(idx, t, snap.Leafs[i]) {
			return true, nil
		}
	}

	for i, t := range g.Nodes {
		rec := snap.Nodes[i]
		if rec.Dst.TensorID != t.TensorID {
			return true, nil
		}
		if needsSizeCheck(t) && sizeExceeds(idx, t, rec.Dst) {
			return true, nil
		}
		for s := range t.SrcIDs {
			id := t.SrcIDs[s]
			recSrc := rec.Srcs[s]
			if id != recSrc.TensorID {
				return true, nil
			}
			if id == graph.NoID {
				continue
			}
			srcPos := idx.PosOf(id)
			if srcPos < 0 {
				return false, fmt.Errorf("realloc: analyze: %w: node %d references unknown src %d", errs.ErrInvalidArgument, t.TensorID, id)
			}
			srcDesc := idx.Arena[srcPos]
			if needsSizeCheck(srcDesc) {
				aligned := roundUp(srcDesc.AllocSize, rec.Dst.Alignment)
				if aligned > recSrc.SizeMax {
					return true, nil
				}
			}
		}
	}

	return false, nil
}

// needsSizeCheck reports whether a tensor participates in the size/buffer
// validity check: external-data and pure-view tensors are exempt.
func needsSizeCheck(t graph.TensorDesc) bool {
	return !t.HasExternalData && !t.IsView
}

func sizeExceeds(idx *graph.Index, t graph.TensorDesc, rec TensorAlloc) bool {
	if rec.BufferID < 0 {
		return true
	}
	aligned := roundUp(t.AllocSize, rec.Alignment)
	return aligned > rec.SizeMax
}
