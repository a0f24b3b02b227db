// Package kvcache implements the KV Cache: a cell arena of
// kv_size cells partitioned into n_stream sub-ranges. Prepare plans
// contiguous per-micro-batch slots, Apply commits them strictly in order,
// Rollback restores prior state, and the sequence operations (SeqRemove,
// SeqCopy, SeqKeep, SeqAdd, SeqDiv) mutate cells between batches.
package kvcache

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/llmcore/emelcore/core/errs"
)

// Bounds on the KV cache's data model. MaxKVCells/MaxSeq/SeqWords are
// kept as named constants (per original_source's explicit-capacity-
// constants convention) even though the Go implementation below sizes its
// slices to the configured kv_size/n_stream rather than these maxima,
// using them only as rejection thresholds.
const (
	MaxKVCells = 32768
	MaxSeq     = 256
	SeqWords   = 4 // ceil(MaxSeq/64)

	// PosNone marks a free cell.
	PosNone int32 = -1
)

// SeqMask is a bitmap over up to MaxSeq sequence ids.
type SeqMask [SeqWords]uint64

// Set marks seq id s present in the mask.
func (m *SeqMask) Set(s int32) { m[s/64] |= 1 << uint(s%64) }

// Test reports whether seq id s is present.
func (m SeqMask) Test(s int32) bool { return m[s/64]&(1<<uint(s%64)) != 0 }

// IsZero reports whether the mask has no bits set.
func (m SeqMask) IsZero() bool {
	for _, w := range m {
		if w != 0 {
			return false
		}
	}
	return true
}

// Primary returns the index of the lowest set bit, or -1 if empty.
func (m SeqMask) Primary() int32 {
	for wi, w := range m {
		if w == 0 {
			continue
		}
		for b := 0; b < 64; b++ {
			if w&(1<<uint(b)) != 0 {
				return int32(wi*64 + b)
			}
		}
	}
	return -1
}

// PopCount returns the number of set bits.
func (m SeqMask) PopCount() int {
	n := 0
	for _, w := range m {
		for w != 0 {
			n++
			w &= w - 1
		}
	}
	return n
}

// And returns the bitwise intersection of m and o.
func (m SeqMask) And(o SeqMask) SeqMask {
	var r SeqMask
	for i := range m {
		r[i] = m[i] & o[i]
	}
	return r
}

// IsSubset reports whether every bit in m is also set in o.
func (m SeqMask) IsSubset(o SeqMask) bool {
	for i := range m {
		if m[i]&^o[i] != 0 {
			return false
		}
	}
	return true
}

// AllOnes returns a mask with every bit up to MaxSeq set, used to seed a
// sequence's "no tokens seen yet" running-intersection state.
func AllOnes() SeqMask {
	var m SeqMask
	for i := range m {
		m[i] = ^uint64(0)
	}
	return m
}

// Cell is one arena slot.
type Cell struct {
	Pos      int32
	Shift    int32
	HasShift bool
	ExtX     int32
	ExtY     int32
	SeqCount uint16
	SeqMask  SeqMask
}

// Stream is one sub-range of the arena.
type Stream struct {
	Head      int32
	UsedCount int32
	UsedMaxP1 int32
	HasShift  bool
	Cells     []Cell
}

// PlannedSlot is one micro-batch's planned placement, produced by Prepare.
type PlannedSlot struct {
	Offset    int32
	Stream    int32
	Size      int32
	headAfter int32
}

// TokenMeta is the per-token position and sequence-mask data Apply needs,
// unpacked from the sanitized batch (core/batch.Sanitizer's output) by the
// caller.
type TokenMeta struct {
	Pos  int32
	Mask SeqMask
}

// State is the KV cache's top-level state machine value.
type State string

const (
	StateInitialized State = "initialized"
	StatePrepared     State = "prepared"
	StateApplied      State = "applied"
	StateRolledBack   State = "rolled_back"
	StateFailed       State = "failed"
)

type applySnapshot struct {
	stream            int32
	headBefore        int32
	usedCountBefore   int32
	usedMaxP1Before   int32
	cellsBefore       []Cell
	seqPosMinBefore   map[int32]int32
	seqPosMaxBefore   map[int32]int32
	seqToStreamBefore map[int32]int32
	kvTokensBefore    int64
}

// Cache is the KV cache state machine.
type Cache struct {
	KVSize  int32
	NStream int32
	NPad    int32

	Streams []Stream

	SeqToStream map[int32]int32
	SeqPosMin   map[int32]int32
	SeqPosMax   map[int32]int32

	Planned         []PlannedSlot
	AppliedUbatches int
	KVTokens        int64

	snapshots []applySnapshot
	state     State

	log *logrus.Entry
}

// New builds a Cache over kvSize cells split evenly across nStream
// streams, with slot alignment nPad.
func New(kvSize, nStream, nPad int32) (*Cache, error) {
	if kvSize <= 0 {
		return nil, fmt.Errorf("kvcache: new: %w: kv_size must be positive", errs.ErrInvalidArgument)
	}
	if nStream <= 0 {
		return nil, fmt.Errorf("kvcache: new: %w: n_stream must be >= 1", errs.ErrInvalidArgument)
	}
	if nPad <= 0 {
		return nil, fmt.Errorf("kvcache: new: %w: n_pad must be >= 1", errs.ErrInvalidArgument)
	}
	if kvSize > MaxKVCells {
		return nil, fmt.Errorf("kvcache: new: %w: kv_size %d exceeds max %d", errs.ErrInvalidArgument, kvSize, MaxKVCells)
	}

	perStream := kvSize / nStream
	streams := make([]Stream, nStream)
	for i := range streams {
		cells := make([]Cell, perStream)
		for c := range cells {
			cells[c].Pos = PosNone
		}
		streams[i] = Stream{Cells: cells}
	}

	return &Cache{
		KVSize:      kvSize,
		NStream:     nStream,
		NPad:        nPad,
		Streams:     streams,
		SeqToStream: make(map[int32]int32),
		SeqPosMin:   make(map[int32]int32),
		SeqPosMax:   make(map[int32]int32),
		state:       StateInitialized,
		log:         logrus.WithField("component", "kvcache"),
	}, nil
}

// State reports the current top-level state.
func (c *Cache) State() State { return c.state }

// Prepare plans a contiguous range for each micro-batch size in ubatchSizes:
// stream selection by smallest used_max_p1+size, scan-from-head-wrap-once
// within the chosen stream, alignment to n_pad.
func (c *Cache) Prepare(ubatchSizes []int32, requestedCapacity int32) error {
	if c.state != StateInitialized && c.state != StateRolledBack && c.state != StateApplied {
		return c.sequencingError("prepare")
	}
	var sum int32
	for _, s := range ubatchSizes {
		if s <= 0 {
			return fmt.Errorf("kvcache: prepare: %w: ubatch size must be positive", errs.ErrInvalidArgument)
		}
		sum += s
	}
	if requestedCapacity > 0 && sum > requestedCapacity {
		return fmt.Errorf("kvcache: prepare: %w: requested %d exceeds capacity %d", errs.ErrInvalidArgument, sum, requestedCapacity)
	}
	if sum > c.KVSize {
		return fmt.Errorf("kvcache: prepare: %w: requested %d exceeds kv_size %d", errs.ErrInvalidArgument, sum, c.KVSize)
	}

	headWork := make([]int32, len(c.Streams))
	for i, s := range c.Streams {
		headWork[i] = s.Head
	}
	tentative := make([][][2]int32, len(c.Streams))

	planned := make([]PlannedSlot, len(ubatchSizes))
	for k, size := range ubatchSizes {
		streamIdx, off, ok := c.selectSlot(size, headWork, tentative)
		if !ok {
			return fmt.Errorf("kvcache: prepare: %w: no feasible slot for ubatch %d of size %d", errs.ErrInvalidArgument, k, size)
		}
		n := int32(len(c.Streams[streamIdx].Cells))
		headAfter := (off + size) % n
		planned[k] = PlannedSlot{Offset: off, Stream: int32(streamIdx), Size: size, headAfter: headAfter}
		tentative[streamIdx] = append(tentative[streamIdx], [2]int32{off, off + size})
		headWork[streamIdx] = headAfter
	}

	c.Planned = planned
	c.AppliedUbatches = 0
	c.snapshots = nil
	c.state = StatePrepared
	c.log.Debugf("prepared %d ubatches", len(planned))
	return nil
}

// selectSlot picks the stream with the smallest used_max_p1+size among
// streams with a feasible slot, and returns the feasible offset within it.
func (c *Cache) selectSlot(size int32, headWork []int32, tentative [][][2]int32) (streamIdx int, offset int32, ok bool) {
	type candidate struct {
		stream int
		offset int32
		score  int32
	}
	var best *candidate
	for s := range c.Streams {
		off, found := c.findSlotInStream(s, size, headWork[s], tentative[s])
		if !found {
			continue
		}
		score := c.Streams[s].UsedMaxP1 + size
		if best == nil || score < best.score {
			best = &candidate{stream: s, offset: off, score: score}
		}
	}
	if best == nil {
		return 0, 0, false
	}
	return best.stream, best.offset, true
}

// findSlotInStream scans stream s for the first n_pad-aligned, size-long
// range of free cells not overlapping a tentative reservation already made
// earlier in this Prepare call, starting at headStart and wrapping once.
func (c *Cache) findSlotInStream(s int, size, headStart int32, tentative [][2]int32) (int32, bool) {
	stream := &c.Streams[s]
	n := int32(len(stream.Cells))
	if n == 0 || size > n {
		return 0, false
	}
	steps := n / c.NPad
	if steps == 0 {
		return 0, false
	}
	startStep := headStart / c.NPad
	for i := int32(0); i < steps; i++ {
		step := (startStep + i) % steps
		off := step * c.NPad
		if off+size > n {
			continue
		}
		if c.rangeFree(stream, off, size, tentative) {
			return off, true
		}
	}
	return 0, false
}

func (c *Cache) rangeFree(stream *Stream, off, size int32, tentative [][2]int32) bool {
	for i := off; i < off+size; i++ {
		if stream.Cells[i].Pos != PosNone {
			return false
		}
	}
	for _, t := range tentative {
		if off < t[1] && t[0] < off+size {
			return false
		}
	}
	return true
}

// Apply commits planned micro-batch k, which must equal AppliedUbatches
// (strictly sequential). tokens must have length Planned[k].Size.
func (c *Cache) Apply(k int, tokens []TokenMeta) error {
	if c.state != StatePrepared && c.state != StateApplied && c.state != StateRolledBack {
		return c.sequencingError("apply")
	}
	if k != c.AppliedUbatches {
		return fmt.Errorf("kvcache: apply: %w: ubatch %d must equal applied count %d", errs.ErrSequencing, k, c.AppliedUbatches)
	}
	if k < 0 || k >= len(c.Planned) {
		return fmt.Errorf("kvcache: apply: %w: ubatch index %d out of range", errs.ErrInvalidArgument, k)
	}
	slot := c.Planned[k]
	if len(tokens) != int(slot.Size) {
		return fmt.Errorf("kvcache: apply: %w: ubatch %d expects %d tokens, got %d", errs.ErrInvalidArgument, k, slot.Size, len(tokens))
	}
	if slot.Offset+slot.Size > int32(len(c.Streams[slot.Stream].Cells)) {
		return fmt.Errorf("kvcache: apply: %w: ubatch %d slot exceeds stream capacity", errs.ErrBackend, k)
	}

	stream := &c.Streams[slot.Stream]
	snap := applySnapshot{
		stream:            slot.Stream,
		headBefore:        stream.Head,
		usedCountBefore:   stream.UsedCount,
		usedMaxP1Before:   stream.UsedMaxP1,
		cellsBefore:       append([]Cell(nil), stream.Cells[slot.Offset:slot.Offset+slot.Size]...),
		seqPosMinBefore:   map[int32]int32{},
		seqPosMaxBefore:   map[int32]int32{},
		seqToStreamBefore: map[int32]int32{},
		kvTokensBefore:    c.KVTokens,
	}

	for i, tok := range tokens {
		idx := slot.Offset + int32(i)
		cell := &stream.Cells[idx]
		if cell.Pos == PosNone {
			stream.UsedCount++
		}
		cell.Pos = tok.Pos
		cell.SeqMask = tok.Mask
		cell.SeqCount = uint16(tok.Mask.PopCount())

		for seq := int32(0); seq < MaxSeq; seq++ {
			if !tok.Mask.Test(seq) {
				continue
			}
			if _, saved := snap.seqPosMinBefore[seq]; !saved {
				if v, ok := c.SeqPosMin[seq]; ok {
					snap.seqPosMinBefore[seq] = v
				} else {
					snap.seqPosMinBefore[seq] = PosNone
				}
				if v, ok := c.SeqPosMax[seq]; ok {
					snap.seqPosMaxBefore[seq] = v
				} else {
					snap.seqPosMaxBefore[seq] = PosNone
				}
				if v, ok := c.SeqToStream[seq]; ok {
					snap.seqToStreamBefore[seq] = v
				} else {
					snap.seqToStreamBefore[seq] = -1
				}
			}
			if cur, ok := c.SeqPosMin[seq]; !ok || tok.Pos < cur {
				c.SeqPosMin[seq] = tok.Pos
			}
			if cur, ok := c.SeqPosMax[seq]; !ok || tok.Pos > cur {
				c.SeqPosMax[seq] = tok.Pos
			}
			c.SeqToStream[seq] = slot.Stream
		}
	}

	if slot.Offset+slot.Size > stream.UsedMaxP1 {
		stream.UsedMaxP1 = slot.Offset + slot.Size
	}
	stream.Head = slot.headAfter

	c.snapshots = append(c.snapshots, snap)
	c.KVTokens += int64(slot.Size)
	c.AppliedUbatches++
	c.state = StateApplied
	return nil
}

// Rollback restores applied micro-batches [fromK, AppliedUbatches) in
// reverse order by replaying their pre-apply snapshots.
func (c *Cache) Rollback(fromK int) error {
	if fromK > c.AppliedUbatches {
		return fmt.Errorf("kvcache: rollback: %w: from %d exceeds applied count %d", errs.ErrInvalidArgument, fromK, c.AppliedUbatches)
	}
	if fromK < 0 {
		return fmt.Errorf("kvcache: rollback: %w: from must be >= 0", errs.ErrInvalidArgument)
	}
	for k := c.AppliedUbatches - 1; k >= fromK; k-- {
		snap := c.snapshots[k]
		slot := c.Planned[k]
		stream := &c.Streams[snap.stream]
		copy(stream.Cells[slot.Offset:slot.Offset+slot.Size], snap.cellsBefore)
		stream.Head = snap.headBefore
		stream.UsedCount = snap.usedCountBefore
		stream.UsedMaxP1 = snap.usedMaxP1Before
		for seq, v := range snap.seqPosMinBefore {
			if v == PosNone {
				delete(c.SeqPosMin, seq)
			} else {
				c.SeqPosMin[seq] = v
			}
		}
		for seq, v := range snap.seqPosMaxBefore {
			if v == PosNone {
				delete(c.SeqPosMax, seq)
			} else {
				c.SeqPosMax[seq] = v
			}
		}
		for seq, v := range snap.seqToStreamBefore {
			if v < 0 {
				delete(c.SeqToStream, seq)
			} else {
				c.SeqToStream[seq] = v
			}
		}
		c.KVTokens = snap.kvTokensBefore
	}
	c.snapshots = c.snapshots[:fromK]
	c.AppliedUbatches = fromK
	c.state = StateRolledBack
	return nil
}

func (c *Cache) sequencingError(op string) error {
	from := c.state
	c.state = StateFailed
	return fmt.Errorf("kvcache: %s: %w: not valid from state %s", op, errs.ErrSequencing, from)
}

// seqCells invokes fn for every cell index (stream, cell index) currently
// carrying seq among its affected sequences.
func (c *Cache) seqCells(seq int32, fn func(stream *Stream, i int32)) error {
	if seq < 0 || seq >= MaxSeq {
		return fmt.Errorf("kvcache: %w: sequence id %d out of range", errs.ErrInvalidArgument, seq)
	}
	s, ok := c.SeqToStream[seq]
	if !ok {
		return nil
	}
	stream := &c.Streams[s]
	for i := range stream.Cells {
		if stream.Cells[i].Pos != PosNone && stream.Cells[i].SeqMask.Test(seq) {
			fn(stream, int32(i))
		}
	}
	return nil
}

// SeqRemove clears every cell of seq whose position lies in [p0, p1); a
// negative p0/p1 means "unbounded" on that side. A cell whose mask becomes
// empty after removing seq is freed entirely.
func (c *Cache) SeqRemove(seq, p0, p1 int32) error {
	return c.seqCells(seq, func(stream *Stream, i int32) {
		cell := &stream.Cells[i]
		if (p0 >= 0 && cell.Pos < p0) || (p1 >= 0 && cell.Pos >= p1) {
			return
		}
		cell.SeqMask[seq/64] &^= 1 << uint(seq%64)
		cell.SeqCount = uint16(cell.SeqMask.PopCount())
		if cell.SeqMask.IsZero() {
			*cell = Cell{Pos: PosNone}
			stream.UsedCount--
		}
	})
}

// SeqCopy adds dstSeq to every cell of srcSeq whose position lies in
// [p0, p1).
func (c *Cache) SeqCopy(srcSeq, dstSeq, p0, p1 int32) error {
	if dstSeq < 0 || dstSeq >= MaxSeq {
		return fmt.Errorf("kvcache: seq_copy: %w: dst sequence id %d out of range", errs.ErrInvalidArgument, dstSeq)
	}
	return c.seqCells(srcSeq, func(stream *Stream, i int32) {
		cell := &stream.Cells[i]
		if (p0 >= 0 && cell.Pos < p0) || (p1 >= 0 && cell.Pos >= p1) {
			return
		}
		cell.SeqMask.Set(dstSeq)
		cell.SeqCount = uint16(cell.SeqMask.PopCount())
		if cur, ok := c.SeqPosMin[dstSeq]; !ok || cell.Pos < cur {
			c.SeqPosMin[dstSeq] = cell.Pos
		}
		if cur, ok := c.SeqPosMax[dstSeq]; !ok || cell.Pos > cur {
			c.SeqPosMax[dstSeq] = cell.Pos
		}
	})
}

// SeqKeep clears every sequence other than seq from cells seq occupies,
// and frees every cell not belonging to seq at all.
func (c *Cache) SeqKeep(seq int32) error {
	if seq < 0 || seq >= MaxSeq {
		return fmt.Errorf("kvcache: seq_keep: %w: sequence id %d out of range", errs.ErrInvalidArgument, seq)
	}
	for s := range c.Streams {
		stream := &c.Streams[s]
		for i := range stream.Cells {
			cell := &stream.Cells[i]
			if cell.Pos == PosNone {
				continue
			}
			if !cell.SeqMask.Test(seq) {
				*cell = Cell{Pos: PosNone}
				stream.UsedCount--
				continue
			}
			var keep SeqMask
			keep.Set(seq)
			cell.SeqMask = keep
			cell.SeqCount = 1
		}
	}
	return nil
}

// SeqAdd shifts the position of every cell of seq in [p0, p1) by delta.
func (c *Cache) SeqAdd(seq, p0, p1, delta int32) error {
	return c.seqCells(seq, func(stream *Stream, i int32) {
		cell := &stream.Cells[i]
		if (p0 >= 0 && cell.Pos < p0) || (p1 >= 0 && cell.Pos >= p1) {
			return
		}
		cell.Pos += delta
		cell.Shift += delta
		cell.HasShift = true
		stream.HasShift = true
	})
}

// SeqDiv integer-divides the position of every cell of seq in [p0, p1) by
// divisor.
func (c *Cache) SeqDiv(seq, p0, p1, divisor int32) error {
	if divisor == 0 {
		return fmt.Errorf("kvcache: seq_div: %w: divisor must be non-zero", errs.ErrInvalidArgument)
	}
	return c.seqCells(seq, func(stream *Stream, i int32) {
		cell := &stream.Cells[i]
		if (p0 >= 0 && cell.Pos < p0) || (p1 >= 0 && cell.Pos >= p1) {
			return
		}
		cell.Pos /= divisor
	})
}
