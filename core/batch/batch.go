// Package batch implements the batch sanitizer and batch splitter:
// normalizing a decode request's token/mask/position/output arrays into
// a consistent shape, then partitioning the normalized tokens into
// micro-batches under one of three splitting policies.
package batch

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/llmcore/emelcore/core/errs"
	"github.com/llmcore/emelcore/core/kvcache"
)

// MaxTokens bounds a single decode request's token count, and MaxUbatches
// bounds the number of micro-batches a split may produce — both fixed
// compile-time constants.
const (
	MaxTokens   = 8192
	MaxUbatches = 256
)

// SeqMask re-exports core/kvcache's bitmap type: the sanitizer and splitter
// operate on exactly the same per-token sequence masks the KV cache later
// consumes, so there is one mask representation across the whole pipeline.
type SeqMask = kvcache.SeqMask

// PositionStride distinguishes absolute (stride 1) from 3D rope-style
// (stride 3: x, y, z) position encoding.
type PositionStride int

const (
	StrideAbsolute PositionStride = 1
	Stride3D       PositionStride = 3
)

// Request is the raw decode request the sanitizer normalizes.
type Request struct {
	NTokens int

	// InMask is optional; when non-nil its length must equal NTokens.
	InMask []SeqMask
	// SeqMaskWords, when InMask is provided, declares how many of
	// SeqMask's words are semantically significant (1..SeqWords).
	SeqMaskWords int

	// SeqPrimaryIDs is optional; when non-nil its length must equal
	// NTokens.
	SeqPrimaryIDs []int32

	// Positions is optional flat position data; its length implies the
	// stride (NTokens => StrideAbsolute, 3*NTokens => Stride3D).
	Positions []int32

	// OutputMaskIn is optional; when non-nil its length must equal
	// NTokens.
	OutputMaskIn []bool

	OutputAll                 bool
	EnforceSingleOutputPerSeq bool
}

// Sanitized is the sanitizer's normalized output: tokens, masks,
// positions, and the output mask, all reconciled against each other.
type Sanitized struct {
	NTokens        int
	MaskWords      int
	Mask           []SeqMask
	PrimaryIDs     []int32
	PositionStride PositionStride
	Positions      []int32
	OutputMask     []bool
	OutputsTotal   int
}

// Sanitizer runs the seven-step normalization algorithm.
type Sanitizer struct {
	log *logrus.Entry
}

// NewSanitizer returns a ready-to-use Sanitizer.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{log: logrus.WithField("component", "batch.sanitizer")}
}

// Sanitize normalizes req. There is no partial success: a
// rejected request leaves no usable Sanitized value.
func (s *Sanitizer) Sanitize(req Request) (*Sanitized, error) {
	// Step 1: bounds.
	if req.NTokens <= 0 {
		return nil, fmt.Errorf("batch: sanitize: %w: n_tokens must be positive", errs.ErrInvalidArgument)
	}
	if req.NTokens > MaxTokens {
		return nil, fmt.Errorf("batch: sanitize: %w: n_tokens %d exceeds max %d", errs.ErrInvalidArgument, req.NTokens, MaxTokens)
	}
	if req.InMask != nil && len(req.InMask) != req.NTokens {
		return nil, fmt.Errorf("batch: sanitize: %w: mask length %d != n_tokens %d", errs.ErrInvalidArgument, len(req.InMask), req.NTokens)
	}
	if req.SeqPrimaryIDs != nil && len(req.SeqPrimaryIDs) != req.NTokens {
		return nil, fmt.Errorf("batch: sanitize: %w: primary id length %d != n_tokens %d", errs.ErrInvalidArgument, len(req.SeqPrimaryIDs), req.NTokens)
	}
	if req.OutputMaskIn != nil && len(req.OutputMaskIn) != req.NTokens {
		return nil, fmt.Errorf("batch: sanitize: %w: output mask length %d != n_tokens %d", errs.ErrInvalidArgument, len(req.OutputMaskIn), req.NTokens)
	}

	// Step 2: mask_words.
	maskWords := 1
	if req.InMask != nil {
		if req.SeqMaskWords < 1 || req.SeqMaskWords > kvcache.SeqWords {
			return nil, fmt.Errorf("batch: sanitize: %w: seq_mask_words %d out of range 1..%d", errs.ErrInvalidArgument, req.SeqMaskWords, kvcache.SeqWords)
		}
		maskWords = req.SeqMaskWords
	}

	out := &Sanitized{
		NTokens:    req.NTokens,
		MaskWords:  maskWords,
		Mask:       make([]SeqMask, req.NTokens),
		PrimaryIDs: make([]int32, req.NTokens),
		OutputMask: make([]bool, req.NTokens),
	}

	// Step 3: masks + primary ids.
	for i := 0; i < req.NTokens; i++ {
		var m SeqMask
		switch {
		case req.InMask != nil:
			m = req.InMask[i]
		case req.SeqPrimaryIDs != nil:
			id := req.SeqPrimaryIDs[i]
			if id < 0 || id >= kvcache.MaxSeq {
				return nil, fmt.Errorf("batch: sanitize: %w: token %d primary id %d out of range", errs.ErrInvalidArgument, i, id)
			}
			m.Set(id)
		default:
			m.Set(0)
		}
		if m.IsZero() {
			return nil, fmt.Errorf("batch: sanitize: %w: token %d has an empty mask", errs.ErrInvalidArgument, i)
		}
		primary := m.Primary()
		if primary < 0 {
			return nil, fmt.Errorf("batch: sanitize: %w: token %d has no primary id", errs.ErrInvalidArgument, i)
		}
		if req.InMask != nil && req.SeqPrimaryIDs != nil {
			if !m.Test(req.SeqPrimaryIDs[i]) {
				return nil, fmt.Errorf("batch: sanitize: %w: token %d primary id %d is not a member of its mask", errs.ErrInvalidArgument, i, req.SeqPrimaryIDs[i])
			}
			primary = req.SeqPrimaryIDs[i]
		}
		out.Mask[i] = m
		out.PrimaryIDs[i] = primary
	}

	// Step 4: positions.
	if err := s.resolvePositions(req, out); err != nil {
		return nil, err
	}

	// Step 5: output mask.
	s.resolveOutputMask(req, out)

	// Step 6: constraints.
	if req.EnforceSingleOutputPerSeq {
		counts := map[int32]int{}
		for i := 0; i < req.NTokens; i++ {
			if out.OutputMask[i] {
				counts[out.PrimaryIDs[i]]++
			}
		}
		for seq, n := range counts {
			if n > 1 {
				return nil, fmt.Errorf("batch: sanitize: %w: sequence %d has %d outputs, single output required", errs.ErrInvalidArgument, seq, n)
			}
		}
	}

	if err := checkPositionsAndMasks(out); err != nil {
		return nil, err
	}

	// Step 7: outputs_total.
	total := 0
	for _, v := range out.OutputMask {
		if v {
			total++
		}
	}
	out.OutputsTotal = total

	return out, nil
}

func (s *Sanitizer) resolvePositions(req Request, out *Sanitized) error {
	n := req.NTokens
	switch {
	case len(req.Positions) == 0:
		out.PositionStride = StrideAbsolute
		out.Positions = make([]int32, n)
		nextPos := map[int32]int32{}
		for i := 0; i < n; i++ {
			primary := out.PrimaryIDs[i]
			out.Positions[i] = nextPos[primary]
			for seq := int32(0); seq < kvcache.MaxSeq; seq++ {
				if out.Mask[i].Test(seq) {
					nextPos[seq] = out.Positions[i] + 1
				}
			}
		}
		return nil
	case len(req.Positions) == n:
		out.PositionStride = StrideAbsolute
		out.Positions = append([]int32(nil), req.Positions...)
		return nil
	case len(req.Positions) == 3*n:
		out.PositionStride = Stride3D
		out.Positions = append([]int32(nil), req.Positions...)
		return nil
	default:
		return fmt.Errorf("batch: sanitize: %w: positions length %d is neither n_tokens nor 3*n_tokens", errs.ErrInvalidArgument, len(req.Positions))
	}
}

func (s *Sanitizer) resolveOutputMask(req Request, out *Sanitized) {
	switch {
	case req.OutputAll:
		for i := range out.OutputMask {
			out.OutputMask[i] = true
		}
		if req.OutputMaskIn != nil {
			for _, v := range req.OutputMaskIn {
				if !v {
					s.log.Warnf("output_all requested alongside a partial output mask; overriding to all-ones")
					break
				}
			}
		}
	case req.OutputMaskIn != nil:
		copy(out.OutputMask, req.OutputMaskIn)
	default:
		out.OutputMask[len(out.OutputMask)-1] = true
	}
}

// checkPositionsAndMasks walks tokens once, per sequence id in each token's
// mask: positions must never decrease (though repeats collapse into a
// single count, so only distinct positions count toward continuity), and
// the running intersection of every mask a sequence id appears in must
// never collapse to empty. When positions are stride-1 (given or
// synthesized), a sequence's distinct-position span must have no gaps.
func checkPositionsAndMasks(out *Sanitized) error {
	type span struct {
		lastPos   int32
		hasLast   bool
		min, max  int32
		hasRange  bool
		count     int32
		curSet    SeqMask
		hasCurSet bool
	}
	spans := map[int32]*span{}

	for i := 0; i < out.NTokens; i++ {
		m := out.Mask[i]
		pos := int32(0)
		if out.PositionStride == StrideAbsolute {
			pos = out.Positions[i]
		}
		for seq := int32(0); seq < kvcache.MaxSeq; seq++ {
			if !m.Test(seq) {
				continue
			}
			sp, ok := spans[seq]
			if !ok {
				sp = &span{}
				spans[seq] = sp
			}

			if out.PositionStride == StrideAbsolute {
				if sp.hasLast && pos < sp.lastPos {
					return fmt.Errorf("batch: sanitize: %w: sequence %d position decreased (%d after %d)", errs.ErrInvalidArgument, seq, pos, sp.lastPos)
				}
				if !sp.hasLast || pos != sp.lastPos {
					sp.count++
				}
				sp.lastPos = pos
				sp.hasLast = true
				if !sp.hasRange || pos < sp.min {
					sp.min = pos
				}
				if !sp.hasRange || pos > sp.max {
					sp.max = pos
				}
				sp.hasRange = true
			}

			if !sp.hasCurSet {
				sp.curSet = kvcache.AllOnes()
				sp.hasCurSet = true
			}
			sp.curSet = sp.curSet.And(m)
			if sp.curSet.IsZero() {
				return fmt.Errorf("batch: sanitize: %w: sequence %d mask set is not monotonic across tokens", errs.ErrInvalidArgument, seq)
			}
		}
	}

	if out.PositionStride == StrideAbsolute {
		for seq, sp := range spans {
			if sp.count == 0 {
				continue
			}
			if sp.max-sp.min+1 > sp.count {
				return fmt.Errorf("batch: sanitize: %w: sequence %d has a position gap (min=%d max=%d count=%d)", errs.ErrInvalidArgument, seq, sp.min, sp.max, sp.count)
			}
		}
	}
	return nil
}

// Mode selects the Splitter's partitioning policy.
type Mode int

const (
	ModeSimple Mode = iota
	ModeEqual
	ModeSeq
)

// SplitResult is the Splitter's output.
type SplitResult struct {
	UbatchSizes        []int32
	UbatchTokenIndices []int32
	UbatchTokenOffsets []int32
	TotalOutputs       int
}

// Splitter partitions a Sanitized batch into micro-batches under one of
// the three split modes.
type Splitter struct {
	log *logrus.Entry
}

// NewSplitter returns a ready-to-use Splitter.
func NewSplitter() *Splitter {
	return &Splitter{log: logrus.WithField("component", "batch.splitter")}
}

// Split partitions sb into micro-batches of at most nUbatch tokens under
// mode.
func (sp *Splitter) Split(sb *Sanitized, mode Mode, nUbatch int, equalSequential bool) (*SplitResult, error) {
	if sb == nil {
		return nil, fmt.Errorf("batch: split: %w: nil sanitized batch", errs.ErrInvalidArgument)
	}
	if nUbatch <= 0 {
		return nil, fmt.Errorf("batch: split: %w: n_ubatch must be positive", errs.ErrInvalidArgument)
	}
	if sb.NTokens > MaxUbatches*nUbatch {
		return nil, fmt.Errorf("batch: split: %w: n_tokens %d exceeds MaxUbatches*n_ubatch", errs.ErrInvalidArgument, sb.NTokens)
	}

	var indices []int32
	var sizes []int32
	var err error

	switch mode {
	case ModeSimple:
		indices, sizes = splitSimple(sb, nUbatch)
	case ModeEqual:
		indices, sizes, err = splitEqual(sb, nUbatch, equalSequential)
	case ModeSeq:
		indices, sizes, err = splitSeq(sb, nUbatch)
	default:
		return nil, fmt.Errorf("batch: split: %w: unknown mode %d", errs.ErrInvalidArgument, mode)
	}
	if err != nil {
		return nil, err
	}

	offsets := make([]int32, len(sizes)+1)
	for i, s := range sizes {
		offsets[i+1] = offsets[i] + s
	}

	total := 0
	for _, idx := range indices {
		if sb.OutputMask[idx] {
			total++
		}
	}

	return &SplitResult{
		UbatchSizes:        sizes,
		UbatchTokenIndices: indices,
		UbatchTokenOffsets: offsets,
		TotalOutputs:       total,
	}, nil
}

func splitSimple(sb *Sanitized, nUbatch int) ([]int32, []int32) {
	n := sb.NTokens
	indices := make([]int32, n)
	for i := range indices {
		indices[i] = int32(i)
	}
	var sizes []int32
	for remaining := n; remaining > 0; {
		s := nUbatch
		if s > remaining {
			s = remaining
		}
		sizes = append(sizes, int32(s))
		remaining -= s
	}
	return indices, sizes
}

func splitEqual(sb *Sanitized, nUbatch int, equalSequential bool) ([]int32, []int32, error) {
	n := sb.NTokens
	if equalSequential {
		for i := 0; i < n; i++ {
			if sb.Mask[i].PopCount() != 1 {
				return nil, nil, fmt.Errorf("batch: split: %w: equal_sequential requires a single set bit per token mask (token %d)", errs.ErrInvalidArgument, i)
			}
		}
	}

	ubatchCount := (n + nUbatch - 1) / nUbatch
	if ubatchCount == 0 {
		ubatchCount = 1
	}
	base := n / ubatchCount
	rem := n % ubatchCount

	indices := make([]int32, n)
	for i := range indices {
		indices[i] = int32(i)
	}

	var sizes []int32
	pos := 0
	for b := 0; b < ubatchCount && pos < n; b++ {
		target := base
		if b < rem {
			target++
		}
		end := pos + target
		if end > n {
			end = n
		}
		sizes = append(sizes, int32(end-pos))
		pos = end
	}
	return indices, sizes, nil
}

func splitSeq(sb *Sanitized, nUbatch int) ([]int32, []int32, error) {
	n := sb.NTokens
	used := make([]bool, n)
	var indices []int32
	var sizes []int32

	remaining := n
	for remaining > 0 {
		start := -1
		for i := 0; i < n; i++ {
			if !used[i] {
				start = i
				break
			}
		}
		if start == -1 {
			break
		}
		active := sb.Mask[start]
		used[start] = true
		indices = append(indices, int32(start))
		size := int32(1)
		remaining--

		for i := 0; i < n && size < int32(nUbatch); i++ {
			if used[i] {
				continue
			}
			if sb.Mask[i].IsSubset(active) {
				used[i] = true
				indices = append(indices, int32(i))
				size++
				remaining--
			}
		}
		sizes = append(sizes, size)
	}
	return indices, sizes, nil
}
