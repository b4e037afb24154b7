package search

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// ErrNotBeamSearch is returned by Finalize on a single-beam search; greedy
// output is read straight from the sequence buffer.
var ErrNotBeamSearch = errors.New("search: finalize requires a beam search (num_beams > 1)")

// Params is the immutable per-request configuration. It is read-only after
// construction; New copies it.
type Params struct {
	BatchSize      int
	NumBeams       int
	SequenceLength int // prompt length, in tokens
	MaxLength      int
	VocabSize      int

	EOSTokenID int32
	PadTokenID int32

	// InputIDs is the prompt, [BatchSize * SequenceLength] row-major. It is
	// replicated across beams when the sequence buffer is seeded.
	InputIDs []int32

	// LengthPenalty divides a hypothesis's cumulative log-prob by
	// len^LengthPenalty when it completes. Zero means 1.0.
	LengthPenalty float32

	// EarlyStopping stops a batch element as soon as its completed set is
	// full, without the best-possible-score bound.
	EarlyStopping bool

	Stream *device.Stream
}

func (p *Params) BatchBeamSize() int {
	return p.BatchSize * p.NumBeams
}

func (p *Params) Validate() error {
	if p.BatchSize < 1 {
		return fmt.Errorf("invalid batch_size: %d (must be >= 1)", p.BatchSize)
	}
	if p.NumBeams < 1 {
		return fmt.Errorf("invalid num_beams: %d (must be >= 1)", p.NumBeams)
	}
	if p.SequenceLength < 1 {
		return fmt.Errorf("invalid sequence_length: %d (must be >= 1)", p.SequenceLength)
	}
	if p.MaxLength < p.SequenceLength {
		return fmt.Errorf("invalid max_length: %d (must be >= sequence_length %d)", p.MaxLength, p.SequenceLength)
	}
	if p.EOSTokenID < 0 {
		return fmt.Errorf("invalid eos_token_id: %d (must be >= 0)", p.EOSTokenID)
	}
	if p.VocabSize <= int(p.EOSTokenID) {
		return fmt.Errorf("invalid vocab_size: %d (must be > eos_token_id %d)", p.VocabSize, p.EOSTokenID)
	}
	if p.PadTokenID < 0 {
		return fmt.Errorf("invalid pad_token_id: %d (must be >= 0)", p.PadTokenID)
	}
	if len(p.InputIDs) != p.BatchSize*p.SequenceLength {
		return fmt.Errorf("invalid input_ids length: %d (expected batch_size*sequence_length = %d)",
			len(p.InputIDs), p.BatchSize*p.SequenceLength)
	}
	if p.Stream == nil {
		return fmt.Errorf("missing device stream")
	}
	return nil
}
