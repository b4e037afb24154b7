package search

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Model is the forward pass consumed by the decode loop. It returns a logits
// buffer shaped [batch*beams, inputLength, vocab]; only the last position is
// consumed by the search. The model implementation is outside this package.
type Model interface {
	Forward(tokens *device.IntBuffer, inputLength int) *device.FloatBuffer
}

// Search drives one generation request. The caller repeatedly supplies model
// logits to Step and checks IsDone; once done, beam search results are
// collected with Finalize, greedy results read straight from Sequences.
//
// A Search exclusively owns its buffers and is bound to one stream. It is not
// safe for concurrent use; distinct requests get distinct instances.
type Search interface {
	// Step runs one decode step: score derivation, score processors, token
	// selection, eos detection, append. Contract violations (vocab mismatch,
	// stepping past max_length) are fatal.
	Step(logits *device.FloatBuffer)

	// IsDone reports whether generation has terminated. For beam search the
	// answer may lag the true state by one step (see BeamScorer.PollStatus).
	IsDone() bool

	// Sequences exposes the sequence buffer. For greedy search this is the
	// final output; for beam search use Finalize instead.
	Sequences() *Sequences

	// Finalize writes up to numReturn sequences per batch element into
	// output ([batch*numReturn, max_length], padded with the pad token) with
	// their scores. Greedy searches return ErrNotBeamSearch.
	Finalize(numReturn int, output []int32, scores []float32) error

	// Close drains the stream and releases the search's buffers.
	Close()
}

// New builds the search variant for the request: greedy when NumBeams == 1,
// beam search otherwise. Score processors run in the given order every step.
func New(p Params, procs ...Processor) (Search, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.LengthPenalty == 0 {
		p.LengthPenalty = 1
	}
	if p.NumBeams == 1 {
		return newGreedy(&p, procs), nil
	}
	return newBeam(&p, procs), nil
}

// base holds the state shared by both variants.
type base struct {
	params *Params
	seqs   *Sequences
	scores *device.FloatBuffer // [batch*beams, vocab], refreshed every step
	tokens *device.IntBuffer   // selected token per row
	eosMet *device.IntBuffer   // per-row eos latch
	done   device.Flag
	procs  []Processor
	log    *logger.Logger
}

func newBase(p *Params, procs []Processor, component string) base {
	rows := p.BatchBeamSize()
	metrics.RecordSearchOpened()
	return base{
		params: p,
		seqs:   newSequences(p),
		scores: device.NewFloatBuffer("next_token_scores", rows, p.VocabSize),
		tokens: device.NewIntBuffer("next_tokens", rows),
		eosMet: device.NewIntBuffer("eos_met", rows),
		procs:  procs,
		log:    logger.Log.With(component),
	}
}

// setLogits derives the per-row next-token score vector from the model's
// [rows, inputLen, vocab] logits: the last position is copied out and
// log-softmax normalized so scores are comparable log-probabilities.
func (s *base) setLogits(logits *device.FloatBuffer) {
	dims := logits.Dims()
	if len(dims) != 3 {
		panic(fmt.Sprintf("search: logits must be 3-dimensional, got %v", dims))
	}
	rows, inputLen, vocab := dims[0], dims[1], dims[2]
	if rows != s.params.BatchBeamSize() || vocab != s.params.VocabSize {
		panic(fmt.Sprintf("search: logits shape [%d,_,%d] does not match params [%d,_,%d]",
			rows, vocab, s.params.BatchBeamSize(), s.params.VocabSize))
	}
	st := s.params.Stream
	device.CopyLastLogits(st, logits, s.scores, rows, inputLen, vocab)
	device.LogSoftmax(st, s.scores, rows, vocab)
}

func (s *base) applyProcessors() {
	for _, pr := range s.procs {
		pr.Apply(s.params.Stream, s.scores, s.seqs, s.params)
	}
}

func (s *base) Sequences() *Sequences {
	return s.seqs
}

func (s *base) close() {
	s.params.Stream.Synchronize()
	metrics.RecordSearchClosed(s.seqs.SequenceLength())
	s.scores.Free()
	s.tokens.Free()
	s.eosMet.Free()
	s.seqs.free()
}
