package search

import (
	"time"

	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// GreedySearch selects one token per row by argmax each step. There is no
// hypothesis tracking; the sequence buffer is the output, one row per batch
// element.
type GreedySearch struct {
	base
	hostTokens []int32
}

func newGreedy(p *Params, procs []Processor) *GreedySearch {
	g := &GreedySearch{
		base:       newBase(p, procs, "greedy"),
		hostTokens: make([]int32, p.BatchBeamSize()),
	}
	g.log.Debug("greedy search created",
		"batch_size", p.BatchSize,
		"sequence_length", p.SequenceLength,
		"max_length", p.MaxLength)
	return g
}

func (g *GreedySearch) Step(logits *device.FloatBuffer) {
	start := time.Now()
	p := g.params
	rows := p.BatchBeamSize()

	g.setLogits(logits)
	g.applyProcessors()

	device.Argmax(p.Stream, g.scores, rows, p.VocabSize, g.tokens)
	device.CheckEOS(p.Stream, g.tokens, g.eosMet, p.EOSTokenID, p.PadTokenID, &g.done)

	// Final host copy of the step's tokens; the eos kernel has already
	// rewritten post-eos rows to the pad token.
	g.tokens.CopyToHost(p.Stream, g.hostTokens)
	g.seqs.AppendHost(p.Stream, g.hostTokens)

	if g.seqs.SequenceLength() == p.MaxLength {
		g.done.Set()
	}
	metrics.RecordStep(rows, time.Since(start))
}

func (g *GreedySearch) IsDone() bool {
	return g.done.IsSet()
}

func (g *GreedySearch) Finalize(numReturn int, output []int32, scores []float32) error {
	return ErrNotBeamSearch
}

func (g *GreedySearch) Close() {
	g.close()
}
