package search

import (
	"time"

	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Processor mutates the next-token scores in place before selection. The
// ordered processor list is fixed at construction and applied every step;
// processors hold no per-request state and must never resize the buffer.
type Processor interface {
	Name() string
	Apply(st *device.Stream, scores *device.FloatBuffer, seqs *Sequences, p *Params)
}

// MinLength masks the eos token's score to the most negative representable
// value while the sequence is shorter than Min, so generation cannot
// terminate early.
type MinLength struct {
	Min int
}

func (m MinLength) Name() string { return "min_length" }

func (m MinLength) Apply(st *device.Stream, scores *device.FloatBuffer, seqs *Sequences, p *Params) {
	if seqs.SequenceLength() >= m.Min {
		return
	}
	start := time.Now()
	device.MaskToken(st, scores, p.BatchBeamSize(), p.VocabSize, p.EOSTokenID)
	metrics.RecordScoreProcessor(m.Name(), time.Since(start))
}

// RepetitionPenalty scales the scores of tokens already present in each
// row's generated-so-far sequence. Penalty > 1 suppresses repeats.
type RepetitionPenalty struct {
	Penalty float32
}

func (r RepetitionPenalty) Name() string { return "repetition_penalty" }

func (r RepetitionPenalty) Apply(st *device.Stream, scores *device.FloatBuffer, seqs *Sequences, p *Params) {
	start := time.Now()
	device.RepetitionPenalty(st, seqs.CurrentDeviceSequences(), scores,
		p.BatchBeamSize(), p.VocabSize, p.MaxLength, seqs.SequenceLength(), r.Penalty)
	metrics.RecordScoreProcessor(r.Name(), time.Since(start))
}
