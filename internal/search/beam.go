package search

import (
	"time"

	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// BeamSearch tracks num_beams competing hypotheses per batch element. Each
// step expands 2*num_beams candidates per batch element on the device,
// synchronizes once to hand them to the scorer, and appends the surviving
// beams with a device-side reordering gather.
type BeamSearch struct {
	base
	scorer *BeamScorer

	topkScores *device.FloatBuffer
	topkTokens *device.IntBuffer
	topkBeams  *device.IntBuffer

	hostScores []float32
	hostTokens []int32
	hostBeams  []int32
}

func newBeam(p *Params, procs []Processor) *BeamSearch {
	k := 2 * p.NumBeams
	n := p.BatchSize * k
	b := &BeamSearch{
		base:       newBase(p, procs, "beam"),
		scorer:     newBeamScorer(p),
		topkScores: device.NewFloatBuffer("topk_scores", p.BatchSize, k),
		topkTokens: device.NewIntBuffer("topk_tokens", p.BatchSize, k),
		topkBeams:  device.NewIntBuffer("topk_beams", p.BatchSize, k),
		hostScores: make([]float32, n),
		hostTokens: make([]int32, n),
		hostBeams:  make([]int32, n),
	}
	b.log.Debug("beam search created",
		"batch_size", p.BatchSize,
		"num_beams", p.NumBeams,
		"max_length", p.MaxLength,
		"length_penalty", p.LengthPenalty,
		"early_stopping", p.EarlyStopping)
	return b
}

func (b *BeamSearch) Step(logits *device.FloatBuffer) {
	start := time.Now()
	p := b.params
	rows := p.BatchBeamSize()
	k := 2 * p.NumBeams

	b.setLogits(logits)
	b.applyProcessors()

	// Make candidate scores comparable across beams, then oversample by 2x
	// so enough non-eos candidates survive the scorer's walk.
	device.AddScores(p.Stream, b.scores, b.scorer.deviceScores, rows, p.VocabSize)
	device.TopK(p.Stream, b.scores, p.BatchSize, p.NumBeams, p.VocabSize, k,
		b.topkScores, b.topkTokens, b.topkBeams)

	// The single mandatory host/device rendezvous: everything queued so far
	// completes here, and the candidate buffers become host-readable.
	p.Stream.Synchronize()
	copy(b.hostScores, b.topkScores.Data())
	copy(b.hostTokens, b.topkTokens.Data())
	copy(b.hostBeams, b.topkBeams.Data())

	b.scorer.Process(b.seqs, b.hostScores, b.hostTokens, b.hostBeams)

	// Route the surviving tokens through the eos kernel for the per-row
	// latch, then append with the beam-reordering gather. The new cumulative
	// scores ride the same stream for the next step's broadcast.
	b.tokens.CopyFromHost(p.Stream, b.scorer.NextTokens())
	device.CheckEOS(p.Stream, b.tokens, b.eosMet, p.EOSTokenID, p.PadTokenID, &b.done)
	b.seqs.AppendDeviceReordered(p.Stream, b.scorer.NextIndices(), b.scorer.NextTokens())
	b.scorer.deviceScores.CopyFromHost(p.Stream, b.scorer.nextScores)

	metrics.RecordStep(rows, time.Since(start))
}

// IsDone consumes the result of the previous stopping-criterion check and
// queues the next one. The answer therefore lags the true state by at most
// one step; the unconditional max_length cutoff does not lag.
func (b *BeamSearch) IsDone() bool {
	if b.seqs.SequenceLength() == b.params.MaxLength {
		return true
	}
	prev := b.scorer.PollStatus()
	b.scorer.RequestStatusCheck(b.params.Stream, b.seqs.SequenceLength())
	return prev == StatusDone
}

func (b *BeamSearch) Finalize(numReturn int, output []int32, scores []float32) error {
	start := time.Now()
	b.params.Stream.Synchronize()
	b.scorer.Finalize(b.seqs, numReturn, output, scores)
	metrics.RecordFinalize(time.Since(start))
	b.log.Debug("beam search finalized",
		"num_return_sequences", numReturn,
		"sequence_length", b.seqs.SequenceLength())
	return nil
}

func (b *BeamSearch) Close() {
	b.close()
	b.scorer.free()
	b.topkScores.Free()
	b.topkTokens.Free()
	b.topkBeams.Free()
}
