package search

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// lowestScore marks dead beam rows and un-seeded beams. Kept finite so the
// additive broadcast kernel never produces NaN from -inf arithmetic.
const lowestScore = float32(-1e9)

// Status is the result of a beam stopping-criterion poll.
type Status int32

const (
	// StatusPending means no check has completed yet.
	StatusPending Status = iota
	StatusContinue
	StatusDone
)

// hypothesis is one completed candidate output. Tokens and score are frozen
// at admission and never mutated afterward.
type hypothesis struct {
	tokens []int32
	score  float32
}

// beamHypotheses is the completed-hypothesis set for one batch element,
// bounded to numBeams members.
type beamHypotheses struct {
	beams         []hypothesis
	numBeams      int
	lengthPenalty float32
	earlyStopping bool
	done          bool
}

func (h *beamHypotheses) worst() (idx int, score float32) {
	idx, score = -1, float32(math.MaxFloat32)
	for i, b := range h.beams {
		if b.score < score {
			idx, score = i, b.score
		}
	}
	return idx, score
}

// add admits a completed continuation with cumulative log-prob sumLogProbs
// over the frozen sequence seq, growing the set. The caller guarantees room.
func (h *beamHypotheses) add(seq []int32, sumLogProbs float32) {
	h.beams = append(h.beams, hypothesis{
		tokens: append([]int32(nil), seq...),
		score:  sumLogProbs / lengthNorm(len(seq), h.lengthPenalty),
	})
	metrics.RecordHypothesisCompleted()
}

// offer proposes a completed continuation when no slot is free to grow into:
// it replaces the worst member only when the candidate scores higher,
// otherwise the candidate is discarded. The set size never changes.
func (h *beamHypotheses) offer(seq []int32, sumLogProbs float32) {
	if len(h.beams) == 0 {
		return
	}
	score := sumLogProbs / lengthNorm(len(seq), h.lengthPenalty)
	if idx, worst := h.worst(); score > worst {
		h.beams[idx] = hypothesis{
			tokens: append([]int32(nil), seq...),
			score:  score,
		}
		metrics.RecordHypothesisEvicted()
	}
}

// isDone reports whether this batch element can stop: the completed set is
// full and, unless early stopping is on, no live beam can still beat the
// worst completed hypothesis given the best live cumulative score at the
// current length.
func (h *beamHypotheses) isDone(bestSumLogProbs float32, curLen int) bool {
	if len(h.beams) < h.numBeams {
		return false
	}
	if h.earlyStopping {
		return true
	}
	_, worst := h.worst()
	return worst >= bestSumLogProbs/lengthNorm(curLen, h.lengthPenalty)
}

func lengthNorm(length int, penalty float32) float32 {
	return float32(math.Pow(float64(length), float64(penalty)))
}

// BeamScorer keeps per-batch hypothesis bookkeeping: live-beam assignments,
// completed sets, and the lagged stopping-criterion state. It is exclusively
// owned by one BeamSearch and consumed once by Finalize.
type BeamScorer struct {
	params *Params
	hyps   []*beamHypotheses

	// Live-beam state for the next append, one entry per batch*beam row.
	// Dead rows (slots held by completed hypotheses) carry lowestScore and
	// the pad token.
	nextScores  []float32
	nextTokens  []int32
	nextIndices []int32

	// Device-resident copy of nextScores, input to the additive broadcast.
	deviceScores *device.FloatBuffer

	status atomic.Int32
}

func newBeamScorer(p *Params) *BeamScorer {
	rows := p.BatchBeamSize()
	s := &BeamScorer{
		params:       p,
		hyps:         make([]*beamHypotheses, p.BatchSize),
		nextScores:   make([]float32, rows),
		nextTokens:   make([]int32, rows),
		nextIndices:  make([]int32, rows),
		deviceScores: device.NewFloatBuffer("beam_scores", rows),
	}
	for b := range s.hyps {
		s.hyps[b] = &beamHypotheses{
			numBeams:      p.NumBeams,
			lengthPenalty: p.LengthPenalty,
			earlyStopping: p.EarlyStopping,
		}
	}
	// Only beam 0 of each batch element starts viable, so the first
	// expansion does not pick num_beams copies of the same candidate.
	for i := range s.nextScores {
		if i%p.NumBeams != 0 {
			s.nextScores[i] = lowestScore
		}
	}
	copy(s.deviceScores.Data(), s.nextScores) // no ops in flight yet
	return s
}

// Process consumes the 2*num_beams candidates per batch element produced by
// the top-k kernel, sorted descending by score. It must run after the
// rendezvous that synchronized the stream: it reads the candidate slices and
// the device sequence rows directly.
//
// Per batch element it walks every candidate in score order. Eos candidates
// grow the completed set while slots remain and may evict the worst completed
// member afterward; non-eos candidates take live-beam slots while
// completed+live is below num_beams. Failing to account for num_beams slots
// by the end of the walk is a contract violation: the 2x oversampling factor
// must guarantee enough candidates.
func (s *BeamScorer) Process(seqs *Sequences, candScores []float32, candTokens, candBeams []int32) {
	p := s.params
	k := 2 * p.NumBeams

	for b := 0; b < p.BatchSize; b++ {
		hyp := s.hyps[b]
		if hyp.done {
			for j := 0; j < p.NumBeams; j++ {
				i := b*p.NumBeams + j
				s.nextScores[i] = lowestScore
				s.nextTokens[i] = p.PadTokenID
				s.nextIndices[i] = int32(j)
			}
			continue
		}

		live := 0
		for j := 0; j < k; j++ {
			score := candScores[b*k+j]
			token := candTokens[b*k+j]
			srcBeam := candBeams[b*k+j]

			if token == p.EOSTokenID {
				// A completed continuation of the source beam; the sequence
				// is frozen at its current length, eos excluded. Examined
				// even once the slots are spoken for, so a later candidate
				// can still displace a worse completed hypothesis.
				seq := seqs.deviceRow(b*p.NumBeams + int(srcBeam))
				if live+len(hyp.beams) < p.NumBeams {
					hyp.add(seq, score)
				} else {
					hyp.offer(seq, score)
				}
				continue
			}
			if live+len(hyp.beams) >= p.NumBeams {
				continue
			}
			i := b*p.NumBeams + live
			s.nextScores[i] = score
			s.nextTokens[i] = token
			s.nextIndices[i] = srcBeam
			live++
		}

		if live+len(hyp.beams) < p.NumBeams {
			panic(fmt.Sprintf(
				"search: candidate exhaustion for batch %d: %d live + %d completed < %d beams",
				b, live, len(hyp.beams), p.NumBeams))
		}

		// Slots held by completed hypotheses become dead rows.
		for j := live; j < p.NumBeams; j++ {
			i := b*p.NumBeams + j
			s.nextScores[i] = lowestScore
			s.nextTokens[i] = p.PadTokenID
			s.nextIndices[i] = 0
		}
	}
}

// NextTokens returns the per-row tokens chosen by the last Process call.
func (s *BeamScorer) NextTokens() []int32 { return s.nextTokens }

// NextIndices returns the per-row source beam indices (within each batch
// element) chosen by the last Process call.
func (s *BeamScorer) NextIndices() []int32 { return s.nextIndices }

// RequestStatusCheck enqueues the stopping-criterion evaluation on the
// stream. The result lands in PollStatus once the op executes; the decode
// loop consumes it on the next IsDone call, one step late at most.
func (s *BeamScorer) RequestStatusCheck(st *device.Stream, curLen int) {
	st.Submit("beam_status", func() {
		p := s.params
		allDone := true
		for b := 0; b < p.BatchSize; b++ {
			hyp := s.hyps[b]
			if hyp.done {
				continue
			}
			best := lowestScore
			for j := 0; j < p.NumBeams; j++ {
				if v := s.deviceScores.Data()[b*p.NumBeams+j]; v > best {
					best = v
				}
			}
			if hyp.isDone(best, curLen) {
				hyp.done = true
			} else {
				allDone = false
			}
		}
		if allDone {
			s.status.Store(int32(StatusDone))
		} else {
			s.status.Store(int32(StatusContinue))
		}
	})
}

// PollStatus returns the result of the most recently completed status check
// without blocking on the stream.
func (s *BeamScorer) PollStatus() Status {
	return Status(s.status.Load())
}

// Finalize writes up to numReturn hypotheses per batch element. Batch
// elements short of numReturn completed hypotheses are backfilled from the
// remaining live beams, best cumulative score first; rows beyond the admitted
// candidates are written entirely as pad tokens with lowestScore. Output rows
// are padded with the pad token to max_length. Deterministic and idempotent
// on a terminal state: nothing in the scorer is mutated.
func (s *BeamScorer) Finalize(seqs *Sequences, numReturn int, output []int32, scores []float32) {
	p := s.params
	if numReturn < 1 || numReturn > p.NumBeams {
		panic(fmt.Sprintf("search: num_return_sequences %d out of range [1,%d]", numReturn, p.NumBeams))
	}
	if len(output) < p.BatchSize*numReturn*p.MaxLength {
		panic(fmt.Sprintf("search: output buffer too small: %d < %d",
			len(output), p.BatchSize*numReturn*p.MaxLength))
	}
	if len(scores) < p.BatchSize*numReturn {
		panic(fmt.Sprintf("search: score buffer too small: %d < %d",
			len(scores), p.BatchSize*numReturn))
	}

	curLen := seqs.SequenceLength()
	for b := 0; b < p.BatchSize; b++ {
		hyp := s.hyps[b]
		cands := append([]hypothesis(nil), hyp.beams...)

		if len(cands) < numReturn {
			// Backfill from live beams, ordered by cumulative score.
			type liveBeam struct {
				row   int
				score float32
			}
			livebeams := make([]liveBeam, 0, p.NumBeams)
			for j := 0; j < p.NumBeams; j++ {
				i := b*p.NumBeams + j
				if s.nextScores[i] > lowestScore {
					livebeams = append(livebeams, liveBeam{row: i, score: s.nextScores[i]})
				}
			}
			sort.SliceStable(livebeams, func(x, y int) bool {
				return livebeams[x].score > livebeams[y].score
			})
			for _, lb := range livebeams {
				if len(cands) >= numReturn {
					break
				}
				cands = append(cands, hypothesis{
					tokens: append([]int32(nil), seqs.deviceRow(lb.row)...),
					score:  lb.score / lengthNorm(curLen, p.LengthPenalty),
				})
			}
		}

		sort.SliceStable(cands, func(x, y int) bool {
			return cands[x].score > cands[y].score
		})

		for i := 0; i < numReturn; i++ {
			row := output[(b*numReturn+i)*p.MaxLength : (b*numReturn+i+1)*p.MaxLength]
			if i >= len(cands) {
				// Fewer admitted candidates than requested (possible when
				// generation ends before any expansion): pad the row out.
				for j := range row {
					row[j] = p.PadTokenID
				}
				scores[b*numReturn+i] = lowestScore
				continue
			}
			copy(row, cands[i].tokens)
			for j := len(cands[i].tokens); j < p.MaxLength; j++ {
				row[j] = p.PadTokenID
			}
			scores[b*numReturn+i] = cands[i].score
		}
	}
}

func (s *BeamScorer) free() {
	s.deviceScores.Free()
}
