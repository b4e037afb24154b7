package search

import (
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// completedLive reports (completed, live) slot counts for one batch element.
func completedLive(s *BeamScorer, b int) (int, int) {
	live := 0
	for j := 0; j < s.params.NumBeams; j++ {
		if s.nextScores[b*s.params.NumBeams+j] > lowestScore {
			live++
		}
	}
	return len(s.hyps[b].beams), live
}

func TestScorerSeedsBeamZeroOnly(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.LengthPenalty = 1
	sc := newBeamScorer(&p)
	defer sc.free()

	if sc.nextScores[0] != 0 {
		t.Errorf("beam 0 must start at score 0, got %f", sc.nextScores[0])
	}
	if sc.nextScores[1] != lowestScore {
		t.Errorf("beam 1 must start unviable, got %f", sc.nextScores[1])
	}
}

func TestScorerProcessFillsLiveSlots(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.LengthPenalty = 1
	sc := newBeamScorer(&p)
	defer sc.free()
	q := newSequences(&p)
	defer q.free()

	// Four candidates, descending, none eos.
	sc.Process(q,
		[]float32{-0.1, -0.5, -1.0, -2.0},
		[]int32{2, 0, 1, 2},
		[]int32{0, 0, 0, 1})

	completed, live := completedLive(sc, 0)
	if completed+live != p.NumBeams {
		t.Fatalf("completed (%d) + live (%d) must equal num_beams (%d)", completed, live, p.NumBeams)
	}
	if sc.nextTokens[0] != 2 || sc.nextTokens[1] != 0 {
		t.Errorf("expected tokens [2 0], got %v", sc.nextTokens)
	}
	if sc.nextIndices[0] != 0 || sc.nextIndices[1] != 0 {
		t.Errorf("expected source beams [0 0], got %v", sc.nextIndices)
	}
}

func TestScorerProcessAdmitsEOS(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.LengthPenalty = 1
	sc := newBeamScorer(&p)
	defer sc.free()
	q := newSequences(&p) // rows seeded [0,1]
	defer q.free()

	// Best candidate is eos from beam 0: it becomes a completed hypothesis
	// frozen at the current length; one live slot remains to fill.
	sc.Process(q,
		[]float32{-0.1, -0.5, -1.0, -2.0},
		[]int32{3, 0, 1, 2},
		[]int32{0, 1, 0, 1})

	completed, live := completedLive(sc, 0)
	if completed != 1 || live != 1 {
		t.Fatalf("expected 1 completed + 1 live, got %d + %d", completed, live)
	}

	hyp := sc.hyps[0].beams[0]
	if len(hyp.tokens) != 2 || hyp.tokens[0] != 0 || hyp.tokens[1] != 1 {
		t.Errorf("hypothesis must freeze the pre-eos sequence [0 1], got %v", hyp.tokens)
	}
	// sum_logprobs / len^1
	if want := float32(-0.1) / 2; hyp.score != want {
		t.Errorf("expected normalized score %f, got %f", want, hyp.score)
	}
	// The live slot holds the best non-eos candidate.
	if sc.nextTokens[0] != 0 || sc.nextIndices[0] != 1 {
		t.Errorf("expected live slot (token 0, beam 1), got (%d, %d)", sc.nextTokens[0], sc.nextIndices[0])
	}
	// The dead slot is unviable and pads.
	if sc.nextScores[1] != lowestScore || sc.nextTokens[1] != p.PadTokenID {
		t.Errorf("expected dead slot, got score %f token %d", sc.nextScores[1], sc.nextTokens[1])
	}
}

func TestScorerFrozenOnCompletion(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.LengthPenalty = 1
	sc := newBeamScorer(&p)
	defer sc.free()
	q := newSequences(&p)
	defer q.free()

	sc.Process(q,
		[]float32{-0.1, -0.5, -1.0, -2.0},
		[]int32{3, 0, 1, 2},
		[]int32{0, 1, 0, 1})

	frozenTokens := append([]int32(nil), sc.hyps[0].beams[0].tokens...)
	frozenScore := sc.hyps[0].beams[0].score

	// Another step with non-eos candidates must not touch the hypothesis.
	sc.Process(q,
		[]float32{-0.3, -0.6, -1.1, -2.1},
		[]int32{1, 0, 2, 2},
		[]int32{0, 0, 1, 1})

	got := sc.hyps[0].beams[0]
	if got.score != frozenScore {
		t.Errorf("completed hypothesis score changed: %f -> %f", frozenScore, got.score)
	}
	for i := range frozenTokens {
		if got.tokens[i] != frozenTokens[i] {
			t.Errorf("completed hypothesis tokens changed at %d", i)
		}
	}
}

func TestScorerEvictsWorstCompleted(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.LengthPenalty = 1
	sc := newBeamScorer(&p)
	defer sc.free()
	q := newSequences(&p)
	defer q.free()

	// Fill the completed set with two eos candidates.
	sc.Process(q,
		[]float32{-1.0, -2.0, -3.0, -4.0},
		[]int32{3, 3, 0, 1},
		[]int32{0, 1, 0, 1})
	if completed, _ := completedLive(sc, 0); completed != 2 {
		t.Fatalf("expected full completed set, got %d", completed)
	}

	worstBefore := sc.hyps[0].beams[1].score // -2.0/2

	// A better eos candidate evicts the worst; total stays bounded.
	sc.Process(q,
		[]float32{-0.5, -5.0, -6.0, -7.0},
		[]int32{3, 0, 1, 2},
		[]int32{0, 0, 0, 1})

	if len(sc.hyps[0].beams) != 2 {
		t.Fatalf("completed set must stay bounded to num_beams, got %d", len(sc.hyps[0].beams))
	}
	_, worstAfter := sc.hyps[0].worst()
	if worstAfter <= worstBefore {
		t.Errorf("expected eviction to raise the worst score, %f -> %f", worstBefore, worstAfter)
	}
}

func TestScorerLateEOSWithoutCompletedIsDiscarded(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.LengthPenalty = 1
	sc := newBeamScorer(&p)
	defer sc.free()
	q := newSequences(&p)
	defer q.free()

	// Both live slots fill before the eos candidate arrives; with nothing
	// completed there is no member to displace, so it is discarded.
	sc.Process(q,
		[]float32{-0.1, -0.5, -1.0, -2.0},
		[]int32{2, 0, 3, 1},
		[]int32{0, 0, 0, 1})

	completed, live := completedLive(sc, 0)
	if completed != 0 || live != 2 {
		t.Fatalf("expected 0 completed + 2 live, got %d + %d", completed, live)
	}
	if sc.nextTokens[0] != 2 || sc.nextTokens[1] != 0 {
		t.Errorf("expected tokens [2 0], got %v", sc.nextTokens)
	}
}

func TestScorerStatusCheckLags(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.LengthPenalty = 1
	p.EarlyStopping = true
	sc := newBeamScorer(&p)
	defer sc.free()
	q := newSequences(&p)
	defer q.free()

	if sc.PollStatus() != StatusPending {
		t.Error("expected StatusPending before any check")
	}

	// Not done: completed set empty.
	sc.RequestStatusCheck(s, q.SequenceLength())
	s.Synchronize()
	if sc.PollStatus() != StatusContinue {
		t.Error("expected StatusContinue with no completed hypotheses")
	}

	// Fill the completed set; with early stopping the element is done.
	sc.Process(q,
		[]float32{-1.0, -2.0, -3.0, -4.0},
		[]int32{3, 3, 0, 1},
		[]int32{0, 1, 0, 1})
	sc.RequestStatusCheck(s, q.SequenceLength())
	s.Synchronize()
	if sc.PollStatus() != StatusDone {
		t.Error("expected StatusDone once every batch element is done")
	}
}

func TestScorerFinalizeIdempotent(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.LengthPenalty = 1
	sc := newBeamScorer(&p)
	defer sc.free()
	q := newSequences(&p)
	defer q.free()

	sc.Process(q,
		[]float32{-1.0, -1.5, -3.0, -4.0},
		[]int32{3, 3, 0, 1},
		[]int32{0, 1, 0, 1})

	out1 := make([]int32, p.BatchSize*2*p.MaxLength)
	scores1 := make([]float32, p.BatchSize*2)
	sc.Finalize(q, 2, out1, scores1)

	out2 := make([]int32, p.BatchSize*2*p.MaxLength)
	scores2 := make([]float32, p.BatchSize*2)
	sc.Finalize(q, 2, out2, scores2)

	for i := range out1 {
		if out1[i] != out2[i] {
			t.Fatalf("Finalize not idempotent: output differs at %d", i)
		}
	}
	for i := range scores1 {
		if scores1[i] != scores2[i] {
			t.Fatalf("Finalize not idempotent: scores differ at %d", i)
		}
	}

	// Best hypothesis first, padded to max_length.
	if scores1[0] < scores1[1] {
		t.Error("expected scores sorted descending")
	}
	row := out1[:p.MaxLength]
	if row[0] != 0 || row[1] != 1 {
		t.Errorf("expected frozen sequence [0 1 ...], got %v", row)
	}
	for i := 2; i < p.MaxLength; i++ {
		if row[i] != p.PadTokenID {
			t.Errorf("expected pad at position %d, got %d", i, row[i])
		}
	}
}

func TestScorerFinalizeBackfillsFromLiveBeams(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.LengthPenalty = 1
	sc := newBeamScorer(&p)
	defer sc.free()
	q := newSequences(&p)
	defer q.free()

	// No eos: nothing completed, both returns must come from live beams.
	sc.Process(q,
		[]float32{-0.1, -0.5, -1.0, -2.0},
		[]int32{2, 0, 1, 2},
		[]int32{0, 0, 0, 1})

	out := make([]int32, p.BatchSize*2*p.MaxLength)
	scores := make([]float32, p.BatchSize*2)
	sc.Finalize(q, 2, out, scores)

	if scores[0] != float32(-0.1)/2 {
		t.Errorf("expected best live beam score %f, got %f", float32(-0.1)/2, scores[0])
	}
	if scores[1] != float32(-0.5)/2 {
		t.Errorf("expected second live beam score %f, got %f", float32(-0.5)/2, scores[1])
	}
}

func TestScorerFinalizeRejectsBadNumReturn(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.LengthPenalty = 1
	sc := newBeamScorer(&p)
	defer sc.free()
	q := newSequences(&p)
	defer q.free()

	defer func() {
		if recover() == nil {
			t.Error("expected panic for num_return_sequences > num_beams")
		}
	}()
	sc.Finalize(q, 3, make([]int32, 3*p.MaxLength), make([]float32, 3))
}
