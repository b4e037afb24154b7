package search

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

func TestMinLengthMasksEOSBelowThreshold(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.NumBeams = 1
	seqs := newSequences(&p)
	defer seqs.free()

	scores := device.NewFloatBuffer("test_scores", 1, int(p.VocabSize))
	scores.CopyFromHost(s, []float32{-1.0, -2.0, -3.0, -0.5})

	proc := MinLength{Min: 4}
	proc.Apply(s, scores, seqs, &p)
	s.Synchronize()

	got := scores.Data()
	if got[p.EOSTokenID] != -math.MaxFloat32 {
		t.Errorf("expected eos score masked to -MaxFloat32, got %f", got[p.EOSTokenID])
	}
	for i, want := range []float32{-1.0, -2.0, -3.0} {
		if got[i] != want {
			t.Errorf("non-eos score %d changed: expected %f, got %f", i, want, got[i])
		}
	}
	scores.Free()
}

func TestMinLengthNoOpAtThreshold(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.NumBeams = 1
	seqs := newSequences(&p)
	defer seqs.free()

	scores := device.NewFloatBuffer("test_scores", 1, int(p.VocabSize))
	raw := []float32{-1.0, -2.0, -3.0, -0.5}
	scores.CopyFromHost(s, raw)

	proc := MinLength{Min: seqs.SequenceLength()}
	proc.Apply(s, scores, seqs, &p)
	s.Synchronize()

	for i, want := range raw {
		if scores.Data()[i] != want {
			t.Errorf("score %d changed: expected %f, got %f", i, want, scores.Data()[i])
		}
	}
	scores.Free()
}

func TestRepetitionPenaltyTargetsSequenceTokens(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.NumBeams = 1
	p.InputIDs = []int32{0, 1} // tokens 0 and 1 are in the history
	seqs := newSequences(&p)
	defer seqs.free()

	scores := device.NewFloatBuffer("test_scores", 1, int(p.VocabSize))
	scores.CopyFromHost(s, []float32{2.0, -2.0, 1.0, 1.0})

	proc := RepetitionPenalty{Penalty: 2.0}
	proc.Apply(s, scores, seqs, &p)
	s.Synchronize()

	got := scores.Data()
	if got[0] != 1.0 {
		t.Errorf("positive repeated score: expected 1.0, got %f", got[0])
	}
	if got[1] != -4.0 {
		t.Errorf("negative repeated score: expected -4.0, got %f", got[1])
	}
	if got[2] != 1.0 || got[3] != 1.0 {
		t.Errorf("unseen tokens must be untouched, got %f %f", got[2], got[3])
	}
	scores.Free()
}

func TestProcessorsRunInDeclaredOrder(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.NumBeams = 1
	sr, err := New(p, RepetitionPenalty{Penalty: 2.0}, MinLength{Min: 4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer sr.Close()

	g := sr.(*GreedySearch)
	if len(g.procs) != 2 {
		t.Fatalf("expected 2 processors, got %d", len(g.procs))
	}
	if g.procs[0].Name() != "repetition_penalty" || g.procs[1].Name() != "min_length" {
		t.Errorf("processor order not preserved: %s, %s", g.procs[0].Name(), g.procs[1].Name())
	}
}
