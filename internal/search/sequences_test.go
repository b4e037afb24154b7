package search

import (
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

func TestSequencesSeedReplicatesPrompt(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.BatchSize = 2
	p.InputIDs = []int32{0, 1, 2, 3}
	q := newSequences(&p)
	defer q.free()

	if q.SequenceLength() != 2 {
		t.Fatalf("expected initial length 2, got %d", q.SequenceLength())
	}
	// Two beams per batch element, each seeded with that element's prompt.
	wantRows := [][]int32{{0, 1}, {0, 1}, {2, 3}, {2, 3}}
	for r, want := range wantRows {
		got := q.Sequence(r)
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("row %d: expected %v, got %v", r, want, got)
				break
			}
		}
	}
}

func TestSequencesAppendHostRoundTrip(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.NumBeams = 1
	p.MaxLength = 6
	q := newSequences(&p)
	defer q.free()

	appended := [][]int32{{5}, {6}, {7}}
	for _, toks := range appended {
		q.AppendHost(s, toks)
	}

	got := q.Sequence(0)
	want := []int32{0, 1, 5, 6, 7}
	if len(got) != len(want) {
		t.Fatalf("expected length %d, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %d, got %d", i, want[i], got[i])
		}
	}

	// The device mirror must match after the stream drains.
	s.Synchronize()
	dev := q.CurrentDeviceSequences().Data()[:5]
	for i := range want {
		if dev[i] != want[i] {
			t.Errorf("device position %d: expected %d, got %d", i, want[i], dev[i])
		}
	}
}

func TestSequencesLengthGrowsByOne(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.NumBeams = 1
	q := newSequences(&p)
	defer q.free()

	for i := 0; q.SequenceLength() < p.MaxLength; i++ {
		before := q.SequenceLength()
		q.AppendHost(s, []int32{int32(i)})
		if q.SequenceLength() != before+1 {
			t.Fatalf("length must grow by exactly 1, went %d -> %d", before, q.SequenceLength())
		}
	}
}

func TestSequencesAppendPastMaxPanics(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.NumBeams = 1
	p.SequenceLength = 2
	p.MaxLength = 2
	q := newSequences(&p)
	defer q.free()

	defer func() {
		if recover() == nil {
			t.Error("expected panic appending past max_length")
		}
	}()
	q.AppendHost(s, []int32{1})
}

func TestSequencesFreeDrainsPendingAppends(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	q := newSequences(&p)

	// The device mirror of this append is still queued when free runs; free
	// must drain the stream first or the op would hit released storage.
	q.AppendHost(s, []int32{2, 2})
	q.free()
	s.Synchronize()

	got := q.Sequence(0)
	if got[2] != 2 {
		t.Errorf("expected appended token on the host half, got %v", got)
	}
}

func TestSequencesAppendDeviceReordered(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s) // batch=1, beams=2, prompt [0,1]
	q := newSequences(&p)
	defer q.free()

	before := q.CurrentDeviceSequences()
	// Both continuations come from beam 0.
	q.AppendDeviceReordered(s, []int32{0, 0}, []int32{2, 0})

	if q.CurrentDeviceSequences() == before {
		t.Error("expected active half to toggle after device append")
	}
	if q.SequenceLength() != 3 {
		t.Fatalf("expected length 3, got %d", q.SequenceLength())
	}

	q.SyncToHost(s)
	want := [][]int32{{0, 1, 2}, {0, 1, 0}}
	for r, w := range want {
		got := q.Sequence(r)
		for i := range w {
			if got[i] != w[i] {
				t.Errorf("row %d: expected %v, got %v", r, w, got)
				break
			}
		}
	}
}

func TestSequencesPingPongChain(t *testing.T) {
	s := device.NewStream()
	defer s.Close()

	p := validParams(s)
	p.MaxLength = 6
	q := newSequences(&p)
	defer q.free()

	// Alternate source beams across steps; history must follow the gather.
	q.AppendDeviceReordered(s, []int32{0, 0}, []int32{2, 1})
	q.AppendDeviceReordered(s, []int32{1, 0}, []int32{2, 0})
	q.SyncToHost(s)

	want := [][]int32{{0, 1, 1, 2}, {0, 1, 2, 0}}
	for r, w := range want {
		got := q.Sequence(r)
		for i := range w {
			if got[i] != w[i] {
				t.Errorf("row %d: expected %v, got %v", r, w, got)
				break
			}
		}
	}
}
