package search

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// Sequences owns the growing [batch*beams, max_length] token matrix. It keeps
// a host half, appended one token per step, and two device halves used as a
// ping-pong pair when beam search reorders rows while appending. The active
// half is tracked by index, never by pointer swap, so both halves stay owned
// and bounds-checkable for the buffer's whole lifetime.
//
// Exactly one append call happens per step; the length grows by exactly 1 and
// never reaches past max_length. Entries beyond the current length are
// undefined.
type Sequences struct {
	host   []int32
	dev    [2]*device.IntBuffer
	active int
	stream *device.Stream

	batch  int
	beams  int
	rows   int
	maxLen int
	length int
}

func newSequences(p *Params) *Sequences {
	rows := p.BatchBeamSize()
	q := &Sequences{
		host:   make([]int32, rows*p.MaxLength),
		stream: p.Stream,
		batch:  p.BatchSize,
		beams:  p.NumBeams,
		rows:   rows,
		maxLen: p.MaxLength,
		length: p.SequenceLength,
	}
	q.dev[0] = device.NewIntBuffer("sequences_0", rows, p.MaxLength)
	q.dev[1] = device.NewIntBuffer("sequences_1", rows, p.MaxLength)

	// Seed every beam row with the replicated prompt. No ops are in flight
	// yet, so direct writes to the device half are ordered before everything.
	for b := 0; b < p.BatchSize; b++ {
		prompt := p.InputIDs[b*p.SequenceLength : (b+1)*p.SequenceLength]
		for j := 0; j < p.NumBeams; j++ {
			row := (b*p.NumBeams + j) * p.MaxLength
			copy(q.host[row:row+p.SequenceLength], prompt)
		}
	}
	copy(q.dev[0].Data(), q.host)
	return q
}

func (q *Sequences) SequenceLength() int {
	return q.length
}

// Sequence returns a read-only view of one host row's generated tokens.
// After device-side appends (beam search) the host half is only current
// once SyncToHost has run.
func (q *Sequences) Sequence(batchBeam int) []int32 {
	return q.host[batchBeam*q.maxLen : batchBeam*q.maxLen+q.length]
}

// CurrentDeviceSequences returns the active device half, for kernels that
// need the full generated-so-far history (e.g. repetition penalty).
func (q *Sequences) CurrentDeviceSequences() *device.IntBuffer {
	return q.dev[q.active]
}

// deviceRow reads one row of the active device half. Host-side callers may
// only use it when the stream is known quiescent; the beam scorer relies on
// the mandatory rendezvous before Process for this.
func (q *Sequences) deviceRow(batchBeam int) []int32 {
	return q.dev[q.active].Data()[batchBeam*q.maxLen : batchBeam*q.maxLen+q.length]
}

// AppendHost appends one token per row on the host half and mirrors the
// column into the active device half so history-dependent kernels stay
// coherent. tokens must hold one entry per row.
func (q *Sequences) AppendHost(s *device.Stream, tokens []int32) {
	q.checkAppend()
	cur := q.length
	for r := 0; r < q.rows; r++ {
		q.host[r*q.maxLen+cur] = tokens[r]
	}
	buf := q.dev[q.active]
	col := append([]int32(nil), tokens...)
	s.Submit("append_column", func() {
		for r := 0; r < q.rows; r++ {
			buf.Data()[r*q.maxLen+cur] = col[r]
		}
	})
	q.length++
}

// AppendDeviceReordered gathers each row's history from the source beam named
// in sourceBeams (an index within the same batch element), appends that row's
// new token, and toggles the active half. One enqueued op; no host
// round-trip. sourceBeams and tokens must stay unchanged until the op has
// executed on the stream.
func (q *Sequences) AppendDeviceReordered(s *device.Stream, sourceBeams, tokens []int32) {
	q.checkAppend()
	device.GatherAppend(s, q.dev[1-q.active], q.dev[q.active], sourceBeams, tokens,
		q.batch, q.beams, q.maxLen, q.length)
	q.active = 1 - q.active
	q.length++
}

// SyncToHost drains the stream and refreshes the host half from the active
// device half.
func (q *Sequences) SyncToHost(s *device.Stream) {
	s.Synchronize()
	copy(q.host, q.dev[q.active].Data())
}

// free drains the owning stream before releasing the device halves, so a
// queued append can never run against freed storage.
func (q *Sequences) free() {
	q.stream.Synchronize()
	q.dev[0].Free()
	q.dev[1].Free()
}

func (q *Sequences) checkAppend() {
	if q.length >= q.maxLen {
		panic(fmt.Sprintf("search: append past max_length %d", q.maxLen))
	}
}
