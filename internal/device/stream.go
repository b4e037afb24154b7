package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Stream is an ordered queue of asynchronous device operations. Operations
// submitted to one stream execute FIFO relative to each other and
// asynchronously relative to the host. Cross-stream ordering is unspecified.
//
// A kernel failure inside a stream op is fatal: the op panics on the worker
// goroutine and takes the process down. There is no recovery path that leaves
// the buffers in a defined state.
type Stream struct {
	ops    chan streamOp
	wg     sync.WaitGroup
	closed atomic.Bool
}

type streamOp struct {
	name string
	fn   func()
}

// streamDepth bounds how far the host can run ahead of the device.
const streamDepth = 256

func NewStream() *Stream {
	return NewStreamWithDepth(streamDepth)
}

// NewStreamWithDepth creates a stream whose queue holds up to depth pending
// operations before submits block.
func NewStreamWithDepth(depth int) *Stream {
	if depth < 1 {
		depth = streamDepth
	}
	s := &Stream{
		ops: make(chan streamOp, depth),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Stream) run() {
	defer s.wg.Done()
	for op := range s.ops {
		start := time.Now()
		op.fn()
		if op.name != "" {
			metrics.RecordKernelDuration(op.name, time.Since(start))
		}
	}
}

// Submit enqueues one operation. The name labels the kernel-duration metric;
// internal ops (copies, markers) pass "".
func (s *Stream) Submit(name string, fn func()) {
	if s.closed.Load() {
		panic("device: submit on closed stream")
	}
	s.ops <- streamOp{name: name, fn: fn}
}

// Synchronize blocks the host until every previously submitted operation has
// completed.
func (s *Stream) Synchronize() {
	start := time.Now()
	done := make(chan struct{})
	s.Submit("", func() { close(done) })
	<-done
	metrics.RecordStreamSync(time.Since(start))
}

// Close drains the stream and stops the worker. Further submits panic.
func (s *Stream) Close() {
	if s.closed.Swap(true) {
		return
	}
	close(s.ops)
	s.wg.Wait()
}

// Flag is a single-producer/single-consumer completion flag. The producer is
// a stream op (standing in for a device-side write to pinned host memory);
// the consumer polls from the host without synchronizing the stream. One step
// of staleness is allowed by the decode loop's contract.
type Flag struct {
	v atomic.Bool
}

func (f *Flag) Set()        { f.v.Store(true) }
func (f *Flag) IsSet() bool { return f.v.Load() }
func (f *Flag) Reset()      { f.v.Store(false) }
