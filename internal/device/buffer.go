package device

import (
	"sync/atomic"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordDeviceMemory(newVal)
}

// AllocatedBytes reports the bytes currently held by device buffers.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// FloatBuffer is a device-resident float32 buffer. The storage is host
// memory in this backend, but the contents are only defined from the host's
// point of view after a stream Synchronize; in between, only stream-ordered
// ops may touch it.
type FloatBuffer struct {
	data []float32
	dims []int
	name string
}

func NewFloatBuffer(name string, dims ...int) *FloatBuffer {
	n := 1
	for _, d := range dims {
		n *= d
	}
	traceAlloc(int64(n) * 4)
	return &FloatBuffer{
		data: make([]float32, n),
		dims: dims,
		name: name,
	}
}

func (b *FloatBuffer) Dims() []int      { return b.dims }
func (b *FloatBuffer) Name() string     { return b.name }
func (b *FloatBuffer) NumElements() int { return len(b.data) }

// Data exposes the raw storage. Host code must synchronize the owning stream
// before reading and must not write while ops are in flight.
func (b *FloatBuffer) Data() []float32 { return b.data }

func (b *FloatBuffer) Free() {
	traceAlloc(-int64(len(b.data)) * 4)
	b.data = nil
}

// IntBuffer is a device-resident int32 buffer with the same visibility rules
// as FloatBuffer. Token ids and beam indices live in these.
type IntBuffer struct {
	data []int32
	dims []int
	name string
}

func NewIntBuffer(name string, dims ...int) *IntBuffer {
	n := 1
	for _, d := range dims {
		n *= d
	}
	traceAlloc(int64(n) * 4)
	return &IntBuffer{
		data: make([]int32, n),
		dims: dims,
		name: name,
	}
}

func (b *IntBuffer) Dims() []int      { return b.dims }
func (b *IntBuffer) Name() string     { return b.name }
func (b *IntBuffer) NumElements() int { return len(b.data) }

// Data exposes the raw storage; same synchronization contract as FloatBuffer.
func (b *IntBuffer) Data() []int32 { return b.data }

func (b *IntBuffer) Free() {
	traceAlloc(-int64(len(b.data)) * 4)
	b.data = nil
}

// CopyToHost copies the buffer contents into dst after all pending ops on the
// stream have completed. This is a full host/device rendezvous.
func (b *IntBuffer) CopyToHost(s *Stream, dst []int32) {
	s.Synchronize()
	copy(dst, b.data)
}

// CopyFromHost enqueues a stream-ordered write of src into the buffer.
// The caller must not mutate src until the stream has advanced past this op.
func (b *IntBuffer) CopyFromHost(s *Stream, src []int32) {
	s.Submit("", func() { copy(b.data, src) })
}

// CopyFromHost enqueues a stream-ordered write of src into the buffer.
func (b *FloatBuffer) CopyFromHost(s *Stream, src []float32) {
	s.Submit("", func() { copy(b.data, src) })
}
