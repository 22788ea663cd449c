package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out reusable byte buffers with at least a fixed capacity.
// The forwarder uses it for manifest bodies and segment copy chunks.
type BufferPool struct {
	pool       bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool whose buffers hold at least bufferSize bytes.
func NewBufferPool(bufferSize int) *BufferPool {
	return &BufferPool{bufferSize: bufferSize}
}

// Get returns an empty buffer with capacity for at least the pool's size.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Chunk returns a buffer whose B is exactly the pool's size, ready to be
// passed to Read.
func (bp *BufferPool) Chunk() *bytebufferpool.ByteBuffer {
	buf := bp.Get()
	buf.B = buf.B[:bp.bufferSize]
	return buf
}

// Put returns buf to the pool. A nil buffer is ignored.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// Size is the minimum capacity of buffers from this pool.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}
