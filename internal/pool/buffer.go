// Package pool provides memory management for part transfers. Part buffers
// are reused across uploads so a large file never costs more memory than the
// configured concurrency times the chunk size.
package pool

import (
	"sync"
)

// BufferPool hands out fixed-capacity part buffers.
type BufferPool struct {
	size int
	p    *sync.Pool
}

// NewBufferPool creates a pool of buffers with the given capacity, normally
// the session chunk size.
func NewBufferPool(size int64) *BufferPool {
	if size <= 0 {
		size = 1
	}
	return &BufferPool{
		size: int(size),
		p: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		},
	}
}

// Get returns a buffer of length n. Requests larger than the pool's buffer
// capacity allocate a fresh, unpooled buffer.
func (bp *BufferPool) Get(n int64) []byte {
	if n > int64(bp.size) {
		return make([]byte, n)
	}
	bufPtr := bp.p.Get().(*[]byte)
	return (*bufPtr)[:n]
}

// Put returns a buffer to the pool. Oversized buffers are dropped.
// The buffer should not be used after calling Put.
func (bp *BufferPool) Put(buf []byte) {
	if cap(buf) != bp.size {
		return
	}
	buf = buf[:cap(buf)]
	bp.p.Put(&buf)
}
