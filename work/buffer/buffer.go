package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// DefaultChunkSize is the read/copy granularity used by the connection
// handlers and the download tee path.
const DefaultChunkSize = 64 * 1024

// Pool hands out fixed-size scratch buffers backed by valyala/bytebufferpool,
// so the per-chunk copy loops in the handler and data source never allocate
// on the hot path.
type Pool struct {
	pool      *bytebufferpool.Pool
	chunkSize int
}

// NewPool creates a Pool producing buffers of chunkSize bytes.
func NewPool(chunkSize int) *Pool {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Pool{
		pool:      &bytebufferpool.Pool{},
		chunkSize: chunkSize,
	}
}

// Get returns a buffer whose B slice is exactly chunkSize long, ready to be
// used as the destination of a Read call.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	if cap(buf.B) < p.chunkSize {
		buf.B = make([]byte, p.chunkSize)
	} else {
		buf.B = buf.B[:p.chunkSize]
	}
	return buf
}

// Put returns a buffer to the pool.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		p.pool.Put(buf)
	}
}
