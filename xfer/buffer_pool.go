package xfer

import (
	"errors"
	"sync/atomic"
)

// BufferPool manages the internal transfer buffers of a Bus. Requests up to
// Size bytes are served from reusable regions; larger ones are allocated on
// demand. A non-zero limit caps the bytes handed out at any one time.
type BufferPool struct {
	size        int
	limit       int64
	outstanding atomic.Int64
	pool        chan []byte
	closed      atomic.Bool
}

// NewBufferPool constructs a pool of regions of the given size, retaining at
// most capacity idle regions. A limit of zero disables the outstanding cap.
func NewBufferPool(size, capacity, limit int) (*BufferPool, error) {
	if size <= 0 {
		return nil, errors.New("xfer: BufferPool requires positive region size")
	}
	if capacity < 0 {
		capacity = 0
	}
	if limit < 0 {
		limit = 0
	}
	return &BufferPool{
		size:  size,
		limit: int64(limit),
		pool:  make(chan []byte, capacity),
	}, nil
}

// Size returns the pooled region size.
func (p *BufferPool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

// Outstanding returns the number of bytes currently acquired.
func (p *BufferPool) Outstanding() int {
	if p == nil {
		return 0
	}
	return int(p.outstanding.Load())
}

// Acquire returns a zeroed buffer of length n. It fails with ErrNoMemory when
// the pool is closed or the outstanding limit would be exceeded.
func (p *BufferPool) Acquire(n int) ([]byte, error) {
	if p == nil {
		return nil, errors.New("xfer: nil BufferPool")
	}
	if n < 0 {
		return nil, ErrInvalidArgument
	}
	if p.closed.Load() {
		return nil, ErrNoMemory
	}
	want := n
	if n <= p.size {
		want = p.size
	}
	if !p.reserve(int64(want)) {
		return nil, ErrNoMemory
	}
	if n > p.size {
		return make([]byte, n), nil
	}
	select {
	case buf := <-p.pool:
		clear(buf)
		return buf[:n], nil
	default:
		return make([]byte, n, p.size), nil
	}
}

// Release returns a buffer obtained from Acquire. Oversized buffers, and all
// buffers once the pool is closed or full, are dropped for the collector.
func (p *BufferPool) Release(buf []byte) {
	if p == nil || buf == nil {
		return
	}
	p.outstanding.Add(-int64(cap(buf)))
	if p.closed.Load() || cap(buf) != p.size {
		return
	}
	select {
	case p.pool <- buf[:p.size]:
	default:
	}
}

// Close drops all idle regions and makes further Acquire calls fail.
func (p *BufferPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case <-p.pool:
		default:
			return
		}
	}
}

func (p *BufferPool) reserve(n int64) bool {
	for {
		cur := p.outstanding.Load()
		if p.limit > 0 && cur+n > p.limit {
			return false
		}
		if p.outstanding.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}
