package engine

import (
	"context"
	"io"
	"sync"
)

// DefaultChunkSize is the copy chunk used when none is configured.
// Cancellation is observed between chunks, so it also bounds how long a
// canceled job keeps writing.
const DefaultChunkSize = 1 << 20

// BufferPool hands out fixed-size chunks shared by every running job.
type BufferPool struct {
	size int
	pool sync.Pool
}

func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultChunkSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, bp.size)
		return &b
	}
	return bp
}

func (bp *BufferPool) Size() int { return bp.size }

// Get returns a chunk; hand it back with Put.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put keeps only chunks this pool allocated.
func (bp *BufferPool) Put(b *[]byte) {
	if b == nil || len(*b) != bp.size {
		return
	}
	bp.pool.Put(b)
}

// Copy moves src into dst one chunk at a time and stops at the first chunk
// boundary after ctx ends. A read error caused by cancellation is reported
// as the context error.
func (bp *BufferPool) Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := bp.Get()
	defer bp.Put(buf)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(*buf)
		if nr > 0 {
			nw, werr := dst.Write((*buf)[:nr])
			written += int64(nw)
			switch {
			case werr != nil:
				return written, werr
			case nw != nr:
				return written, io.ErrShortWrite
			}
		}
		switch {
		case rerr == io.EOF:
			return written, nil
		case rerr != nil && ctx.Err() != nil:
			return written, ctx.Err()
		case rerr != nil:
			return written, rerr
		}
	}
}
