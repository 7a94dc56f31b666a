package device

import (
	"sync"
)

// Buffer is a byte buffer handed out by a Device for IO. A zero Buffer is
// the null buffer, returned on read failure.
type Buffer struct {
	data []byte
	pool *BufferPool
}

// NewBuffer wraps an existing byte slice in a Buffer. The slice is owned by
// the Buffer afterwards.
func NewBuffer(b []byte) Buffer {
	return Buffer{data: b}
}

// Data returns the underlying bytes.
func (b Buffer) Data() []byte {
	return b.data
}

// Size returns the buffer length in bytes.
func (b Buffer) Size() uint64 {
	return uint64(len(b.data))
}

// IsNull reports whether this is the null buffer.
func (b Buffer) IsNull() bool {
	return b.data == nil
}

// CopyFrom copies src into the buffer starting at off.
func (b Buffer) CopyFrom(off uint64, src []byte) {
	copy(b.data[off:], src)
}

// Release returns the buffer to its pool, if it came from one. The buffer
// must not be used afterwards.
func (b *Buffer) Release() {
	if b.pool != nil && b.data != nil {
		b.pool.put(b.data)
	}
	b.data = nil
	b.pool = nil
}

// Buffer size classes. Bucket-sized buffers dominate, so the classes track
// common bucket and log-page sizes.
const (
	classSmall = 512
	classPage  = 4096
	classLarge = 16384
)

// BufferPool is a size-class based pool for IO buffers. Buckets are read and
// rewritten on every lookup miss and every flush, so pooling the buffers
// keeps the per-operation allocation cost flat.
type BufferPool struct {
	small sync.Pool // <= 512 bytes
	page  sync.Pool // <= 4096 bytes
	large sync.Pool // <= 16384 bytes
}

// NewBufferPool creates an empty buffer pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small: sync.Pool{New: func() any {
			b := make([]byte, classSmall)
			return &b
		}},
		page: sync.Pool{New: func() any {
			b := make([]byte, classPage)
			return &b
		}},
		large: sync.Pool{New: func() any {
			b := make([]byte, classLarge)
			return &b
		}},
	}
}

// Get returns a zeroed Buffer of exactly size bytes backed by pooled
// storage where the size class allows.
func (p *BufferPool) Get(size uint64) Buffer {
	pool := p.classFor(size)
	if pool == nil {
		return Buffer{data: make([]byte, size)}
	}
	raw := *(pool.Get().(*[]byte))
	buf := raw[:size]
	for i := range buf {
		buf[i] = 0
	}
	return Buffer{data: buf, pool: p}
}

func (p *BufferPool) put(b []byte) {
	full := b[:cap(b)]
	if pool := p.classFor(uint64(cap(b))); pool != nil {
		pool.Put(&full)
	}
}

func (p *BufferPool) classFor(size uint64) *sync.Pool {
	switch {
	case size <= classSmall:
		return &p.small
	case size <= classPage:
		return &p.page
	case size <= classLarge:
		return &p.large
	default:
		return nil
	}
}
