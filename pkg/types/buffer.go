package types

import "sync"

// Buffer is the storage behind a numeric tensor. It is either owned (plain
// slice) or a slot in a BufferPool, referenced by index so tensors and pools
// never point at each other cyclically.
type Buffer struct {
	data []byte
	pool *BufferPool
	slot uint64
}

// OwnedBuffer wraps a plain byte slice.
func OwnedBuffer(b []byte) Buffer { return Buffer{data: b} }

// Bytes returns the backing bytes. For pooled buffers the slice is only
// valid until Release.
func (b Buffer) Bytes() []byte {
	if b.pool != nil {
		return b.pool.bytes(b.slot)
	}
	return b.data
}

// Len returns the byte length of the buffer.
func (b Buffer) Len() int { return len(b.Bytes()) }

// Release returns a pooled buffer's slot to its pool. No-op for owned
// buffers.
func (b Buffer) Release() {
	if b.pool != nil {
		b.pool.put(b.slot)
	}
}

// BufferPool is an arena of reusable byte slices keyed by u64 slot indices.
type BufferPool struct {
	mu    sync.Mutex
	slots map[uint64][]byte
	free  []uint64
	next  uint64
}

// NewBufferPool constructs an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{slots: make(map[uint64][]byte)}
}

// Get returns a pooled buffer of exactly n bytes, reusing a free slot with
// sufficient capacity when one exists.
func (p *BufferPool) Get(n int) Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, id := range p.free {
		if cap(p.slots[id]) >= n {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.slots[id] = p.slots[id][:n]
			return Buffer{pool: p, slot: id}
		}
	}
	id := p.next
	p.next++
	p.slots[id] = make([]byte, n)
	return Buffer{pool: p, slot: id}
}

func (p *BufferPool) bytes(slot uint64) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[slot]
}

func (p *BufferPool) put(slot uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.slots[slot]; !ok {
		return
	}
	for _, f := range p.free {
		if f == slot {
			return // double release
		}
	}
	p.free = append(p.free, slot)
}
