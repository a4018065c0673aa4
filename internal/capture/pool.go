package capture

import (
	"sync"
	"sync/atomic"
)

// framePool keeps a few pixel buffers around so repeated snapshots of the
// same geometry do not allocate.
type framePool struct {
	mu      sync.Mutex
	bufs    [][]byte
	maxSize int

	// Metrics
	gets  atomic.Uint64
	hits  atomic.Uint64
	puts  atomic.Uint64
	drops atomic.Uint64
}

// PoolStats reports buffer reuse.
type PoolStats struct {
	Gets  uint64 `json:"gets"`
	Hits  uint64 `json:"hits"`
	Puts  uint64 `json:"puts"`
	Drops uint64 `json:"drops"`
	Idle  int    `json:"idle"`
}

func newFramePool(maxSize int) *framePool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &framePool{maxSize: maxSize, bufs: make([][]byte, 0, maxSize)}
}

// get returns a buffer of exactly size bytes, reusing an idle one of the same size.
func (p *framePool) get(size int) []byte {
	p.gets.Add(1)

	p.mu.Lock()
	for i, b := range p.bufs {
		if len(b) == size {
			last := len(p.bufs) - 1
			p.bufs[i] = p.bufs[last]
			p.bufs[last] = nil
			p.bufs = p.bufs[:last]
			p.mu.Unlock()
			p.hits.Add(1)
			return b
		}
	}
	p.mu.Unlock()

	return make([]byte, size)
}

// put hands a buffer back. Buffers beyond the pool size are left to the GC.
func (p *framePool) put(b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.bufs) >= p.maxSize {
		p.drops.Add(1)
		return
	}
	p.bufs = append(p.bufs, b)
	p.puts.Add(1)
}

func (p *framePool) stats() PoolStats {
	p.mu.Lock()
	idle := len(p.bufs)
	p.mu.Unlock()
	return PoolStats{
		Gets:  p.gets.Load(),
		Hits:  p.hits.Load(),
		Puts:  p.puts.Load(),
		Drops: p.drops.Load(),
		Idle:  idle,
	}
}
