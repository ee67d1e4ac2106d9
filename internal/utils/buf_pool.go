// Pool of reusable buffers; this should be more efficient than allocating a
// buffer every time and relying on GC.

package utils

import (
	"bytes"
	"sync"
)

const (
	// Use this value for max pool size to disable the capping:
	BUF_POOL_MAX_SIZE_UNBOUND = 0
)

type BufPool struct {
	pool []*bytes.Buffer
	// The max number of idle buffers kept around; buffers returned past this
	// limit are discarded:
	maxPoolSize int
	// The current size, kept separately for testing:
	poolSize int
	mu       *sync.Mutex
}

func NewBufPool(maxPoolSize int) *BufPool {
	return &BufPool{
		pool:        make([]*bytes.Buffer, 0),
		maxPoolSize: maxPoolSize,
		mu:          &sync.Mutex{},
	}
}

func (p *BufPool) GetBuf() *bytes.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.poolSize == 0 {
		return &bytes.Buffer{}
	}
	p.poolSize--
	b := p.pool[p.poolSize]
	p.pool = p.pool[:p.poolSize]
	return b
}

func (p *BufPool) ReturnBuf(b *bytes.Buffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxPoolSize > 0 && p.poolSize >= p.maxPoolSize {
		return
	}
	b.Reset()
	p.pool = append(p.pool, b)
	p.poolSize++
}

func (p *BufPool) PoolSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.poolSize
}
