// Package bufpool provides a tiered pool of byte slices for framing RPC
// records.
//
// Three size classes cover the traffic a proxy session sees:
//   - Small (4KB): NULL, GETATTR, LOOKUP and RPCSEC_GSS control calls
//   - Medium (64KB): calls up to the default 32KB send size with headers
//   - Large (1MB + 4KB): full-size READ/WRITE payloads with RPC and GSS headers
//
// Larger requests are allocated directly and dropped on Put.
//
// Usage:
//
//	buf := bufpool.Get(size)
//	defer bufpool.Put(buf)
package bufpool

import (
	"sync"
)

const (
	DefaultSmallSize  = 4 << 10
	DefaultMediumSize = 64 << 10
	DefaultLargeSize  = 1<<20 + 4<<10
)

// Pool manages one sync.Pool per size class.
type Pool struct {
	classes [3]class
}

type class struct {
	size int
	pool sync.Pool
}

// Config sets the size classes. Zero fields take the defaults.
type Config struct {
	SmallSize  int
	MediumSize int
	LargeSize  int
}

// NewPool creates a pool. A nil config selects the defaults.
func NewPool(cfg *Config) *Pool {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.SmallSize <= 0 {
		c.SmallSize = DefaultSmallSize
	}
	if c.MediumSize <= 0 {
		c.MediumSize = DefaultMediumSize
	}
	if c.LargeSize <= 0 {
		c.LargeSize = DefaultLargeSize
	}

	p := &Pool{}
	for i, size := range []int{c.SmallSize, c.MediumSize, c.LargeSize} {
		p.classes[i].size = size
		p.classes[i].pool.New = func() any {
			buf := make([]byte, size)
			return &buf
		}
	}
	return p
}

// Get returns a slice of length size. Its capacity is that of the smallest
// class that fits; sizes beyond the large class are allocated directly.
// Contents are not zeroed.
func (p *Pool) Get(size int) []byte {
	for i := range p.classes {
		c := &p.classes[i]
		if size <= c.size {
			buf := *c.pool.Get().(*[]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to the class matching its capacity. Slices of any other
// capacity are left to the garbage collector. buf must not be used after Put.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	for i := range p.classes {
		c := &p.classes[i]
		if cap(buf) == c.size {
			full := buf[:c.size]
			c.pool.Put(&full)
			return
		}
	}
}

var globalPool = NewPool(nil)

// Get returns a slice of length size from the package pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns buf to the package pool.
func Put(buf []byte) {
	globalPool.Put(buf)
}
