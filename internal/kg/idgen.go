package kg

import "sync/atomic"

// atomicCounter disambiguates IDs generated within the same nanosecond
// during BulkImport's tight loop.
type atomicCounter struct {
	n int64
}

func newAtomicCounter() *atomicCounter { return &atomicCounter{} }

func (c *atomicCounter) next() int64 { return atomic.AddInt64(&c.n, 1) }
