package pool

import "sync"

// NewDynamic is an unbounded pool that grows and shrinks with GC pressure.
// It is a thin wrapper around sync.Pool.
func NewDynamic(newFn func() interface{}) Pool {
	return &sync.Pool{New: newFn}
}
