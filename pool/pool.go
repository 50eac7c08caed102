package pool

// Pool is an interface that defines methods on a pool of reusable items,
// e.g. the byte buffers backing a Recv operation.
type Pool interface {
	// Get returns an item from the pool, constructing a new one if none is
	// available.
	Get() interface{}

	// Put returns an item back to the pool.
	Put(interface{})
}
