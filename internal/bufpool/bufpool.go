// Package bufpool provides reusable byte buffers for the block transfer and
// cipher envelope streaming loops, adapted from the teacher's buffer-pool
// idiom (generalized from a single fixed size to one pool per requested
// size, since block size is caller-configurable rather than a package
// constant).
package bufpool

import "sync"

// pools maps a buffer size to the sync.Pool serving it. Sizes seen in
// practice are few (one per configured block size, plus the 4 KiB staging
// buffer used by blocks_to_stream), so an unbounded map of pools is fine.
var (
	poolsMu sync.Mutex
	pools   = map[int]*sync.Pool{}
)

func poolFor(size int) *sync.Pool {
	poolsMu.Lock()
	defer poolsMu.Unlock()

	p, ok := pools[size]
	if !ok {
		p = &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		}
		pools[size] = p
	}
	return p
}

// Get retrieves a buffer of exactly size bytes from the pool, allocating a
// new one if none is available for reuse.
func Get(size int) *[]byte {
	return poolFor(size).Get().(*[]byte)
}

// Put returns buf to the pool for reuse. buf is cleared first so that key
// material or cleartext block contents that may have been staged in it do
// not linger in memory longer than necessary (see spec.md §5's guidance on
// keeping secrets in memory for the shortest feasible span).
func Put(buf *[]byte) {
	if buf == nil {
		return
	}
	clear(*buf)
	poolFor(len(*buf)).Put(buf)
}
