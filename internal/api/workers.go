package api

import (
	"fmt"
	"sync"
)

// workerSlots leases extractor worker ids to requests that do not name a
// worker. A lease goes to the least-held id, so concurrent requests reserve
// distinct extractor instances until every id is in use.
type workerSlots struct {
	prefix string

	mu     sync.Mutex
	leases []int
}

func newWorkerSlots(prefix string, n int) *workerSlots {
	return &workerSlots{prefix: prefix, leases: make([]int, max(1, n))}
}

// lease returns a worker id and the func that hands it back. The func is
// safe to call more than once.
func (w *workerSlots) lease() (string, func()) {
	w.mu.Lock()
	idx := 0
	for i, n := range w.leases {
		if n < w.leases[idx] {
			idx = i
		}
	}
	w.leases[idx]++
	w.mu.Unlock()

	var once sync.Once
	return fmt.Sprintf("%s-%d", w.prefix, idx), func() {
		once.Do(func() {
			w.mu.Lock()
			w.leases[idx]--
			w.mu.Unlock()
		})
	}
}
