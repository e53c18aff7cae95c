package chat

import "sync"

// keyedQueue runs functions one at a time per key, in the order Do was
// called. Callers run their own function once every earlier caller for
// the same key has finished, so no worker goroutines are involved.
type keyedQueue struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func (q *keyedQueue) Do(key string, fn func() error) error {
	turn := make(chan struct{})

	q.mu.Lock()
	if q.waiters == nil {
		q.waiters = make(map[string][]chan struct{})
	}
	ahead := q.waiters[key]
	q.waiters[key] = append(ahead, turn)
	q.mu.Unlock()

	if len(ahead) > 0 {
		<-turn
	}
	defer q.release(key)

	return fn()
}

func (q *keyedQueue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rest := q.waiters[key][1:]
	if len(rest) == 0 {
		delete(q.waiters, key)
		return
	}
	q.waiters[key] = rest
	close(rest[0])
}

// Len reports how many callers hold or wait for key.
func (q *keyedQueue) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters[key])
}
