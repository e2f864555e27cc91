package tunnel

import "sync"

// writeQueue is an unbounded FIFO of hex chunks, capped by total decoded size.
// A single writer goroutine drains it so writes reach the socket in the
// order the control channel delivered them.
type writeQueue struct {
	mu      sync.Mutex
	items   []string
	pending int
	max     int
	notify  chan struct{}
}

func newWriteQueue(max int) *writeQueue {
	return &writeQueue{max: max, notify: make(chan struct{}, 1)}
}

func (q *writeQueue) push(data string) error {
	size := (len(data) + 1) / 2
	q.mu.Lock()
	if q.pending+size > q.max {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, data)
	q.pending += size
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop returns the oldest chunk, blocking until one arrives or done closes.
func (q *writeQueue) pop(done <-chan struct{}) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			data := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			q.pending -= (len(data) + 1) / 2
			q.mu.Unlock()
			return data, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-done:
			return "", false
		}
	}
}
