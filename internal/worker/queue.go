package worker

import "sync"

// taskQueue is a FIFO drained by a fixed number of goroutines.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*iteration
	closed bool
}

// newTaskQueue starts n goroutines, each counted in wg until it exits.
func newTaskQueue(n int, run func(*iteration), wg *sync.WaitGroup) *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for {
				it, ok := q.pop()
				if !ok {
					return
				}
				run(it)
			}
		}()
	}
	return q
}

func (q *taskQueue) pop() (*iteration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return it, true
}

// push returns false once the queue has been drained.
func (q *taskQueue) push(it *iteration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, it)
	q.cond.Signal()
	return true
}

// drain closes the queue and returns the tasks that never started. Goroutines exit once
// their current task returns.
func (q *taskQueue) drain() []*iteration {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.items
	q.items = nil
	q.closed = true
	q.cond.Broadcast()
	return pending
}
