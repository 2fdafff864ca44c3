// Package memory provides the in-process crawl frontier.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/knowledge-crawler/internal/crawler"
)

// Queue is an unbounded FIFO with a timed, context-aware dequeue. Push never
// blocks, so a worker can requeue or expand links while other workers wait.
type Queue struct {
	mu     sync.Mutex
	items  []crawler.FrontierItem
	head   int
	notify chan struct{}
}

var _ crawler.Frontier = (*Queue)(nil)

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends item to the tail.
func (q *Queue) Push(item crawler.FrontierItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
}

// Dequeue pops the head, waiting up to timeout for an item. It returns false
// when the timeout elapses or ctx ends first.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (crawler.FrontierItem, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if item, ok := q.pop(); ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			return crawler.FrontierItem{}, false
		case <-timer.C:
			return q.pop()
		case <-q.notify:
		}
	}
}

// Drain discards every queued item and returns how many were removed.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items) - q.head
	q.items = nil
	q.head = 0
	return n
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *Queue) pop() (crawler.FrontierItem, bool) {
	q.mu.Lock()
	if q.head == len(q.items) {
		q.mu.Unlock()
		return crawler.FrontierItem{}, false
	}
	item := q.items[q.head]
	q.items[q.head] = crawler.FrontierItem{}
	q.head++
	remaining := len(q.items) - q.head
	if remaining == 0 {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		q.items = append([]crawler.FrontierItem(nil), q.items[q.head:]...)
		q.head = 0
	}
	q.mu.Unlock()
	if remaining > 0 {
		// wake another waiter for the rest
		q.signal()
	}
	return item, true
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
