// ABOUTME: FIFO queue of user inputs submitted while a turn is active.
// ABOUTME: No dedup, no reordering, unbounded; drains one at a time.

package session

import "sync"

// Queue holds raw input strings deferred until no generation is active.
type Queue struct {
	mu    sync.Mutex
	items []string
}

// Enqueue appends text to the back of the queue.
func (q *Queue) Enqueue(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, text)
}

// Dequeue removes and returns the oldest entry. ok is false when empty.
func (q *Queue) Dequeue() (text string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	text = q.items[0]
	q.items = q.items[1:]
	return text, true
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
