package percept

import "sync"

// Queue is a thread-safe windowed percept buffer.
//
// A monotonic window cursor separates "sensed" percepts from "pending" ones.
// Enqueue is safe from any number of ingress goroutines and never blocks on
// the loop; DrainWindow atomically snapshots everything enqueued before the
// call, marks it sensed, and advances the cursor. Percepts arriving after a
// drain are invisible to that drain and surface on the next one.
type Queue struct {
	mu       sync.Mutex
	percepts []Percept
	cursor   int // index of the first pending (not yet sensed) percept
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends a percept behind the cursor.
func (q *Queue) Enqueue(p Percept) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.percepts = append(q.percepts, p)
}

// DrainWindow snapshots all pending percepts, marks them sensed, and
// advances the cursor. The returned slice is owned by the caller.
func (q *Queue) DrainWindow() []Percept {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := len(q.percepts) - q.cursor
	if pending == 0 {
		return nil
	}

	window := make([]Percept, pending)
	copy(window, q.percepts[q.cursor:])
	q.cursor = len(q.percepts)
	return window
}

// UnreadCount returns the number of percepts behind the cursor.
// Read-only: the cursor is not perturbed.
func (q *Queue) UnreadCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.percepts) - q.cursor
}

// QueuedCount returns the total percepts retained by this queue,
// sensed and pending alike.
func (q *Queue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.percepts)
}
