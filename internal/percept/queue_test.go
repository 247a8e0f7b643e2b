package percept

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_DrainWindowIsolation(t *testing.T) {
	q := NewQueue()
	q.Enqueue(New("inbox", "first"))
	q.Enqueue(New("inbox", "second"))

	window := q.DrainWindow()
	require.Len(t, window, 2)
	assert.Equal(t, "first", window[0].Content)
	assert.Equal(t, "second", window[1].Content)

	// A percept enqueued after the drain belongs to the next window.
	q.Enqueue(New("inbox", "third"))
	next := q.DrainWindow()
	require.Len(t, next, 1)
	assert.Equal(t, "third", next[0].Content)
}

func TestQueue_EmptyDrainReturnsNil(t *testing.T) {
	q := NewQueue()
	assert.Nil(t, q.DrainWindow())

	q.Enqueue(New("inbox", "only"))
	q.DrainWindow()
	assert.Nil(t, q.DrainWindow())
}

func TestQueue_CountsDoNotPerturbCursor(t *testing.T) {
	q := NewQueue()
	q.Enqueue(New("inbox", "a"))
	q.Enqueue(New("inbox", "b"))

	assert.Equal(t, 2, q.UnreadCount())
	assert.Equal(t, 2, q.QueuedCount())
	assert.Equal(t, 2, q.UnreadCount(), "reading counts must not advance the cursor")

	window := q.DrainWindow()
	require.Len(t, window, 2)
	assert.Equal(t, 0, q.UnreadCount())
	assert.Equal(t, 2, q.QueuedCount(), "sensed percepts are retained")
}

func TestQueue_ConcurrentEnqueueNeverLosesPercepts(t *testing.T) {
	q := NewQueue()
	const writers = 8
	const perWriter = 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				q.Enqueue(New("inbox", fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}

	// Drain concurrently with the writers; every percept must surface in
	// exactly one window.
	seen := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	for {
		seen += len(q.DrainWindow())
		select {
		case <-done:
			seen += len(q.DrainWindow())
			require.Equal(t, writers*perWriter, seen)
			return
		default:
		}
	}
}
