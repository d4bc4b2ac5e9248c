package engine

import (
	"sync"

	"github.com/freeeve/lodterrain/internal/tile"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

// shutdownQueue holds retirement candidates in arrival order. A tile appears
// at most once. Only the update pass mutates it.
type shutdownQueue struct {
	mu    sync.Mutex
	queue []*tile.Tile
	seen  map[tilekey.Address]*tile.Tile
}

func newShutdownQueue() *shutdownQueue {
	return &shutdownQueue{seen: make(map[tilekey.Address]*tile.Tile)}
}

// Enqueue adds t unless it is already queued. Returns true if added.
func (q *shutdownQueue) Enqueue(t *tile.Tile) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[t.Key()] == t {
		return false
	}
	q.queue = append(q.queue, t)
	q.seen[t.Key()] = t
	return true
}

// Retain keeps only the tiles for which keep returns true, preserving order.
func (q *shutdownQueue) Retain(keep func(*tile.Tile) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.queue[:0]
	for _, t := range q.queue {
		if keep(t) {
			kept = append(kept, t)
			continue
		}
		delete(q.seen, t.Key())
	}
	clear(q.queue[len(kept):])
	q.queue = kept
}

// Contains reports whether t is queued.
func (q *shutdownQueue) Contains(t *tile.Tile) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seen[t.Key()] == t
}

// Set returns the queued tiles keyed by address.
func (q *shutdownQueue) Set() map[tilekey.Address]*tile.Tile {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[tilekey.Address]*tile.Tile, len(q.seen))
	for k, v := range q.seen {
		out[k] = v
	}
	return out
}

// Len returns current queue size.
func (q *shutdownQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// ReleaseQueue is a FIFO of retired tiles awaiting GPU release. Any goroutine
// may push; only the render thread drains.
type ReleaseQueue struct {
	mu    sync.Mutex
	queue []*tile.Tile
}

// Push appends a retired tile.
func (q *ReleaseQueue) Push(t *tile.Tile) {
	q.mu.Lock()
	q.queue = append(q.queue, t)
	n := len(q.queue)
	q.mu.Unlock()
	releaseQueueDepth.Set(float64(n))
}

// Drain removes every queued tile in FIFO order and releases its GPU
// resources with rs. It returns the number of tiles released.
func (q *ReleaseQueue) Drain(rs tile.RenderState) int {
	q.mu.Lock()
	batch := q.queue
	q.queue = nil
	q.mu.Unlock()
	releaseQueueDepth.Set(0)

	for _, t := range batch {
		t.ReleaseResources(rs)
	}
	if len(batch) > 0 {
		tileTransitions.WithLabelValues("released").Add(float64(len(batch)))
	}
	return len(batch)
}

// Len returns current queue size.
func (q *ReleaseQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
