// Package dedupe remembers which scorer commands were already accepted so
// that a resubmitted command_id returns the original outcome.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// Deduper maps command ids to the sequence number their first event got.
type Deduper interface {
	// Lookup returns the seq accepted for id and whether id was seen.
	Lookup(ctx context.Context, id string) (uint64, bool)

	// Record stores the accepted seq for id. It returns false, leaving the
	// earlier entry in place, when id was already recorded.
	Record(ctx context.Context, id string, seq uint64) bool

	// Unrecord forgets id so that it may be submitted again.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

// node is an entry in the insertion-ordered list used for eviction.
type node struct {
	id         string
	seq        uint64
	prev, next *node
}

func (n *node) reset() {
	n.id = ""
	n.seq = 0
	n.prev = nil
	n.next = nil
}

// inMemoryDeduper keeps entries in a map plus a doubly linked list ordered
// by insertion; the oldest entry is evicted first once maxSize is reached.
// maxSize <= 0 disables eviction.
type inMemoryDeduper struct {
	mu       sync.Mutex
	seen     map[string]*node
	head     *node // newest
	tail     *node // oldest
	maxSize  int
	size     atomic.Int64
	nodePool sync.Pool
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 50000,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]*node)
	d.nodePool = sync.Pool{
		New: func() interface{} {
			return &node{}
		},
	}
	return d
}

func (d *inMemoryDeduper) Lookup(_ context.Context, id string) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n, ok := d.seen[id]; ok {
		return n.seq, true
	}
	return 0, false
}

func (d *inMemoryDeduper) Record(_ context.Context, id string, seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.seen[id]; exists {
		return false
	}
	if d.maxSize > 0 && len(d.seen) >= d.maxSize {
		d.evictOldest()
	}

	n := d.nodePool.Get().(*node)
	n.id = id
	n.seq = seq
	n.next = d.head
	if d.head != nil {
		d.head.prev = n
	}
	d.head = n
	if d.tail == nil {
		d.tail = n
	}
	d.seen[id] = n
	d.size.Add(1)
	return true
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n, ok := d.seen[id]; ok {
		d.remove(n)
	}
}

// remove unlinks n. Must be called with d.mu held.
func (d *inMemoryDeduper) remove(n *node) {
	delete(d.seen, n.id)
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		d.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		d.tail = n.prev
	}
	n.reset()
	d.nodePool.Put(n)
	d.size.Add(-1)
}

// evictOldest drops the tail. Must be called with d.mu held.
func (d *inMemoryDeduper) evictOldest() {
	if d.tail != nil {
		d.remove(d.tail)
	}
}

// Size returns the current number of entries in the deduper.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
