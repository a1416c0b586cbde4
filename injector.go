package cycle

import (
	"sync"
	"sync/atomic"
)

// injectorChunkSize is the number of tasks per node in the injector's
// linked list. 128 pointers plus cursors is ~1KB per chunk.
const injectorChunkSize = 128

// injector is the global, unbounded overflow queue. It receives tasks from
// non-worker goroutines (external spawns, reactor and timer wakes) and the
// overflow of full local queues.
//
// The chunked list is guarded by mu, while length is atomic so that workers
// can check for work without taking the lock.
type injector struct { // betteralign:ignore
	head   *injectorChunk
	tail   *injectorChunk
	mu     sync.Mutex
	_      [sizeOfCacheLine]byte //nolint:unused
	length atomic.Int64
}

// injectorChunkPool recycles chunks, as the injector churns under load.
var injectorChunkPool = sync.Pool{
	New: func() any {
		return &injectorChunk{}
	},
}

// injectorChunk is a fixed-size node, with readPos/pos cursors for O(1)
// push and pop without shifting.
type injectorChunk struct {
	tasks   [injectorChunkSize]*task
	next    *injectorChunk
	readPos int
	pos     int
}

func newInjectorChunk() *injectorChunk {
	c := injectorChunkPool.Get().(*injectorChunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnInjectorChunk clears the slots, so pooled chunks don't retain tasks.
func returnInjectorChunk(c *injectorChunk) {
	clear(c.tasks[:c.pos])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	injectorChunkPool.Put(c)
}

// Len returns the queue length without locking.
func (q *injector) Len() int {
	return int(q.length.Load())
}

func (q *injector) push(t *task) {
	q.mu.Lock()
	q.pushLocked(t)
	q.length.Add(1)
	q.mu.Unlock()
}

// pushBatch enqueues ts in order, under a single lock acquisition.
func (q *injector) pushBatch(ts []*task) {
	if len(ts) == 0 {
		return
	}
	q.mu.Lock()
	for _, t := range ts {
		q.pushLocked(t)
	}
	q.length.Add(int64(len(ts)))
	q.mu.Unlock()
}

func (q *injector) pushLocked(t *task) {
	if q.tail == nil {
		q.tail = newInjectorChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.tasks) {
		next := newInjectorChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tasks[q.tail.pos] = t
	q.tail.pos++
}

// popBatch removes up to max tasks in FIFO order, appending them to dst.
func (q *injector) popBatch(dst []*task, max int) []*task {
	if max <= 0 || q.length.Load() == 0 {
		return dst
	}
	q.mu.Lock()
	n := 0
	for n < max {
		t, ok := q.popLocked()
		if !ok {
			break
		}
		dst = append(dst, t)
		n++
	}
	q.length.Add(int64(-n))
	q.mu.Unlock()
	return dst
}

func (q *injector) popLocked() (*task, bool) {
	if q.head == nil {
		return nil, false
	}
	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return nil, false
		}
		old := q.head
		q.head = q.head.next
		returnInjectorChunk(old)
	}
	if q.head.readPos >= q.head.pos {
		return nil, false
	}
	t := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			old := q.head
			q.head = q.head.next
			returnInjectorChunk(old)
		}
	}
	return t, true
}
