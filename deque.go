package cycle

import (
	"sync/atomic"
)

// localQueue is a bounded work-stealing deque. The owning worker pushes and
// pops at the head (LIFO), while thieves take half from the tail (oldest
// first). Every transition is a CAS on a single control word packing the
// tail and head indices with a tag that is bumped on each update, so a
// thief holding a stale view can never commit.
//
// Layout of the control word:
//
//	bits  0-15: tail (next slot to steal)
//	bits 16-31: head (next slot to push)
//	bits 32-63: tag
type localQueue struct { // betteralign:ignore
	_    [sizeOfCacheLine]byte                      //nolint:unused
	word atomic.Uint64                              // control word
	_    [sizeOfCacheLine - sizeOfAtomicUint64]byte //nolint:unused
	buf  []atomic.Pointer[task]
	mask uint16
}

func newLocalQueue(capacity int) *localQueue {
	if capacity < 2 || capacity > maxLocalQueueCapacity || capacity&(capacity-1) != 0 {
		panic(`cycle: local queue capacity must be a power of two in [2, 32768]`)
	}
	return &localQueue{
		buf:  make([]atomic.Pointer[task], capacity),
		mask: uint16(capacity - 1),
	}
}

func unpackQueueWord(w uint64) (tail, head uint16, tag uint32) {
	return uint16(w), uint16(w >> 16), uint32(w >> 32)
}

func packQueueWord(tail, head uint16, tag uint32) uint64 {
	return uint64(tail) | uint64(head)<<16 | uint64(tag)<<32
}

// Len is safe to call from any goroutine, and is approximate under
// concurrent modification.
func (q *localQueue) Len() int {
	tail, head, _ := unpackQueueWord(q.word.Load())
	return int(head - tail)
}

func (q *localQueue) Cap() int {
	return len(q.buf)
}

// push appends t at the head. Owner only. Returns false if full.
func (q *localQueue) push(t *task) bool {
	for {
		w := q.word.Load()
		tail, head, tag := unpackQueueWord(w)
		if int(head-tail) >= len(q.buf) {
			return false
		}
		// the slot is outside [tail, head), so no thief reads it
		q.buf[head&q.mask].Store(t)
		if q.word.CompareAndSwap(w, packQueueWord(tail, head+1, tag+1)) {
			return true
		}
	}
}

// pop removes the most recently pushed task. Owner only.
func (q *localQueue) pop() *task {
	for {
		w := q.word.Load()
		tail, head, tag := unpackQueueWord(w)
		if head == tail {
			return nil
		}
		t := q.buf[(head-1)&q.mask].Load()
		if q.word.CompareAndSwap(w, packQueueWord(tail, head-1, tag+1)) {
			q.buf[(head-1)&q.mask].Store(nil)
			return t
		}
	}
}

// takeHalf claims the older half (rounded up) of the queue from the tail,
// appending the claimed tasks to dst in FIFO order. Callable by thieves and
// by the owner (on overflow). Returns the extended dst.
func (q *localQueue) takeHalf(dst []*task, limit int) []*task {
	base := len(dst)
	for {
		w := q.word.Load()
		tail, head, tag := unpackQueueWord(w)
		n := int(head - tail)
		if n == 0 {
			return dst[:base]
		}
		n -= n / 2
		if limit > 0 && n > limit {
			n = limit
		}
		dst = dst[:base]
		for i := 0; i < n; i++ {
			dst = append(dst, q.buf[(tail+uint16(i))&q.mask].Load())
		}
		if q.word.CompareAndSwap(w, packQueueWord(tail+uint16(n), head, tag+1)) {
			return dst
		}
	}
}

// stealInto moves half of q into dst, which must be owned by the caller,
// returning one stolen task to run immediately, and the number moved
// (including the returned task).
func (q *localQueue) stealInto(dst *localQueue, scratch []*task) (*task, int) {
	free := dst.Cap() - dst.Len()
	if free < 1 {
		return nil, 0
	}
	// +1 for the task returned directly
	stolen := q.takeHalf(scratch[:0], free+1)
	if len(stolen) == 0 {
		return nil, 0
	}
	next := stolen[len(stolen)-1]
	for _, t := range stolen[:len(stolen)-1] {
		if !dst.push(t) {
			panic(`cycle: steal overflowed destination queue`)
		}
	}
	clear(stolen)
	return next, len(stolen)
}

// drainTo empties q into fn, tail first. Owner only, used on exit.
func (q *localQueue) drainTo(fn func(*task)) {
	var buf []*task
	for {
		buf = q.takeHalf(buf[:0], 0)
		if len(buf) == 0 {
			return
		}
		for _, t := range buf {
			fn(t)
		}
	}
}
