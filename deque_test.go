package cycle

import (
	"sync"
	"sync/atomic"
	"testing"
)

func newTestTasks(n int) []*task {
	tasks := make([]*task, n)
	for i := range tasks {
		tasks[i] = newTask(nil, uint64(i+1), nil)
	}
	return tasks
}

func TestLocalQueue_PushPopLIFO(t *testing.T) {
	q := newLocalQueue(8)
	tasks := newTestTasks(5)
	for _, tk := range tasks {
		if !q.push(tk) {
			t.Fatalf("push %d failed", tk.id)
		}
	}
	if q.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", q.Len())
	}
	for i := len(tasks) - 1; i >= 0; i-- {
		if got := q.pop(); got != tasks[i] {
			t.Fatalf("pop() = %v, want task %d", got, tasks[i].id)
		}
	}
	if got := q.pop(); got != nil {
		t.Fatalf("pop() on empty queue = task %d", got.id)
	}
}

func TestLocalQueue_PushFull(t *testing.T) {
	q := newLocalQueue(4)
	tasks := newTestTasks(5)
	for _, tk := range tasks[:4] {
		if !q.push(tk) {
			t.Fatal("push failed before capacity")
		}
	}
	if q.push(tasks[4]) {
		t.Fatal("push succeeded on a full queue")
	}
}

func TestLocalQueue_TakeHalfOldestFirst(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 8} {
		q := newLocalQueue(8)
		tasks := newTestTasks(n)
		for _, tk := range tasks {
			q.push(tk)
		}
		got := q.takeHalf(nil, 0)
		want := n - n/2
		if len(got) != want {
			t.Fatalf("n=%d: takeHalf took %d, want %d", n, len(got), want)
		}
		for i, tk := range got {
			if tk != tasks[i] {
				t.Fatalf("n=%d: takeHalf[%d] = task %d, want task %d", n, i, tk.id, tasks[i].id)
			}
		}
		if q.Len() != n-want {
			t.Fatalf("n=%d: Len() = %d after takeHalf", n, q.Len())
		}
	}
}

func TestLocalQueue_TakeHalfLimit(t *testing.T) {
	q := newLocalQueue(16)
	for _, tk := range newTestTasks(16) {
		q.push(tk)
	}
	if got := q.takeHalf(nil, 3); len(got) != 3 {
		t.Fatalf("takeHalf with limit 3 took %d", len(got))
	}
	if q.Len() != 13 {
		t.Fatalf("Len() = %d, want 13", q.Len())
	}
}

func TestLocalQueue_StealInto(t *testing.T) {
	src := newLocalQueue(8)
	dst := newLocalQueue(8)
	tasks := newTestTasks(6)
	for _, tk := range tasks {
		src.push(tk)
	}
	next, moved := src.stealInto(dst, make([]*task, 0, 8))
	if moved != 3 {
		t.Fatalf("moved = %d, want 3", moved)
	}
	if next != tasks[2] {
		t.Fatalf("returned task %d, want the newest stolen (task 3)", next.id)
	}
	if dst.Len() != 2 || src.Len() != 3 {
		t.Fatalf("dst.Len() = %d, src.Len() = %d", dst.Len(), src.Len())
	}
	// FIFO order is kept on the thief: the oldest pops last
	if got := dst.pop(); got != tasks[1] {
		t.Fatalf("dst.pop() = task %d, want task 2", got.id)
	}
	if got := dst.pop(); got != tasks[0] {
		t.Fatalf("dst.pop() = task %d, want task 1", got.id)
	}
}

func TestLocalQueue_StealIntoRespectsDestinationSpace(t *testing.T) {
	src := newLocalQueue(16)
	dst := newLocalQueue(4)
	for _, tk := range newTestTasks(16) {
		src.push(tk)
	}
	for _, tk := range newTestTasks(3) {
		dst.push(tk)
	}
	next, moved := src.stealInto(dst, make([]*task, 0, 16))
	if next == nil || moved != 2 {
		t.Fatalf("stealInto = (%v, %d), want one queued and one returned", next, moved)
	}
	if dst.Len() != 4 {
		t.Fatalf("dst.Len() = %d, want 4", dst.Len())
	}
}

func TestLocalQueue_DrainTo(t *testing.T) {
	q := newLocalQueue(8)
	tasks := newTestTasks(7)
	for _, tk := range tasks {
		q.push(tk)
	}
	var got []*task
	q.drainTo(func(tk *task) { got = append(got, tk) })
	if len(got) != 7 || q.Len() != 0 {
		t.Fatalf("drained %d, %d left", len(got), q.Len())
	}
	for i, tk := range got {
		if tk != tasks[i] {
			t.Fatalf("drained[%d] = task %d, want FIFO order", i, tk.id)
		}
	}
}

func TestLocalQueue_WrapAround(t *testing.T) {
	q := newLocalQueue(4)
	tasks := newTestTasks(3)
	// cycle the indices well past the 16 bit boundary
	for i := 0; i < 70000; i++ {
		q.push(tasks[i%3])
		if i%2 == 1 {
			q.takeHalf(nil, 1)
		} else if got := q.pop(); got != tasks[i%3] {
			t.Fatalf("iteration %d: pop() = %v", i, got)
		}
	}
}

// TestLocalQueue_ConcurrentSteal checks that every task is taken exactly
// once, with the owner pushing and popping while thieves steal.
func TestLocalQueue_ConcurrentSteal(t *testing.T) {
	const (
		total   = 200000
		thieves = 4
	)
	owner := newLocalQueue(256)
	tasks := newTestTasks(total)
	seen := make([]atomic.Int32, total+1)
	var taken atomic.Int64
	take := func(tk *task) {
		if seen[tk.id].Add(1) != 1 {
			t.Errorf("task %d taken twice", tk.id)
		}
		taken.Add(1)
	}

	var done atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < thieves; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dst := newLocalQueue(256)
			scratch := make([]*task, 0, 256)
			for !done.Load() || owner.Len() > 0 {
				next, _ := owner.stealInto(dst, scratch)
				if next != nil {
					take(next)
				}
				for tk := dst.pop(); tk != nil; tk = dst.pop() {
					take(tk)
				}
			}
		}()
	}

	for i := 0; i < total; {
		if owner.push(tasks[i]) {
			i++
			continue
		}
		if tk := owner.pop(); tk != nil {
			take(tk)
		}
	}
	for tk := owner.pop(); tk != nil; tk = owner.pop() {
		take(tk)
	}
	done.Store(true)
	wg.Wait()

	if n := taken.Load(); n != total {
		t.Fatalf("took %d tasks, want %d", n, total)
	}
}

func TestNewLocalQueue_InvalidCapacity(t *testing.T) {
	for _, c := range []int{0, 1, 3, 100, maxLocalQueueCapacity * 2} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("capacity %d: expected panic", c)
				}
			}()
			newLocalQueue(c)
		}()
	}
}
