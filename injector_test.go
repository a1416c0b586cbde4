package cycle

import (
	"sync"
	"testing"
)

// TestInjector_ChunkTransition verifies FIFO order across chunk boundaries.
func TestInjector_ChunkTransition(t *testing.T) {
	var q injector
	const total = injectorChunkSize*3 + 5
	tasks := newTestTasks(total)
	for _, tk := range tasks {
		q.push(tk)
	}
	if q.Len() != total {
		t.Fatalf("Len() = %d, want %d", q.Len(), total)
	}
	got := q.popBatch(nil, total+10)
	if len(got) != total {
		t.Fatalf("popBatch returned %d, want %d", len(got), total)
	}
	for i, tk := range got {
		if tk != tasks[i] {
			t.Fatalf("popBatch[%d] = task %d, want task %d", i, tk.id, tasks[i].id)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after draining", q.Len())
	}
	if got := q.popBatch(nil, 1); len(got) != 0 {
		t.Fatal("popBatch on an empty queue returned tasks")
	}
}

func TestInjector_PushBatchInterleaved(t *testing.T) {
	var q injector
	tasks := newTestTasks(10)
	q.push(tasks[0])
	q.pushBatch(tasks[1:6])
	q.push(tasks[6])
	q.pushBatch(nil)
	q.pushBatch(tasks[7:])

	got := q.popBatch(nil, 4)
	got = q.popBatch(got, 100)
	for i, tk := range got {
		if tk != tasks[i] {
			t.Fatalf("got[%d] = task %d, want task %d", i, tk.id, tasks[i].id)
		}
	}
}

func TestInjector_ReuseAfterEmpty(t *testing.T) {
	var q injector
	tasks := newTestTasks(injectorChunkSize + 1)
	for round := 0; round < 3; round++ {
		q.pushBatch(tasks)
		if got := q.popBatch(nil, len(tasks)); len(got) != len(tasks) {
			t.Fatalf("round %d: popped %d", round, len(got))
		}
	}
}

func TestInjector_Concurrent(t *testing.T) {
	var q injector
	const (
		producers = 8
		perProd   = 5000
	)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, tk := range newTestTasks(perProd) {
				q.push(tk)
			}
		}()
	}
	popped := 0
	var buf []*task
	for popped < producers*perProd {
		buf = q.popBatch(buf[:0], 64)
		popped += len(buf)
		if q.Len() < 0 {
			t.Fatal("negative length")
		}
	}
	wg.Wait()
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}
