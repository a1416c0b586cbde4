package cycle_test

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-cycle"
)

func Example() {
	s, err := cycle.New(cycle.WithWorkers(2), cycle.WithIO(false))
	if err != nil {
		panic(err)
	}
	defer s.Shutdown(context.Background(), cycle.ShutdownGraceful)

	h, err := cycle.Spawn[int](s, cycle.Then(cycle.Sleep(50*time.Millisecond), func(struct{}) int { return 42 }))
	if err != nil {
		panic(err)
	}
	v, err := h.Join(context.Background())
	fmt.Println(v, err)
	//output:
	//42 <nil>
}

// counter is a hand-written computation, suspending on a Oneshot until a
// value arrives.
type counter struct {
	recv *cycle.RecvFuture[int]
	sum  int
}

func (c *counter) Resume(cx *cycle.Context) cycle.Outcome[int] {
	o := c.recv.Resume(cx)
	if o.Kind() != cycle.OutcomeCompleted {
		return cycle.Forward[int](o)
	}
	return cycle.Complete(c.sum + o.Value())
}

func ExampleComputation() {
	s, err := cycle.New(cycle.WithWorkers(1), cycle.WithIO(false))
	if err != nil {
		panic(err)
	}
	defer s.Shutdown(context.Background(), cycle.ShutdownImmediate)

	var ch cycle.Oneshot[int]
	h, err := cycle.Spawn[int](s, &counter{recv: ch.Recv(), sum: 40})
	if err != nil {
		panic(err)
	}
	ch.Send(2)
	v, _ := h.Join(context.Background())
	fmt.Println(v)
	//output:
	//42
}

func ExampleScheduler_Shutdown() {
	s, err := cycle.New(cycle.WithIO(false))
	if err != nil {
		panic(err)
	}
	h, err := cycle.Spawn[struct{}](s, cycle.Sleep(time.Hour))
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	fmt.Println(s.Shutdown(ctx, cycle.ShutdownGraceful))

	_, err = h.Join(context.Background())
	fmt.Println(err)
	_, err = cycle.Spawn[int](s, cycle.Ready(1))
	fmt.Println(err)
	//output:
	//context deadline exceeded
	//cycle: task cancelled
	//cycle: spawn rejected: scheduler is shutting down
}
