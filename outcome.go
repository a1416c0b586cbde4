package cycle

// OutcomeKind tags the result of a single Resume.
type OutcomeKind uint8

const (
	// OutcomeSuspended means the computation registered a wake source (or
	// woke itself) and must be resumed again later.
	OutcomeSuspended OutcomeKind = iota
	// OutcomeCompleted means the computation produced a value.
	OutcomeCompleted
	// OutcomeFailed means the computation produced an error, or panicked.
	OutcomeFailed
	// OutcomeCancelled means the computation observed a cancellation
	// request and unwound.
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuspended:
		return "Suspended"
	case OutcomeCompleted:
		return "Completed"
	case OutcomeFailed:
		return "Failed"
	case OutcomeCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Outcome is the tagged result of Computation.Resume. The zero value is a
// suspension.
type Outcome[T any] struct {
	value T
	err   error
	kind  OutcomeKind
}

// Complete returns a Completed outcome carrying v.
func Complete[T any](v T) Outcome[T] {
	return Outcome[T]{value: v, kind: OutcomeCompleted}
}

// Fail returns a Failed outcome. A nil err is reported as Completed with the
// zero value, matching the (T, error) convention.
func Fail[T any](err error) Outcome[T] {
	if err == nil {
		return Outcome[T]{kind: OutcomeCompleted}
	}
	return Outcome[T]{err: err, kind: OutcomeFailed}
}

// Suspend returns a Suspended outcome.
func Suspend[T any]() Outcome[T] {
	return Outcome[T]{}
}

// Abort returns a Cancelled outcome. Computations return it after observing
// Context.Cancelled, or to cancel themselves.
func Abort[T any]() Outcome[T] {
	return Outcome[T]{kind: OutcomeCancelled}
}

// Kind returns the outcome's tag.
func (o Outcome[T]) Kind() OutcomeKind { return o.kind }

// Pending is true if the outcome is a suspension.
func (o Outcome[T]) Pending() bool { return o.kind == OutcomeSuspended }

// Value returns the Completed value, or the zero value.
func (o Outcome[T]) Value() T { return o.value }

// Err returns the failure for Failed, ErrCancelled for Cancelled, or nil.
func (o Outcome[T]) Err() error {
	switch o.kind {
	case OutcomeFailed:
		return o.err
	case OutcomeCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// Forward converts a non-Completed outcome to another value type, for
// propagating a child's suspension or failure out of a parent computation.
// Forwarding a Completed outcome panics.
func Forward[U, T any](o Outcome[T]) Outcome[U] {
	if o.kind == OutcomeCompleted {
		panic(`cycle: cannot forward a completed outcome`)
	}
	return Outcome[U]{err: o.err, kind: o.kind}
}

// Computation is a resumable state machine. Resume is called by exactly one
// worker at a time, and must not block. Returning a Suspended outcome
// without having registered a wake source (or woken the task) leaves the
// task parked until cancelled.
type Computation[T any] interface {
	Resume(cx *Context) Outcome[T]
}

// Func adapts a function to a Computation. State carried across resumes
// lives in the closure.
type Func[T any] func(cx *Context) Outcome[T]

func (f Func[T]) Resume(cx *Context) Outcome[T] { return f(cx) }

// Canceler is implemented by awaitables that can retract a registration
// they made while suspended, e.g. the loser of a Timeout race.
type Canceler interface {
	Cancel()
}

// Unwinder is an optional teardown hook, called on the resuming worker when
// a task finishes as Cancelled, after its wake sources are retracted.
type Unwinder interface {
	Unwind()
}
