package cycle

// Mapped is the awaitable behind Then.
type Mapped[T, U any] struct {
	inner Computation[T]
	fn    func(T) U
}

// Then returns a computation that completes with fn applied to the value of
// c. Failures, cancellation and suspension pass through unchanged.
func Then[T, U any](c Computation[T], fn func(T) U) *Mapped[T, U] {
	return &Mapped[T, U]{inner: c, fn: fn}
}

func (m *Mapped[T, U]) Resume(cx *Context) Outcome[U] {
	o := m.inner.Resume(cx)
	if o.Kind() != OutcomeCompleted {
		return Forward[U](o)
	}
	return Complete(m.fn(o.Value()))
}

// Cancel forwards to the inner computation.
func (m *Mapped[T, U]) Cancel() {
	if c, ok := m.inner.(Canceler); ok {
		c.Cancel()
	}
}

// Ready returns a computation that completes with v on its first resume.
func Ready[T any](v T) Func[T] {
	return func(*Context) Outcome[T] { return Complete(v) }
}
