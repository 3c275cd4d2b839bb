// pkg/gateway/promise.go

package gateway

// Promise receives the result of an asynchronous call. It is invoked exactly once.
// A nil Promise discards the result.
type Promise[T any] func(T, error)

// Unit is the result of calls that only report success or failure.
type Unit struct{}

type result[T any] struct {
	val T
	err error
}

// Wait returns a promise together with a function that blocks until the promise
// is resolved and returns its result.
func Wait[T any]() (Promise[T], func() (T, error)) {
	ch := make(chan result[T], 1)
	p := func(v T, err error) {
		ch <- result[T]{v, err}
	}
	return p, func() (T, error) {
		r := <-ch
		return r.val, r.err
	}
}

// deliver resolves p on the callback worker, or inline when there is none.
func deliver[T any](g *Gateway, p Promise[T], v T, err error) {
	if p == nil {
		return
	}
	if cb := g.opts.Callbacks; cb != nil && cb.Post(func() { p(v, err) }) {
		return
	}
	p(v, err)
}
