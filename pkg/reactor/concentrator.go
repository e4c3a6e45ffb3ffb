package reactor

import (
	rerrors "reaction/pkg/errors"
)

// concentratorCore fans many inputs in to a single output deferred carrying
// the slice of results, ordered by each input's insertion index. The first
// input to fail wins the output's error leg; later errors are dropped.
type concentratorCore[T any] struct {
	reactor *Reactor

	results     []*T
	pending     int
	err         error
	outputTaken bool
	output      Deferred[[]T]
}

// DeferredConcentrator fans many inputs in to one slice-valued output.
type DeferredConcentrator[T any] struct {
	core *concentratorCore[T]
}

// NewConcentrator creates a concentrator owned by r, with no inputs yet.
func NewConcentrator[T any](r *Reactor) *DeferredConcentrator[T] {
	return &DeferredConcentrator[T]{core: &concentratorCore[T]{reactor: r}}
}

// AddInput registers another input deferred, returning its 0-based
// insertion index within the eventual result slice. Fails if Output has
// already been called.
func (c *DeferredConcentrator[T]) AddInput(input Deferred[T]) (int, error) {
	r := c.core.reactor
	r.mu.Lock()
	if c.core.outputTaken {
		r.mu.Unlock()
		return 0, rerrors.DoubleTerminate("concentrator output already requested")
	}
	idx := len(c.core.results)
	c.core.results = append(c.core.results, nil)
	c.core.pending++
	r.mu.Unlock()

	_, err := AddHandler(input, Handler[T, T]{
		OnValue: func(v T) (T, error) {
			c.resolveOne(idx, v, nil)
			return v, nil
		},
		OnError: func(e error) (T, error) {
			c.resolveOne(idx, *new(T), e)
			return *new(T), e
		},
	}, true)
	return idx, err
}

func (c *DeferredConcentrator[T]) resolveOne(idx int, v T, err error) {
	r := c.core.reactor
	r.mu.Lock()
	if err != nil {
		if c.core.err == nil {
			c.core.err = err
		}
	} else {
		vv := v
		c.core.results[idx] = &vv
	}
	c.core.pending--
	c.maybeFinishLocked()
	r.mu.Unlock()
}

// maybeFinishLocked fires the output once every input has resolved and the
// output has actually been requested. Caller must hold r.mu.
func (c *DeferredConcentrator[T]) maybeFinishLocked() {
	if !c.core.outputTaken || c.core.pending > 0 {
		return
	}
	core := c.core
	r := core.reactor
	out := core.output
	if core.err != nil {
		err := core.err
		r.mu.Unlock()
		_ = out.Errback(err)
		r.mu.Lock()
		return
	}
	values := make([]T, len(core.results))
	for i, p := range core.results {
		if p != nil {
			values[i] = *p
		}
	}
	r.mu.Unlock()
	_ = out.Callback(values)
	r.mu.Lock()
}

// Output returns the concentrator's combined result. Calling it more than
// once, or calling AddInput afterward, is a programming error. If every
// input already resolved (including the zero-input case) by the time
// Output is called, the returned deferred fires immediately.
func (c *DeferredConcentrator[T]) Output() (Deferred[[]T], error) {
	r := c.core.reactor
	r.mu.Lock()
	if c.core.outputTaken {
		r.mu.Unlock()
		var zero Deferred[[]T]
		return zero, rerrors.DoubleTerminate("concentrator output already requested")
	}
	c.core.outputTaken = true
	c.core.output = NewDeferred[[]T](r)
	out := c.core.output
	c.maybeFinishLocked()
	r.mu.Unlock()
	return out, nil
}
