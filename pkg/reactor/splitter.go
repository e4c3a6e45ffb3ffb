package reactor

import (
	rerrors "reaction/pkg/errors"
)

// splitterCore fans a single input deferred out to any number of output
// deferreds, each of which observes the same terminal value or error.
// Outputs requested after the input has already resolved are satisfied
// immediately from the cached result.
type splitterCore[T any] struct {
	reactor *Reactor

	hasInput bool
	resolved bool
	value    T
	err      error
	pending  []Deferred[T]
}

// DeferredSplitter fans one input out to many independently-consumed
// outputs. NewOutput may be called before or after the input resolves.
type DeferredSplitter[T any] struct {
	core *splitterCore[T]
}

// NewSplitter creates a splitter owned by r, with no input attached yet.
func NewSplitter[T any](r *Reactor) *DeferredSplitter[T] {
	return &DeferredSplitter[T]{core: &splitterCore[T]{reactor: r}}
}

// AttachInput wires input as the splitter's sole source. Calling it a
// second time is a programming error.
func (s *DeferredSplitter[T]) AttachInput(input Deferred[T]) error {
	r := s.core.reactor
	r.mu.Lock()
	if s.core.hasInput {
		r.mu.Unlock()
		return rerrors.DoubleTerminate("splitter already has an input attached")
	}
	s.core.hasInput = true
	r.mu.Unlock()

	_, err := AddHandler(input, Handler[T, T]{
		OnValue: func(v T) (T, error) {
			s.resolve(v, nil)
			return v, nil
		},
		OnError: func(e error) (T, error) {
			s.resolve(*new(T), e)
			return *new(T), e
		},
	}, true)
	return err
}

func (s *DeferredSplitter[T]) resolve(v T, err error) {
	r := s.core.reactor
	r.mu.Lock()
	s.core.resolved = true
	s.core.value = v
	s.core.err = err
	waiting := s.core.pending
	s.core.pending = nil
	r.mu.Unlock()

	for _, d := range waiting {
		if err != nil {
			_ = d.Errback(err)
		} else {
			_ = d.Callback(v)
		}
	}
}

// NewOutput returns a new output deferred observing the splitter's shared
// result. If the input has already resolved, the output is satisfied
// immediately.
func (s *DeferredSplitter[T]) NewOutput() Deferred[T] {
	r := s.core.reactor
	out := NewDeferred[T](r)

	r.mu.Lock()
	if s.core.resolved {
		value, err := s.core.value, s.core.err
		r.mu.Unlock()
		if err != nil {
			_ = out.Errback(err)
		} else {
			_ = out.Callback(value)
		}
		return out
	}
	s.core.pending = append(s.core.pending, out)
	r.mu.Unlock()
	return out
}
