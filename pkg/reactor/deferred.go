package reactor

import (
	"fmt"
	"runtime"
	"time"

	rerrors "reaction/pkg/errors"
)

type deferredState int8

const (
	statePending deferredState = iota
	stateHasValue
	stateHasError
	stateCompleted
)

// chainEntry is one node of a deferred's handler chain. Per the chain's
// existential-payload design, both legs operate on an opaque "any" value;
// the typed wrappers built by AddValueHandler/AddErrorHandler/AddHandler
// perform the type assertion at the boundary.
type chainEntry struct {
	onValue  func(any) (any, error)
	onError  func(error) (any, error)
	terminal bool
}

func passthroughValue(v any) (any, error) { return v, nil }
func rethrowError(e error) (any, error)   { return nil, e }

// deferredCore is the untyped engine behind every Deferred[T]. Deferred[T]
// is a thin, type-punned view over a *deferredCore — exactly the relationship
// between DeferredCore<T> and its callers in the original design, ported to
// Go's static generics instead of an erased-then-cast runtime type.
type deferredCore struct {
	reactor *Reactor

	state      deferredState
	value      any
	err        error
	chain      []chainEntry
	terminated bool
	ignoreNext bool
	queued     bool

	createdAt    time.Time
	createdStack string
}

func newDeferredCore(r *Reactor) *deferredCore {
	c := &deferredCore{
		reactor:      r,
		createdAt:    time.Now(),
		createdStack: captureStack(),
	}
	r.registerLiveDeferred(c)
	return c
}

func captureStack() string {
	var pcs [16]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	out := ""
	for {
		f, more := frames.Next()
		out += fmt.Sprintf("%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return out
}

// addEntry appends a chain entry, failing if the chain is already
// terminated. A terminal entry also terminates the chain.
func (c *deferredCore) addEntry(e chainEntry, terminal bool) error {
	r := c.reactor
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.terminated {
		return rerrors.DoubleTerminate("deferred chain already terminated")
	}
	e.terminal = terminal
	c.chain = append(c.chain, e)
	if terminal {
		c.terminated = true
		r.enqueueDeferredLocked(c)
	}
	return nil
}

// terminate marks the chain closed to further appends.
func (c *deferredCore) terminate() error {
	r := c.reactor
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.terminated {
		return rerrors.DoubleTerminate("deferred already terminated")
	}
	c.terminated = true
	r.enqueueDeferredLocked(c)
	return nil
}

// discard terminates the chain with a default handler that logs any
// residual error instead of letting it surface as unhandled.
func (c *deferredCore) discard() {
	_ = c.addEntry(chainEntry{
		onValue: passthroughValue,
		onError: func(e error) (any, error) {
			c.reactor.diagLogger().Warning("discarded deferred observed error: %v", e)
			return nil, nil
		},
	}, true)
}

func (c *deferredCore) callback(v any) error {
	r := c.reactor
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ignoreNext {
		c.ignoreNext = false
		return nil
	}
	if c.state != statePending {
		return rerrors.DoubleTrigger("deferred already triggered")
	}
	c.state = stateHasValue
	c.value = v
	r.timers.cancel(c)
	r.deregisterLiveDeferredLocked(c)
	if c.terminated {
		r.enqueueDeferredLocked(c)
	}
	return nil
}

func (c *deferredCore) errback(err error) error {
	r := c.reactor
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ignoreNext {
		c.ignoreNext = false
		return nil
	}
	if c.state != statePending {
		return rerrors.DoubleTrigger("deferred already triggered")
	}
	c.state = stateHasError
	c.err = err
	r.timers.cancel(c)
	r.deregisterLiveDeferredLocked(c)
	if c.terminated {
		r.enqueueDeferredLocked(c)
	}
	return nil
}

// setTimeout installs a one-shot timeout on this deferred; a second call
// replaces the first. ms <= 0 fires immediately.
func (c *deferredCore) setTimeout(ms int64) error {
	r := c.reactor
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRunningLocked() {
		return rerrors.ReactorNotRunning("setTimeout requires a running reactor")
	}
	now := r.nowLocked()
	r.timers.schedule(c, ms, 0, nil, now)
	r.cond.Broadcast()
	return nil
}

// cancelTimeout cancels any active timeout. A no-op if none is set.
func (c *deferredCore) cancelTimeout() {
	r := c.reactor
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers.cancel(c)
}

// OnTick implements Timeable: the timeout fired before the producer's
// trigger. Latches a timed-out error, sets ignoreNext so exactly one
// subsequent producer trigger is silently absorbed, and enqueues for
// processing if the chain is already terminated.
func (c *deferredCore) OnTick(_ any) {
	r := c.reactor
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.state != statePending {
		return
	}
	c.state = stateHasError
	c.err = rerrors.TimedOut("deferred timed out before a producer trigger arrived")
	c.ignoreNext = true
	r.deregisterLiveDeferredLocked(c)
	if c.terminated {
		r.enqueueDeferredLocked(c)
	}
}

// process walks the handler chain on the reactor thread. Must only be
// called after the chain has been dequeued (and is therefore immutable: no
// further addEntry can succeed once terminated).
func (c *deferredCore) process(reactorRunning bool) {
	state, value, err := c.state, c.value, c.err
	if !reactorRunning {
		state = stateHasError
		err = rerrors.ReactorNotRunning("reactor stopped before this deferred could be processed")
	}

	for _, entry := range c.chain {
		var (
			nv  any
			ne  error
			rec error
		)
		func() {
			defer rerrors.Guard(&rec, rerrors.KindContextViolation)
			if state == stateHasError {
				nv, ne = entry.onError(err)
			} else {
				nv, ne = entry.onValue(value)
			}
		}()
		if rec != nil {
			ne = rec
		}
		if ne != nil {
			state, err = stateHasError, ne
		} else {
			state, value = stateHasValue, nv
		}
	}

	c.reactor.mu.Lock()
	c.state = stateCompleted
	c.reactor.mu.Unlock()

	if state == stateHasError {
		c.reactor.closeDeferred(err)
	}
}

// Handler is a full callback/errback pair applied to a deferred chain step,
// mapping a value of type T to a value of type U (or recovering an error to
// a value of type U).
type Handler[T, U any] struct {
	OnValue func(T) (U, error)
	OnError func(error) (U, error)
}

// Deferred[T] is a type-punned view over an untyped deferredCore: appending
// a handler that changes payload type returns a new Deferred[U] wrapping the
// very same core, exactly as chaining mutates one underlying chain.
type Deferred[T any] struct {
	core       *deferredCore
	restricted bool
}

// NewDeferred creates a new pending deferred owned by r.
func NewDeferred[T any](r *Reactor) Deferred[T] {
	return Deferred[T]{core: newDeferredCore(r)}
}

// CallDeferred creates a deferred already holding the given value.
func CallDeferred[T any](r *Reactor, v T) Deferred[T] {
	d := NewDeferred[T](r)
	_ = d.core.callback(v)
	return d
}

// FailDeferred creates a deferred already holding the given error.
func FailDeferred[T any](r *Reactor, err error) Deferred[T] {
	d := NewDeferred[T](r)
	_ = d.core.errback(err)
	return d
}

// AddHandler appends a typed handler pair to the chain, returning a new view
// over the same underlying deferred at the handler's output type.
func AddHandler[T, U any](d Deferred[T], h Handler[T, U], terminal bool) (Deferred[U], error) {
	err := d.core.addEntry(chainEntry{
		onValue: func(v any) (any, error) { return h.OnValue(v.(T)) },
		onError: func(e error) (any, error) { return h.OnError(e) },
	}, terminal)
	return Deferred[U]{core: d.core, restricted: d.restricted}, err
}

// AddValueHandler is shorthand for a Pair whose error leg rethrows.
func AddValueHandler[T, U any](d Deferred[T], fn func(T) (U, error)) (Deferred[U], error) {
	return AddHandler(d, Handler[T, U]{
		OnValue: fn,
		OnError: func(e error) (U, error) { var zero U; return zero, e },
	}, false)
}

// AddErrorHandler is shorthand for a Pair whose value leg passes through.
func AddErrorHandler[T any](d Deferred[T], fn func(error) (T, error)) (Deferred[T], error) {
	return AddHandler(d, Handler[T, T]{
		OnValue: func(v T) (T, error) { return v, nil },
		OnError: fn,
	}, false)
}

// Terminate closes the chain to further appends.
func (d Deferred[T]) Terminate() error { return d.core.terminate() }

// Discard terminates the chain with a default handler that logs any
// residual error.
func (d Deferred[T]) Discard() { d.core.discard() }

// Callback latches a success value, as the deferred's producer.
func (d Deferred[T]) Callback(v T) error {
	if d.restricted {
		return rerrors.RestrictedCapability("callback is not available on a restricted deferred")
	}
	return d.core.callback(v)
}

// Errback latches a failure, as the deferred's producer.
func (d Deferred[T]) Errback(err error) error {
	if d.restricted {
		return rerrors.RestrictedCapability("errback is not available on a restricted deferred")
	}
	return d.core.errback(err)
}

// SetTimeout schedules a one-shot timeout; reassignment replaces an earlier
// one. ms <= 0 fires immediately.
func (d Deferred[T]) SetTimeout(ms int64) error { return d.core.setTimeout(ms) }

// CancelTimeout cancels any active timeout, a no-op if none is set.
func (d Deferred[T]) CancelTimeout() { d.core.cancelTimeout() }

// Restricted returns a view forbidding Callback/Errback. Idempotent:
// restricting an already-restricted view returns an equivalent view.
func (d Deferred[T]) Restricted() Deferred[T] {
	return Deferred[T]{core: d.core, restricted: true}
}

// Defer blocks the calling goroutine until the deferred reaches a terminal
// state, returning its value or error. Must not be called from the reactor
// thread.
func (d Deferred[T]) Defer() (T, error) {
	r := d.core.reactor
	var zero T
	if r.onReactorThread() {
		return zero, rerrors.ReactorContext("defer() called from the reactor thread")
	}
	ch := make(chan struct{})
	var (
		result T
		ferr   error
	)
	_, err := AddHandler(d, Handler[T, T]{
		OnValue: func(v T) (T, error) { result, ferr = v, nil; close(ch); return v, nil },
		OnError: func(e error) (T, error) { ferr = e; close(ch); return zero, e },
	}, true)
	if err != nil {
		return zero, err
	}
	<-ch
	return result, ferr
}
