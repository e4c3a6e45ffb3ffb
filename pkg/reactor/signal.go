package reactor

import (
	"github.com/saylorsolutions/x/assert"

	rerrors "reaction/pkg/errors"
)

// Signalable is implemented by subscribers of a Signal[T]. Subscribers are
// compared by reference identity, never by structural equality.
type Signalable[T any] interface {
	OnSignal(sig Signal[T], data T)
}

type subEntry[T any] struct {
	sub      Signalable[T]
	priority int
}

// signalCore is the untyped-per-T engine behind Signal[T]; reactor-owned
// state (the subscriber list, the broadcasting guard, finalization) lives
// here, all under the reactor's single monitor.
type signalCore[T any] struct {
	reactor      *Reactor
	subs         []subEntry[T]
	broadcasting bool
	finalized    bool
}

func (c *signalCore[T]) subscribe(sub Signalable[T], priority int) error {
	r := c.reactor
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.broadcasting {
		return rerrors.ContextViolation("attempted to subscribe from within a signal broadcast")
	}
	c.removeLocked(sub)
	c.insertLocked(sub, priority)
	return nil
}

func (c *signalCore[T]) unsubscribe(sub Signalable[T]) error {
	r := c.reactor
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.broadcasting {
		return rerrors.ContextViolation("attempted to unsubscribe from within a signal broadcast")
	}
	c.removeLocked(sub)
	return nil
}

// insertLocked inserts sub at the first position whose existing priority is
// strictly lower, so that a newly subscribed equal-priority subscriber lands
// after every existing one of the same priority (ties keep insertion order).
func (c *signalCore[T]) insertLocked(sub Signalable[T], priority int) {
	idx := len(c.subs)
	for i, e := range c.subs {
		if priority > e.priority {
			idx = i
			break
		}
	}
	c.subs = append(c.subs, subEntry[T]{})
	copy(c.subs[idx+1:], c.subs[idx:])
	c.subs[idx] = subEntry[T]{sub: sub, priority: priority}
	assert.TrueFunc("subscriber list remains sorted by descending priority", func() bool {
		for i := 1; i < len(c.subs); i++ {
			if c.subs[i-1].priority < c.subs[i].priority {
				return false
			}
		}
		return true
	})
}

func (c *signalCore[T]) removeLocked(sub Signalable[T]) {
	out := c.subs[:0]
	for _, e := range c.subs {
		if e.sub != sub {
			out = append(out, e)
		}
	}
	c.subs = out
}

func (c *signalCore[T]) signal(data T, final bool) error {
	r := c.reactor
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRunningLocked() {
		return rerrors.ReactorNotRunning("signal requires a running reactor")
	}
	r.enqueueSignalLocked(&signalEnvelope[T]{core: c, data: data, final: final})
	return nil
}

// signalEnvelope is a queued broadcast awaiting delivery on the reactor
// thread; it implements deliverable so the reactor's signal queue can hold
// envelopes for differently-typed signals.
type signalEnvelope[T any] struct {
	core  *signalCore[T]
	data  T
	final bool
}

func (e *signalEnvelope[T]) deliver(r *Reactor) {
	r.mu.Lock()
	snapshot := append([]subEntry[T](nil), e.core.subs...)
	e.core.broadcasting = true
	if e.final {
		e.core.finalized = true
		e.core.subs = nil
	}
	r.mu.Unlock()

	for _, se := range snapshot {
		func() {
			var rec error
			defer func() {
				if rec != nil {
					r.diagLogger().Warning("signal subscriber panicked: %v", rec)
				}
			}()
			defer rerrors.Guard(&rec, rerrors.KindContextViolation)
			se.sub.OnSignal(Signal[T]{core: e.core, restricted: true}, e.data)
		}()
	}

	r.mu.Lock()
	e.core.broadcasting = false
	r.mu.Unlock()
}

// deliverable is the reactor's type-erased view of a queued signal envelope.
type deliverable interface {
	deliver(r *Reactor)
}

// Signal is a named broadcast with prioritised, identity-keyed subscribers.
type Signal[T any] struct {
	core       *signalCore[T]
	restricted bool
}

// NewSignal creates a new signal owned by r.
func NewSignal[T any](r *Reactor) Signal[T] {
	return Signal[T]{core: &signalCore[T]{reactor: r}}
}

// Subscribe registers sub at priority 0.
func (s Signal[T]) Subscribe(sub Signalable[T]) error {
	return s.core.subscribe(sub, 0)
}

// SubscribeWithPriority registers sub at the given priority; subscribers are
// delivered in descending priority order, ties broken by insertion order.
func (s Signal[T]) SubscribeWithPriority(sub Signalable[T], priority int) error {
	return s.core.subscribe(sub, priority)
}

// Unsubscribe removes sub, if present.
func (s Signal[T]) Unsubscribe(sub Signalable[T]) error {
	return s.core.unsubscribe(sub)
}

// Signal broadcasts data to every current subscriber.
func (s Signal[T]) Signal(data T) error {
	if s.restricted {
		return rerrors.RestrictedCapability("signal is not available on a restricted signal")
	}
	return s.core.signal(data, false)
}

// SignalFinal broadcasts data, then clears the subscriber list.
func (s Signal[T]) SignalFinal(data T) error {
	if s.restricted {
		return rerrors.RestrictedCapability("signalFinal is not available on a restricted signal")
	}
	return s.core.signal(data, true)
}

// Restricted returns a view forbidding Signal/SignalFinal. Idempotent.
func (s Signal[T]) Restricted() Signal[T] {
	return Signal[T]{core: s.core, restricted: true}
}
