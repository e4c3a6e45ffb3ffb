// Package reactor implements a single-threaded cooperative event loop
// driving four primitives built on top of it: Deferred (a one-shot future
// with an ordered handler chain and an optional timeout), DeferredSplitter
// (fan-out), DeferredConcentrator (fan-in), and Signal (prioritised
// broadcast), plus a Timer registry and a worker pool for offloading
// blocking work away from the reactor thread.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package reactor

import (
	"io"
	"sync"
	"time"

	"github.com/saylorsolutions/x/assert"

	rerrors "reaction/pkg/errors"
	"reaction/pkg/log"
)

type runState int8

const (
	stateStopped runState = iota
	stateRunning
	stateStopping
)

func (s runState) String() string {
	switch s {
	case stateStopped:
		return "stopped"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// maxShutdownPolls bounds how long the shutdown sequence waits, in 100ms increments, for
// in-flight worker tasks to acknowledge an interruption request before the
// shutdown sequence gives up waiting and proceeds anyway.
const maxShutdownPolls = 50

// Reactor is the single-threaded event loop: all of its own bookkeeping
// (queues, the timer registry, live-deferred tracking) is guarded by mu,
// but mu is always released before invoking any user-supplied code (chain
// handlers, signal subscribers, timer callbacks), since user code may
// legally call back into the reactor's public API from the same goroutine
// and sync.Mutex is not reentrant.
type Reactor struct {
	mu   sync.Mutex
	cond *sync.Cond

	state   runState
	looping bool

	clock   Clock
	logSink *log.Sink

	liveDeferreds  map[*deferredCore]struct{}
	deferredQueue  *fifo[*deferredCore]
	signalQueue    *fifo[deliverable]
	completedQueue *fifo[completionEntry]
	timers         *timerRegistry
	workers        *workerPool
	shutdownSig    Signal[int]

	maxIdleWorkers     int
	threadPriorityHint int

	loopDone chan struct{}
	fatalErr error
}

// Option configures a Reactor at construction time.
type Option func(*Reactor)

// WithMaxIdleWorkers caps how many idle worker goroutines the pool keeps
// warm before terminating surplus ones. Default 5.
func WithMaxIdleWorkers(n int) Option {
	return func(r *Reactor) { r.maxIdleWorkers = n }
}

// WithThreadPriorityHint records a scheduling priority hint for worker
// goroutines. Go's runtime scheduler has no portable priority knob, so the
// value is only stored on the Reactor; nothing reads it to change scheduling.
func WithThreadPriorityHint(p int) Option {
	return func(r *Reactor) { r.threadPriorityHint = p }
}

// New constructs a Reactor in the Stopped state. Call Start to run it.
func New(opts ...Option) *Reactor {
	r := &Reactor{
		liveDeferreds:  make(map[*deferredCore]struct{}),
		deferredQueue:  newFifo[*deferredCore](),
		signalQueue:    newFifo[deliverable](),
		completedQueue: newFifo[completionEntry](),
		timers:         newTimerRegistry(),
		maxIdleWorkers: 5,
	}
	r.cond = sync.NewCond(&r.mu)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start transitions the reactor from Stopped to Running and launches its
// loop goroutine. clock defaults to a MonotonicClock; logSink defaults to a
// sink discarding everything.
func (r *Reactor) Start(clock Clock, logSink *log.Sink) error {
	r.mu.Lock()
	if r.state != stateStopped {
		r.mu.Unlock()
		return rerrors.ReactorContext("reactor is already started")
	}
	if clock == nil {
		clock = &MonotonicClock{}
	}
	if logSink == nil {
		logSink = log.NewSink(io.Discard, log.Off)
	}
	clock.Init()
	r.clock = clock
	r.logSink = logSink
	r.workers = newWorkerPool(r, r.maxIdleWorkers)
	r.shutdownSig = NewSignal[int](r)
	r.state = stateRunning
	r.loopDone = make(chan struct{})
	r.mu.Unlock()

	go r.runLoop()
	return nil
}

// runLoop drives the loop and guards against anything escaping it: every
// user-code invocation inside the loop already recovers its own panics into
// a logged, swallowed error (spec's "exceptions from handlers are logged
// and swallowed"), so this outer recover only ever fires for a genuine bug
// in the reactor's own bookkeeping — the "fatal error" category that spec
// says should latch and be re-raised by Join.
func (r *Reactor) runLoop() {
	defer func() {
		if rec := recover(); rec != nil {
			err := rerrors.New(rerrors.KindContextViolation, "reactor loop aborted by an unrecoverable error").
				WithContext("panic", rec)
			r.mu.Lock()
			r.fatalErr = err
			r.state = stateStopped
			r.mu.Unlock()
		}
		close(r.loopDone)
	}()
	r.loop()
}

// Stop requests an orderly shutdown: running worker tasks are interrupted,
// queued signals and deferreds are drained once more, a final shutdown
// signal is broadcast, and the reactor settles into Stopped. Stop returns
// once the request has been recorded; call Join to wait for completion.
func (r *Reactor) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateRunning {
		return rerrors.ReactorContext("reactor is not running")
	}
	r.state = stateStopping
	r.cond.Broadcast()
	return nil
}

// Join blocks until the loop goroutine has fully exited, re-raising any
// fatal error that aborted the loop instead of an orderly Stop.
func (r *Reactor) Join() error {
	r.mu.Lock()
	done := r.loopDone
	r.mu.Unlock()
	<-done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatalErr
}

// Uptime returns milliseconds elapsed since Start, per the reactor's clock.
func (r *Reactor) Uptime() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nowLocked()
}

// ShutdownSignal returns a restricted view of the signal broadcast exactly
// once, with payload 0, as the final step of an orderly shutdown.
func (r *Reactor) ShutdownSignal() Signal[int] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdownSig.Restricted()
}

// Logger returns a named logger from the reactor's log sink, creating it on
// first use; this is the getLogger(id, bundleName?) collaborator of spec §6.
func (r *Reactor) Logger(id string, bundleName ...string) *log.Logger {
	return r.logSink.GetLogger(id, bundleName...)
}

func (r *Reactor) diagLogger() *log.Logger {
	return r.logSink.GetLogger("reactor")
}

func (r *Reactor) isRunningLocked() bool {
	return r.state == stateRunning
}

func (r *Reactor) nowLocked() int64 {
	return r.clock.NowMillis()
}

// onReactorThread approximates "the calling goroutine is the reactor's
// loop goroutine" as "the loop is currently dispatching user-supplied
// code". Since the loop is strictly single-threaded, any call genuinely
// made from the loop goroutine lands inside that window; an unrelated
// goroutine racing the same narrow window only ever sees a conservative
// false positive, never a false negative. See DESIGN.md.
func (r *Reactor) onReactorThread() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.looping
}

func (r *Reactor) registerLiveDeferred(c *deferredCore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveDeferreds[c] = struct{}{}
}

func (r *Reactor) deregisterLiveDeferredLocked(c *deferredCore) {
	delete(r.liveDeferreds, c)
}

// enqueueDeferredLocked queues c for processing once it is both terminated
// and resolved (has a value or an error); idempotent.
func (r *Reactor) enqueueDeferredLocked(c *deferredCore) {
	if c.queued || !c.terminated || c.state == statePending {
		return
	}
	c.queued = true
	r.deferredQueue.push(c)
	r.cond.Broadcast()
}

func (r *Reactor) enqueueSignalLocked(e deliverable) {
	r.signalQueue.push(e)
	r.cond.Broadcast()
}

func (r *Reactor) closeDeferred(err error) {
	r.diagLogger().Warning("deferred chain completed with an unhandled error: %v", err)
}

// RunTimerOneShot schedules h to fire once, delayMs from now.
func (r *Reactor) RunTimerOneShot(h Timeable, delayMs int64, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRunningLocked() {
		return rerrors.ReactorNotRunning("timer requires a running reactor")
	}
	r.timers.schedule(h, delayMs, 0, data, r.nowLocked())
	r.cond.Broadcast()
	return nil
}

// RunTimerRepeating schedules h to fire delayMs from now, and then every
// intervalMs thereafter.
func (r *Reactor) RunTimerRepeating(h Timeable, delayMs, intervalMs int64, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRunningLocked() {
		return rerrors.ReactorNotRunning("timer requires a running reactor")
	}
	r.timers.schedule(h, delayMs, intervalMs, data, r.nowLocked())
	r.cond.Broadcast()
	return nil
}

// CancelTimer cancels h's timer, if any. A no-op if h isn't scheduled.
func (r *Reactor) CancelTimer(h Timeable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers.cancel(h)
}

// RunThread offloads task to a worker thread, returning a restricted
// deferred (callback/errback are the worker completion path's to call, not
// the caller's) that completes with the task's result once it finishes.
func (r *Reactor) RunThread(task Task) (Deferred[any], error) {
	core, err := r.workers.run(task)
	if err != nil {
		var zero Deferred[any]
		return zero, err
	}
	return Deferred[any]{core: core, restricted: true}, nil
}

// RunThreadTimeout offloads task as RunThread does, additionally cancelling
// it (requesting cooperative interruption) if it hasn't completed within
// timeoutMs; the returned deferred fails with KindTimedOut in that case.
func (r *Reactor) RunThreadTimeout(task Task, timeoutMs int64) (Deferred[any], error) {
	d, err := r.RunThread(task)
	if err != nil {
		return d, err
	}
	if err := d.SetTimeout(timeoutMs); err != nil {
		return d, err
	}
	r.mu.Lock()
	r.timers.schedule(&cancelOnTimeout{pool: r.workers, task: task}, timeoutMs, 0, nil, r.nowLocked())
	r.mu.Unlock()
	return d, nil
}

// CancelThread requests cooperative interruption of task's in-flight run,
// if any. A no-op if task isn't currently running.
func (r *Reactor) CancelThread(task Task) {
	r.workers.cancel(task)
}

type cancelOnTimeout struct {
	pool *workerPool
	task Task
}

func (c *cancelOnTimeout) OnTick(_ any) {
	c.pool.cancel(c.task)
}

// loop is the reactor's main event loop. It alternates draining pass with
// a bounded-or-unbounded sleep until a Stop request moves the state out of
// Running, then runs the shutdown sequence exactly once.
func (r *Reactor) loop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.state == stateRunning {
		r.drainPassLocked()
		if r.state != stateRunning {
			break
		}
		r.sleepLocked()
	}
	r.shutdownLocked()
}

// drainPassLocked drains the signal, deferred, completed-thread and expired
// timer queues once, in that order. Called with r.mu held; releases it
// around every invocation of user-supplied code.
func (r *Reactor) drainPassLocked() {
	for {
		env, ok := r.signalQueue.pop()
		if !ok {
			break
		}
		r.looping = true
		r.mu.Unlock()
		env.deliver(r)
		r.mu.Lock()
		r.looping = false
	}

	for {
		c, ok := r.deferredQueue.pop()
		if !ok {
			break
		}
		running := r.state == stateRunning
		r.looping = true
		r.mu.Unlock()
		c.process(running)
		r.mu.Lock()
		r.looping = false
	}

	for {
		ce, ok := r.completedQueue.pop()
		if !ok {
			break
		}
		r.mu.Unlock()
		if ce.err != nil {
			_ = ce.core.errback(ce.err)
		} else {
			_ = ce.core.callback(ce.result)
		}
		r.mu.Lock()
	}

	now := r.nowLocked()
	fired := r.timers.popExpired(now, func(h Timeable) {
		r.diagLogger().Warning("timer merged one or more missed intervals for %T", h)
	})
	if len(fired) > 0 {
		r.looping = true
		r.mu.Unlock()
		for _, f := range fired {
			func() {
				var rec error
				defer func() {
					if rec != nil {
						r.diagLogger().Warning("timer handler panicked: %v", rec)
					}
				}()
				defer rerrors.Guard(&rec, rerrors.KindContextViolation)
				f.handler.OnTick(f.data)
			}()
		}
		r.mu.Lock()
		r.looping = false
	}
}

// sleepLocked waits for the next mutation, bounded by the earliest pending
// timer trigger if one exists, unbounded otherwise. Called with r.mu held.
func (r *Reactor) sleepLocked() {
	if r.state != stateRunning {
		return
	}
	if r.signalQueue.len() > 0 || r.deferredQueue.len() > 0 || r.completedQueue.len() > 0 {
		return
	}
	next, ok := r.timers.nextTrigger()
	if !ok {
		r.cond.Wait()
		return
	}
	wait := time.Duration(next-r.nowLocked()) * time.Millisecond
	if wait <= 0 {
		return
	}
	timer := time.AfterFunc(wait, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	r.cond.Wait()
	timer.Stop()
}

// shutdownLocked runs the orderly shutdown sequence exactly once: interrupt
// running workers and poll (bounded) until they finish, drain completed
// threads once, terminate idle workers and wait for them to exit, drain the
// deferred queue once, drain the signal queue once, broadcast a final
// shutdown signal, clear the timer registry, and report any deferred created
// but never completed. Called with r.mu held.
func (r *Reactor) shutdownLocked() {
	assert.True("shutdown only runs while transitioning out of Running", r.state == stateStopping)
	r.mu.Unlock()
	r.workers.interruptAll()
	for i := 0; i < maxShutdownPolls && r.workers.runningCount() > 0; i++ {
		time.Sleep(100 * time.Millisecond)
	}
	r.mu.Lock()

	for {
		ce, ok := r.completedQueue.pop()
		if !ok {
			break
		}
		r.mu.Unlock()
		if ce.err != nil {
			_ = ce.core.errback(ce.err)
		} else {
			_ = ce.core.callback(ce.result)
		}
		r.mu.Lock()
	}

	r.mu.Unlock()
	r.workers.terminateIdle()
	r.mu.Lock()

	for {
		c, ok := r.deferredQueue.pop()
		if !ok {
			break
		}
		r.looping = true
		r.mu.Unlock()
		c.process(false)
		r.mu.Lock()
		r.looping = false
	}

	for {
		queued, ok := r.signalQueue.pop()
		if !ok {
			break
		}
		r.looping = true
		r.mu.Unlock()
		queued.deliver(r)
		r.mu.Lock()
		r.looping = false
	}

	r.looping = true
	r.mu.Unlock()
	env := &signalEnvelope[int]{core: r.shutdownSig.core, data: 0, final: true}
	env.deliver(r)
	r.mu.Lock()
	r.looping = false

	r.timers.clear()

	for c := range r.liveDeferreds {
		r.diagLogger().Warning("deferred leaked (created but never completed); creation site:\n%s", c.createdStack)
	}

	r.state = stateStopped
}
