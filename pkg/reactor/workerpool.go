package reactor

import (
	"os"
	"sync"

	"github.com/tedsuo/ifrit"

	rerrors "reaction/pkg/errors"
)

// Task is offloaded work executed on a worker thread, away from the reactor
// thread. Run must poll stop cooperatively and return promptly once it is
// closed; stop is closed when CancelThread is called for this task, or when
// the reactor shuts down while the task is in flight.
type Task interface {
	Run(stop <-chan struct{}) (any, error)
}

// completionEntry is a finished task awaiting hand-off back onto the
// reactor thread, where its result is delivered via the backing deferred's
// ordinary callback/errback path.
type completionEntry struct {
	core   *deferredCore
	result any
	err    error
}

// worker is one long-lived ifrit process pulling assignments off a channel.
// Grounded on ifrit's Runner/Process/Signal lifecycle: Run loops until its
// assign channel is closed or a signal arrives with nothing assigned;
// Signal requests cooperative interruption of whatever task is currently
// in flight.
type worker struct {
	id      int
	pool    *workerPool
	assign  chan *assignment
	process ifrit.Process
}

type assignment struct {
	task Task
	core *deferredCore
}

func newWorker(id int, p *workerPool) *worker {
	w := &worker{id: id, pool: p, assign: make(chan *assignment)}
	w.process = ifrit.Envoke(ifrit.RunFunc(w.run))
	return w
}

func (w *worker) run(sig <-chan os.Signal, ready chan<- struct{}) error {
	close(ready)
	for {
		select {
		case a, ok := <-w.assign:
			if !ok {
				return nil
			}
			w.execute(a, sig)
		case <-sig:
			return nil
		}
	}
}

func (w *worker) execute(a *assignment, sig <-chan os.Signal) {
	stop := make(chan struct{})
	relayDone := make(chan struct{})
	go func() {
		select {
		case <-sig:
			close(stop)
		case <-relayDone:
		}
	}()

	result, err := func() (res any, rerr error) {
		defer rerrors.Guard(&rerr, rerrors.KindContextViolation)
		return a.task.Run(stop)
	}()
	close(relayDone)

	w.pool.complete(w, a, result, err)
}

// workerPool is the reactor's thread-offload collaborator: a bounded cache
// of idle worker goroutines, with at most one in-flight assignment per
// distinct task instance.
type workerPool struct {
	reactor *Reactor
	maxIdle int

	mu      sync.Mutex
	idle    []*worker
	active  map[Task]*worker
	all     map[int]*worker
	nextID  int
	closing bool
}

func newWorkerPool(r *Reactor, maxIdle int) *workerPool {
	if maxIdle <= 0 {
		maxIdle = 5
	}
	return &workerPool{
		reactor: r,
		maxIdle: maxIdle,
		active:  make(map[Task]*worker),
		all:     make(map[int]*worker),
	}
}

// run assigns task to an idle worker (spawning one if the idle cache is
// empty), returning a deferred that completes when the task finishes.
func (p *workerPool) run(task Task) (*deferredCore, error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, rerrors.ReactorNotRunning("worker pool is shutting down")
	}
	if _, ok := p.active[task]; ok {
		p.mu.Unlock()
		return nil, rerrors.TaskAlreadyRunning("task is already running")
	}
	var w *worker
	if n := len(p.idle); n > 0 {
		w = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		w = newWorker(p.nextID, p)
		p.nextID++
		p.all[w.id] = w
	}
	core := newDeferredCore(p.reactor)
	p.active[task] = w
	p.mu.Unlock()

	w.assign <- &assignment{task: task, core: core}
	return core, nil
}

// cancel requests cooperative interruption of task's in-flight run, if any.
// A no-op if task isn't currently running.
func (p *workerPool) cancel(task Task) {
	p.mu.Lock()
	w, ok := p.active[task]
	p.mu.Unlock()
	if ok {
		w.process.Signal(os.Interrupt)
	}
}

func (p *workerPool) complete(w *worker, a *assignment, result any, err error) {
	p.mu.Lock()
	delete(p.active, a.task)
	surplus := len(p.idle) >= p.maxIdle
	closing := p.closing
	if !surplus && !closing {
		p.idle = append(p.idle, w)
	} else {
		delete(p.all, w.id)
	}
	p.mu.Unlock()

	if surplus || closing {
		close(w.assign)
	}

	r := p.reactor
	r.mu.Lock()
	r.completedQueue.push(completionEntry{core: a.core, result: result, err: err})
	r.cond.Broadcast()
	r.mu.Unlock()
}

// runningCount reports how many tasks are currently in flight.
func (p *workerPool) runningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// interruptAll signals every in-flight task to stop cooperatively.
func (p *workerPool) interruptAll() {
	p.mu.Lock()
	workers := make([]*worker, 0, len(p.active))
	for _, w := range p.active {
		workers = append(workers, w)
	}
	p.mu.Unlock()
	for _, w := range workers {
		w.process.Signal(os.Interrupt)
	}
}

// terminateIdle stops and removes every worker currently sitting idle, waits
// for each of them to exit, and marks the pool as closing so no further
// assignments are accepted and any worker returning from its current task
// exits instead of going idle.
func (p *workerPool) terminateIdle() {
	p.mu.Lock()
	p.closing = true
	idle := p.idle
	p.idle = nil
	for _, w := range idle {
		delete(p.all, w.id)
	}
	p.mu.Unlock()
	for _, w := range idle {
		close(w.assign)
	}
	for _, w := range idle {
		<-w.process.Wait()
	}
}
