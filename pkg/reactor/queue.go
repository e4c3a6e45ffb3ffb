package reactor

import "github.com/saylorsolutions/x/structures/queue"

// fifo is a thin wrapper over saylorsolutions/x's Queue, used for the
// reactor's three drain queues (signals, deferreds, completed threads). The
// queue's own internal mutex is redundant with the reactor's single
// monitor in practice (all access is already serialised by r.mu) but
// harmless; it is kept rather than hand-rolling a ring buffer so the
// dependency is genuinely exercised.
type fifo[T any] struct {
	q *queue.Queue[T]
}

func newFifo[T any]() *fifo[T] {
	return &fifo[T]{q: queue.NewQueue[T]()}
}

func (f *fifo[T]) push(v T) { f.q.Push(v) }

func (f *fifo[T]) pop() (T, bool) { return f.q.Pop() }

func (f *fifo[T]) len() int { return f.q.Len() }
