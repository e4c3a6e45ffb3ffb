package reactor

import (
	"container/heap"

	"github.com/saylorsolutions/x/assert"
)

// Timeable is implemented by anything that can be scheduled on the timer
// registry. Implementations are compared by identity (as interface values
// wrapping a pointer), never by structural equality, matching the registry's
// identity index onto handlers.
type Timeable interface {
	// OnTick is invoked on the reactor thread when the timer fires. data is
	// whatever was supplied at schedule time.
	OnTick(data any)
}

// timerEntry is one entry of the timer registry, ordered by (trigger, seq)
// so that distinct entries sharing a trigger retain FIFO order. No ordered
// heap/btree package appears anywhere in the retrieval pack, so this is
// built directly on container/heap; see DESIGN.md.
type timerEntry struct {
	trigger  int64 // milliseconds since reactor start
	interval int64 // 0 for one-shot
	handler  Timeable
	data     any
	seq      uint64
	index    int // maintained by container/heap
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].trigger != h[j].trigger {
		return h[i].trigger < h[j].trigger
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timerRegistry is the reactor's ordered set of timer entries, plus an
// identity index from handler to entry for O(log n) cancel/replace.
type timerRegistry struct {
	heap    timerHeap
	index   map[Timeable]*timerEntry
	nextSeq uint64
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{
		index: make(map[Timeable]*timerEntry),
	}
}

// schedule installs or replaces the timer for h, triggering delay ms from
// now and then, if interval > 0, repeating every interval ms.
func (tr *timerRegistry) schedule(h Timeable, delay, interval int64, data any, now int64) {
	if delay < 0 {
		delay = 0
	}
	if interval < 0 {
		interval = 0
	}
	if existing, ok := tr.index[h]; ok {
		heap.Remove(&tr.heap, existing.index)
		delete(tr.index, h)
	}
	e := &timerEntry{
		trigger:  now + delay,
		interval: interval,
		handler:  h,
		data:     data,
		seq:      tr.nextSeq,
	}
	tr.nextSeq++
	heap.Push(&tr.heap, e)
	tr.index[h] = e
}

// cancel removes the timer for h, if any. A no-op if h is not registered.
func (tr *timerRegistry) cancel(h Timeable) {
	e, ok := tr.index[h]
	if !ok {
		return
	}
	heap.Remove(&tr.heap, e.index)
	delete(tr.index, h)
}

// nextTrigger returns the trigger time of the earliest entry, if any.
func (tr *timerRegistry) nextTrigger() (int64, bool) {
	if len(tr.heap) == 0 {
		return 0, false
	}
	return tr.heap[0].trigger, true
}

// firedEntry is a snapshot of an expired timer entry, safe to act on after
// the registry itself has advanced or removed the backing entry.
type firedEntry struct {
	handler Timeable
	data    any
}

// popExpired removes and returns every entry whose trigger is <= now, in
// firing order. Repeating entries are advanced by whole intervals and
// reinserted; onMerge is invoked once per entry that had to skip one or
// more missed firings because it fell behind by more than one interval.
func (tr *timerRegistry) popExpired(now int64, onMerge func(handler Timeable)) []firedEntry {
	var fired []firedEntry
	for len(tr.heap) > 0 && tr.heap[0].trigger <= now {
		e := heap.Pop(&tr.heap).(*timerEntry)
		assert.True("popped timer entry has already expired", e.trigger <= now)
		fired = append(fired, firedEntry{handler: e.handler, data: e.data})
		if e.interval <= 0 {
			delete(tr.index, e.handler)
			continue
		}
		merged := false
		for {
			e.trigger += e.interval
			if e.trigger > now {
				break
			}
			merged = true
		}
		if merged && onMerge != nil {
			onMerge(e.handler)
		}
		e.seq = tr.nextSeq
		tr.nextSeq++
		heap.Push(&tr.heap, e)
		tr.index[e.handler] = e
	}
	return fired
}

// clear removes every entry from the registry.
func (tr *timerRegistry) clear() {
	tr.heap = nil
	tr.index = make(map[Timeable]*timerEntry)
}
