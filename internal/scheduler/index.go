package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Fire is one due reminder drawn from the index. Generation identifies the
// schedule it was drawn from; a later Schedule or Cancel makes it stale.
type Fire struct {
	ReminderID string
	DueAt      time.Time
	Generation uint64
}

type entry struct {
	id    string
	dueAt time.Time
	gen   uint64
	pos   int // heap position, -1 while fired and waiting for Reschedule
}

// Index is a min-heap of pending reminders keyed by due time. It keeps only
// the reminder id, due time and generation, never the reminder itself.
type Index struct {
	mu      sync.Mutex
	heap    entryHeap
	entries map[string]*entry
	lastGen uint64
}

func NewIndex() *Index {
	return &Index{entries: make(map[string]*entry)}
}

// Schedule inserts id or moves it to dueAt and returns its new generation.
func (ix *Index) Schedule(id string, dueAt time.Time) uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.scheduleLocked(id, dueAt)
}

func (ix *Index) scheduleLocked(id string, dueAt time.Time) uint64 {
	ix.lastGen++
	e, ok := ix.entries[id]
	if !ok {
		e = &entry{id: id, pos: -1}
		ix.entries[id] = e
	}
	e.dueAt = dueAt
	e.gen = ix.lastGen
	if e.pos >= 0 {
		heap.Fix(&ix.heap, e.pos)
	} else {
		heap.Push(&ix.heap, e)
	}
	return e.gen
}

// Reschedule reinserts a fired reminder only if its generation is still
// expectedGen, so a concurrent update or cancel always wins over the
// follow-up of an older fire.
func (ix *Index) Reschedule(id string, expectedGen uint64, dueAt time.Time) (uint64, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[id]
	if !ok || e.gen != expectedGen {
		return 0, false
	}
	return ix.scheduleLocked(id, dueAt), true
}

// Cancel removes id if present. It is a no-op for unknown ids.
func (ix *Index) Cancel(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[id]
	if !ok {
		return
	}
	if e.pos >= 0 {
		heap.Remove(&ix.heap, e.pos)
	}
	delete(ix.entries, id)
}

// Release forgets a fired reminder that will not be rescheduled, provided no
// newer schedule replaced it. It reports whether the entry was released.
func (ix *Index) Release(id string, expectedGen uint64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[id]
	if !ok || e.gen != expectedGen || e.pos >= 0 {
		return false
	}
	delete(ix.entries, id)
	return true
}

// Poll removes every entry due at or before now and returns them in due order.
// Fired entries stay known to the index, outside the heap, until Reschedule,
// Release or Cancel, so a reminder cannot fire again while in flight.
func (ix *Index) Poll(now time.Time) []Fire {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var fires []Fire
	for ix.heap.Len() > 0 && !ix.heap[0].dueAt.After(now) {
		e := heap.Pop(&ix.heap).(*entry)
		fires = append(fires, Fire{ReminderID: e.id, DueAt: e.dueAt, Generation: e.gen})
	}
	return fires
}

// IsCurrent reports whether gen is still the live generation for id.
func (ix *Index) IsCurrent(id string, gen uint64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[id]
	return ok && e.gen == gen
}

// Lookup returns the pending due time of id, if it sits in the heap.
func (ix *Index) Lookup(id string) (time.Time, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[id]
	if !ok || e.pos < 0 {
		return time.Time{}, false
	}
	return e.dueAt, true
}

// Len returns the number of entries waiting in the heap.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.heap.Len()
}

// NextDue returns the earliest pending due time.
func (ix *Index) NextDue() (time.Time, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.heap.Len() == 0 {
		return time.Time{}, false
	}
	return ix.heap[0].dueAt, true
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].gen < h[j].gen
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.pos = -1
	*h = old[:n-1]
	return e
}
