package hub

import (
	"container/heap"
	"time"
)

// timerEntry is one scheduled or repeating callback.
type timerEntry struct {
	when   time.Time
	repeat time.Duration // zero for one-shot
	fn     func()
	index  int // heap index, maintained by container/heap
	dead   bool
}

// timerHeap orders entries by when, earliest first.
type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
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

// Timer is a handle returned by Hub.ScheduleTimer/ScheduleRepeating that
// allows cancellation. It is only safe to call Cancel from any goroutine;
// the actual heap removal happens on the loop goroutine.
type Timer struct {
	hub   *Hub
	entry *timerEntry
}

// Cancel prevents entry's callback from firing again. It is a no-op if the
// timer already fired (one-shot) or was already canceled.
func (t *Timer) Cancel() {
	t.hub.SubmitInternal(func() {
		t.entry.dead = true
	})
}

// runTimers pops and runs every entry whose deadline has passed. Must only
// be called from the loop goroutine.
func (h *Hub) runTimers(now time.Time) {
	for h.timers.Len() > 0 {
		next := h.timers[0]
		if next.dead {
			heap.Pop(&h.timers)
			continue
		}
		if next.when.After(now) {
			break
		}
		heap.Pop(&h.timers)
		if next.repeat > 0 {
			next.when = now.Add(next.repeat)
			heap.Push(&h.timers, next)
		}
		h.safeExecute(next.fn)
	}
}

// nextTimerDeadline returns the time of the soonest pending timer, or the
// zero Time if none are scheduled.
func (h *Hub) nextTimerDeadline() time.Time {
	for h.timers.Len() > 0 {
		next := h.timers[0]
		if next.dead {
			heap.Pop(&h.timers)
			continue
		}
		return next.when
	}
	return time.Time{}
}
