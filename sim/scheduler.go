package sim

import (
	"container/heap"
	"fmt"
)

// scheduled is a pending command stamped with the generation of its target
// at scheduling time and a sequence number for FIFO tie-breaking.
type scheduled struct {
	cmd Command
	at  Time
	gen uint64
	seq uint64
}

// commandHeap is a min-heap ordered by (time, kind, id, seq).
// Implements heap.Interface.
type commandHeap []scheduled

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	if h[i].cmd != h[j].cmd {
		return h[i].cmd.Before(h[j].cmd)
	}
	return h[i].seq < h[j].seq
}

func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commandHeap) Push(x any) {
	*h = append(*h, x.(scheduled))
}

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler is the time-ordered command queue and the only clock in the
// kernel. Cancellation is lazy: Cancel bumps the target's generation and
// stale entries are dropped when they reach the top of the heap.
type Scheduler struct {
	heap    commandHeap
	gens    map[Command]uint64
	live    map[Command]int // live entries per command
	now     Time
	nextSeq uint64
	stale   int
	popped  int
}

// NewScheduler creates an empty scheduler at time zero.
func NewScheduler() *Scheduler {
	s := &Scheduler{heap: make(commandHeap, 0), gens: make(map[Command]uint64), live: make(map[Command]int)}
	heap.Init(&s.heap)
	return s
}

// Now is the time of the most recently dispatched command, or the time the
// clock was last advanced to.
func (s *Scheduler) Now() Time { return s.now }

// Schedule queues cmd to fire at at. Scheduling in the past is an
// ordering violation.
func (s *Scheduler) Schedule(cmd Command, at Time) error {
	if at < s.now {
		return fmt.Errorf("schedule %v at %v (now %v): %w", cmd, at, s.now, ErrOrderingViolation)
	}
	heap.Push(&s.heap, scheduled{cmd: cmd, at: at, gen: s.gens[cmd], seq: s.nextSeq})
	s.nextSeq++
	s.live[cmd]++
	return nil
}

// Cancel invalidates every pending copy of cmd.
func (s *Scheduler) Cancel(cmd Command) {
	s.gens[cmd]++
	delete(s.live, cmd)
}

// Pending reports whether a live copy of cmd is queued.
func (s *Scheduler) Pending(cmd Command) bool { return s.live[cmd] > 0 }

// Reschedule replaces any pending copy of cmd with one firing at at.
func (s *Scheduler) Reschedule(cmd Command, at Time) error {
	if at < s.now {
		return fmt.Errorf("reschedule %v at %v (now %v): %w", cmd, at, s.now, ErrOrderingViolation)
	}
	s.Cancel(cmd)
	return s.Schedule(cmd, at)
}

func (s *Scheduler) isStale(e scheduled) bool {
	return e.gen != s.gens[e.cmd]
}

// purge drops stale entries sitting on top of the heap.
func (s *Scheduler) purge() {
	for len(s.heap) > 0 && s.isStale(s.heap[0]) {
		heap.Pop(&s.heap)
		s.stale++
	}
}

// Next removes and returns the earliest live command and advances the
// clock to its time. ok is false when nothing live remains.
func (s *Scheduler) Next() (cmd Command, at Time, ok bool) {
	s.purge()
	if len(s.heap) == 0 {
		return Command{}, s.now, false
	}
	e := heap.Pop(&s.heap).(scheduled)
	s.now = e.at
	s.popped++
	if s.live[e.cmd]--; s.live[e.cmd] <= 0 {
		delete(s.live, e.cmd)
	}
	return e.cmd, e.at, true
}

// PeekTime is the time of the earliest live command.
func (s *Scheduler) PeekTime() (Time, bool) {
	s.purge()
	if len(s.heap) == 0 {
		return 0, false
	}
	return s.heap[0].at, true
}

// AdvanceTo moves the clock forward to t without dispatching anything. It
// refuses to skip over a pending command.
func (s *Scheduler) AdvanceTo(t Time) error {
	if t < s.now {
		return fmt.Errorf("advance to %v (now %v): %w", t, s.now, ErrOrderingViolation)
	}
	if next, ok := s.PeekTime(); ok && next < t {
		return fmt.Errorf("advance to %v skips command due at %v: %w", t, next, ErrOrderingViolation)
	}
	s.now = t
	return nil
}

// Len is the number of queued entries, stale ones included.
func (s *Scheduler) Len() int { return len(s.heap) }

// Stale is the number of cancelled entries discarded so far.
func (s *Scheduler) Stale() int { return s.stale }

// Dispatched is the number of live commands returned by Next so far.
func (s *Scheduler) Dispatched() int { return s.popped }
