// Package scheduler implements the driver's single logical thread of
// execution: a heartbeat set ticked in insertion order, and a call-out
// min-heap ordered by fire time then insertion sequence (spec.md §4.4).
//
// The ticker-driven run loop and per-callback panic recovery are grounded on
// the MOO-style scheduler pattern (container/heap-backed ready queue, a
// dedicated goroutine ticking work, errors isolated per task rather than
// crashing the loop); Config/DefaultConfig/Stats follow the teacher's
// scheduler shape.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mudforge/driver/internal/domain"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures heartbeat cadence and drift reporting.
type Config struct {
	HeartbeatPeriod   time.Duration // default 2s, the classic MUD heartbeat
	TickDriftWarning  time.Duration // log + count when a tick runs this far over
}

// DefaultConfig returns production scheduler defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatPeriod:  2 * time.Second,
		TickDriftWarning: 500 * time.Millisecond,
	}
}

// HeartbeatFunc is one object's per-tick hook.
type HeartbeatFunc func(ctx context.Context) error

// CallOutFunc is a call-out's one-shot body.
type CallOutFunc func(ctx context.Context) error

// Stats reports scheduler counters, read with atomic loads so the admin
// HTTP/CLI surface can poll them without contending with the run loop.
type Stats struct {
	TicksRun         int64
	HeartbeatsFired  int64
	HeartbeatErrors  int64
	CallOutsFired    int64
	CallOutErrors    int64
	LastTickDriftMs  int64
}

type heartbeatEntry struct {
	handle domain.ObjectHandle
	fn     HeartbeatFunc
}

type callOutEntry struct {
	record     domain.TimerRecord
	fn         CallOutFunc
	seq        uint64
	generation uint64
	index      int // heap.Interface bookkeeping
}

// calloutHeap is a container/heap min-heap ordered by fire time, then
// insertion sequence — the ordering guarantee spec.md §4.4 requires for
// call-outs due at the same instant.
type calloutHeap []*callOutEntry

func (h calloutHeap) Len() int { return len(h) }
func (h calloutHeap) Less(i, j int) bool {
	if h[i].record.FireAt.Equal(h[j].record.FireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].record.FireAt.Before(h[j].record.FireAt)
}
func (h calloutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *calloutHeap) Push(x any) {
	e := x.(*callOutEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *calloutHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler drives heartbeats and call-outs on a single goroutine, exactly
// as spec.md §5 requires: no two callbacks ever execute concurrently, and a
// panic or error from one callback never prevents the rest of the tick from
// running.
type Scheduler struct {
	cfg Config

	mu         sync.Mutex
	heartbeats []*heartbeatEntry
	callouts   calloutHeap
	byID       map[uint64]*callOutEntry
	nextSeq    uint64
	nextID     uint64
	generation uint64

	stats  Stats
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Scheduler that has not yet been started.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:  cfg,
		byID: make(map[uint64]*callOutEntry),
	}
}

// RegisterHeartbeat adds fn to the heartbeat set. A registration made while
// a tick is in progress does not fire until the next tick — the Scheduler
// snapshots the set at the start of each tick (spec.md §4.4's "new
// registrations wait for the following tick").
func (s *Scheduler) RegisterHeartbeat(handle domain.ObjectHandle, fn HeartbeatFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, &heartbeatEntry{handle: handle, fn: fn})
}

// UnregisterHeartbeat removes every heartbeat entry for handle.
func (s *Scheduler) UnregisterHeartbeat(handle domain.ObjectHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.heartbeats[:0]
	for _, e := range s.heartbeats {
		if e.handle != handle {
			kept = append(kept, e)
		}
	}
	s.heartbeats = kept
}

// AddCallOut schedules fn to run once, after delay, on owner's behalf.
//
// Entries are stamped with s.generation as it stands right now, not
// s.generation+1: between ticks s.generation holds the last *completed*
// tick's number, so a same-valued stamp is already less than the next
// tick's currentGeneration and the entry is eligible as soon as its FireAt
// has passed. During an active callback, runTick has already bumped
// s.generation to the *in-progress* tick's number before running any
// callback, so an entry added from inside one picks up that same bumped
// value — which does not satisfy popDueCallOut's `< currentGeneration`
// check for the tick underway, deferring it exactly one tick (spec.md §8's
// S7: a zero-delay call-out added inside a heartbeat does not fire in that
// same tick). One stamp rule handles both cases; no separate "inside a
// callback" flag is needed.
func (s *Scheduler) AddCallOut(owner domain.ObjectHandle, function string, delay time.Duration, fn CallOutFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.nextSeq++
	id := s.nextID
	entry := &callOutEntry{
		record: domain.TimerRecord{
			ID:       id,
			Owner:    owner,
			Function: function,
			FireAt:   time.Now().Add(delay),
		},
		fn:         fn,
		seq:        s.nextSeq,
		generation: s.generation,
	}
	heap.Push(&s.callouts, entry)
	s.byID[id] = entry
	return id
}

// CancelCallOut removes a pending call-out. Returns domain.ErrUnknownTimer
// if id is not pending (already fired or never existed).
func (s *Scheduler) CancelCallOut(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byID[id]
	if !ok {
		return domain.ErrUnknownTimer
	}
	heap.Remove(&s.callouts, entry.index)
	delete(s.byID, id)
	return nil
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		TicksRun:        atomic.LoadInt64(&s.stats.TicksRun),
		HeartbeatsFired: atomic.LoadInt64(&s.stats.HeartbeatsFired),
		HeartbeatErrors: atomic.LoadInt64(&s.stats.HeartbeatErrors),
		CallOutsFired:   atomic.LoadInt64(&s.stats.CallOutsFired),
		CallOutErrors:   atomic.LoadInt64(&s.stats.CallOutErrors),
		LastTickDriftMs: atomic.LoadInt64(&s.stats.LastTickDriftMs),
	}
}

// Start begins the tick loop on its own goroutine. Stop or cancelling ctx
// ends it; Start returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
}

// Stop signals the tick loop to end and blocks until it has.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tickStart := <-ticker.C:
			s.runTick(ctx, tickStart)
		}
	}
}

// runTick fires one heartbeat pass over a stable snapshot of the heartbeat
// set, then drains every call-out due at or before tickStart that existed
// before this tick began.
func (s *Scheduler) runTick(ctx context.Context, tickStart time.Time) {
	atomic.AddInt64(&s.stats.TicksRun, 1)

	s.mu.Lock()
	snapshot := make([]*heartbeatEntry, len(s.heartbeats))
	copy(snapshot, s.heartbeats)
	s.generation++
	currentGeneration := s.generation
	s.mu.Unlock()

	for _, e := range snapshot {
		s.runProtected(ctx, e.fn, func(err error) {
			atomic.AddInt64(&s.stats.HeartbeatErrors, 1)
			log.Printf("[scheduler] heartbeat error on %s: %v", e.handle, err)
		})
		atomic.AddInt64(&s.stats.HeartbeatsFired, 1)
	}

	for {
		entry := s.popDueCallOut(tickStart, currentGeneration)
		if entry == nil {
			break
		}
		s.runProtected(ctx, entry.fn, func(err error) {
			atomic.AddInt64(&s.stats.CallOutErrors, 1)
			log.Printf("[scheduler] call-out error on %s::%s: %v", entry.record.Owner, entry.record.Function, err)
		})
		atomic.AddInt64(&s.stats.CallOutsFired, 1)
	}

	drift := time.Since(tickStart)
	atomic.StoreInt64(&s.stats.LastTickDriftMs, drift.Milliseconds())
	if drift > s.cfg.TickDriftWarning {
		log.Printf("[scheduler] tick drift %s exceeds warning threshold %s", drift, s.cfg.TickDriftWarning)
	}
}

func (s *Scheduler) popDueCallOut(cutoff time.Time, currentGeneration uint64) *callOutEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.callouts.Len() == 0 {
		return nil
	}
	top := s.callouts[0]
	if top.generation >= currentGeneration || top.record.FireAt.After(cutoff) {
		return nil
	}
	heap.Pop(&s.callouts)
	delete(s.byID, top.record.ID)
	return top
}

// runProtected invokes fn, recovering a panic or reporting an error through
// onErr so one misbehaving object never stalls the tick for every other
// object (spec.md §5's error-isolation requirement).
func (s *Scheduler) runProtected(ctx context.Context, fn func(context.Context) error, onErr func(error)) {
	defer func() {
		if r := recover(); r != nil {
			onErr(fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(ctx); err != nil {
		onErr(err)
	}
}
