/*
 *
 * Copyright 2025 The StreamPlane Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package timeline

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyStarted rejects a Start while progressing with no stop
	// pending.
	ErrAlreadyStarted = errors.New("timeline: transport already started")
	// ErrAlreadyStopped rejects a Stop while stopped with no start pending.
	ErrAlreadyStopped = errors.New("timeline: transport already stopped")
	// ErrPrecedesPendingStop rejects a Start scheduled before the pending
	// stop it would have to follow.
	ErrPrecedesPendingStop = errors.New("timeline: start precedes pending stop")
	// ErrPrecedesPendingStart rejects a Stop scheduled before the pending
	// start it would have to follow.
	ErrPrecedesPendingStart = errors.New("timeline: stop precedes pending start")
	// ErrNotStarted rejects an operation that needs a progressing timeline.
	ErrNotStarted = errors.New("timeline: transport not started")
	// ErrCanceled completes a scheduled operation that was revoked, either
	// explicitly or by a displacing transition.
	ErrCanceled = errors.New("timeline: canceled")
)

type transitionKind int

const (
	kindStart transitionKind = iota
	kindStop
	kindAmend
	numTransitionKinds
)

// transition is one pending Start/Stop/AmendPresentation, identified by
// its slot handle so it can be displaced.
type transition struct {
	when time.Time
	slot int
	gen  uint64
}

// slot is one cancelable scheduled operation. Slots are reused; the
// generation distinguishes the current occupant from stale handles.
type slot struct {
	gen   uint64
	ch    chan error
	timer Timer
}

// pwaiter is one presentation-time waiter in the priority queue. Entries
// whose slot has been completed elsewhere are skimmed lazily.
type pwaiter struct {
	pt   int64
	slot int
	gen  uint64
}

type pwaiterHeap []pwaiter

func (h pwaiterHeap) Len() int           { return len(h) }
func (h pwaiterHeap) Less(i, j int) bool { return h[i].pt < h[j].pt }
func (h pwaiterHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *pwaiterHeap) Push(x any) { *h = append(*h, x.(pwaiter)) }

func (h *pwaiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	*h = old[:n-1]
	return w
}

// Controller is the transport state machine over one timeline. Start,
// Stop and AmendPresentation each keep at most one pending instance;
// scheduling a new one displaces its predecessor with ErrCanceled.
// Displaced or conflicting transitions of the opposite kind are resolved
// so that the pending schedule always toggles the transport coherently
// from its current state.
//
// All methods are safe for concurrent use.
type Controller struct {
	mu     sync.Mutex
	clock  Clock
	logger *zap.Logger

	timeline Timeline

	slots []slot
	free  []int

	pending [numTransitionKinds]*transition

	waiters     pwaiterHeap
	timerDriven bool
	waitTimer   Timer
	waitGen     uint64
}

// NewController returns a controller over a stopped timeline at
// presentation time zero. A nil clock means the system clock; a nil
// logger disables logging.
func NewController(clock Clock, logger *zap.Logger) *Controller {
	if clock == nil {
		clock = System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		clock:    clock,
		logger:   logger.Named("timeline"),
		timeline: Stopped(0),
	}
}

// Timeline returns the current timeline.
func (c *Controller) Timeline() Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline
}

// CurrentPresentationTime returns the presentation time at the clock's
// current reading.
func (c *Controller) CurrentPresentationTime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline.ToPresentationTime(c.clock.Now())
}

// Canceler revokes one scheduled operation, completing it with
// ErrCanceled. The zero Canceler is a no-op, as is canceling an operation
// that already completed; slot reuse is guarded by the generation.
type Canceler struct {
	c    *Controller
	slot int
	gen  uint64
}

// Cancel revokes the operation. Idempotent.
func (cl Canceler) Cancel() {
	if cl.c == nil {
		return
	}
	cl.c.mu.Lock()
	cl.c.completeSlotLocked(cl.slot, cl.gen, ErrCanceled)
	cl.c.mu.Unlock()
}

func (c *Controller) acquireSlotLocked() (int, uint64, chan error) {
	var idx int
	if n := len(c.free); n > 0 {
		idx = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		c.slots = append(c.slots, slot{})
		idx = len(c.slots) - 1
	}
	s := &c.slots[idx]
	s.gen++
	s.ch = make(chan error, 1)
	return idx, s.gen, s.ch
}

func (c *Controller) slotValidLocked(idx int, gen uint64) bool {
	return idx < len(c.slots) && c.slots[idx].gen == gen && c.slots[idx].ch != nil
}

// completeSlotLocked resolves the slot's channel and frees the slot.
// Stale or already completed handles are no-ops.
func (c *Controller) completeSlotLocked(idx int, gen uint64, err error) {
	if !c.slotValidLocked(idx, gen) {
		return
	}
	s := &c.slots[idx]
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.ch <- err
	s.ch = nil
	c.free = append(c.free, idx)
}

func (c *Controller) cancelPendingLocked(kind transitionKind) {
	if tr := c.pending[kind]; tr != nil {
		c.pending[kind] = nil
		c.completeSlotLocked(tr.slot, tr.gen, ErrCanceled)
	}
}

// scheduleTransitionLocked arms a transition to fire at when minus
// margin. The effect runs under the controller lock with the transition's
// nominal time, then the returned channel resolves nil.
func (c *Controller) scheduleTransitionLocked(kind transitionKind, when time.Time, margin time.Duration, effect func(when time.Time)) <-chan error {
	idx, gen, ch := c.acquireSlotLocked()
	tr := &transition{when: when, slot: idx, gen: gen}
	c.pending[kind] = tr
	d := when.Add(-margin).Sub(c.clock.Now())
	if d < 0 {
		d = 0
	}
	c.slots[idx].timer = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.slotValidLocked(idx, gen) {
			return
		}
		if c.pending[kind] == tr {
			c.pending[kind] = nil
		}
		effect(when)
		c.completeSlotLocked(idx, gen, nil)
		c.armWaitTimerLocked()
	})
	return ch
}

// Start schedules the transport to begin progressing at when, correlating
// when with presentationTime. A zero when means now. The transition fires
// margin early to give downstream stages lead time; the timeline still
// uses when as its reference origin. The returned channel resolves nil
// when the transition takes effect, or ErrCanceled if it is displaced.
//
// While progressing, a Start is accepted only after a pending stop
// (ErrAlreadyStarted without one, ErrPrecedesPendingStop if scheduled
// before it). While stopped, a pending stop at or before the new start
// belonged to the start being displaced and is canceled with it.
func (c *Controller) Start(when time.Time, presentationTime int64, margin time.Duration) (<-chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if when.IsZero() {
		when = c.clock.Now()
	}
	if c.timeline.Progressing() {
		stop := c.pending[kindStop]
		if stop == nil {
			return nil, ErrAlreadyStarted
		}
		if when.Before(stop.when) {
			return nil, ErrPrecedesPendingStop
		}
	} else if stop := c.pending[kindStop]; stop != nil && !stop.when.After(when) {
		c.cancelPendingLocked(kindStop)
	}
	c.cancelPendingLocked(kindStart)
	c.logger.Debug("start scheduled",
		zap.Time("when", when),
		zap.Int64("presentation", presentationTime))
	ch := c.scheduleTransitionLocked(kindStart, when, margin, func(when time.Time) {
		c.timeline = Timeline{
			presentation: presentationTime,
			reference:    when,
			rate:         1.0,
			progressing:  true,
		}
	})
	return ch, nil
}

// Stop schedules the transport to stop at when, freezing the timeline at
// the presentation time it reaches then. A zero when means now. Guards
// mirror Start: while stopped, a Stop is accepted only after a pending
// start (ErrAlreadyStopped without one, ErrPrecedesPendingStart if
// scheduled before it); while progressing, a pending start at or before
// the new stop belonged to the stop being displaced and is canceled with
// it.
func (c *Controller) Stop(when time.Time, margin time.Duration) (<-chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if when.IsZero() {
		when = c.clock.Now()
	}
	if !c.timeline.Progressing() {
		start := c.pending[kindStart]
		if start == nil {
			return nil, ErrAlreadyStopped
		}
		if when.Before(start.when) {
			return nil, ErrPrecedesPendingStart
		}
	} else if start := c.pending[kindStart]; start != nil && !start.when.After(when) {
		c.cancelPendingLocked(kindStart)
	}
	c.cancelPendingLocked(kindStop)
	c.logger.Debug("stop scheduled", zap.Time("when", when))
	ch := c.scheduleTransitionLocked(kindStop, when, margin, func(when time.Time) {
		// An amend is only meaningful against a progressing timeline; one
		// still pending when the freeze lands must not shift the frozen
		// presentation value.
		c.cancelPendingLocked(kindAmend)
		c.timeline = Stopped(c.timeline.ToPresentationTime(when))
	})
	return ch, nil
}

// AmendPresentation shifts the presentation origin by delta at when,
// moving every subsequent presentation time by the same amount. Valid
// only while the timeline is progressing; a stop taking effect first
// cancels the pending amend.
func (c *Controller) AmendPresentation(when time.Time, delta int64, margin time.Duration) (<-chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if when.IsZero() {
		when = c.clock.Now()
	}
	if !c.timeline.Progressing() {
		return nil, ErrNotStarted
	}
	c.cancelPendingLocked(kindAmend)
	c.logger.Debug("amend scheduled", zap.Time("when", when), zap.Int64("delta", delta))
	ch := c.scheduleTransitionLocked(kindAmend, when, margin, func(time.Time) {
		c.timeline.presentation += delta
	})
	return ch, nil
}

// AtReferenceTime resolves the returned channel with nil once the clock
// reaches t. The Canceler forces early completion with ErrCanceled.
func (c *Controller) AtReferenceTime(t time.Time) (<-chan error, Canceler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, gen, ch := c.acquireSlotLocked()
	d := t.Sub(c.clock.Now())
	if d < 0 {
		d = 0
	}
	c.slots[idx].timer = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		c.completeSlotLocked(idx, gen, nil)
		c.mu.Unlock()
	})
	return ch, Canceler{c: c, slot: idx, gen: gen}
}

// AtPresentationTime resolves once the clock reaches the reference time
// corresponding to presentation time p. The translation uses the timeline
// as of the call; later amendments do not retarget it. With a stopped
// timeline the translation does not exist and the channel resolves
// immediately with ErrNotStarted.
func (c *Controller) AtPresentationTime(p int64) (<-chan error, Canceler) {
	c.mu.Lock()
	ref, ok := c.timeline.ToReferenceTime(p)
	c.mu.Unlock()
	if !ok {
		ch := make(chan error, 1)
		ch <- ErrNotStarted
		return ch, Canceler{}
	}
	return c.AtReferenceTime(ref)
}

// WaitPresentationTime resolves once the stream reaches presentation time
// p, as reported by SetCurrentPresentationTime or, in timer-driven mode,
// by the progressing timeline itself. Unlike AtPresentationTime the
// waiter tracks timeline changes, since it is keyed by presentation time
// rather than a pre-translated deadline.
func (c *Controller) WaitPresentationTime(p int64) (<-chan error, Canceler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, gen, ch := c.acquireSlotLocked()
	heap.Push(&c.waiters, pwaiter{pt: p, slot: idx, gen: gen})
	c.armWaitTimerLocked()
	return ch, Canceler{c: c, slot: idx, gen: gen}
}

// SetCurrentPresentationTime reports stream progress, resolving every
// waiter at or before p with nil.
func (c *Controller) SetCurrentPresentationTime(p int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveWaitersLocked(p)
	c.armWaitTimerLocked()
}

// CancelAllPresentationWaiters fails every presentation waiter with
// ErrCanceled. Used for abrupt resets.
func (c *Controller) CancelAllPresentationWaiters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.waiters {
		c.completeSlotLocked(w.slot, w.gen, ErrCanceled)
	}
	c.waiters = c.waiters[:0]
	c.armWaitTimerLocked()
}

// SetTimerDriven switches presentation waiters to timer resolution: while
// the timeline is progressing, an internal timer re-arms against the
// next-soonest waiter and resolves it when its presentation time arrives.
func (c *Controller) SetTimerDriven(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timerDriven = enabled
	c.armWaitTimerLocked()
}

func (c *Controller) resolveWaitersLocked(p int64) {
	for len(c.waiters) > 0 {
		top := c.waiters[0]
		if !c.slotValidLocked(top.slot, top.gen) {
			heap.Pop(&c.waiters)
			continue
		}
		if top.pt > p {
			return
		}
		heap.Pop(&c.waiters)
		c.completeSlotLocked(top.slot, top.gen, nil)
	}
}

func (c *Controller) skimWaitersLocked() {
	for len(c.waiters) > 0 && !c.slotValidLocked(c.waiters[0].slot, c.waiters[0].gen) {
		heap.Pop(&c.waiters)
	}
}

// armWaitTimerLocked re-targets the waiter timer at the next-soonest
// waiter. The generation makes a timer armed for an obsolete target
// harmless.
func (c *Controller) armWaitTimerLocked() {
	c.waitGen++
	if c.waitTimer != nil {
		c.waitTimer.Stop()
		c.waitTimer = nil
	}
	if !c.timerDriven || !c.timeline.Progressing() {
		return
	}
	c.skimWaitersLocked()
	if len(c.waiters) == 0 {
		return
	}
	ref, ok := c.timeline.ToReferenceTime(c.waiters[0].pt)
	if !ok {
		return
	}
	d := ref.Sub(c.clock.Now())
	if d < 0 {
		d = 0
	}
	gen := c.waitGen
	c.waitTimer = c.clock.AfterFunc(d, func() { c.waitTimerFired(gen) })
}

func (c *Controller) waitTimerFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.waitGen {
		return
	}
	c.waitTimer = nil
	c.resolveWaitersLocked(c.timeline.ToPresentationTime(c.clock.Now()))
	c.armWaitTimerLocked()
}
