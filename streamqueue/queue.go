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

// Package streamqueue provides the ordered element queue between one
// stream producer and one stream consumer. Elements are packets, clear
// requests, or the end-of-stream marker. The queue is drained exactly once
// at the end of its life, after which pulls report ErrDrained.
package streamqueue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCanceled is returned by Pull when the outstanding pull is revoked
	// by CancelPull.
	ErrCanceled = errors.New("streamqueue: pull canceled")
	// ErrDrained is returned by Pull once the queue is drained and empty.
	ErrDrained = errors.New("streamqueue: drained")
)

// Kind discriminates queue elements.
type Kind uint8

const (
	// KindPacket is a payload-bearing element.
	KindPacket Kind = iota + 1
	// KindClear asks the consumer to discard buffered downstream state.
	KindClear
	// KindEnded marks the end of the stream.
	KindEnded
)

func (k Kind) String() string {
	switch k {
	case KindPacket:
		return "packet"
	case KindClear:
		return "clear"
	case KindEnded:
		return "ended"
	default:
		return "invalid"
	}
}

// Element is one queue entry. Packet is set for KindPacket, Clear for
// KindClear; KindEnded carries no payload.
type Element[T, U any] struct {
	Kind   Kind
	Packet T
	Clear  U
}

// Option configures a Queue.
type Option[T, U any] func(*Queue[T, U])

// WithDiscard registers a hook invoked for every element dropped without
// being pulled: packets displaced by Clear and any backlog discarded by
// Dispose. The hook typically releases payload buffers.
func WithDiscard[T, U any](fn func(Element[T, U])) Option[T, U] {
	return func(q *Queue[T, U]) { q.discard = fn }
}

// Queue is a single-producer single-consumer element queue. The producer
// calls Push, Clear, End and finally Drain; the consumer calls Pull, one
// outstanding pull at a time. All methods are safe to call from the two
// sides concurrently.
type Queue[T, U any] struct {
	mu       sync.Mutex
	elements []Element[T, U]
	waiter   *pullWaiter[T, U]
	draining bool
	discard  func(Element[T, U])
	cleared  func()
}

type pullWaiter[T, U any] struct {
	ch chan pullResult[T, U]
}

type pullResult[T, U any] struct {
	el  Element[T, U]
	err error
}

// New returns an empty queue.
func New[T, U any](opts ...Option[T, U]) *Queue[T, U] {
	q := &Queue[T, U]{}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetClearedFunc registers a side-channel closure invoked whenever Clear
// runs. It lets a goroutine blocked in a synchronous buffer allocation be
// failed out when the stream is cleared underneath it.
func (q *Queue[T, U]) SetClearedFunc(fn func()) {
	q.mu.Lock()
	q.cleared = fn
	q.mu.Unlock()
}

// takeWaiterLocked removes and returns the outstanding pull waiter, if any.
func (q *Queue[T, U]) takeWaiterLocked() *pullWaiter[T, U] {
	w := q.waiter
	q.waiter = nil
	return w
}

// Push appends a packet, or completes the outstanding pull directly.
// Pushing after Drain panics.
func (q *Queue[T, U]) Push(packet T) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		panic("streamqueue: push after drain")
	}
	el := Element[T, U]{Kind: KindPacket, Packet: packet}
	if w := q.takeWaiterLocked(); w != nil {
		q.mu.Unlock()
		w.ch <- pullResult[T, U]{el: el}
		return
	}
	q.elements = append(q.elements, el)
	q.mu.Unlock()
}

// Clear discards every queued packet and end marker through the discard
// hook, keeps queued clear requests, and then delivers the new clear
// request, directly to an outstanding pull if there is one. The registered
// cleared closure runs afterwards. Clearing after Drain panics.
func (q *Queue[T, U]) Clear(clear U) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		panic("streamqueue: clear after drain")
	}
	var dropped []Element[T, U]
	kept := q.elements[:0]
	for _, el := range q.elements {
		if el.Kind == KindClear {
			kept = append(kept, el)
		} else {
			dropped = append(dropped, el)
		}
	}
	q.elements = kept

	el := Element[T, U]{Kind: KindClear, Clear: clear}
	w := q.takeWaiterLocked()
	if w == nil {
		q.elements = append(q.elements, el)
	}
	discard := q.discard
	cleared := q.cleared
	q.mu.Unlock()

	if discard != nil {
		for _, d := range dropped {
			discard(d)
		}
	}
	if w != nil {
		w.ch <- pullResult[T, U]{el: el}
	}
	if cleared != nil {
		cleared()
	}
}

// End appends the end-of-stream marker, or completes the outstanding pull
// directly. Ending after Drain panics.
func (q *Queue[T, U]) End() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		panic("streamqueue: end after drain")
	}
	el := Element[T, U]{Kind: KindEnded}
	if w := q.takeWaiterLocked(); w != nil {
		q.mu.Unlock()
		w.ch <- pullResult[T, U]{el: el}
		return
	}
	q.elements = append(q.elements, el)
	q.mu.Unlock()
}

// Drain marks the end of the producer's life. The consumer still pulls any
// backlog; once the queue is empty, pulls return ErrDrained. Draining an
// already draining queue is a no-op.
func (q *Queue[T, U]) Drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	var w *pullWaiter[T, U]
	if len(q.elements) == 0 {
		w = q.takeWaiterLocked()
	}
	q.mu.Unlock()
	if w != nil {
		w.ch <- pullResult[T, U]{err: ErrDrained}
	}
}

// Pull returns the next element, waiting if the queue is empty. It returns
// ErrDrained once the queue is drained and empty, ErrCanceled if the wait
// is revoked by CancelPull, or the context error. Only one pull may be
// outstanding; a second concurrent Pull panics.
func (q *Queue[T, U]) Pull(ctx context.Context) (Element[T, U], error) {
	q.mu.Lock()
	if q.waiter != nil {
		q.mu.Unlock()
		panic("streamqueue: concurrent pull")
	}
	if len(q.elements) > 0 {
		el := q.elements[0]
		q.elements = q.elements[1:]
		q.mu.Unlock()
		return el, nil
	}
	if q.draining {
		q.mu.Unlock()
		return Element[T, U]{}, ErrDrained
	}
	w := &pullWaiter[T, U]{ch: make(chan pullResult[T, U], 1)}
	q.waiter = w
	q.mu.Unlock()

	select {
	case r := <-w.ch:
		return r.el, r.err
	case <-ctx.Done():
		q.mu.Lock()
		if q.waiter == w {
			q.waiter = nil
			q.mu.Unlock()
			return Element[T, U]{}, ctx.Err()
		}
		q.mu.Unlock()
		// The waiter was completed concurrently with cancellation; the
		// element must not be lost.
		r := <-w.ch
		return r.el, r.err
	}
}

// CancelPull revokes the outstanding pull, if any, completing it with
// ErrCanceled. It reports whether a pull was outstanding.
func (q *Queue[T, U]) CancelPull() bool {
	q.mu.Lock()
	w := q.takeWaiterLocked()
	q.mu.Unlock()
	if w == nil {
		return false
	}
	w.ch <- pullResult[T, U]{err: ErrCanceled}
	return true
}

// Len returns the number of queued elements.
func (q *Queue[T, U]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.elements)
}

// Dispose tears the queue down: it marks the queue drained, discards any
// backlog through the discard hook, and completes an outstanding pull with
// ErrDrained. Used when a connection is closed without draining cleanly.
func (q *Queue[T, U]) Dispose() {
	q.mu.Lock()
	q.draining = true
	backlog := q.elements
	q.elements = nil
	w := q.takeWaiterLocked()
	discard := q.discard
	q.mu.Unlock()

	if discard != nil {
		for _, el := range backlog {
			discard(el)
		}
	}
	if w != nil {
		w.ch <- pullResult[T, U]{err: ErrDrained}
	}
}
