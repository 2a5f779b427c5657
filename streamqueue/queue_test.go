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

package streamqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustPull[T, U any](t *testing.T, q *Queue[T, U]) Element[T, U] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	el, err := q.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	return el
}

func TestFIFO(t *testing.T) {
	q := New[int, string]()
	for i := 1; i <= 5; i++ {
		q.Push(i)
	}
	if got := q.Len(); got != 5 {
		t.Fatalf("Len = %d, want 5", got)
	}
	for i := 1; i <= 5; i++ {
		el := mustPull(t, q)
		if el.Kind != KindPacket || el.Packet != i {
			t.Fatalf("pulled %+v, want packet %d", el, i)
		}
	}
}

func TestPushCompletesOutstandingPull(t *testing.T) {
	q := New[int, string]()
	type result struct {
		el  Element[int, string]
		err error
	}
	got := make(chan result, 1)
	go func() {
		el, err := q.Pull(context.Background())
		got <- result{el, err}
	}()

	select {
	case r := <-got:
		t.Fatalf("Pull returned %+v before push", r)
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(42)
	select {
	case r := <-got:
		if r.err != nil || r.el.Packet != 42 {
			t.Fatalf("Pull returned (%+v, %v), want packet 42", r.el, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Pull did not complete after push")
	}
	if q.Len() != 0 {
		t.Fatalf("element queued despite direct delivery")
	}
}

func TestPullContextCanceled(t *testing.T) {
	q := New[int, string]()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Pull(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Pull returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Pull did not observe cancellation")
	}

	// The queue accepts a fresh pull afterwards.
	q.Push(7)
	if el := mustPull(t, q); el.Packet != 7 {
		t.Fatalf("pulled %+v after canceled pull", el)
	}
}

func TestCancelPull(t *testing.T) {
	q := New[int, string]()
	if q.CancelPull() {
		t.Fatalf("CancelPull reported an outstanding pull on an idle queue")
	}
	errc := make(chan error, 1)
	go func() {
		_, err := q.Pull(context.Background())
		errc <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !q.CancelPull() {
		if time.Now().After(deadline) {
			t.Fatalf("CancelPull never saw the outstanding pull")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrCanceled) {
			t.Fatalf("Pull returned %v, want ErrCanceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("canceled pull did not return")
	}
}

func TestConcurrentPullPanics(t *testing.T) {
	q := New[int, string]()
	go func() {
		defer func() { recover() }()
		q.Pull(context.Background())
	}()

	// Probe with an already-canceled context: until the goroutine's pull is
	// registered the probe returns promptly with the context error, and once
	// it is registered the probe must panic.
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("second Pull never panicked")
		}
		if panics(func() { q.Pull(canceled) }) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func panics(fn func()) (panicked bool) {
	defer func() {
		if recover() != nil {
			panicked = true
		}
	}()
	fn()
	return false
}

func TestClearDiscardsPacketsKeepsClears(t *testing.T) {
	var discarded []Element[int, string]
	q := New(WithDiscard(func(el Element[int, string]) {
		discarded = append(discarded, el)
	}))

	q.Push(1)
	q.Clear("first")
	q.Push(2)
	q.Push(3)
	q.End()
	q.Clear("second")

	// Packets 2, 3 and the end marker are dropped; packet 1 was dropped by
	// the first clear. Both clear requests survive in order.
	if len(discarded) != 4 {
		t.Fatalf("discarded %d elements, want 4: %+v", len(discarded), discarded)
	}
	if discarded[0].Packet != 1 || discarded[1].Packet != 2 || discarded[2].Packet != 3 || discarded[3].Kind != KindEnded {
		t.Fatalf("unexpected discard order: %+v", discarded)
	}

	el := mustPull(t, q)
	if el.Kind != KindClear || el.Clear != "first" {
		t.Fatalf("pulled %+v, want clear %q", el, "first")
	}
	el = mustPull(t, q)
	if el.Kind != KindClear || el.Clear != "second" {
		t.Fatalf("pulled %+v, want clear %q", el, "second")
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after pulling clears")
	}
}

func TestClearCompletesOutstandingPull(t *testing.T) {
	q := New[int, string]()
	type result struct {
		el  Element[int, string]
		err error
	}
	got := make(chan result, 1)
	go func() {
		el, err := q.Pull(context.Background())
		got <- result{el, err}
	}()
	time.Sleep(20 * time.Millisecond)

	q.Clear("flush")
	select {
	case r := <-got:
		if r.err != nil || r.el.Kind != KindClear || r.el.Clear != "flush" {
			t.Fatalf("Pull returned (%+v, %v), want direct clear", r.el, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("clear did not complete the outstanding pull")
	}
}

func TestClearedSideChannel(t *testing.T) {
	q := New[int, string]()
	calls := 0
	q.SetClearedFunc(func() { calls++ })
	q.Push(1)
	q.Clear("x")
	if calls != 1 {
		t.Fatalf("cleared closure ran %d times, want 1", calls)
	}
	q.Clear("y")
	if calls != 2 {
		t.Fatalf("cleared closure ran %d times, want 2", calls)
	}
}

func TestEnd(t *testing.T) {
	q := New[int, string]()
	q.Push(9)
	q.End()
	if el := mustPull(t, q); el.Packet != 9 {
		t.Fatalf("pulled %+v, want packet 9", el)
	}
	if el := mustPull(t, q); el.Kind != KindEnded {
		t.Fatalf("pulled %+v, want ended", el)
	}
}

func TestDrain(t *testing.T) {
	q := New[int, string]()
	q.Push(1)
	q.Push(2)
	q.Drain()

	// Backlog survives the drain.
	if el := mustPull(t, q); el.Packet != 1 {
		t.Fatalf("pulled %+v, want packet 1", el)
	}
	if el := mustPull(t, q); el.Packet != 2 {
		t.Fatalf("pulled %+v, want packet 2", el)
	}
	// Once empty, pulls report drained, repeatedly.
	for i := 0; i < 3; i++ {
		if _, err := q.Pull(context.Background()); !errors.Is(err, ErrDrained) {
			t.Fatalf("pull %d after drain returned %v, want ErrDrained", i, err)
		}
	}

	// Producer operations are now programming errors.
	if !panics(func() { q.Push(3) }) {
		t.Fatalf("Push after drain did not panic")
	}
	if !panics(func() { q.Clear("x") }) {
		t.Fatalf("Clear after drain did not panic")
	}
	if !panics(func() { q.End() }) {
		t.Fatalf("End after drain did not panic")
	}

	// Draining again is harmless.
	q.Drain()
}

func TestDrainCompletesOutstandingPull(t *testing.T) {
	q := New[int, string]()
	errc := make(chan error, 1)
	go func() {
		_, err := q.Pull(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Drain()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrDrained) {
			t.Fatalf("Pull returned %v, want ErrDrained", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("drain did not complete the outstanding pull")
	}
}

func TestDisposeDiscardsBacklog(t *testing.T) {
	var discarded []Element[int, string]
	q := New(WithDiscard(func(el Element[int, string]) {
		discarded = append(discarded, el)
	}))
	q.Push(1)
	q.Push(2)
	q.End()
	q.Dispose()

	if len(discarded) != 3 {
		t.Fatalf("discarded %d elements, want 3", len(discarded))
	}
	if _, err := q.Pull(context.Background()); !errors.Is(err, ErrDrained) {
		t.Fatalf("Pull after Dispose returned %v, want ErrDrained", err)
	}
}
