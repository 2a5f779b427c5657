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

package payload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vsrinivas/streamplane/provider"
)

func newTestPool(t *testing.T, count uint32) *OutputBufferCollection {
	t.Helper()
	l := provider.NewLocal(nil)
	t.Cleanup(func() { l.Close() })
	tokens, err := l.CreateCollection("pool", 1)
	require.NoError(t, err)
	pool, err := NegotiateOutputCollection(context.Background(), l, tokens[0],
		provider.Constraints{MinBufferCount: count, MinBufferSize: 4096}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestAllocateUntilExhausted(t *testing.T) {
	pool := newTestPool(t, 3)

	seen := make(map[uint32]bool)
	var held []*Buffer
	for i := 0; i < 3; i++ {
		b := pool.Allocate(100)
		require.NotNil(t, b, "allocation %d", i)
		require.False(t, seen[b.Index()], "buffer %d handed out twice", b.Index())
		require.EqualValues(t, 100, b.Size())
		require.Len(t, b.Bytes(), 100)
		seen[b.Index()] = true
		held = append(held, b)
	}
	require.Nil(t, pool.Allocate(100), "allocation past capacity succeeded")

	held[1].Release()
	b := pool.Allocate(200)
	require.NotNil(t, b, "allocation after release failed")
	b.Release()
	held[0].Release()
	held[2].Release()

	stats := pool.Stats()
	require.EqualValues(t, 4, stats.TotalAllocs)
	require.EqualValues(t, 4, stats.TotalFrees)
	require.EqualValues(t, 1, stats.Exhaustions)
	require.EqualValues(t, 0, stats.InUse)
}

func TestAllocateSizeBounds(t *testing.T) {
	pool := newTestPool(t, 1)
	require.Panics(t, func() { pool.Allocate(0) })
	require.Panics(t, func() { pool.Allocate(pool.Info().Size + 1) })
}

func TestDoubleReleasePanics(t *testing.T) {
	pool := newTestPool(t, 1)
	b := pool.Allocate(64)
	require.NotNil(t, b)
	b.Release()
	require.Panics(t, func() { b.Release() })
}

func TestNilBufferRelease(t *testing.T) {
	var b *Buffer
	b.Release()
}

func TestAllocateBlocking(t *testing.T) {
	pool := newTestPool(t, 2)
	a := pool.Allocate(64)
	b := pool.Allocate(64)
	require.NotNil(t, a)
	require.NotNil(t, b)

	got := make(chan *Buffer)
	go func() {
		got <- pool.AllocateBlocking(64)
	}()

	select {
	case <-got:
		t.Fatalf("blocking allocation completed while pool exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	a.Release()
	select {
	case buf := <-got:
		require.NotNil(t, buf, "blocking allocation failed after release")
		buf.Release()
	case <-time.After(2 * time.Second):
		t.Fatalf("blocking allocation did not wake after release")
	}
	b.Release()
}

func TestBlockedWaitersWakeInOrder(t *testing.T) {
	pool := newTestPool(t, 1)
	held := pool.Allocate(64)
	require.NotNil(t, held)

	first := make(chan *Buffer, 1)
	go func() { first <- pool.AllocateBlocking(64) }()
	// Make sure the first waiter is parked before the second arrives.
	waitForBlockedWaits(t, pool, 1)

	second := make(chan *Buffer, 1)
	go func() { second <- pool.AllocateBlocking(64) }()
	waitForBlockedWaits(t, pool, 2)

	// One release wakes exactly one waiter, the oldest.
	held.Release()
	var b1 *Buffer
	select {
	case b1 = <-first:
		require.NotNil(t, b1)
	case <-second:
		t.Fatalf("second waiter woke before first")
	case <-time.After(2 * time.Second):
		t.Fatalf("no waiter woke after release")
	}
	select {
	case <-second:
		t.Fatalf("second waiter woke without a release")
	case <-time.After(50 * time.Millisecond):
	}

	b1.Release()
	select {
	case b2 := <-second:
		require.NotNil(t, b2)
		b2.Release()
	case <-time.After(2 * time.Second):
		t.Fatalf("second waiter did not wake")
	}
}

func waitForBlockedWaits(t *testing.T, pool *OutputBufferCollection, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for pool.Stats().BlockedWaits < want {
		if time.Now().After(deadline) {
			t.Fatalf("blocked waits never reached %d", want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAllocateWhenAvailable(t *testing.T) {
	pool := newTestPool(t, 1)

	// Immediate completion when a buffer is free.
	ch := pool.AllocateWhenAvailable(64)
	var b *Buffer
	select {
	case b = <-ch:
		require.NotNil(t, b)
	case <-time.After(2 * time.Second):
		t.Fatalf("async allocation did not complete immediately")
	}

	// Deferred completion once the buffer is released.
	ch = pool.AllocateWhenAvailable(64)
	select {
	case <-ch:
		t.Fatalf("async allocation completed while pool exhausted")
	case <-time.After(50 * time.Millisecond):
	}
	b.Release()
	select {
	case b2 := <-ch:
		require.NotNil(t, b2)
		b2.Release()
	case <-time.After(2 * time.Second):
		t.Fatalf("async allocation did not complete after release")
	}
}

func TestAsyncAllocationPreemptsBlocked(t *testing.T) {
	pool := newTestPool(t, 1)
	held := pool.Allocate(64)

	blocked := make(chan *Buffer, 1)
	go func() { blocked <- pool.AllocateBlocking(64) }()
	waitForBlockedWaits(t, pool, 1)

	async := pool.AllocateWhenAvailable(64)

	// A single release satisfies the pending async allocation only.
	held.Release()
	var b *Buffer
	select {
	case b = <-async:
		require.NotNil(t, b)
	case <-time.After(2 * time.Second):
		t.Fatalf("async allocation did not complete")
	}
	select {
	case <-blocked:
		t.Fatalf("blocked waiter woke on the same release as the async allocation")
	case <-time.After(50 * time.Millisecond):
	}

	b.Release()
	select {
	case b2 := <-blocked:
		require.NotNil(t, b2)
		b2.Release()
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked waiter never woke")
	}
}

func TestSecondAsyncAllocationPanics(t *testing.T) {
	pool := newTestPool(t, 1)
	held := pool.Allocate(64)
	defer held.Release()

	_ = pool.AllocateWhenAvailable(64)
	require.Panics(t, func() { pool.AllocateWhenAvailable(64) })
}

func TestFailPendingAllocation(t *testing.T) {
	pool := newTestPool(t, 1)
	held := pool.Allocate(64)

	async := pool.AllocateWhenAvailable(64)
	blocked := make(chan *Buffer, 1)
	go func() { blocked <- pool.AllocateBlocking(64) }()
	waitForBlockedWaits(t, pool, 1)

	pool.FailPendingAllocation()
	select {
	case b := <-async:
		require.Nil(t, b, "failed async allocation returned a buffer")
	case <-time.After(2 * time.Second):
		t.Fatalf("async allocation not failed")
	}
	select {
	case b := <-blocked:
		require.Nil(t, b, "failed blocking allocation returned a buffer")
	case <-time.After(2 * time.Second):
		t.Fatalf("blocking allocation not failed")
	}

	// Held buffers are unaffected and the pool keeps working.
	held.Release()
	b := pool.Allocate(64)
	require.NotNil(t, b)
	b.Release()

	// Nothing pending: no-op.
	pool.FailPendingAllocation()
}

func TestFailClosureOutlivesPool(t *testing.T) {
	pool := newTestPool(t, 1)
	fail := pool.FailPendingAllocationFunc()

	held := pool.Allocate(64)
	async := pool.AllocateWhenAvailable(64)
	fail()
	require.Nil(t, <-async)
	held.Release()

	require.NoError(t, pool.Close())
	fail() // detached, must not panic
}

func TestCloseFailsWaiters(t *testing.T) {
	pool := newTestPool(t, 1)
	held := pool.Allocate(64)
	_ = held

	blocked := make(chan *Buffer, 1)
	go func() { blocked <- pool.AllocateBlocking(64) }()
	waitForBlockedWaits(t, pool, 1)

	require.NoError(t, pool.Close())
	select {
	case b := <-blocked:
		require.Nil(t, b)
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked waiter not released by Close")
	}
	require.Nil(t, pool.Allocate(64))
}
