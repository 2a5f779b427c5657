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
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vsrinivas/streamplane/provider"
)

// OutputBufferCollection is the producer-side pool over a negotiated buffer
// collection. Allocation hands out whole buffers (one per segment); a
// buffer becomes allocatable again when its Buffer is released.
//
// All methods are safe for concurrent use. At most one asynchronous
// allocation may be pending at a time; any number of goroutines may block
// in AllocateBlocking.
type OutputBufferCollection struct {
	mu         sync.Mutex
	slots      []outputSlot
	nextScan   int
	pending    *pendingAlloc
	parked     []*pendingAlloc
	closed     bool
	failFns    []*failHandle
	collection *provider.Collection

	info   provider.BufferInfo
	logger *zap.Logger
	stats  poolCounters
}

type outputSlot struct {
	data  []byte
	taken bool
}

// pendingAlloc is a waiter for a buffer. The freed buffer is allocated on
// the waiter's behalf and handed over directly, so exactly one waiter is
// satisfied per release.
type pendingAlloc struct {
	size uint64
	ch   chan *Buffer
}

type failHandle struct {
	mu   sync.Mutex
	pool *OutputBufferCollection
}

type poolCounters struct {
	inUse        uint32
	totalAllocs  uint64
	totalFrees   uint64
	exhaustions  uint64
	blockedWaits uint64
	asyncWaits   uint64
	failedWaits  uint64
}

// PoolStats is a snapshot of pool occupancy and traffic counters.
type PoolStats struct {
	BufferCount  uint32
	BufferSize   uint64
	InUse        uint32
	TotalAllocs  uint64
	TotalFrees   uint64
	Exhaustions  uint64
	BlockedWaits uint64
	AsyncWaits   uint64
	FailedWaits  uint64
}

// NegotiateOutputCollection joins the buffer negotiation with read-write
// access and wraps the result in an OutputBufferCollection. Negotiation and
// mapping failures are returned as *ConnectionError.
func NegotiateOutputCollection(ctx context.Context, p provider.Provider, token provider.Token, constraints provider.Constraints, logger *zap.Logger) (*OutputBufferCollection, error) {
	col, err := p.GetBuffers(ctx, token, constraints, provider.AccessReadWrite)
	if err != nil {
		return nil, &ConnectionError{Op: "negotiate output buffers", Err: err}
	}
	out, err := NewOutputCollection(col, logger)
	if err != nil {
		col.Close()
		return nil, err
	}
	return out, nil
}

// NewOutputCollection maps every segment of an already negotiated
// collection and builds the pool over it. The pool takes ownership of the
// collection and closes it on Close.
func NewOutputCollection(col *provider.Collection, logger *zap.Logger) (*OutputBufferCollection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	slots := make([]outputSlot, 0, len(col.Segments))
	for i, seg := range col.Segments {
		if err := seg.Map(); err != nil {
			return nil, &ConnectionError{
				Op:  "map output buffers",
				Err: fmt.Errorf("%w: buffer %d: %v", ErrFailedToMapBuffer, i, err),
			}
		}
		slots = append(slots, outputSlot{data: seg.Bytes()})
	}
	return &OutputBufferCollection{
		slots:      slots,
		collection: col,
		info:       col.Info,
		logger:     logger.Named("payload"),
	}, nil
}

// Info returns the negotiated collection geometry.
func (p *OutputBufferCollection) Info() provider.BufferInfo { return p.info }

func (p *OutputBufferCollection) checkSize(size uint64) {
	if size == 0 || size > p.info.Size {
		panic(fmt.Sprintf("payload: allocation size %d outside (0, %d]", size, p.info.Size))
	}
}

// allocateLocked scans for a free buffer starting after the last hit.
// Returns nil when the pool is exhausted.
func (p *OutputBufferCollection) allocateLocked(size uint64) *Buffer {
	n := len(p.slots)
	for i := 0; i < n; i++ {
		idx := (p.nextScan + i) % n
		s := &p.slots[idx]
		if s.taken {
			continue
		}
		s.taken = true
		p.nextScan = (idx + 1) % n
		p.stats.totalAllocs++
		p.stats.inUse++
		return &Buffer{
			index:   uint32(idx),
			size:    size,
			data:    s.data[:size],
			release: func() { p.recycle(idx) },
		}
	}
	return nil
}

// Allocate returns a buffer of the given size, or nil immediately when
// every buffer is in use. The size must be in (0, buffer size]; violating
// that is a programming error and panics.
func (p *OutputBufferCollection) Allocate(size uint64) *Buffer {
	p.checkSize(size)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	b := p.allocateLocked(size)
	if b == nil {
		p.stats.exhaustions++
	}
	return b
}

// AllocateBlocking returns a buffer of the given size, waiting for a
// release if the pool is exhausted. It returns nil only when the wait is
// failed by FailPendingAllocation or the pool closes.
func (p *OutputBufferCollection) AllocateBlocking(size uint64) *Buffer {
	p.checkSize(size)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if b := p.allocateLocked(size); b != nil {
		p.mu.Unlock()
		return b
	}
	w := &pendingAlloc{size: size, ch: make(chan *Buffer, 1)}
	p.parked = append(p.parked, w)
	p.stats.blockedWaits++
	p.mu.Unlock()
	return <-w.ch
}

// AllocateWhenAvailable returns a channel that receives the allocated
// buffer, immediately if one is free, otherwise when a buffer is next
// released. The channel receives nil if the wait is failed or the pool
// closes. At most one asynchronous allocation may be pending; starting a
// second one panics.
func (p *OutputBufferCollection) AllocateWhenAvailable(size uint64) <-chan *Buffer {
	p.checkSize(size)
	ch := make(chan *Buffer, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ch <- nil
		return ch
	}
	if p.pending != nil {
		p.mu.Unlock()
		panic("payload: asynchronous allocation already pending")
	}
	if b := p.allocateLocked(size); b != nil {
		p.mu.Unlock()
		ch <- b
		return ch
	}
	p.pending = &pendingAlloc{size: size, ch: ch}
	p.stats.asyncWaits++
	p.mu.Unlock()
	return ch
}

// recycle returns slot idx to the pool and satisfies exactly one waiter,
// preferring the pending asynchronous allocation over blocked callers.
func (p *OutputBufferCollection) recycle(idx int) {
	p.mu.Lock()
	p.slots[idx].taken = false
	p.stats.totalFrees++
	p.stats.inUse--
	var w *pendingAlloc
	switch {
	case p.pending != nil:
		w = p.pending
		p.pending = nil
	case len(p.parked) > 0:
		w = p.parked[0]
		p.parked = p.parked[1:]
	}
	var b *Buffer
	if w != nil {
		b = p.allocateLocked(w.size)
	}
	p.mu.Unlock()
	if w != nil {
		w.ch <- b
	}
}

// FailPendingAllocation completes every waiting allocation with nil: the
// pending asynchronous allocation, if any, and all blocked callers. It
// does not affect buffers already allocated. Calling it with nothing
// pending is a no-op.
func (p *OutputBufferCollection) FailPendingAllocation() {
	p.mu.Lock()
	pend := p.pending
	p.pending = nil
	parked := p.parked
	p.parked = nil
	n := uint64(len(parked))
	if pend != nil {
		n++
	}
	p.stats.failedWaits += n
	p.mu.Unlock()

	if pend != nil {
		pend.ch <- nil
	}
	for _, w := range parked {
		w.ch <- nil
	}
	if n > 0 {
		p.logger.Debug("failed pending allocations", zap.Uint64("count", n))
	}
}

// FailPendingAllocationFunc returns a standalone closure that calls
// FailPendingAllocation. The closure stays safe to call after the pool is
// closed, turning into a no-op, so it can outlive the pool in side-channel
// registrations.
func (p *OutputBufferCollection) FailPendingAllocationFunc() func() {
	h := &failHandle{pool: p}
	p.mu.Lock()
	p.failFns = append(p.failFns, h)
	p.mu.Unlock()
	return h.invoke
}

func (h *failHandle) invoke() {
	h.mu.Lock()
	pool := h.pool
	h.mu.Unlock()
	if pool != nil {
		pool.FailPendingAllocation()
	}
}

// Stats returns a snapshot of pool counters.
func (p *OutputBufferCollection) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		BufferCount:  p.info.Count,
		BufferSize:   p.info.Size,
		InUse:        p.stats.inUse,
		TotalAllocs:  p.stats.totalAllocs,
		TotalFrees:   p.stats.totalFrees,
		Exhaustions:  p.stats.exhaustions,
		BlockedWaits: p.stats.blockedWaits,
		AsyncWaits:   p.stats.asyncWaits,
		FailedWaits:  p.stats.failedWaits,
	}
}

// Close fails all waiting allocations, detaches registered fail closures,
// and releases the underlying collection. Buffers still allocated must not
// be accessed after Close since their mappings are torn down. Close is
// idempotent.
func (p *OutputBufferCollection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pend := p.pending
	p.pending = nil
	parked := p.parked
	p.parked = nil
	handles := p.failFns
	p.failFns = nil
	col := p.collection
	p.collection = nil
	p.mu.Unlock()

	if pend != nil {
		pend.ch <- nil
	}
	for _, w := range parked {
		w.ch <- nil
	}
	for _, h := range handles {
		h.mu.Lock()
		h.pool = nil
		h.mu.Unlock()
	}
	if col != nil {
		return col.Close()
	}
	return nil
}
