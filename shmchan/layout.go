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

// Package shmchan implements wire.Channel across a process boundary over a
// single shared-memory segment. The segment holds a control header and two
// SPSC byte rings, one per direction; stream messages and release fences
// travel as small frames through the rings while payload bytes stay in the
// separately negotiated buffer collection.
package shmchan

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// channelMagic identifies a streamplane channel segment.
	channelMagic = "SPLNCHAN"

	// channelVersion is the current control-segment layout version.
	channelVersion = uint32(1)

	// chanHeaderSize is the control header size, aligned to 128 bytes.
	chanHeaderSize = 128

	// ringHeaderSize is one ring header, aligned to 64 bytes.
	ringHeaderSize = 64

	// MinRingCapacity is the smallest accepted ring capacity.
	MinRingCapacity = 4096

	// DefaultRingCapacity is used when Options leaves the capacity zero.
	DefaultRingCapacity = 64 * 1024
)

// chanHeader is the control header at offset 0 of the channel segment. All
// mutable fields are accessed atomically since both processes observe them
// through their own mappings.
type chanHeader struct {
	magic        [8]byte  // 0x00: "SPLNCHAN"
	version      uint32   // 0x08: layout version
	flags        uint32   // 0x0C: reserved
	totalSize    uint64   // 0x10: total segment size
	ringAOff     uint64   // 0x18: creator->joiner ring header offset
	ringACap     uint64   // 0x20: ring A capacity (power of two)
	ringBOff     uint64   // 0x28: joiner->creator ring header offset
	ringBCap     uint64   // 0x30: ring B capacity (power of two)
	creatorPID   uint32   // 0x38
	joinerPID    uint32   // 0x3C
	creatorReady uint32   // 0x40: creator finished initializing
	joinerReady  uint32   // 0x44: joiner mapped and validated
	closed       uint32   // 0x48: either side closed the channel
	_            uint32   // 0x4C
	_            [48]byte // 0x50-0x7F
}

func headerAt(mem []byte) *chanHeader {
	return (*chanHeader)(unsafe.Pointer(&mem[0]))
}

func ringAt(mem []byte, off uint64) *ringHeader {
	return (*ringHeader)(unsafe.Pointer(&mem[off]))
}

func (h *chanHeader) setMagic() {
	copy(h.magic[:], channelMagic)
}

func (h *chanHeader) magicValid() bool {
	return string(h.magic[:]) == channelMagic
}

func (h *chanHeader) Version() uint32        { return atomic.LoadUint32(&h.version) }
func (h *chanHeader) SetVersion(v uint32)    { atomic.StoreUint32(&h.version, v) }
func (h *chanHeader) TotalSize() uint64      { return atomic.LoadUint64(&h.totalSize) }
func (h *chanHeader) SetTotalSize(n uint64)  { atomic.StoreUint64(&h.totalSize, n) }
func (h *chanHeader) RingAOffset() uint64    { return atomic.LoadUint64(&h.ringAOff) }
func (h *chanHeader) SetRingAOffset(o uint64) { atomic.StoreUint64(&h.ringAOff, o) }
func (h *chanHeader) RingACapacity() uint64  { return atomic.LoadUint64(&h.ringACap) }
func (h *chanHeader) SetRingACapacity(c uint64) { atomic.StoreUint64(&h.ringACap, c) }
func (h *chanHeader) RingBOffset() uint64    { return atomic.LoadUint64(&h.ringBOff) }
func (h *chanHeader) SetRingBOffset(o uint64) { atomic.StoreUint64(&h.ringBOff, o) }
func (h *chanHeader) RingBCapacity() uint64  { return atomic.LoadUint64(&h.ringBCap) }
func (h *chanHeader) SetRingBCapacity(c uint64) { atomic.StoreUint64(&h.ringBCap, c) }

func (h *chanHeader) SetCreatorPID(pid uint32) { atomic.StoreUint32(&h.creatorPID, pid) }
func (h *chanHeader) SetJoinerPID(pid uint32)  { atomic.StoreUint32(&h.joinerPID, pid) }

func (h *chanHeader) CreatorReady() bool { return atomic.LoadUint32(&h.creatorReady) != 0 }
func (h *chanHeader) SetCreatorReady()   { atomic.StoreUint32(&h.creatorReady, 1) }
func (h *chanHeader) JoinerReady() bool  { return atomic.LoadUint32(&h.joinerReady) != 0 }
func (h *chanHeader) SetJoinerReady()    { atomic.StoreUint32(&h.joinerReady, 1) }

func (h *chanHeader) Closed() bool { return atomic.LoadUint32(&h.closed) != 0 }
func (h *chanHeader) SetClosed()   { atomic.StoreUint32(&h.closed, 1) }

// ringHeader heads each SPSC ring. widx and ridx are monotonic byte
// counters; the producer owns widx, the consumer owns ridx. dataSeq and
// spaceSeq are the futex words for empty->nonempty and full->notfull
// wakeups.
type ringHeader struct {
	capacity uint64   // 0x00: power-of-two data capacity
	widx     uint64   // 0x08: producer write index
	ridx     uint64   // 0x10: consumer read index
	dataSeq  uint32   // 0x18: bumped on empty->nonempty
	spaceSeq uint32   // 0x1C: bumped on full->notfull
	closed   uint32   // 0x20: producer-side close flag
	_        uint32   // 0x24
	_        [24]byte // 0x28-0x3F
}

func (r *ringHeader) Capacity() uint64       { return atomic.LoadUint64(&r.capacity) }
func (r *ringHeader) SetCapacity(c uint64)   { atomic.StoreUint64(&r.capacity, c) }
func (r *ringHeader) WriteIndex() uint64     { return atomic.LoadUint64(&r.widx) }
func (r *ringHeader) SetWriteIndex(i uint64) { atomic.StoreUint64(&r.widx, i) }
func (r *ringHeader) ReadIndex() uint64      { return atomic.LoadUint64(&r.ridx) }
func (r *ringHeader) SetReadIndex(i uint64)  { atomic.StoreUint64(&r.ridx, i) }

func (r *ringHeader) DataSeq() uint32      { return atomic.LoadUint32(&r.dataSeq) }
func (r *ringHeader) BumpDataSeq() uint32  { return atomic.AddUint32(&r.dataSeq, 1) }
func (r *ringHeader) SpaceSeq() uint32     { return atomic.LoadUint32(&r.spaceSeq) }
func (r *ringHeader) BumpSpaceSeq() uint32 { return atomic.AddUint32(&r.spaceSeq, 1) }

func (r *ringHeader) Closed() bool { return atomic.LoadUint32(&r.closed) != 0 }
func (r *ringHeader) SetClosed()   { atomic.StoreUint32(&r.closed, 1) }

// Used returns the bytes currently buffered. The uint64 subtraction is
// wrap-correct for monotonic indices.
func (r *ringHeader) Used() uint64 {
	return atomic.LoadUint64(&r.widx) - atomic.LoadUint64(&r.ridx)
}

func isPowerOfTwo(n uint64) bool { return n > 0 && n&(n-1) == 0 }

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if isPowerOfTwo(n) {
		return n
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

func alignUp64(n uint64) uint64 { return (n + 63) &^ 63 }

// segmentLayout computes the total size and ring header offsets for the
// given per-direction ring capacities.
func segmentLayout(ringACap, ringBCap uint64) (total, ringAOff, ringBOff uint64, err error) {
	for _, c := range []uint64{ringACap, ringBCap} {
		if !isPowerOfTwo(c) {
			return 0, 0, 0, fmt.Errorf("shmchan: ring capacity %d is not a power of two", c)
		}
		if c < MinRingCapacity {
			return 0, 0, 0, fmt.Errorf("shmchan: ring capacity %d below minimum %d", c, MinRingCapacity)
		}
	}
	ringAOff = alignUp64(chanHeaderSize)
	ringBOff = alignUp64(ringAOff + ringHeaderSize + ringACap)
	total = alignUp64(ringBOff + ringHeaderSize + ringBCap)
	return total, ringAOff, ringBOff, nil
}

// validateHeader checks a mapped header against the layout the capacities
// imply, rejecting segments written by a different version or corrupted
// before the joiner mapped them.
func validateHeader(h *chanHeader, mappedSize uint64) error {
	if !h.magicValid() {
		return fmt.Errorf("shmchan: bad segment magic")
	}
	if v := h.Version(); v != channelVersion {
		return fmt.Errorf("shmchan: unsupported segment version %d", v)
	}
	total, ringAOff, ringBOff, err := segmentLayout(h.RingACapacity(), h.RingBCapacity())
	if err != nil {
		return err
	}
	if h.TotalSize() != total {
		return fmt.Errorf("shmchan: total size mismatch: header %d, layout %d", h.TotalSize(), total)
	}
	if mappedSize < total {
		return fmt.Errorf("shmchan: mapping %d bytes smaller than layout %d", mappedSize, total)
	}
	if h.RingAOffset() != ringAOff || h.RingBOffset() != ringBOff {
		return fmt.Errorf("shmchan: ring offset mismatch")
	}
	return nil
}
