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

package shmchan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unsafe"
)

var (
	// errRingClosed is returned by writes after the ring closed.
	errRingClosed = errors.New("shmchan: ring closed")
	// errFutexTimeout reports an expired bounded wait; callers loop.
	errFutexTimeout = errors.New("shmchan: futex wait timed out")
)

// waitSlice bounds each futex wait so blocked ring operations notice
// context cancellation even when no wake ever arrives.
const waitSlice = 50 * time.Millisecond

// ring is one direction of the channel: an SPSC byte ring whose header and
// data live in the shared mapping. One process writes, the other reads.
// Waiting uses the header's futex words with conditional wakeups: the
// producer wakes the consumer only on the empty->nonempty transition and
// the consumer wakes the producer only on full->notfull, so a busy stream
// pays no kernel calls in steady state.
type ring struct {
	mem     []byte
	hdrOff  uintptr
	dataOff uintptr
	cap     uint64
	mask    uint64
}

func newRing(mem []byte, hdrOff uint64) *ring {
	r := &ring{
		mem:     mem,
		hdrOff:  uintptr(hdrOff),
		dataOff: uintptr(hdrOff) + ringHeaderSize,
	}
	r.cap = r.header().Capacity()
	r.mask = r.cap - 1
	return r
}

func (r *ring) header() *ringHeader {
	return (*ringHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(&r.mem[0])) + r.hdrOff))
}

func (r *ring) data() []byte {
	start := int(r.dataOff)
	return r.mem[start : start+int(r.cap)]
}

func (r *ring) used() uint64     { return r.header().Used() }
func (r *ring) capacity() uint64 { return r.cap }

// close marks the ring closed and wakes both sides. The consumer still
// drains buffered bytes before observing EOF.
func (r *ring) close() {
	hdr := r.header()
	hdr.SetClosed()
	hdr.BumpDataSeq()
	hdr.BumpSpaceSeq()
	futexWake(&hdr.dataSeq, 1)
	futexWake(&hdr.spaceSeq, 1)
}

// write copies data into the ring as one unit: it waits until the whole of
// data fits, so a frame written in a single call is never interleaved or
// torn. Only the producing side may call write.
func (r *ring) write(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if uint64(len(data)) > r.cap {
		return fmt.Errorf("shmchan: write of %d bytes exceeds ring capacity %d", len(data), r.cap)
	}
	hdr := r.header()
	for {
		if hdr.Closed() {
			return errRingClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		widx := hdr.WriteIndex()
		ridx := hdr.ReadIndex()
		usedBefore := widx - ridx
		if uint64(len(data)) <= r.cap-usedBefore {
			pos := widx & r.mask
			buf := r.data()
			n := copy(buf[pos:], data)
			if n < len(data) {
				copy(buf, data[n:])
			}
			hdr.SetWriteIndex(widx + uint64(len(data)))
			// Wake the consumer only on the empty->nonempty edge.
			if usedBefore == 0 {
				hdr.BumpDataSeq()
				futexWake(&hdr.dataSeq, 1)
			}
			return nil
		}

		seq := hdr.SpaceSeq()
		if err := futexWait(&hdr.spaceSeq, seq, r.waitBudget(ctx)); err != nil && !errors.Is(err, errFutexTimeout) {
			return err
		}
	}
}

// read copies up to len(buf) buffered bytes out of the ring, waiting when
// none are available. After the producer closed the ring, buffered bytes
// are still delivered; an empty closed ring reads io.EOF. Only the
// consuming side may call read.
func (r *ring) read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	hdr := r.header()
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		widx := hdr.WriteIndex()
		ridx := hdr.ReadIndex()
		avail := widx - ridx
		if avail > 0 {
			toRead := uint64(len(buf))
			if toRead > avail {
				toRead = avail
			}
			pos := ridx & r.mask
			data := r.data()
			n := copy(buf[:toRead], data[pos:])
			if uint64(n) < toRead {
				n += copy(buf[n:toRead], data)
			}
			hdr.SetReadIndex(ridx + uint64(n))
			// Wake the producer only on the full->notfull edge.
			if avail == r.cap {
				hdr.BumpSpaceSeq()
				futexWake(&hdr.spaceSeq, 1)
			}
			return n, nil
		}

		if hdr.Closed() {
			return 0, io.EOF
		}
		seq := hdr.DataSeq()
		if err := futexWait(&hdr.dataSeq, seq, r.waitBudget(ctx)); err != nil && !errors.Is(err, errFutexTimeout) {
			return 0, err
		}
	}
}

// readFull fills buf completely. A ring that closes mid-fill after
// delivering part of buf reports io.ErrUnexpectedEOF, since frames are
// written whole and a torn one means the peer died inside a write.
func (r *ring) readFull(ctx context.Context, buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := r.read(ctx, buf[got:])
		got += n
		if err != nil {
			if errors.Is(err, io.EOF) && got > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

// waitBudget limits a single futex wait so ctx cancellation is noticed.
func (r *ring) waitBudget(ctx context.Context) int64 {
	budget := int64(waitSlice)
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline).Nanoseconds(); remaining < budget {
			budget = remaining
		}
		if budget <= 0 {
			budget = 1
		}
	}
	return budget
}
