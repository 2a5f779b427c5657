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
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/vsrinivas/streamplane/memseg"
)

// handshakePoll is the interval at which the ready flags are re-checked
// while waiting for the peer.
const handshakePoll = time.Millisecond

// ErrAlreadyAccepted is returned by Accept after the listener's single
// connection has been handed out.
var ErrAlreadyAccepted = errors.New("shmchan: listener already accepted its connection")

// Options configures channel creation.
type Options struct {
	// RingCapacity is the per-direction ring capacity in bytes. Zero means
	// DefaultRingCapacity; other values are rounded up to a power of two
	// and floored at MinRingCapacity.
	RingCapacity uint64

	// Logger receives channel diagnostics; nil means no logging.
	Logger *zap.Logger
}

func (o Options) ringCapacity() uint64 {
	c := o.RingCapacity
	if c == 0 {
		c = DefaultRingCapacity
	}
	if c < MinRingCapacity {
		c = MinRingCapacity
	}
	return nextPowerOfTwo(c)
}

// Listener owns a created, initialized channel segment and waits for one
// peer to join it. A listener serves exactly one connection; the stream
// connection manager above it decides when a successor channel is opened.
type Listener struct {
	seg      *memseg.Segment
	logger   *zap.Logger
	accepted bool
	closed   bool
}

// Listen creates the named channel segment, lays out its header and
// rings, and marks the creator side ready for a joiner.
func Listen(name string, opts Options) (*Listener, error) {
	rcap := opts.ringCapacity()
	total, ringAOff, ringBOff, err := segmentLayout(rcap, rcap)
	if err != nil {
		return nil, err
	}
	seg, err := memseg.Create(name, total)
	if err != nil {
		return nil, err
	}
	if err := seg.Map(); err != nil {
		seg.Close()
		return nil, err
	}

	hdr := headerAt(seg.Bytes())
	hdr.setMagic()
	hdr.SetVersion(channelVersion)
	hdr.SetTotalSize(total)
	hdr.SetRingAOffset(ringAOff)
	hdr.SetRingACapacity(rcap)
	hdr.SetRingBOffset(ringBOff)
	hdr.SetRingBCapacity(rcap)
	hdr.SetCreatorPID(uint32(os.Getpid()))
	ringAt(seg.Bytes(), ringAOff).SetCapacity(rcap)
	ringAt(seg.Bytes(), ringBOff).SetCapacity(rcap)
	// Publish readiness last: a joiner validates nothing before this flag.
	hdr.SetCreatorReady()

	return &Listener{seg: seg, logger: opts.Logger}, nil
}

// Accept waits until a peer joins and returns the creator-side channel.
// Segment ownership passes to the returned channel.
func (l *Listener) Accept(ctx context.Context) (*Channel, error) {
	if l.closed {
		return nil, errors.New("shmchan: listener closed")
	}
	if l.accepted {
		return nil, ErrAlreadyAccepted
	}
	hdr := headerAt(l.seg.Bytes())
	ticker := time.NewTicker(handshakePoll)
	defer ticker.Stop()
	for !hdr.JoinerReady() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	l.accepted = true
	return newChannel(l.seg, true, l.logger), nil
}

// Close releases the listener. If no connection was accepted the segment
// is removed; an accepted channel is unaffected.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.accepted {
		return nil
	}
	return l.seg.Close()
}

// Dial opens the named channel segment, validates its layout, marks the
// joiner side ready, and returns the joiner-side channel. It waits for the
// segment to appear, so dialing before the listener exists is fine.
func Dial(ctx context.Context, name string, opts Options) (*Channel, error) {
	seg, err := waitSegment(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := seg.Map(); err != nil {
		seg.Close()
		return nil, err
	}
	hdr := headerAt(seg.Bytes())

	ticker := time.NewTicker(handshakePoll)
	defer ticker.Stop()
	for !hdr.CreatorReady() {
		select {
		case <-ctx.Done():
			seg.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	if err := validateHeader(hdr, seg.Size()); err != nil {
		seg.Close()
		return nil, err
	}
	if hdr.Closed() {
		seg.Close()
		return nil, fmt.Errorf("shmchan: channel %q already closed", name)
	}
	hdr.SetJoinerPID(uint32(os.Getpid()))
	hdr.SetJoinerReady()
	return newChannel(seg, false, opts.Logger), nil
}

// waitSegment polls until the named segment can be opened at full size.
func waitSegment(ctx context.Context, name string) (*memseg.Segment, error) {
	ticker := time.NewTicker(handshakePoll)
	defer ticker.Stop()
	for {
		if memseg.Exists(name) {
			seg, err := memseg.Open(name, true)
			if err == nil {
				if seg.Size() >= chanHeaderSize {
					return seg, nil
				}
				// Created but not yet truncated to size; retry.
				seg.Close()
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
