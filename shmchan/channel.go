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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vsrinivas/streamplane/memseg"
	"github.com/vsrinivas/streamplane/wire"
)

// ErrForeignFence is returned by Send when a message carries a fence that
// was not created by this channel's NewReleaseFence.
var ErrForeignFence = errors.New("shmchan: fence does not belong to this channel")

// inboxDepth bounds undelivered stream messages. Release frames are
// demultiplexed before the inbox, so a slow consumer delays packets but
// never fence fires.
const inboxDepth = 64

// byeTimeout bounds the best-effort BYE write during Close. A peer that
// stopped reading must not be able to wedge our shutdown.
const byeTimeout = 100 * time.Millisecond

// ChannelStats is a snapshot of channel traffic and ring occupancy.
type ChannelStats struct {
	TxUsed        uint64
	TxCapacity    uint64
	RxUsed        uint64
	RxCapacity    uint64
	FramesSent    uint64
	FramesRecv    uint64
	ReleasesSent  uint64
	ReleasesRecv  uint64
	PendingFences int
}

// Channel is one end of a shared-memory stream channel. It implements
// wire.Channel: stream messages are serialized into the outbound ring as
// frames, a background loop demultiplexes the inbound ring, and release
// fences cross as correlation ids answered by RELEASE frames.
type Channel struct {
	seg     *memseg.Segment
	creator bool
	tx      *ring
	rx      *ring
	logger  *zap.Logger

	sendMu sync.Mutex

	inbox    chan wire.SinkMsg
	done     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once
	termOnce  sync.Once

	mu        sync.Mutex
	err       error
	nextFence uint64
	fences    map[uint64]*localFence

	framesSent   atomic.Uint64
	framesRecv   atomic.Uint64
	releasesSent atomic.Uint64
	releasesRecv atomic.Uint64
}

// newChannel wires a channel over an initialized, mapped segment. The
// creator transmits on ring A and receives on ring B; the joiner is the
// mirror image.
func newChannel(seg *memseg.Segment, creator bool, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	hdr := headerAt(seg.Bytes())
	ringA := newRing(seg.Bytes(), hdr.RingAOffset())
	ringB := newRing(seg.Bytes(), hdr.RingBOffset())
	ch := &Channel{
		seg:      seg,
		creator:  creator,
		logger:   logger,
		inbox:    make(chan wire.SinkMsg, inboxDepth),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		fences:   make(map[uint64]*localFence),
	}
	if creator {
		ch.tx, ch.rx = ringA, ringB
	} else {
		ch.tx, ch.rx = ringB, ringA
	}
	go ch.readLoop()
	return ch
}

// Name returns the underlying segment name.
func (c *Channel) Name() string { return c.seg.Name() }

// header returns the shared control header.
func (c *Channel) header() *chanHeader { return headerAt(c.seg.Bytes()) }

// Send implements wire.Channel.
func (c *Channel) Send(m wire.SinkMsg) error {
	var fh frameHeader
	var payload []byte
	switch m.Kind {
	case wire.MsgPutPacket:
		id, err := c.fenceID(m.Fence)
		if err != nil {
			return err
		}
		var buf [wire.PacketSize]byte
		m.Packet.Encode(buf[:])
		fh = frameHeader{Kind: framePut, FenceID: id}
		payload = buf[:]
	case wire.MsgEnd:
		fh = frameHeader{Kind: frameEnd}
	case wire.MsgClear:
		id, err := c.fenceID(m.Clear.Fence)
		if err != nil {
			return err
		}
		var flags uint8
		if m.Clear.HoldLastFrame {
			flags |= clearFlagHoldLastFrame
		}
		fh = frameHeader{Kind: frameClear, Flags: flags, FenceID: id}
	default:
		return fmt.Errorf("shmchan: send of invalid message kind %d", m.Kind)
	}
	if err := c.sendFrame(context.Background(), fh, payload); err != nil {
		return err
	}
	c.framesSent.Add(1)
	return nil
}

// fenceID resolves a wire.Fence to its correlation id. Only fences minted
// by this channel can cross it.
func (c *Channel) fenceID(f wire.Fence) (uint64, error) {
	if f == nil {
		return 0, nil
	}
	lf, ok := f.(*localFence)
	if !ok || lf.ch != c {
		return 0, ErrForeignFence
	}
	return lf.id, nil
}

func (c *Channel) sendFrame(ctx context.Context, fh frameHeader, payload []byte) error {
	select {
	case <-c.done:
		return c.terminalErr()
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := writeFrame(ctx, c.tx, fh, payload); err != nil {
		if errors.Is(err, errRingClosed) {
			return c.terminalErr()
		}
		return err
	}
	return nil
}

func (c *Channel) terminalErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return wire.ErrChannelClosed
}

// Recv implements wire.Channel. Messages received before termination are
// delivered before the terminal error.
func (c *Channel) Recv(ctx context.Context) (wire.SinkMsg, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	default:
	}
	select {
	case m := <-c.inbox:
		return m, nil
	case <-ctx.Done():
		return wire.SinkMsg{}, ctx.Err()
	case <-c.done:
		select {
		case m := <-c.inbox:
			return m, nil
		default:
			return wire.SinkMsg{}, c.terminalErr()
		}
	}
}

// NewReleaseFence implements wire.Channel.
func (c *Channel) NewReleaseFence() (<-chan struct{}, wire.Fence) {
	f := &localFence{ch: c, watch: make(chan struct{})}
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		f.fire()
		return f.watch, f
	default:
	}
	c.nextFence++
	f.id = c.nextFence
	c.fences[f.id] = f
	c.mu.Unlock()
	return f.watch, f
}

// readLoop demultiplexes the inbound ring: release frames fire the local
// fence registry, stream frames feed the inbox, BYE and ring EOF terminate
// the channel with ErrPeerClosed.
func (c *Channel) readLoop() {
	defer close(c.loopDone)
	scratch := make([]byte, wire.PacketSize)
	ctx := context.Background()
	for {
		fh, payload, err := readFrame(ctx, c.rx, scratch)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.terminate(wire.ErrPeerClosed)
			} else {
				select {
				case <-c.done:
					// Local close raced the read; keep the local status.
				default:
					c.logger.Warn("channel read failed", zap.Error(err))
					c.terminate(err)
				}
			}
			return
		}
		c.framesRecv.Add(1)

		switch fh.Kind {
		case frameRelease:
			c.releasesRecv.Add(1)
			c.fireFence(fh.FenceID)
		case framePut:
			if len(payload) != wire.PacketSize {
				c.terminate(fmt.Errorf("shmchan: put frame payload %d bytes, want %d", len(payload), wire.PacketSize))
				return
			}
			m := wire.SinkMsg{
				Kind:   wire.MsgPutPacket,
				Packet: wire.DecodePacket(payload),
				Fence:  c.remoteFence(fh.FenceID),
			}
			if !c.deliver(m) {
				return
			}
		case frameEnd:
			if !c.deliver(wire.SinkMsg{Kind: wire.MsgEnd}) {
				return
			}
		case frameClear:
			m := wire.SinkMsg{
				Kind: wire.MsgClear,
				Clear: wire.Clear{
					HoldLastFrame: fh.Flags&clearFlagHoldLastFrame != 0,
					Fence:         c.remoteFence(fh.FenceID),
				},
			}
			if !c.deliver(m) {
				return
			}
		case frameBye:
			c.terminate(wire.ErrPeerClosed)
			return
		}
	}
}

func (c *Channel) deliver(m wire.SinkMsg) bool {
	select {
	case c.inbox <- m:
		return true
	case <-c.done:
		return false
	}
}

func (c *Channel) remoteFence(id uint64) wire.Fence {
	if id == 0 {
		return nil
	}
	return &remoteFence{ch: c, id: id}
}

func (c *Channel) fireFence(id uint64) {
	c.mu.Lock()
	f := c.fences[id]
	delete(c.fences, id)
	c.mu.Unlock()
	if f != nil {
		f.fire()
	}
}

// Close implements wire.Channel. A best-effort BYE tells the peer this is
// an orderly shutdown; the rings are then closed, every outstanding fence
// watch fires, and the segment is released once the read loop has stopped
// touching the mapping.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.sendBye()
		c.header().SetClosed()
		c.terminate(nil)
		<-c.loopDone
		if err := c.seg.Close(); err != nil {
			c.logger.Warn("segment close failed", zap.Error(err))
		}
	})
	return nil
}

// sendBye makes a bounded attempt to tell the peer this shutdown is
// orderly. A Send blocked on a full ring holds sendMu, so the lock is
// tried rather than taken; a peer that stopped reading simply misses the
// BYE and observes the ring close instead.
func (c *Channel) sendBye() {
	select {
	case <-c.done:
		return
	default:
	}
	deadline := time.Now().Add(byeTimeout)
	for !c.sendMu.TryLock() {
		if !time.Now().Before(deadline) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	defer c.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	if err := writeFrame(ctx, c.tx, frameHeader{Kind: frameBye}, nil); err != nil {
		c.logger.Debug("bye not delivered", zap.Error(err))
	}
}

// terminate moves the channel to its terminal state: cause is nil for a
// local Close and the failure otherwise. Every outstanding fence watch
// fires so no payload stays pinned by a dead connection.
func (c *Channel) terminate(cause error) {
	c.termOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		fences := c.fences
		c.fences = make(map[uint64]*localFence)
		close(c.done)
		c.mu.Unlock()

		c.tx.close()
		c.rx.close()
		for _, f := range fences {
			f.fire()
		}
	})
}

// Done implements wire.Channel.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err implements wire.Channel.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stats returns a snapshot of channel counters.
func (c *Channel) Stats() ChannelStats {
	c.mu.Lock()
	pending := len(c.fences)
	c.mu.Unlock()
	return ChannelStats{
		TxUsed:        c.tx.used(),
		TxCapacity:    c.tx.capacity(),
		RxUsed:        c.rx.used(),
		RxCapacity:    c.rx.capacity(),
		FramesSent:    c.framesSent.Load(),
		FramesRecv:    c.framesRecv.Load(),
		ReleasesSent:  c.releasesSent.Load(),
		ReleasesRecv:  c.releasesRecv.Load(),
		PendingFences: pending,
	}
}

// localFence is the local half of a release fence: its id crosses the
// channel inside a frame, and the peer's RELEASE answer (or channel
// termination, or a local Close) fires the watch exactly once.
type localFence struct {
	ch    *Channel
	id    uint64
	watch chan struct{}
	once  sync.Once
}

func (f *localFence) fire() {
	f.once.Do(func() { close(f.watch) })
}

// Close implements wire.Fence for the local-abandonment path: a fence
// whose message never reached the channel is released locally.
func (f *localFence) Close() {
	f.ch.mu.Lock()
	delete(f.ch.fences, f.id)
	f.ch.mu.Unlock()
	f.fire()
}

// remoteFence is the consumer-side materialization of a peer's fence.
// Close answers with a RELEASE frame; a dead channel makes that a no-op
// since the peer's watches fired at termination.
type remoteFence struct {
	ch   *Channel
	id   uint64
	once sync.Once
}

// Close implements wire.Fence.
func (f *remoteFence) Close() {
	f.once.Do(func() {
		err := f.ch.sendFrame(context.Background(), frameHeader{Kind: frameRelease, FenceID: f.id}, nil)
		if err == nil {
			f.ch.releasesSent.Add(1)
		}
	})
}
