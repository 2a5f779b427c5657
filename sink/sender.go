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

package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vsrinivas/streamplane/streamqueue"
	"github.com/vsrinivas/streamplane/wire"
)

// Sender pumps a producer-side queue onto a wire channel. Every packet is
// sent with a fresh release fence; the packet's payload is released when
// the peer fires that fence, and only then. Once the queue drains, Drained
// fires and the pump stops; a channel failure cancels the pending pull and
// fires Disconnected with the cause.
type Sender[T any] struct {
	ch    wire.Channel
	queue *streamqueue.Queue[T, wire.Clear]
	codec OutputCodec[T]

	logger     *zap.Logger
	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	localClose atomic.Bool

	drained     chan struct{}
	drainedOnce sync.Once

	disconnected chan struct{}
	closeOnce    sync.Once
	err          error
}

// NewSender starts the pump. A nil logger disables logging.
func NewSender[T any](ch wire.Channel, queue *streamqueue.Queue[T, wire.Clear], codec OutputCodec[T], logger *zap.Logger) *Sender[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sender[T]{
		ch:           ch,
		queue:        queue,
		codec:        codec,
		logger:       logger.Named("sink"),
		drained:      make(chan struct{}),
		disconnected: make(chan struct{}),
	}
	s.pumpCtx, s.pumpCancel = context.WithCancel(context.Background())
	go s.pump()
	go s.monitor()
	return s
}

// monitor waits for channel termination, stops the pump, and completes the
// disconnect signal.
func (s *Sender[T]) monitor() {
	<-s.ch.Done()
	s.pumpCancel()
	s.finish()
}

func (s *Sender[T]) pump() {
	for {
		el, err := s.queue.Pull(s.pumpCtx)
		switch {
		case err == nil:
		case errors.Is(err, streamqueue.ErrDrained):
			s.drainedOnce.Do(func() { close(s.drained) })
			return
		default:
			// Canceled: the channel terminated or the pull was revoked.
			return
		}

		switch el.Kind {
		case streamqueue.KindPacket:
			watch, fence := s.ch.NewReleaseFence()
			msg := wire.SinkMsg{Kind: wire.MsgPutPacket, Packet: s.codec.ToWire(el.Packet), Fence: fence}
			if serr := s.ch.Send(msg); serr != nil {
				// Never sent, so the fence never transferred; recycle here.
				s.codec.Release(el.Packet)
				s.logger.Warn("send failed", zap.Error(serr))
				return
			}
			go s.watchRelease(watch, el.Packet)
		case streamqueue.KindClear:
			if serr := s.ch.Send(wire.SinkMsg{Kind: wire.MsgClear, Clear: el.Clear}); serr != nil {
				s.logger.Warn("send failed", zap.Error(serr))
				return
			}
		case streamqueue.KindEnded:
			if serr := s.ch.Send(wire.SinkMsg{Kind: wire.MsgEnd}); serr != nil {
				s.logger.Warn("send failed", zap.Error(serr))
				return
			}
		}
	}
}

// watchRelease releases one packet's payload when its fence fires. The
// channel fires all outstanding fences on termination, so this never
// leaks.
func (s *Sender[T]) watchRelease(watch <-chan struct{}, packet T) {
	<-watch
	s.codec.Release(packet)
}

func (s *Sender[T]) finish() {
	s.closeOnce.Do(func() {
		err := s.ch.Err()
		if s.localClose.Load() {
			err = nil
		}
		s.err = err
		close(s.disconnected)
	})
}

// Disconnect closes the channel from this side, stopping the pump.
func (s *Sender[T]) Disconnect() {
	s.localClose.Store(true)
	s.ch.Close()
}

// Drained is closed once every queued element has been handed to the
// channel after the queue's Drain.
func (s *Sender[T]) Drained() <-chan struct{} { return s.drained }

// Disconnected is closed once the channel has terminated.
func (s *Sender[T]) Disconnected() <-chan struct{} { return s.disconnected }

// Err returns the disconnect cause after Disconnected fires: nil for a
// local Disconnect, otherwise the channel error.
func (s *Sender[T]) Err() error {
	select {
	case <-s.disconnected:
		return s.err
	default:
		return nil
	}
}
