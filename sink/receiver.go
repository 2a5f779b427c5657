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

	"github.com/vsrinivas/streamplane/payload"
	"github.com/vsrinivas/streamplane/streamqueue"
	"github.com/vsrinivas/streamplane/wire"
)

// Receiver feeds a consumer-side queue from a wire channel. When the
// channel terminates, the queue is drained so the consumer sees the
// backlog followed by the drained signal, and Disconnected fires.
type Receiver[T any] struct {
	ch    wire.Channel
	queue *streamqueue.Queue[T, wire.Clear]
	codec InputCodec[T]
	pool  *payload.InputBufferCollection

	logger       *zap.Logger
	localClose   atomic.Bool
	disconnected chan struct{}
	closeOnce    sync.Once
	err          error
}

// NewReceiver starts the receive loop. A nil logger disables logging; pool
// may be nil for participants without a local mapping.
func NewReceiver[T any](ch wire.Channel, queue *streamqueue.Queue[T, wire.Clear], codec InputCodec[T], pool *payload.InputBufferCollection, logger *zap.Logger) *Receiver[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Receiver[T]{
		ch:           ch,
		queue:        queue,
		codec:        codec,
		pool:         pool,
		logger:       logger.Named("sink"),
		disconnected: make(chan struct{}),
	}
	go r.recvLoop()
	return r
}

func (r *Receiver[T]) recvLoop() {
	ctx := context.Background()
	for {
		m, err := r.ch.Recv(ctx)
		if err != nil {
			r.finish(err)
			return
		}
		switch m.Kind {
		case wire.MsgPutPacket:
			packet, cerr := r.codec.FromWire(m.Packet, m.Fence, r.pool)
			if cerr != nil {
				// Fire the fence so the producer's payload is not stranded
				// by a packet we refuse.
				r.logger.Warn("dropping packet",
					zap.Error(cerr),
					zap.Uint32("buffer", m.Packet.BufferIndex),
					zap.Uint64("offset", m.Packet.Offset),
					zap.Uint64("size", m.Packet.Size))
				if m.Fence != nil {
					m.Fence.Close()
				}
				continue
			}
			r.queue.Push(packet)
		case wire.MsgEnd:
			r.queue.End()
		case wire.MsgClear:
			r.queue.Clear(m.Clear)
		default:
			r.logger.Warn("ignoring unknown message kind", zap.Uint8("kind", uint8(m.Kind)))
		}
	}
}

// finish records the disconnect cause and signals Disconnected. A local
// Disconnect reports success (nil); everything else reports the channel's
// terminal error.
func (r *Receiver[T]) finish(err error) {
	r.closeOnce.Do(func() {
		r.queue.Drain()
		if r.localClose.Load() && errors.Is(err, wire.ErrChannelClosed) {
			err = nil
		}
		r.err = err
		close(r.disconnected)
	})
}

// Disconnect closes the channel from this side. The queue still delivers
// its backlog before reporting drained.
func (r *Receiver[T]) Disconnect() {
	r.localClose.Store(true)
	r.ch.Close()
}

// Disconnected is closed once the receiver has shut down, locally or
// because the channel failed.
func (r *Receiver[T]) Disconnected() <-chan struct{} { return r.disconnected }

// Err returns the disconnect cause after Disconnected fires: nil for a
// local Disconnect, otherwise the channel error.
func (r *Receiver[T]) Err() error {
	select {
	case <-r.disconnected:
		return r.err
	default:
		return nil
	}
}
