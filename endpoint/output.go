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

package endpoint

import (
	"context"
	"errors"
	"sync"

	"github.com/vsrinivas/streamplane/payload"
	"github.com/vsrinivas/streamplane/provider"
	"github.com/vsrinivas/streamplane/sink"
	"github.com/vsrinivas/streamplane/streamqueue"
	"github.com/vsrinivas/streamplane/wire"
)

// Output is the producer endpoint factory. One Output can connect any
// number of times; each Connect yields an independent connection.
type Output[T any] struct {
	codec sink.OutputCodec[T]
	cfg   config
}

// NewOutput builds a producer endpoint around a codec.
func NewOutput[T any](codec sink.OutputCodec[T], opts ...Option) *Output[T] {
	return &Output[T]{codec: codec, cfg: newConfig(opts)}
}

// Connect binds a producer connection over the channel. When the endpoint
// was configured with WithMapping, the buffer collection is negotiated
// here with read-write access; failures surface as *payload.ConnectionError.
func (o *Output[T]) Connect(ctx context.Context, ch wire.Channel, pv provider.Provider, token provider.Token) (*OutputConnection[T], error) {
	var pool *payload.OutputBufferCollection
	if o.cfg.mapBuffers {
		if pv == nil {
			return nil, errors.New("endpoint: output mapping requested without a provider")
		}
		var err error
		pool, err = payload.NegotiateOutputCollection(ctx, pv, token, o.cfg.constraints, o.cfg.logger)
		if err != nil {
			return nil, err
		}
	}

	codec := o.codec
	queue := streamqueue.New(streamqueue.WithDiscard(func(el streamqueue.Element[T, wire.Clear]) {
		switch el.Kind {
		case streamqueue.KindPacket:
			codec.Release(el.Packet)
		case streamqueue.KindClear:
			if el.Clear.Fence != nil {
				el.Clear.Fence.Close()
			}
		}
	}))
	if pool != nil {
		// A clear must also fail a producer goroutine stuck in a blocking
		// allocation, since the stream it was producing for is gone.
		queue.SetClearedFunc(pool.FailPendingAllocationFunc())
	}

	return &OutputConnection[T]{
		queue:  queue,
		sender: sink.NewSender(ch, queue, codec, o.cfg.logger),
		pool:   pool,
	}, nil
}

// OutputConnection is one bound producer connection.
type OutputConnection[T any] struct {
	queue  *streamqueue.Queue[T, wire.Clear]
	sender *sink.Sender[T]
	pool   *payload.OutputBufferCollection

	closeOnce sync.Once
}

// Push queues a packet for delivery. Ownership of the packet's payload
// passes to the connection; it is recycled when the peer releases it.
func (c *OutputConnection[T]) Push(packet T) { c.queue.Push(packet) }

// Clear asks the consumer to discard buffered stream state. Packets still
// queued locally are discarded and recycled immediately. fence, when
// non-nil, is closed by the consumer once the clear has taken effect.
func (c *OutputConnection[T]) Clear(holdLastFrame bool, fence wire.Fence) {
	c.queue.Clear(wire.Clear{HoldLastFrame: holdLastFrame, Fence: fence})
}

// End marks the end of the stream.
func (c *OutputConnection[T]) End() { c.queue.End() }

// Pool returns the negotiated output pool, or nil when the endpoint does
// not map buffers.
func (c *OutputConnection[T]) Pool() *payload.OutputBufferCollection { return c.pool }

// QueueLen returns the number of elements waiting for the transport.
func (c *OutputConnection[T]) QueueLen() int { return c.queue.Len() }

// Drained fires once every element queued before Drain has been handed to
// the transport.
func (c *OutputConnection[T]) Drained() <-chan struct{} { return c.sender.Drained() }

// Disconnected fires when the transport terminates; Err then reports nil
// for a local close or the transport error.
func (c *OutputConnection[T]) Disconnected() <-chan struct{} { return c.sender.Disconnected() }

// Err returns the disconnect cause after Disconnected fires.
func (c *OutputConnection[T]) Err() error { return c.sender.Err() }

// DrainAndDisconnect stops accepting elements, waits until everything
// queued has been forwarded to the peer, and then tears the connection
// down. It returns early with the transport error if the channel dies
// while draining, or with ctx.Err if the context expires first.
func (c *OutputConnection[T]) DrainAndDisconnect(ctx context.Context) error {
	c.queue.Drain()
	select {
	case <-c.sender.Drained():
		c.Close()
		return nil
	case <-c.sender.Disconnected():
		err := c.sender.Err()
		c.Close()
		return err
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

// Close tears the connection down immediately: queued elements are
// discarded and recycled, the transport is closed, and the pool is
// released. Close is idempotent.
func (c *OutputConnection[T]) Close() error {
	c.closeOnce.Do(func() {
		c.sender.Disconnect()
		c.queue.Dispose()
		if c.pool != nil {
			c.pool.Close()
		}
	})
	return nil
}
