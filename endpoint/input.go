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

// Input is the consumer endpoint factory. Successive connections are
// strictly sequenced: Connect does not complete until the previous
// connection has drained or been closed, so a new stream's elements never
// interleave with the tail of the old one.
type Input[T any] struct {
	codec sink.InputCodec[T]
	cfg   config

	mu          sync.Mutex
	prevDrained <-chan struct{}
}

// NewInput builds a consumer endpoint around a codec.
func NewInput[T any](codec sink.InputCodec[T], opts ...Option) *Input[T] {
	first := make(chan struct{})
	close(first)
	return &Input[T]{codec: codec, cfg: newConfig(opts), prevDrained: first}
}

// Connect binds a consumer connection over the channel, waiting first for
// the previous connection on this endpoint to drain. When the endpoint was
// configured with WithMapping, the buffer collection is negotiated here
// with the configured access. A Connect that fails or is canceled releases
// its place in the sequence so later connections are not stalled.
func (in *Input[T]) Connect(ctx context.Context, ch wire.Channel, pv provider.Provider, token provider.Token) (*InputConnection[T], error) {
	in.mu.Lock()
	prev := in.prevDrained
	drained := make(chan struct{})
	in.prevDrained = drained
	in.mu.Unlock()

	// A failed Connect must not stall successors, but it must not let them
	// jump the queue either: its slot completes when the predecessor's does.
	fail := func(err error) (*InputConnection[T], error) {
		go func() {
			<-prev
			close(drained)
		}()
		return nil, err
	}

	select {
	case <-prev:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	var pool *payload.InputBufferCollection
	if in.cfg.mapBuffers {
		if pv == nil {
			return fail(errors.New("endpoint: input mapping requested without a provider"))
		}
		if in.cfg.access == provider.AccessNone {
			return fail(errors.New("endpoint: input mapping requested with AccessNone"))
		}
		var err error
		pool, err = payload.NegotiateInputCollection(ctx, pv, token, in.cfg.constraints, in.cfg.access, in.cfg.logger)
		if err != nil {
			return fail(err)
		}
	}

	codec := in.codec
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

	return &InputConnection[T]{
		queue:    queue,
		receiver: sink.NewReceiver(ch, queue, codec, pool, in.cfg.logger),
		pool:     pool,
		drained:  drained,
	}, nil
}

// InputConnection is one bound consumer connection.
type InputConnection[T any] struct {
	queue    *streamqueue.Queue[T, wire.Clear]
	receiver *sink.Receiver[T]
	pool     *payload.InputBufferCollection

	drained     chan struct{}
	drainedOnce sync.Once
	closeOnce   sync.Once
}

// Pull returns the next stream element, waiting if none is queued. After
// the transport has terminated and the backlog is consumed, Pull returns
// ErrDisconnected; Err then reports the underlying cause.
func (c *InputConnection[T]) Pull(ctx context.Context) (streamqueue.Element[T, wire.Clear], error) {
	el, err := c.queue.Pull(ctx)
	if errors.Is(err, streamqueue.ErrDrained) {
		c.finishDrained()
		c.receiver.Disconnect()
		return el, ErrDisconnected
	}
	return el, err
}

// Pool returns the negotiated input pool, or nil when the endpoint does
// not map buffers.
func (c *InputConnection[T]) Pool() *payload.InputBufferCollection { return c.pool }

// QueueLen returns the number of elements waiting for the consumer.
func (c *InputConnection[T]) QueueLen() int { return c.queue.Len() }

// Drained fires once the stream is fully consumed or the connection is
// closed; the endpoint's next connection proceeds at that point.
func (c *InputConnection[T]) Drained() <-chan struct{} { return c.drained }

// Disconnected fires when the transport terminates. Queued elements are
// still deliverable afterwards; the definitive end is Pull returning
// ErrDisconnected.
func (c *InputConnection[T]) Disconnected() <-chan struct{} { return c.receiver.Disconnected() }

// Err returns the disconnect cause after Disconnected fires.
func (c *InputConnection[T]) Err() error { return c.receiver.Err() }

// Close abandons the connection: the channel is closed, the backlog is
// discarded and its payloads released, and the endpoint's next connection
// is unblocked. Close is idempotent.
func (c *InputConnection[T]) Close() error {
	c.closeOnce.Do(func() {
		c.receiver.Disconnect()
		// Wait for the receive loop to stop pushing before discarding the
		// backlog.
		<-c.receiver.Disconnected()
		c.queue.Dispose()
		c.finishDrained()
		if c.pool != nil {
			c.pool.Close()
		}
	})
	return nil
}

func (c *InputConnection[T]) finishDrained() {
	c.drainedOnce.Do(func() { close(c.drained) })
}
