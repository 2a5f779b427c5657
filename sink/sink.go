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

// Package sink adapts a stream element queue to a wire channel. A Sender
// pumps elements pulled from the producer's queue onto the channel,
// attaching one release fence per packet and recycling the packet's payload
// when the fence fires. A Receiver demultiplexes channel messages into the
// consumer's queue, resolving wire coordinates back into typed packets.
package sink

import (
	"github.com/vsrinivas/streamplane/payload"
	"github.com/vsrinivas/streamplane/wire"
)

// OutputCodec translates typed packets to their wire form on the producer
// side. Release recycles a packet's payload; the sender calls it exactly
// once per sent packet, when the peer's release fence fires, and once for
// packets that could not be sent.
type OutputCodec[T any] interface {
	ToWire(packet T) wire.Packet
	Release(packet T)
}

// InputCodec builds typed packets from their wire form on the consumer
// side. The fence must end up owned by the returned packet so that
// releasing the packet fires it; pool is nil when this participant did not
// map the buffer collection. Release disposes of a packet dropped without
// reaching the consumer, firing its fence.
type InputCodec[T any] interface {
	FromWire(p wire.Packet, fence wire.Fence, pool *payload.InputBufferCollection) (T, error)
	Release(packet T)
}
