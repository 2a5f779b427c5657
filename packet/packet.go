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

// Package packet defines the elementary stream packet flowing between
// stream endpoints, together with its wire codecs. A packet couples a
// payload buffer with presentation metadata; on the consumer side it also
// owns the release fence that recycles the producer's buffer.
package packet

import (
	"errors"
	"fmt"

	"github.com/vsrinivas/streamplane/payload"
	"github.com/vsrinivas/streamplane/wire"
)

// ErrBadCoordinates is returned by the input codec when a wire packet
// references memory outside the negotiated collection.
var ErrBadCoordinates = errors.New("packet: payload coordinates outside collection")

// Flags carries per-packet stream properties.
type Flags uint32

const (
	// FlagKeyFrame marks a packet decodable without reference to earlier
	// packets.
	FlagKeyFrame Flags = 1 << iota
	// FlagSequenceHeader marks codec configuration data.
	FlagSequenceHeader
	// FlagDiscontinuity marks the first packet after a timeline break.
	FlagDiscontinuity
)

// Packet is one elementary stream packet. Pts is the presentation
// timestamp in nanoseconds on the stream's presentation timeline.
type Packet struct {
	Pts   int64
	Flags Flags

	payload *payload.Buffer
	fence   wire.Fence
}

// New builds a producer-side packet over an allocated payload buffer.
func New(buf *payload.Buffer, pts int64, flags Flags) *Packet {
	if buf == nil {
		panic("packet: nil payload buffer")
	}
	return &Packet{Pts: pts, Flags: flags, payload: buf}
}

// Payload returns the packet's payload buffer.
func (p *Packet) Payload() *payload.Buffer { return p.payload }

// Bytes returns the payload bytes, nil when the local participant has no
// mapping.
func (p *Packet) Bytes() []byte { return p.payload.Bytes() }

// Size returns the payload size in bytes.
func (p *Packet) Size() uint64 { return p.payload.Size() }

// KeyFrame reports whether the packet is independently decodable.
func (p *Packet) KeyFrame() bool { return p.Flags&FlagKeyFrame != 0 }

// Release returns the payload to its pool. On the consumer side this
// closes the release fence, which is what lets the producer recycle the
// buffer. Exactly one Release per packet; a second Release panics.
func (p *Packet) Release() {
	p.payload.Release()
	if p.fence != nil {
		p.fence.Close()
	}
}

// OutputCodec translates producer packets to wire form.
type OutputCodec struct{}

// ToWire extracts the payload coordinates and metadata.
func (OutputCodec) ToWire(p *Packet) wire.Packet {
	return wire.Packet{
		BufferIndex: p.payload.Index(),
		Offset:      p.payload.Offset(),
		Size:        p.payload.Size(),
		Pts:         p.Pts,
		Flags:       uint32(p.Flags),
	}
}

// Release recycles a packet's payload on behalf of the sender.
func (OutputCodec) Release(p *Packet) { p.Release() }

// InputCodec builds consumer packets from wire form.
type InputCodec struct{}

// FromWire resolves the payload coordinates against the local collection
// view. With a nil pool (no local mapping) the packet carries a
// descriptor-only payload. The fence becomes owned by the packet and fires
// on Release.
func (InputCodec) FromWire(w wire.Packet, fence wire.Fence, pool *payload.InputBufferCollection) (*Packet, error) {
	var buf *payload.Buffer
	if pool == nil {
		if w.Size == 0 {
			return nil, fmt.Errorf("%w: zero size", ErrBadCoordinates)
		}
		buf = payload.NewUnmapped(w.BufferIndex, w.Offset, w.Size)
	} else {
		buf = pool.GetBuffer(w.BufferIndex, w.Offset, w.Size)
		if buf == nil {
			return nil, fmt.Errorf("%w: buffer %d offset %d size %d",
				ErrBadCoordinates, w.BufferIndex, w.Offset, w.Size)
		}
	}
	return &Packet{
		Pts:     w.Pts,
		Flags:   Flags(w.Flags),
		payload: buf,
		fence:   fence,
	}, nil
}

// Release disposes of a consumer packet dropped before delivery.
func (InputCodec) Release(p *Packet) { p.Release() }
