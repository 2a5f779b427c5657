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

// Package wire defines the transport carrying stream signals between an
// output and an input: packet descriptors referencing shared payload
// memory, clear requests, the end-of-stream marker, and the release fences
// that drive payload recycling. Package shmchan provides the cross-process
// implementation; NewPair provides the in-process one.
package wire

import (
	"context"
	"encoding/binary"
	"errors"
)

var (
	// ErrChannelClosed is returned by Send and Recv after the local side
	// closed the channel.
	ErrChannelClosed = errors.New("wire: channel closed")
	// ErrPeerClosed is returned by Send and Recv after the peer closed the
	// channel, once any messages it sent beforehand have been received.
	ErrPeerClosed = errors.New("wire: peer closed")
)

// Packet is the wire form of a payload packet: coordinates into the
// negotiated buffer collection plus presentation metadata. The payload
// bytes themselves never travel on the channel.
type Packet struct {
	BufferIndex uint32
	Flags       uint32
	Offset      uint64
	Size        uint64
	Pts         int64
}

// PacketSize is the encoded size of a Packet in bytes.
const PacketSize = 32

// Encode writes the little-endian wire form into b, which must hold at
// least PacketSize bytes.
func (p Packet) Encode(b []byte) {
	_ = b[PacketSize-1]
	binary.LittleEndian.PutUint32(b[0:4], p.BufferIndex)
	binary.LittleEndian.PutUint32(b[4:8], p.Flags)
	binary.LittleEndian.PutUint64(b[8:16], p.Offset)
	binary.LittleEndian.PutUint64(b[16:24], p.Size)
	binary.LittleEndian.PutUint64(b[24:32], uint64(p.Pts))
}

// DecodePacket reads the wire form from b, which must hold at least
// PacketSize bytes.
func DecodePacket(b []byte) Packet {
	_ = b[PacketSize-1]
	return Packet{
		BufferIndex: binary.LittleEndian.Uint32(b[0:4]),
		Flags:       binary.LittleEndian.Uint32(b[4:8]),
		Offset:      binary.LittleEndian.Uint64(b[8:16]),
		Size:        binary.LittleEndian.Uint64(b[16:24]),
		Pts:         int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}

// Fence is the closing end of a one-shot release fence. Closing it signals
// the watch channel handed out alongside it. Close is idempotent.
type Fence interface {
	Close()
}

// Clear asks the consumer to discard buffered stream state. When
// HoldLastFrame is set, a renderer keeps displaying the last frame instead
// of blanking. Fence, when non-nil, is closed by the consumer once the
// clear has fully taken effect.
type Clear struct {
	HoldLastFrame bool
	Fence         Fence
}

// MsgKind discriminates channel messages.
type MsgKind uint8

const (
	// MsgPutPacket carries a packet descriptor and its release fence.
	MsgPutPacket MsgKind = iota + 1
	// MsgEnd marks the end of the stream.
	MsgEnd
	// MsgClear carries a clear request.
	MsgClear
)

func (k MsgKind) String() string {
	switch k {
	case MsgPutPacket:
		return "put-packet"
	case MsgEnd:
		return "end"
	case MsgClear:
		return "clear"
	default:
		return "invalid"
	}
}

// SinkMsg is one message on a channel. Packet and Fence are set for
// MsgPutPacket; Clear is set for MsgClear.
type SinkMsg struct {
	Kind   MsgKind
	Packet Packet
	Fence  Fence
	Clear  Clear
}

// Channel is a bidirectional, ordered message channel between the two ends
// of a stream connection.
//
// Release fences created by NewReleaseFence are transferred to the peer by
// sending them in a message; the peer's Close on the received fence fires
// the local watch channel. Implementations guarantee that every
// outstanding watch fires when the channel terminates, whatever the
// reason, so payload memory is never stranded by a dead peer.
type Channel interface {
	// Send delivers a message to the peer, blocking if the channel is
	// congested. It fails once the channel has terminated.
	Send(m SinkMsg) error

	// Recv returns the next message from the peer. Messages sent before
	// the channel terminated are still delivered; afterwards Recv returns
	// ErrChannelClosed, ErrPeerClosed, or the transport failure.
	Recv(ctx context.Context) (SinkMsg, error)

	// NewReleaseFence creates a fence owned by this end. The returned
	// fence is meant to be transferred to the peer in a SinkMsg; watch
	// fires when the peer closes it or the channel terminates.
	NewReleaseFence() (watch <-chan struct{}, fence Fence)

	// Close terminates the channel from the local side. Idempotent.
	Close() error

	// Done is closed when the channel has terminated for any reason.
	Done() <-chan struct{}

	// Err returns the terminal status after Done: nil for a clean local
	// Close, otherwise the cause.
	Err() error
}
