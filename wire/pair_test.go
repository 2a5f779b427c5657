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

package wire

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPacketCodec(t *testing.T) {
	p := Packet{
		BufferIndex: 7,
		Flags:       0x3,
		Offset:      4096,
		Size:        1500,
		Pts:         -33366667,
	}
	var b [PacketSize]byte
	p.Encode(b[:])
	if got := DecodePacket(b[:]); got != p {
		t.Fatalf("decoded %+v, want %+v", got, p)
	}
}

func TestPairDelivery(t *testing.T) {
	a, b := NewPair()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := a.Send(SinkMsg{Kind: MsgPutPacket, Packet: Packet{BufferIndex: uint32(i)}}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	if err := a.Send(SinkMsg{Kind: MsgEnd}); err != nil {
		t.Fatalf("Send end failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		m, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d failed: %v", i, err)
		}
		if m.Kind != MsgPutPacket || m.Packet.BufferIndex != uint32(i) {
			t.Fatalf("Recv %d returned %+v", i, m)
		}
	}
	if m, err := b.Recv(ctx); err != nil || m.Kind != MsgEnd {
		t.Fatalf("Recv end returned (%+v, %v)", m, err)
	}
}

func TestPairRecvContext(t *testing.T) {
	_, b := NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := b.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Recv returned %v, want deadline exceeded", err)
	}
}

func TestFenceRoundTrip(t *testing.T) {
	a, b := NewPair()
	defer a.Close()

	watch, fence := a.NewReleaseFence()
	if err := a.Send(SinkMsg{Kind: MsgPutPacket, Fence: fence}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}

	select {
	case <-watch:
		t.Fatalf("watch fired before the peer closed the fence")
	case <-time.After(50 * time.Millisecond):
	}

	m.Fence.Close()
	select {
	case <-watch:
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not fire after fence close")
	}

	// A second close is a no-op.
	m.Fence.Close()
}

func TestCloseFiresOutstandingFences(t *testing.T) {
	a, b := NewPair()

	w1, f1 := a.NewReleaseFence()
	w2, _ := a.NewReleaseFence()
	if err := a.Send(SinkMsg{Kind: MsgPutPacket, Fence: f1}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	b.Close()
	for i, w := range []<-chan struct{}{w1, w2} {
		select {
		case <-w:
		case <-time.After(2 * time.Second):
			t.Fatalf("fence %d did not fire on channel termination", i)
		}
	}

	// Fences created after termination fire immediately.
	w3, f3 := a.NewReleaseFence()
	select {
	case <-w3:
	case <-time.After(2 * time.Second):
		t.Fatalf("post-termination fence did not fire")
	}
	f3.Close()
}

func TestPeerCloseDrainsThenErrors(t *testing.T) {
	a, b := NewPair()

	if err := a.Send(SinkMsg{Kind: MsgPutPacket, Packet: Packet{BufferIndex: 1}}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := a.Send(SinkMsg{Kind: MsgEnd}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if m, err := b.Recv(ctx); err != nil || m.Packet.BufferIndex != 1 {
		t.Fatalf("Recv returned (%+v, %v), want buffered packet", m, err)
	}
	if m, err := b.Recv(ctx); err != nil || m.Kind != MsgEnd {
		t.Fatalf("Recv returned (%+v, %v), want buffered end", m, err)
	}
	if _, err := b.Recv(ctx); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("Recv returned %v, want ErrPeerClosed", err)
	}
	if err := b.Send(SinkMsg{Kind: MsgEnd}); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("Send returned %v, want ErrPeerClosed", err)
	}
	if !errors.Is(b.Err(), ErrPeerClosed) {
		t.Fatalf("Err returned %v, want ErrPeerClosed", b.Err())
	}

	// The closing side reports a clean local close.
	if a.Err() != nil {
		t.Fatalf("closing side Err = %v, want nil", a.Err())
	}
	if err := a.Send(SinkMsg{Kind: MsgEnd}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("Send on closed side returned %v, want ErrChannelClosed", err)
	}
	select {
	case <-a.Done():
	case <-b.Done():
	default:
		t.Fatalf("Done not closed on either side")
	}
}
