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
	"sync/atomic"
	"testing"
	"time"

	"github.com/vsrinivas/streamplane/packet"
	"github.com/vsrinivas/streamplane/payload"
	"github.com/vsrinivas/streamplane/provider"
	"github.com/vsrinivas/streamplane/streamqueue"
	"github.com/vsrinivas/streamplane/wire"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type closeCounter struct {
	n atomic.Int32
}

func (f *closeCounter) Close() { f.n.Add(1) }

// newConnectedPair negotiates a mapped producer/consumer pair over a fresh
// in-process provider.
func newConnectedPair(t *testing.T, name string, outOpts, inOpts []Option) (*OutputConnection[*packet.Packet], *InputConnection[*packet.Packet]) {
	t.Helper()
	local := provider.NewLocal(nil)
	t.Cleanup(func() { local.Close() })
	tokens, err := local.CreateCollection(name, 2)
	if err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}

	out := NewOutput[*packet.Packet](packet.OutputCodec{}, outOpts...)
	in := NewInput[*packet.Packet](packet.InputCodec{}, inOpts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	oc, ic, err := Pair(ctx, out, in, local, tokens[0], tokens[1])
	if err != nil {
		t.Fatalf("Pair failed: %v", err)
	}
	t.Cleanup(func() {
		oc.Close()
		ic.Close()
	})
	return oc, ic
}

func pull(t *testing.T, c *InputConnection[*packet.Packet]) streamqueue.Element[*packet.Packet, wire.Clear] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	el, err := c.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	return el
}

func pullErr(t *testing.T, c *InputConnection[*packet.Packet]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Pull(ctx)
	if err == nil {
		t.Fatalf("Pull succeeded, want error")
	}
	return err
}

func TestConnectRoundTrip(t *testing.T) {
	oc, ic := newConnectedPair(t, "ep_roundtrip",
		[]Option{WithMapping(provider.Constraints{MinBufferCount: 4, MinBufferSize: 64})},
		[]Option{WithMapping(provider.Constraints{})})

	if oc.Pool() == nil || ic.Pool() == nil {
		t.Fatalf("expected both sides mapped")
	}

	buf := oc.Pool().AllocateBlocking(5)
	if buf == nil {
		t.Fatalf("AllocateBlocking returned nil")
	}
	copy(buf.Bytes(), "hello")
	oc.Push(packet.New(buf, 1000, packet.FlagKeyFrame))

	el := pull(t, ic)
	if el.Kind != streamqueue.KindPacket {
		t.Fatalf("pulled %v, want packet", el.Kind)
	}
	p := el.Packet
	if got := string(p.Bytes()); got != "hello" {
		t.Errorf("payload = %q, want %q", got, "hello")
	}
	if p.Pts != 1000 || !p.KeyFrame() {
		t.Errorf("metadata = (%d, %v), want (1000, keyframe)", p.Pts, p.Flags)
	}

	// Releasing the consumer packet fires the release fence, which is what
	// recycles the producer's buffer.
	if got := oc.Pool().Stats().InUse; got != 1 {
		t.Fatalf("InUse = %d before release, want 1", got)
	}
	p.Release()
	waitFor(t, "producer buffer recycled", func() bool {
		return oc.Pool().Stats().InUse == 0
	})

	oc.End()
	if el := pull(t, ic); el.Kind != streamqueue.KindEnded {
		t.Fatalf("pulled %v, want ended", el.Kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := oc.DrainAndDisconnect(ctx); err != nil {
		t.Fatalf("DrainAndDisconnect failed: %v", err)
	}

	if err := pullErr(t, ic); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Pull error = %v, want ErrDisconnected", err)
	}
	if err := ic.Err(); !errors.Is(err, wire.ErrPeerClosed) {
		t.Errorf("consumer Err = %v, want ErrPeerClosed", err)
	}
}

func TestDrainAndDisconnectDeliversBacklog(t *testing.T) {
	oc, ic := newConnectedPair(t, "ep_drain",
		[]Option{WithMapping(provider.Constraints{MinBufferCount: 8, MinBufferSize: 64})},
		[]Option{WithMapping(provider.Constraints{})})

	const n = 5
	for i := 0; i < n; i++ {
		buf := oc.Pool().AllocateBlocking(8)
		oc.Push(packet.New(buf, int64(i), 0))
	}
	oc.End()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := oc.DrainAndDisconnect(ctx); err != nil {
		t.Fatalf("DrainAndDisconnect failed: %v", err)
	}

	// Everything queued before the drain is still delivered, in order.
	for i := 0; i < n; i++ {
		el := pull(t, ic)
		if el.Kind != streamqueue.KindPacket || el.Packet.Pts != int64(i) {
			t.Fatalf("element %d = (%v, pts %d), want packet pts %d", i, el.Kind, el.Packet.Pts, i)
		}
		el.Packet.Release()
	}
	if el := pull(t, ic); el.Kind != streamqueue.KindEnded {
		t.Fatalf("pulled %v, want ended", el.Kind)
	}
	if err := pullErr(t, ic); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Pull error = %v, want ErrDisconnected", err)
	}
}

func TestOutputCloseRecyclesInFlightPackets(t *testing.T) {
	oc, ic := newConnectedPair(t, "ep_close",
		[]Option{WithMapping(provider.Constraints{MinBufferCount: 4, MinBufferSize: 64})},
		[]Option{WithMapping(provider.Constraints{})})

	for i := 0; i < 3; i++ {
		buf := oc.Pool().AllocateBlocking(8)
		oc.Push(packet.New(buf, int64(i), 0))
	}
	oc.Close()

	// Closing the transport fires every outstanding release fence.
	waitFor(t, "in-flight buffers recycled", func() bool {
		return oc.Pool().Stats().InUse == 0
	})

	// The consumer still sees whatever made it across before the close,
	// then the disconnect.
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		el, err := ic.Pull(ctx)
		cancel()
		if err != nil {
			if !errors.Is(err, ErrDisconnected) {
				t.Fatalf("Pull error = %v, want ErrDisconnected", err)
			}
			break
		}
		if el.Kind == streamqueue.KindPacket {
			el.Packet.Release()
		}
	}
	if err := ic.Err(); !errors.Is(err, wire.ErrPeerClosed) {
		t.Errorf("consumer Err = %v, want ErrPeerClosed", err)
	}
}

func TestClearPropagates(t *testing.T) {
	oc, ic := newConnectedPair(t, "ep_clear",
		[]Option{WithMapping(provider.Constraints{MinBufferCount: 4, MinBufferSize: 64})},
		[]Option{WithMapping(provider.Constraints{})})

	for i := 0; i < 2; i++ {
		buf := oc.Pool().AllocateBlocking(8)
		oc.Push(packet.New(buf, int64(i), 0))
	}
	fence := &closeCounter{}
	oc.Clear(false, fence)

	// The packets are displaced by the clear on whichever side they had
	// reached; the first element delivered is the clear itself.
	el := pull(t, ic)
	if el.Kind != streamqueue.KindClear {
		t.Fatalf("pulled %v, want clear", el.Kind)
	}
	if el.Clear.HoldLastFrame {
		t.Errorf("HoldLastFrame = true, want false")
	}
	if el.Clear.Fence == nil {
		t.Fatalf("clear fence not delivered")
	}
	el.Clear.Fence.Close()

	waitFor(t, "clear fence fired", func() bool { return fence.n.Load() == 1 })
	waitFor(t, "displaced buffers recycled", func() bool {
		return oc.Pool().Stats().InUse == 0
	})
}

func TestClearFailsBlockedAllocation(t *testing.T) {
	oc, ic := newConnectedPair(t, "ep_blocked",
		[]Option{WithMapping(provider.Constraints{MinBufferCount: 4, MinBufferSize: 64})},
		[]Option{WithMapping(provider.Constraints{})})

	pool := oc.Pool()
	for i := 0; i < 4; i++ {
		if pool.Allocate(16) == nil {
			t.Fatalf("allocation %d failed", i)
		}
	}
	blocked := make(chan *payload.Buffer, 1)
	go func() { blocked <- pool.AllocateBlocking(16) }()
	waitFor(t, "allocation to block", func() bool {
		return pool.Stats().BlockedWaits == 1
	})

	oc.Clear(true, nil)

	select {
	case buf := <-blocked:
		if buf != nil {
			t.Fatalf("blocked allocation returned a buffer, want nil after clear")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked allocation not failed by clear")
	}

	el := pull(t, ic)
	if el.Kind != streamqueue.KindClear || !el.Clear.HoldLastFrame || el.Clear.Fence != nil {
		t.Fatalf("pulled %+v, want hold-last-frame clear without fence", el)
	}
}

func TestPairNegotiationFailure(t *testing.T) {
	local := provider.NewLocal(nil)
	t.Cleanup(func() { local.Close() })
	tokens, err := local.CreateCollection("ep_over", 2)
	if err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}

	out := NewOutput[*packet.Packet](packet.OutputCodec{},
		WithMapping(provider.Constraints{MinBufferCount: 6, MaxBufferCount: 8, MinBufferSize: 64}))
	in := NewInput[*packet.Packet](packet.InputCodec{},
		WithMapping(provider.Constraints{MinBufferCount: 6}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	oc, ic, err := Pair(ctx, out, in, local, tokens[0], tokens[1])
	if err == nil {
		t.Fatalf("Pair succeeded, want overconstrained failure")
	}
	if code := provider.CodeOf(err); code != provider.CodeOverconstrained {
		t.Fatalf("error code = %v, want overconstrained", code)
	}
	if oc != nil || ic != nil {
		t.Fatalf("connections not nil after failure")
	}
}

func TestInputSequencing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := NewOutput[*packet.Packet](packet.OutputCodec{})
	in := NewInput[*packet.Packet](packet.InputCodec{})

	ch1out, ch1in := wire.NewPair()
	oc1, err := out.Connect(ctx, ch1out, nil, provider.Token{})
	if err != nil {
		t.Fatalf("output Connect 1 failed: %v", err)
	}
	ic1, err := in.Connect(ctx, ch1in, nil, provider.Token{})
	if err != nil {
		t.Fatalf("input Connect 1 failed: %v", err)
	}

	// A second input connection must wait for the first to drain.
	ch2out, ch2in := wire.NewPair()
	oc2, err := out.Connect(ctx, ch2out, nil, provider.Token{})
	if err != nil {
		t.Fatalf("output Connect 2 failed: %v", err)
	}
	type connectResult struct {
		conn *InputConnection[*packet.Packet]
		err  error
	}
	second := make(chan connectResult, 1)
	go func() {
		c, cerr := in.Connect(ctx, ch2in, nil, provider.Token{})
		second <- connectResult{c, cerr}
	}()
	select {
	case <-second:
		t.Fatalf("second Connect completed before first connection drained")
	case <-time.After(50 * time.Millisecond):
	}

	// Finish stream 1; the consumer drains it completely.
	oc1.Push(packet.New(payload.NewUnmapped(0, 0, 10), 1, 0))
	oc1.End()
	if err := oc1.DrainAndDisconnect(ctx); err != nil {
		t.Fatalf("DrainAndDisconnect failed: %v", err)
	}
	if el := pull(t, ic1); el.Kind != streamqueue.KindPacket || el.Packet.Pts != 1 {
		t.Fatalf("stream 1 element = %v, want packet pts 1", el.Kind)
	}
	if el := pull(t, ic1); el.Kind != streamqueue.KindEnded {
		t.Fatalf("stream 1 element = %v, want ended", el.Kind)
	}
	if err := pullErr(t, ic1); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("stream 1 error = %v, want ErrDisconnected", err)
	}

	var ic2 *InputConnection[*packet.Packet]
	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("second Connect failed: %v", r.err)
		}
		ic2 = r.conn
	case <-time.After(2 * time.Second):
		t.Fatalf("second Connect still blocked after first drained")
	}

	oc2.Push(packet.New(payload.NewUnmapped(0, 0, 10), 2, 0))
	if el := pull(t, ic2); el.Kind != streamqueue.KindPacket || el.Packet.Pts != 2 {
		t.Fatalf("stream 2 element = %v, want packet pts 2", el.Kind)
	}

	// Closing an undrained connection also unblocks the successor.
	ch3out, ch3in := wire.NewPair()
	oc3, err := out.Connect(ctx, ch3out, nil, provider.Token{})
	if err != nil {
		t.Fatalf("output Connect 3 failed: %v", err)
	}
	third := make(chan connectResult, 1)
	go func() {
		c, cerr := in.Connect(ctx, ch3in, nil, provider.Token{})
		third <- connectResult{c, cerr}
	}()
	select {
	case <-third:
		t.Fatalf("third Connect completed before second connection closed")
	case <-time.After(50 * time.Millisecond):
	}
	ic2.Close()
	select {
	case r := <-third:
		if r.err != nil {
			t.Fatalf("third Connect failed: %v", r.err)
		}
		r.conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("third Connect still blocked after second closed")
	}

	oc2.Close()
	oc3.Close()
}

func TestInputConnectCancelKeepsOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := NewOutput[*packet.Packet](packet.OutputCodec{})
	in := NewInput[*packet.Packet](packet.InputCodec{})

	ch1out, ch1in := wire.NewPair()
	oc1, err := out.Connect(ctx, ch1out, nil, provider.Token{})
	if err != nil {
		t.Fatalf("output Connect 1 failed: %v", err)
	}
	defer oc1.Close()
	ic1, err := in.Connect(ctx, ch1in, nil, provider.Token{})
	if err != nil {
		t.Fatalf("input Connect 1 failed: %v", err)
	}

	// Cancel a second Connect while it waits its turn.
	ch2out, ch2in := wire.NewPair()
	oc2, err := out.Connect(ctx, ch2out, nil, provider.Token{})
	if err != nil {
		t.Fatalf("output Connect 2 failed: %v", err)
	}
	defer oc2.Close()
	ctx2, cancel2 := context.WithCancel(ctx)
	secondErr := make(chan error, 1)
	go func() {
		_, cerr := in.Connect(ctx2, ch2in, nil, provider.Token{})
		secondErr <- cerr
	}()
	select {
	case <-secondErr:
		t.Fatalf("second Connect completed before first connection drained")
	case <-time.After(50 * time.Millisecond):
	}
	cancel2()
	select {
	case err := <-secondErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("canceled Connect error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("canceled Connect did not return")
	}

	// The canceled connection must not let a third one jump ahead of the
	// still-active first.
	ch3out, ch3in := wire.NewPair()
	oc3, err := out.Connect(ctx, ch3out, nil, provider.Token{})
	if err != nil {
		t.Fatalf("output Connect 3 failed: %v", err)
	}
	defer oc3.Close()
	third := make(chan error, 1)
	var ic3 *InputConnection[*packet.Packet]
	go func() {
		c, cerr := in.Connect(ctx, ch3in, nil, provider.Token{})
		ic3 = c
		third <- cerr
	}()
	select {
	case <-third:
		t.Fatalf("third Connect completed before first connection drained")
	case <-time.After(50 * time.Millisecond):
	}

	ic1.Close()
	select {
	case err := <-third:
		if err != nil {
			t.Fatalf("third Connect failed: %v", err)
		}
		ic3.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("third Connect still blocked after first closed")
	}
}

func TestConnectionCloseIdempotent(t *testing.T) {
	oc, ic := newConnectedPair(t, "ep_idem",
		[]Option{WithMapping(provider.Constraints{MinBufferCount: 2, MinBufferSize: 64})},
		[]Option{WithMapping(provider.Constraints{})})

	if err := oc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := oc.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := ic.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ic.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
