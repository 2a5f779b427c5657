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
	"bytes"
	"context"
	"encoding/binary"
	"testing"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	in := frameHeader{
		Length:  32,
		Kind:    framePut,
		Flags:   clearFlagHoldLastFrame,
		FenceID: 0xDEADBEEF,
	}
	var buf [frameHeaderSize]byte
	encodeFrameHeader(&buf, in)
	out, err := decodeFrameHeader(buf[:])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip: got %+v, want %+v", out, in)
	}
}

func TestFrameHeaderRejectsBadKind(t *testing.T) {
	var buf [frameHeaderSize]byte
	encodeFrameHeader(&buf, frameHeader{Kind: frameBye})
	buf[4] = 0xFF
	if _, err := decodeFrameHeader(buf[:]); err == nil {
		t.Fatal("unknown frame kind accepted")
	}
}

func TestFrameHeaderRejectsOversizedPayload(t *testing.T) {
	var buf [frameHeaderSize]byte
	encodeFrameHeader(&buf, frameHeader{Kind: framePut})
	binary.LittleEndian.PutUint32(buf[0:4], maxFramePayload+1)
	if _, err := decodeFrameHeader(buf[:]); err == nil {
		t.Fatal("oversized payload length accepted")
	}
}

func TestWriteReadFrame(t *testing.T) {
	r := newTestRing(t, MinRingCapacity)
	ctx := context.Background()

	payload := []byte("packet descriptor bytes")
	in := frameHeader{Kind: framePut, FenceID: 7}
	if err := writeFrame(ctx, r, in, payload); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}
	if err := writeFrame(ctx, r, frameHeader{Kind: frameEnd}, nil); err != nil {
		t.Fatalf("writeFrame end failed: %v", err)
	}

	fh, got, err := readFrame(ctx, r, nil)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if fh.Kind != framePut || fh.FenceID != 7 || fh.Length != uint32(len(payload)) {
		t.Fatalf("header mismatch: %+v", fh)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}

	fh, got, err = readFrame(ctx, r, nil)
	if err != nil {
		t.Fatalf("readFrame end failed: %v", err)
	}
	if fh.Kind != frameEnd || len(got) != 0 {
		t.Fatalf("end frame mismatch: %+v payload %d bytes", fh, len(got))
	}
}
