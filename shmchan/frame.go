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
	"context"
	"encoding/binary"
	"fmt"
)

// Frame header layout (24 bytes, little-endian):
//
//	uint32 length   // payload length in bytes, excludes the header
//	uint8  kind     // frameKind
//	uint8  flags    // per-kind flags
//	uint16 reserved // zero
//	uint64 fenceID  // release fence correlation id; 0 means none
//	uint64 reserved // zero
const frameHeaderSize = 24

// maxFramePayload bounds decoded payload lengths. Stream frames carry at
// most a packet descriptor, so anything large is corruption.
const maxFramePayload = 4096

type frameKind uint8

const (
	framePut frameKind = iota + 1
	frameEnd
	frameClear
	frameRelease
	frameBye
)

func (k frameKind) String() string {
	switch k {
	case framePut:
		return "put"
	case frameEnd:
		return "end"
	case frameClear:
		return "clear"
	case frameRelease:
		return "release"
	case frameBye:
		return "bye"
	default:
		return "invalid"
	}
}

// clearFlagHoldLastFrame is set on frameClear when the consumer should
// keep presenting the last frame instead of blanking.
const clearFlagHoldLastFrame = uint8(0x01)

type frameHeader struct {
	Length  uint32
	Kind    frameKind
	Flags   uint8
	FenceID uint64
}

func encodeFrameHeader(dst *[frameHeaderSize]byte, fh frameHeader) {
	b := dst[:]
	binary.LittleEndian.PutUint32(b[0:4], fh.Length)
	b[4] = byte(fh.Kind)
	b[5] = fh.Flags
	binary.LittleEndian.PutUint16(b[6:8], 0)
	binary.LittleEndian.PutUint64(b[8:16], fh.FenceID)
	binary.LittleEndian.PutUint64(b[16:24], 0)
}

func decodeFrameHeader(b []byte) (frameHeader, error) {
	_ = b[frameHeaderSize-1]
	fh := frameHeader{
		Length:  binary.LittleEndian.Uint32(b[0:4]),
		Kind:    frameKind(b[4]),
		Flags:   b[5],
		FenceID: binary.LittleEndian.Uint64(b[8:16]),
	}
	if fh.Kind < framePut || fh.Kind > frameBye {
		return frameHeader{}, fmt.Errorf("shmchan: unknown frame kind %d", b[4])
	}
	if fh.Length > maxFramePayload {
		return frameHeader{}, fmt.Errorf("shmchan: frame payload %d exceeds limit %d", fh.Length, maxFramePayload)
	}
	return fh, nil
}

// writeFrame writes header and payload as one ring write so a frame is
// never torn across a peer crash.
func writeFrame(ctx context.Context, tx *ring, fh frameHeader, payload []byte) error {
	fh.Length = uint32(len(payload))
	buf := make([]byte, frameHeaderSize+len(payload))
	var hdr [frameHeaderSize]byte
	encodeFrameHeader(&hdr, fh)
	copy(buf, hdr[:])
	copy(buf[frameHeaderSize:], payload)
	return tx.write(ctx, buf)
}

// readFrame reads one complete frame.
func readFrame(ctx context.Context, rx *ring, scratch []byte) (frameHeader, []byte, error) {
	var hb [frameHeaderSize]byte
	if err := rx.readFull(ctx, hb[:]); err != nil {
		return frameHeader{}, nil, err
	}
	fh, err := decodeFrameHeader(hb[:])
	if err != nil {
		return frameHeader{}, nil, err
	}
	if fh.Length == 0 {
		return fh, nil, nil
	}
	if uint32(len(scratch)) < fh.Length {
		scratch = make([]byte, fh.Length)
	}
	payload := scratch[:fh.Length]
	if err := rx.readFull(ctx, payload); err != nil {
		return frameHeader{}, nil, err
	}
	return fh, payload, nil
}
