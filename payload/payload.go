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

// Package payload manages pools of fixed-size shared-memory payload
// buffers. The output side of a stream allocates buffers from an
// OutputBufferCollection, fills them, and sends their coordinates over the
// wire; the input side resolves coordinates back into mapped buffers
// through an InputBufferCollection. Buffer memory is recycled when the
// consumer releases its buffer, which ultimately triggers the output-side
// release hook.
package payload

import (
	"fmt"
	"sync/atomic"
)

// Buffer is a view of one payload buffer: a buffer index within its
// collection, a byte range inside that buffer, and, when the collection is
// mapped locally, the mapped bytes themselves.
//
// A Buffer must be released exactly once. Releasing twice panics; releasing
// a nil Buffer is a no-op so failed allocations can be released
// unconditionally.
type Buffer struct {
	index    uint32
	offset   uint64
	size     uint64
	data     []byte
	release  func()
	released atomic.Bool
}

// NewUnmapped builds a descriptor-only Buffer for participants that joined
// the collection without mapping. Bytes returns nil for such buffers.
func NewUnmapped(index uint32, offset, size uint64) *Buffer {
	return &Buffer{index: index, offset: offset, size: size}
}

// Index returns the buffer's index within its collection.
func (b *Buffer) Index() uint32 { return b.index }

// Offset returns the byte offset of this view inside the buffer.
func (b *Buffer) Offset() uint64 { return b.offset }

// Size returns the length of the view in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Bytes returns the mapped bytes of the view, or nil when the local
// participant did not map the collection.
func (b *Buffer) Bytes() []byte { return b.data }

// Release returns the buffer to its pool. On the output side this is what
// makes the underlying memory allocatable again, so exactly one Release
// must happen per allocation. A second Release panics.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	if !b.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("payload: buffer %d released twice", b.index))
	}
	if b.release != nil {
		b.release()
	}
}
