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

package payload

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vsrinivas/streamplane/provider"
)

// InputBufferCollection is the consumer-side view of a negotiated buffer
// collection. It resolves wire coordinates (buffer index, offset, size)
// into mapped Buffers and rejects coordinates outside the collection.
type InputBufferCollection struct {
	data [][]byte

	info       provider.BufferInfo
	collection *provider.Collection
	logger     *zap.Logger

	gets    atomic.Uint64
	rejects atomic.Uint64
}

// InputStats counts coordinate resolutions and rejections.
type InputStats struct {
	BufferCount uint32
	BufferSize  uint64
	Gets        uint64
	Rejects     uint64
}

// NegotiateInputCollection joins the buffer negotiation and wraps the
// result. Negotiation and mapping failures are returned as
// *ConnectionError.
func NegotiateInputCollection(ctx context.Context, p provider.Provider, token provider.Token, constraints provider.Constraints, access provider.Access, logger *zap.Logger) (*InputBufferCollection, error) {
	col, err := p.GetBuffers(ctx, token, constraints, access)
	if err != nil {
		return nil, &ConnectionError{Op: "negotiate input buffers", Err: err}
	}
	in, err := NewInputCollection(col, logger)
	if err != nil {
		col.Close()
		return nil, err
	}
	return in, nil
}

// NewInputCollection maps every segment of an already negotiated collection
// and builds the view over it. The view takes ownership of the collection
// and closes it on Close.
func NewInputCollection(col *provider.Collection, logger *zap.Logger) (*InputBufferCollection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data := make([][]byte, 0, len(col.Segments))
	for i, seg := range col.Segments {
		if err := seg.Map(); err != nil {
			return nil, &ConnectionError{
				Op:  "map input buffers",
				Err: fmt.Errorf("%w: buffer %d: %v", ErrFailedToMapBuffer, i, err),
			}
		}
		data = append(data, seg.Bytes())
	}
	return &InputBufferCollection{
		data:       data,
		info:       col.Info,
		collection: col,
		logger:     logger.Named("payload"),
	}, nil
}

// Info returns the negotiated collection geometry.
func (p *InputBufferCollection) Info() provider.BufferInfo { return p.info }

// GetBuffer resolves wire coordinates into a mapped Buffer. It returns nil
// when the coordinates fall outside the collection: unknown buffer index,
// zero size, or a range extending past the end of the buffer. Input
// buffers carry no release hook; recycling is driven by the transport's
// release fence.
func (p *InputBufferCollection) GetBuffer(index uint32, offset, size uint64) *Buffer {
	if int(index) >= len(p.data) {
		p.reject(index, offset, size, "unknown buffer index")
		return nil
	}
	buf := p.data[index]
	if size == 0 || offset > uint64(len(buf)) || size > uint64(len(buf))-offset {
		p.reject(index, offset, size, "range out of bounds")
		return nil
	}
	p.gets.Add(1)
	return &Buffer{
		index:  index,
		offset: offset,
		size:   size,
		data:   buf[offset : offset+size],
	}
}

func (p *InputBufferCollection) reject(index uint32, offset, size uint64, why string) {
	p.rejects.Add(1)
	p.logger.Warn("rejected payload coordinates",
		zap.String("reason", why),
		zap.Uint32("index", index),
		zap.Uint64("offset", offset),
		zap.Uint64("size", size))
}

// Stats returns a snapshot of resolution counters.
func (p *InputBufferCollection) Stats() InputStats {
	return InputStats{
		BufferCount: p.info.Count,
		BufferSize:  p.info.Size,
		Gets:        p.gets.Load(),
		Rejects:     p.rejects.Load(),
	}
}

// Close releases the underlying collection. Buffers previously resolved
// must not be accessed after Close since their mappings are torn down.
func (p *InputBufferCollection) Close() error {
	col := p.collection
	p.collection = nil
	if col != nil {
		return col.Close()
	}
	return nil
}
