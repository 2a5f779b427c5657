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

package provider

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/vsrinivas/streamplane/memseg"
)

// Manifest segment layout. The creator publishes the allocated geometry
// here; openers poll the ready flag before trusting the other fields.
const (
	manifestMagic    = "SPLNINFO"
	manifestVersion  = 1
	manifestSize     = 64
	manifestVerOff   = 8
	manifestCountOff = 12
	manifestSizeOff  = 16
	manifestReadyOff = 24
)

const defaultPollInterval = time.Millisecond

// FileBacked is a name-convention provider for participants in separate
// processes. Both sides hold the same token, shared out-of-band. The
// creating side allocates buffer segments named after the token and
// publishes their geometry in a manifest segment; the opening side polls
// for the manifest and adopts the published geometry, verifying it against
// its own constraints. No broker process is involved.
type FileBacked struct {
	create bool
	poll   time.Duration
	logger *zap.Logger
}

// NewFileBacked returns a provider in creator or opener role. A nil logger
// disables logging.
func NewFileBacked(create bool, logger *zap.Logger) *FileBacked {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileBacked{
		create: create,
		poll:   defaultPollInterval,
		logger: logger.Named("provider"),
	}
}

func manifestName(token Token) string { return fmt.Sprintf("c%s_info", token) }

func bufferName(token Token, i uint32) string { return fmt.Sprintf("c%s_buf%03d", token, i) }

// parseManifest validates a mapped manifest and returns the published
// geometry.
func parseManifest(mem []byte, token Token) (count uint32, size uint64, err error) {
	if string(mem[:8]) != manifestMagic {
		return 0, 0, Errorf(CodeMalformedRequest, "bad manifest magic for token %s", token)
	}
	if v := binary.LittleEndian.Uint32(mem[manifestVerOff:]); v != manifestVersion {
		return 0, 0, Errorf(CodeNotSupported, "manifest version %d, want %d", v, manifestVersion)
	}
	return binary.LittleEndian.Uint32(mem[manifestCountOff:]),
		binary.LittleEndian.Uint64(mem[manifestSizeOff:]), nil
}

// CreateBufferCollection implements Provider. The geometry is fixed by the
// creator's constraints when it publishes the manifest, so in either role
// the call waits for the manifest and reports what it carries. A non-empty
// name replaces the token-derived diagnostic name in the result.
func (f *FileBacked) CreateBufferCollection(ctx context.Context, token Token, name string) (BufferInfo, error) {
	if token.IsZero() {
		return BufferInfo{}, Errorf(CodeMalformedRequest, "zero token")
	}
	man, err := f.waitManifest(ctx, token)
	if err != nil {
		return BufferInfo{}, err
	}
	defer man.Close()
	count, size, err := parseManifest(man.Bytes(), token)
	if err != nil {
		return BufferInfo{}, err
	}
	if name == "" {
		name = token.String()
	}
	return BufferInfo{Name: name, Count: count, Size: size}, nil
}

// GetBuffers implements Provider.
func (f *FileBacked) GetBuffers(ctx context.Context, token Token, constraints Constraints, access Access) (*Collection, error) {
	if token.IsZero() {
		return nil, Errorf(CodeMalformedRequest, "zero token")
	}
	if f.create {
		return f.createBuffers(token, constraints, access)
	}
	return f.openBuffers(ctx, token, constraints, access)
}

func (f *FileBacked) createBuffers(token Token, c Constraints, access Access) (*Collection, error) {
	count := c.MinBufferCount
	size := c.MinBufferSize
	if count == 0 || size == 0 {
		return nil, Errorf(CodeUnderconstrained,
			"creator must name a buffer count and size, got count=%d size=%d", count, size)
	}
	if c.MaxBufferCount > 0 && count > c.MaxBufferCount {
		return nil, Errorf(CodeOverconstrained, "count %d exceeds own cap %d", count, c.MaxBufferCount)
	}
	size = (size + pageSize - 1) &^ uint64(pageSize-1)
	if c.MaxBufferSize > 0 && size > c.MaxBufferSize {
		return nil, Errorf(CodeOverconstrained, "aligned size %d exceeds own cap %d", size, c.MaxBufferSize)
	}

	col := &Collection{
		Info: BufferInfo{Name: token.String(), Count: count, Size: size},
	}
	for i := uint32(0); i < count; i++ {
		name := bufferName(token, i)
		seg, err := memseg.Create(name, size)
		if err != nil {
			col.Close()
			return nil, WrapError(CodeInsufficientMemory, err, "allocating buffer %d of %d", i, count)
		}
		col.SegmentNames = append(col.SegmentNames, name)
		col.Segments = append(col.Segments, seg)
	}

	// Publish the manifest last so openers never observe a partial set.
	man, err := memseg.Create(manifestName(token), manifestSize)
	if err != nil {
		col.Close()
		return nil, WrapError(CodeInsufficientMemory, err, "creating manifest")
	}
	if err := man.Map(); err != nil {
		man.Close()
		col.Close()
		return nil, WrapError(CodeInsufficientMemory, err, "mapping manifest")
	}
	mem := man.Bytes()
	copy(mem[:8], manifestMagic)
	binary.LittleEndian.PutUint32(mem[manifestVerOff:], manifestVersion)
	binary.LittleEndian.PutUint32(mem[manifestCountOff:], count)
	binary.LittleEndian.PutUint64(mem[manifestSizeOff:], size)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[manifestReadyOff])), 1)
	man.Unmap()
	col.manifest = man

	if access == AccessNone {
		// Keep the owner handles alive internally so the backing files
		// survive until the collection is closed.
		col.owned = col.Segments
		col.Segments = nil
	}
	f.logger.Info("collection published",
		zap.String("token", token.String()),
		zap.Uint32("buffers", count),
		zap.Uint64("buffer_size", size))
	return col, nil
}

func (f *FileBacked) openBuffers(ctx context.Context, token Token, c Constraints, access Access) (*Collection, error) {
	man, err := f.waitManifest(ctx, token)
	if err != nil {
		return nil, err
	}
	defer man.Close()

	count, size, err := parseManifest(man.Bytes(), token)
	if err != nil {
		return nil, err
	}

	if c.MinBufferCount > count {
		return nil, Errorf(CodeOverconstrained, "need %d buffers, collection has %d", c.MinBufferCount, count)
	}
	if c.MinBufferSize > size {
		return nil, Errorf(CodeOverconstrained, "need %d byte buffers, collection has %d", c.MinBufferSize, size)
	}
	if c.MaxBufferCount > 0 && count > c.MaxBufferCount {
		return nil, Errorf(CodeOverconstrained, "collection has %d buffers, capped at %d", count, c.MaxBufferCount)
	}
	if c.MaxBufferSize > 0 && size > c.MaxBufferSize {
		return nil, Errorf(CodeOverconstrained, "collection buffers are %d bytes, capped at %d", size, c.MaxBufferSize)
	}

	col := &Collection{Info: BufferInfo{Name: token.String(), Count: count, Size: size}}
	for i := uint32(0); i < count; i++ {
		name := bufferName(token, i)
		col.SegmentNames = append(col.SegmentNames, name)
		if access == AccessNone {
			continue
		}
		seg, err := memseg.Open(name, access == AccessReadWrite)
		if err != nil {
			col.Close()
			if os.IsPermission(err) {
				return nil, WrapError(CodeAccessDenied, err, "opening buffer %d for %s", i, access)
			}
			return nil, WrapError(CodeMalformedRequest, err, "opening buffer %d", i)
		}
		col.Segments = append(col.Segments, seg)
	}
	return col, nil
}

// waitManifest polls until the creator has published a ready manifest, the
// context expires, or the manifest is malformed. The returned segment is
// mapped read-only.
func (f *FileBacked) waitManifest(ctx context.Context, token Token) (*memseg.Segment, error) {
	name := manifestName(token)
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()
	for {
		if memseg.Exists(name) {
			man, err := memseg.Open(name, false)
			if err == nil {
				if err := man.Map(); err != nil {
					man.Close()
					return nil, WrapError(CodeInsufficientMemory, err, "mapping manifest")
				}
				if man.Size() >= manifestSize &&
					atomic.LoadUint32((*uint32)(unsafe.Pointer(&man.Bytes()[manifestReadyOff]))) != 0 {
					return man, nil
				}
				man.Close()
			}
		}
		select {
		case <-ctx.Done():
			return nil, WrapError(CodeTimedOut, ctx.Err(), "waiting for collection %s", token)
		case <-ticker.C:
		}
	}
}
