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

// Package provider negotiates shared payload buffer collections between
// stream participants. A participant presents an opaque token together
// with its constraints and receives the allocated collection once every
// participant has joined. Two implementations are provided: Local, an
// in-process rendezvous broker, and FileBacked, a name-convention provider
// for participants in separate processes.
package provider

import (
	"context"

	"github.com/google/uuid"

	"github.com/vsrinivas/streamplane/memseg"
)

// Token is an opaque, transferable capability identifying one participant's
// seat in a buffer collection negotiation. Tokens are single-use.
type Token uuid.UUID

// NewToken mints a fresh random token.
func NewToken() Token { return Token(uuid.New()) }

// ParseToken parses the canonical string form of a token.
func ParseToken(s string) (Token, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Token{}, Errorf(CodeMalformedRequest, "bad token %q: %v", s, err)
	}
	return Token(id), nil
}

func (t Token) String() string { return uuid.UUID(t).String() }

// IsZero reports whether t is the zero token.
func (t Token) IsZero() bool { return t == Token(uuid.Nil) }

// Access is the mapping mode a participant requests for buffer memory.
type Access uint8

const (
	// AccessNone joins the negotiation without mapping buffer memory.
	AccessNone Access = iota
	// AccessRead maps buffers read-only.
	AccessRead
	// AccessReadWrite maps buffers read-write.
	AccessReadWrite
)

func (a Access) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessReadWrite:
		return "read-write"
	default:
		return "invalid"
	}
}

// Constraints states one participant's requirements on the collection.
// Zero-valued maximums mean "no limit". A participant with no requirements
// at all may pass the zero value, but at least one participant overall must
// name a buffer count and size or negotiation fails underconstrained.
type Constraints struct {
	MinBufferCount uint32
	MinBufferSize  uint64
	MaxBufferCount uint32
	MaxBufferSize  uint64
}

// BufferInfo describes an allocated collection.
type BufferInfo struct {
	// Name is the human-readable collection name used in diagnostics.
	Name string
	// ID disambiguates collections sharing a name.
	ID uint64
	// Count is the number of buffers allocated.
	Count uint32
	// Size is the usable size of each buffer in bytes.
	Size uint64
}

// Collection is one participant's view of an allocated buffer collection.
// Segments are returned unmapped and are owned by the participant; when the
// participant requested AccessNone, Segments is nil and only Info and
// SegmentNames are populated.
type Collection struct {
	Info         BufferInfo
	SegmentNames []string
	Segments     []*memseg.Segment

	// manifest and owned hold provider-internal handles that keep backing
	// files alive; they are released by Close.
	manifest *memseg.Segment
	owned    []*memseg.Segment
}

// Close closes every segment handle in the collection.
func (c *Collection) Close() error {
	var firstErr error
	for _, seg := range c.Segments {
		if seg == nil {
			continue
		}
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.Segments = nil
	for _, seg := range c.owned {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.owned = nil
	if c.manifest != nil {
		if err := c.manifest.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.manifest = nil
	}
	return firstErr
}

// Provider allocates shared buffer collections.
type Provider interface {
	// CreateBufferCollection binds name to the collection the token belongs
	// to and reports its allocated geometry, blocking until allocation
	// completes or the context expires. The token's negotiation seat is not
	// consumed; a coordinator may observe a collection it never maps.
	CreateBufferCollection(ctx context.Context, token Token, name string) (BufferInfo, error)

	// GetBuffers joins the negotiation identified by token, contributes the
	// participant's constraints, and blocks until the collection is
	// allocated, the context expires, or negotiation fails. The token is
	// consumed whether or not the call succeeds.
	GetBuffers(ctx context.Context, token Token, constraints Constraints, access Access) (*Collection, error)
}
