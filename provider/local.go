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
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vsrinivas/streamplane/memseg"
)

// pageSize is the allocation granularity for buffer sizes.
const pageSize = 4096

// Local is an in-process rendezvous broker. A collection is registered with
// CreateCollection, which mints one token per participant; each participant
// then calls GetBuffers with its token. Allocation happens once the last
// participant joins, and every waiter observes the same result.
type Local struct {
	mu     sync.Mutex
	logger *zap.Logger
	nextID uint64
	seats  map[Token]*rendezvous
	// groups survives seat consumption so CreateBufferCollection can keep
	// observing a collection after its participants joined.
	groups map[Token]*rendezvous
	owned  []*memseg.Segment
}

type seatJoin struct {
	constraints Constraints
	access      Access
}

type rendezvous struct {
	name      string
	id        uint64
	want      int
	joins     []seatJoin
	done      chan struct{}
	completed bool
	err       *Error
	info      BufferInfo
	segNames  []string
}

// NewLocal returns a broker with no registered collections. A nil logger
// disables logging.
func NewLocal(logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		logger: logger.Named("provider"),
		seats:  make(map[Token]*rendezvous),
		groups: make(map[Token]*rendezvous),
	}
}

func validateCollectionName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return Errorf(CodeMalformedRequest, "invalid collection name %q", name)
	}
	return nil
}

// CreateCollection registers a collection expecting the given number of
// participants and returns one token per seat.
func (l *Local) CreateCollection(name string, participants int) ([]Token, error) {
	if participants <= 0 {
		return nil, Errorf(CodeMalformedRequest, "collection %q needs at least one participant", name)
	}
	if err := validateCollectionName(name); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	r := &rendezvous{
		name: name,
		id:   l.nextID,
		want: participants,
		done: make(chan struct{}),
	}
	tokens := make([]Token, participants)
	for i := range tokens {
		tokens[i] = NewToken()
		l.seats[tokens[i]] = r
		l.groups[tokens[i]] = r
	}
	return tokens, nil
}

// CreateBufferCollection implements Provider. With a non-empty name the
// collection is renamed before allocation; once allocated the recorded
// geometry is final and the name argument only has to be well formed.
func (l *Local) CreateBufferCollection(ctx context.Context, token Token, name string) (BufferInfo, error) {
	l.mu.Lock()
	r, ok := l.groups[token]
	if !ok {
		l.mu.Unlock()
		return BufferInfo{}, Errorf(CodeMalformedRequest, "unknown token %s", token)
	}
	if name != "" {
		if err := validateCollectionName(name); err != nil {
			l.mu.Unlock()
			return BufferInfo{}, err
		}
		if !r.completed {
			r.name = name
		}
	}
	waitName := r.name
	done := r.done
	l.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return BufferInfo{}, WrapError(CodeTimedOut, ctx.Err(), "waiting for collection %q", waitName)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r.err != nil {
		return BufferInfo{}, r.err
	}
	return r.info, nil
}

// GetBuffers implements Provider.
func (l *Local) GetBuffers(ctx context.Context, token Token, constraints Constraints, access Access) (*Collection, error) {
	l.mu.Lock()
	r, ok := l.seats[token]
	if !ok {
		l.mu.Unlock()
		return nil, Errorf(CodeMalformedRequest, "unknown or consumed token %s", token)
	}
	delete(l.seats, token)
	if r.completed {
		err := r.err
		l.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return l.openCollection(r, access)
	}
	r.joins = append(r.joins, seatJoin{constraints: constraints, access: access})
	if len(r.joins) == r.want {
		l.allocateLocked(r)
	}
	done := r.done
	l.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		l.mu.Lock()
		if !r.completed {
			r.failLocked(Errorf(CodeNoParticipants, "participant abandoned negotiation on %q", r.name))
			l.mu.Unlock()
			return nil, WrapError(CodeTimedOut, ctx.Err(),
				"waiting for %d participants on %q", r.want, r.name)
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	err := r.err
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return l.openCollection(r, access)
}

func (r *rendezvous) failLocked(err *Error) {
	if r.completed {
		return
	}
	r.completed = true
	r.err = err
	close(r.done)
}

// allocateLocked aggregates the joined constraints and creates the backing
// segments. Called with l.mu held once the last participant has joined.
func (l *Local) allocateLocked(r *rendezvous) {
	var (
		count    uint32
		size     uint64
		maxCount uint32
		maxSize  uint64
	)
	for _, j := range r.joins {
		count += j.constraints.MinBufferCount
		if j.constraints.MinBufferSize > size {
			size = j.constraints.MinBufferSize
		}
		if m := j.constraints.MaxBufferCount; m > 0 && (maxCount == 0 || m < maxCount) {
			maxCount = m
		}
		if m := j.constraints.MaxBufferSize; m > 0 && (maxSize == 0 || m < maxSize) {
			maxSize = m
		}
	}
	if count == 0 || size == 0 {
		r.failLocked(Errorf(CodeUnderconstrained,
			"collection %q: no participant named a buffer count and size", r.name))
		return
	}
	if maxCount > 0 && count > maxCount {
		r.failLocked(Errorf(CodeOverconstrained,
			"collection %q: need %d buffers, capped at %d", r.name, count, maxCount))
		return
	}
	if maxSize > 0 && size > maxSize {
		r.failLocked(Errorf(CodeOverconstrained,
			"collection %q: need %d byte buffers, capped at %d", r.name, size, maxSize))
		return
	}
	size = (size + pageSize - 1) &^ uint64(pageSize-1)

	names := make([]string, count)
	segs := make([]*memseg.Segment, 0, count)
	for i := range names {
		names[i] = fmt.Sprintf("%s_%d_buf%03d_%d", r.name, r.id, i, os.Getpid())
		seg, err := memseg.Create(names[i], size)
		if err != nil {
			for _, s := range segs {
				s.Close()
			}
			r.failLocked(WrapError(CodeInsufficientMemory, err,
				"collection %q: allocating %d x %d bytes", r.name, count, size))
			return
		}
		segs = append(segs, seg)
	}
	l.owned = append(l.owned, segs...)

	r.completed = true
	r.info = BufferInfo{Name: r.name, ID: r.id, Count: count, Size: size}
	r.segNames = names
	close(r.done)
	l.logger.Info("collection allocated",
		zap.String("name", r.name),
		zap.Uint64("id", r.id),
		zap.Uint32("buffers", count),
		zap.Uint64("buffer_size", size))
}

// openCollection opens a fresh set of segment handles for one participant.
func (l *Local) openCollection(r *rendezvous, access Access) (*Collection, error) {
	col := &Collection{Info: r.info, SegmentNames: r.segNames}
	if access == AccessNone {
		return col, nil
	}
	for _, name := range r.segNames {
		seg, err := memseg.Open(name, access == AccessReadWrite)
		if err != nil {
			col.Close()
			if os.IsPermission(err) {
				return nil, WrapError(CodeAccessDenied, err, "opening %q for %s", name, access)
			}
			return nil, WrapError(CodeInsufficientMemory, err, "opening %q", name)
		}
		col.Segments = append(col.Segments, seg)
	}
	return col, nil
}

// Close fails any unfinished negotiations and removes the backing files of
// allocated collections. Participant handles already returned stay usable
// until their own Close.
func (l *Local) Close() error {
	l.mu.Lock()
	for tok, r := range l.seats {
		delete(l.seats, tok)
		r.failLocked(Errorf(CodeNoParticipants, "provider closed"))
	}
	l.groups = make(map[Token]*rendezvous)
	owned := l.owned
	l.owned = nil
	l.mu.Unlock()

	var firstErr error
	for _, seg := range owned {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
