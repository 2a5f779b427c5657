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

// Package memseg manages named, file-backed shared memory segments. A
// segment is created by one process, opened by any number of peers, and
// mapped into the address space on demand. Segments live under /dev/shm
// when available so mappings stay page-cache resident.
package memseg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// namePrefix is prepended to every segment file so unrelated files in
	// the backing directory are never mistaken for segments.
	namePrefix = "streamplane_"

	maxNameLen = 128
)

var (
	// ErrNotMapped is returned by operations that require a mapped segment.
	ErrNotMapped = errors.New("memseg: segment not mapped")
	// ErrClosed is returned when the segment has already been closed.
	ErrClosed = errors.New("memseg: segment closed")
)

// Segment is a named region of file-backed shared memory. A Segment value
// owns one file descriptor and at most one mapping; it is not safe for
// concurrent use by multiple goroutines.
type Segment struct {
	name     string
	path     string
	size     uint64
	file     *os.File
	mem      []byte
	writable bool
	owner    bool
}

// Dir returns the directory used to back segments: /dev/shm when present
// (Linux tmpfs), otherwise the system temp directory.
func Dir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// PathFor returns the backing file path for a segment name.
func PathFor(name string) string {
	return filepath.Join(Dir(), namePrefix+name)
}

// Exists reports whether a segment with the given name currently exists.
func Exists(name string) bool {
	if err := validateName(name); err != nil {
		return false
	}
	_, err := os.Stat(PathFor(name))
	return err == nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("memseg: empty segment name")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("memseg: segment name too long (%d > %d)", len(name), maxNameLen)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("memseg: invalid segment name %q", name)
	}
	return nil
}

// Create creates a new segment of the given size. It fails if a segment
// with the same name already exists. The creator owns the backing file and
// unlinks it on Close. The segment is returned unmapped.
func Create(name string, size uint64) (*Segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, errors.New("memseg: zero segment size")
	}
	path := PathFor(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("memseg: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("memseg: truncate %s to %d: %w", path, size, err)
	}
	return &Segment{
		name:     name,
		path:     path,
		size:     size,
		file:     f,
		writable: true,
		owner:    true,
	}, nil
}

// Open opens an existing segment by name. The size is taken from the
// backing file. When writable is false the segment maps read-only and
// Bytes must not be written through. The segment is returned unmapped.
func Open(name string, writable bool) (*Segment, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	path := PathFor(name)
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("memseg: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("memseg: stat %s: %w", path, err)
	}
	if fi.Size() <= 0 {
		f.Close()
		return nil, fmt.Errorf("memseg: segment %s has size %d", path, fi.Size())
	}
	return &Segment{
		name:     name,
		path:     path,
		size:     uint64(fi.Size()),
		file:     f,
		writable: writable,
	}, nil
}

// Name returns the segment name (without directory or prefix).
func (s *Segment) Name() string { return s.name }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Size returns the segment size in bytes.
func (s *Segment) Size() uint64 { return s.size }

// Writable reports whether the segment was opened for writing.
func (s *Segment) Writable() bool { return s.writable }

// Mapped reports whether the segment is currently mapped.
func (s *Segment) Mapped() bool { return s.mem != nil }

// Map maps the segment into the address space. Mapping an already mapped
// segment is a no-op. The protection follows the open mode: read-write for
// created or writable-opened segments, read-only otherwise.
func (s *Segment) Map() error {
	if s.file == nil {
		return ErrClosed
	}
	if s.mem != nil {
		return nil
	}
	mem, err := mapFile(s.file, int(s.size), s.writable)
	if err != nil {
		return fmt.Errorf("memseg: map %s: %w", s.path, err)
	}
	s.mem = mem
	return nil
}

// Bytes returns the mapped region, or nil if the segment is not mapped.
// The slice aliases shared memory; it is invalidated by Unmap and Close.
func (s *Segment) Bytes() []byte { return s.mem }

// Unmap removes the mapping, if any. The file stays open and the segment
// can be mapped again.
func (s *Segment) Unmap() error {
	if s.mem == nil {
		return nil
	}
	mem := s.mem
	s.mem = nil
	if err := unmapFile(mem); err != nil {
		return fmt.Errorf("memseg: unmap %s: %w", s.path, err)
	}
	return nil
}

// Close unmaps and closes the segment. If this Segment created the backing
// file, the file is also unlinked. Close is idempotent.
func (s *Segment) Close() error {
	if s.file == nil {
		return nil
	}
	var firstErr error
	if err := s.Unmap(); err != nil {
		firstErr = err
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.file = nil
	if s.owner {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Remove unlinks the backing file without closing open handles. Existing
// mappings and descriptors remain valid until closed.
func (s *Segment) Remove() error {
	err := os.Remove(s.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
