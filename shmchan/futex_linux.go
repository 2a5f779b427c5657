//go:build linux

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
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The futex words live in a file-backed mapping shared by two processes,
// so the shared (non-PRIVATE) futex operations are required.

// Futex operation codes from <linux/futex.h>; x/sys/unix exports the
// syscall number but not these op constants.
const (
	futexOpWait = 0 // FUTEX_WAIT
	futexOpWake = 1 // FUTEX_WAKE
)

// futexWait parks until the word at addr changes from val, a wake arrives,
// or timeoutNs elapses (0 means no timeout). Spurious returns are allowed;
// callers must re-check their condition. Returns errFutexTimeout on
// timeout, nil otherwise.
func futexWait(addr *uint32, val uint32, timeoutNs int64) error {
	// Re-check under atomic load right before the syscall: the producer may
	// have bumped the sequence between our snapshot and here, and a futex
	// entered with a stale expected value would miss that wake.
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	var tsp *unix.Timespec
	if timeoutNs > 0 {
		ts := unix.NsecToTimespec(timeoutNs)
		tsp = &ts
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWait),
		uintptr(val),
		uintptr(unsafe.Pointer(tsp)),
		0, 0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return errFutexTimeout
	default:
		return fmt.Errorf("shmchan: futex wait: %w", errno)
	}
}

// futexWake wakes up to n waiters parked on addr.
func futexWake(addr *uint32, n int) {
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWake),
		uintptr(n),
		0, 0, 0,
	)
}
