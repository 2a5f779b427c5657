//go:build !linux

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
	"sync/atomic"
	"time"
)

// Platforms without futexes fall back to bounded polling on the shared
// word. Latency is worse than the futex path but the ring protocol is
// unchanged, so mixed deployments still interoperate.

const pollInterval = 200 * time.Microsecond

func futexWait(addr *uint32, val uint32, timeoutNs int64) error {
	var deadline time.Time
	if timeoutNs > 0 {
		deadline = time.Now().Add(time.Duration(timeoutNs))
	}
	for atomic.LoadUint32(addr) == val {
		if timeoutNs > 0 && !time.Now().Before(deadline) {
			return errFutexTimeout
		}
		time.Sleep(pollInterval)
	}
	return nil
}

func futexWake(addr *uint32, n int) {}
