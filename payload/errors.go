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

import "errors"

// ErrFailedToMapBuffer marks a connection failure caused by mapping
// negotiated buffer memory, as opposed to the negotiation itself failing.
var ErrFailedToMapBuffer = errors.New("payload: failed to map buffer")

// ConnectionError is a stream connection failure. Unwrap exposes the
// underlying cause, which is a *provider.Error for negotiation failures or
// wraps ErrFailedToMapBuffer for mapping failures.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return "payload: " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }
