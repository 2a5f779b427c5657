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
	"errors"
	"fmt"
)

// Code classifies buffer negotiation failures.
type Code int

const (
	// CodeOverconstrained means participant constraints are mutually
	// unsatisfiable (for example, one minimum exceeds another's maximum).
	CodeOverconstrained Code = iota + 1
	// CodeUnderconstrained means no participant supplied enough information
	// to size the allocation.
	CodeUnderconstrained
	// CodeInsufficientMemory means backing memory could not be allocated.
	CodeInsufficientMemory
	// CodeNoParticipants means a participant abandoned the negotiation
	// before buffers were allocated.
	CodeNoParticipants
	// CodeTimedOut means the caller's context expired while waiting.
	CodeTimedOut
	// CodeAccessDenied means the requested access mode was refused.
	CodeAccessDenied
	// CodeMalformedRequest means the request itself was invalid, such as an
	// unknown or already consumed token.
	CodeMalformedRequest
	// CodeNotSupported means the provider cannot satisfy the request kind.
	CodeNotSupported
)

func (c Code) String() string {
	switch c {
	case CodeOverconstrained:
		return "overconstrained"
	case CodeUnderconstrained:
		return "underconstrained"
	case CodeInsufficientMemory:
		return "insufficient memory"
	case CodeNoParticipants:
		return "no participants"
	case CodeTimedOut:
		return "timed out"
	case CodeAccessDenied:
		return "access denied"
	case CodeMalformedRequest:
		return "malformed request"
	case CodeNotSupported:
		return "not supported"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is a negotiation failure with a classification code and an optional
// underlying cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider: %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("provider: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error around a cause.
func WrapError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the classification code from err, or 0 if err is not a
// provider error.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}
