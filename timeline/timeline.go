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

// Package timeline correlates stream presentation time with reference
// (wall-clock) time and schedules transport state transitions against
// that correlation. Presentation times are nanosecond offsets on the
// stream's own axis; reference times are clock instants.
package timeline

import (
	"errors"
	"time"
)

// ErrRateNotSupported is returned for any playback rate other than 1.0.
// Rounding and precision behavior for non-unity rates is unspecified, so
// the conversion math is deliberately not implemented.
var ErrRateNotSupported = errors.New("timeline: only unity rate is supported")

// Timeline is an immutable correlation between a presentation time and a
// reference time instant. While progressing, presentation time advances
// with reference time at the stored rate; while stopped, presentation
// time stays frozen at the stored offset no matter what reference time is
// queried.
type Timeline struct {
	presentation int64
	reference    time.Time
	rate         float64
	progressing  bool
}

// New builds a timeline correlating presentationTime with referenceTime.
func New(presentationTime int64, referenceTime time.Time, rate float64, progressing bool) (Timeline, error) {
	if rate != 1.0 {
		return Timeline{}, ErrRateNotSupported
	}
	return Timeline{
		presentation: presentationTime,
		reference:    referenceTime,
		rate:         rate,
		progressing:  progressing,
	}, nil
}

// Stopped returns a timeline frozen at presentationTime.
func Stopped(presentationTime int64) Timeline {
	return Timeline{presentation: presentationTime, rate: 1.0}
}

// PresentationOffset returns the presentation time at the reference
// origin; for a stopped timeline this is the frozen presentation time.
func (tl Timeline) PresentationOffset() int64 { return tl.presentation }

// ReferenceTime returns the reference origin.
func (tl Timeline) ReferenceTime() time.Time { return tl.reference }

// Rate returns the presentation rate relative to reference time.
func (tl Timeline) Rate() float64 { return tl.rate }

// Progressing reports whether presentation time advances with reference
// time.
func (tl Timeline) Progressing() bool { return tl.progressing }

// ToPresentationTime converts a reference instant to presentation time.
// A stopped timeline reports its frozen presentation time for every
// input.
func (tl Timeline) ToPresentationTime(ref time.Time) int64 {
	if !tl.progressing {
		return tl.presentation
	}
	return tl.presentation + ref.Sub(tl.reference).Nanoseconds()
}

// ToReferenceTime converts a presentation time to the reference instant
// at which it is (or was) current. The conversion does not exist for a
// stopped timeline; ok is false in that case.
func (tl Timeline) ToReferenceTime(presentation int64) (ref time.Time, ok bool) {
	if !tl.progressing {
		return time.Time{}, false
	}
	return tl.reference.Add(time.Duration(presentation - tl.presentation)), true
}
