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

package timeline

import (
	"errors"
	"testing"
	"time"
)

func TestProgressingConversion(t *testing.T) {
	r0 := time.Unix(1000, 0)
	tl, err := New(5_000_000, r0, 1.0, true)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if got := tl.ToPresentationTime(r0); got != 5_000_000 {
		t.Errorf("ToPresentationTime(origin) = %d, want 5000000", got)
	}
	if got := tl.ToPresentationTime(r0.Add(time.Millisecond)); got != 5_000_000+int64(time.Millisecond) {
		t.Errorf("ToPresentationTime(origin+1ms) = %d", got)
	}
	if got := tl.ToPresentationTime(r0.Add(-time.Millisecond)); got != 5_000_000-int64(time.Millisecond) {
		t.Errorf("ToPresentationTime(origin-1ms) = %d", got)
	}

	ref, ok := tl.ToReferenceTime(5_000_000 + int64(time.Second))
	if !ok {
		t.Fatalf("ToReferenceTime reported no conversion")
	}
	if want := r0.Add(time.Second); !ref.Equal(want) {
		t.Errorf("ToReferenceTime = %v, want %v", ref, want)
	}
}

func TestStoppedConversionIsFrozen(t *testing.T) {
	tl := Stopped(7000)
	for _, ref := range []time.Time{{}, time.Unix(0, 0), time.Unix(1e6, 0)} {
		if got := tl.ToPresentationTime(ref); got != 7000 {
			t.Errorf("ToPresentationTime(%v) = %d, want 7000", ref, got)
		}
	}
	if _, ok := tl.ToReferenceTime(7000); ok {
		t.Errorf("ToReferenceTime on a stopped timeline reported a conversion")
	}
	if tl.Progressing() {
		t.Errorf("Stopped timeline reports progressing")
	}
}

func TestNonUnityRateRejected(t *testing.T) {
	for _, rate := range []float64{0, 0.5, 2.0, -1.0} {
		if _, err := New(0, time.Unix(0, 0), rate, true); !errors.Is(err, ErrRateNotSupported) {
			t.Errorf("New(rate=%v) error = %v, want ErrRateNotSupported", rate, err)
		}
	}
	if _, err := New(0, time.Unix(0, 0), 1.0, true); err != nil {
		t.Errorf("New(rate=1.0) failed: %v", err)
	}
}

func TestAccessors(t *testing.T) {
	r0 := time.Unix(42, 0)
	tl, err := New(123, r0, 1.0, true)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if tl.PresentationOffset() != 123 || !tl.ReferenceTime().Equal(r0) || tl.Rate() != 1.0 || !tl.Progressing() {
		t.Errorf("accessors = (%d, %v, %v, %v)", tl.PresentationOffset(), tl.ReferenceTime(), tl.Rate(), tl.Progressing())
	}
}
