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
	"testing"
	"time"

	"pgregory.net/rapid"
)

// Checks the unity-rate conversion algebra: shifting the reference input
// by d shifts the presentation output by d, the two conversions invert
// each other, and a stopped timeline is constant.
func TestConversionAlgebra(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p0 := rapid.Int64Range(-1e15, 1e15).Draw(rt, "p0")
		r0 := time.Unix(rapid.Int64Range(0, 1e9).Draw(rt, "sec"), rapid.Int64Range(0, 1e9-1).Draw(rt, "nsec"))
		d := rapid.Int64Range(-1e15, 1e15).Draw(rt, "d")

		tl, err := New(p0, r0, 1.0, true)
		if err != nil {
			rt.Fatalf("New failed: %v", err)
		}

		ref := r0.Add(time.Duration(d))
		if got := tl.ToPresentationTime(ref); got != p0+d {
			rt.Fatalf("ToPresentationTime(r0+%d) = %d, want %d", d, got, p0+d)
		}
		back, ok := tl.ToReferenceTime(p0 + d)
		if !ok || !back.Equal(ref) {
			rt.Fatalf("ToReferenceTime(p0+%d) = (%v, %v), want (%v, true)", d, back, ok, ref)
		}

		frozen := Stopped(p0)
		if got := frozen.ToPresentationTime(ref); got != p0 {
			rt.Fatalf("stopped ToPresentationTime = %d, want %d", got, p0)
		}
	})
}
