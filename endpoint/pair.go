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

package endpoint

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/vsrinivas/streamplane/provider"
	"github.com/vsrinivas/streamplane/wire"
)

// Pair wires an Output and an Input back to back over an in-process
// channel pair. The two Connects run concurrently since a rendezvous
// provider completes the buffer negotiation only once both participants
// have joined. On failure both sides are torn down and the first error is
// returned.
func Pair[T any](ctx context.Context, out *Output[T], in *Input[T], pv provider.Provider, outToken, inToken provider.Token) (*OutputConnection[T], *InputConnection[T], error) {
	chOut, chIn := wire.NewPair()

	var (
		oc *OutputConnection[T]
		ic *InputConnection[T]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := out.Connect(gctx, chOut, pv, outToken)
		if err != nil {
			return err
		}
		oc = c
		return nil
	})
	g.Go(func() error {
		c, err := in.Connect(gctx, chIn, pv, inToken)
		if err != nil {
			return err
		}
		ic = c
		return nil
	})
	if err := g.Wait(); err != nil {
		if oc != nil {
			oc.Close()
		}
		if ic != nil {
			ic.Close()
		}
		chOut.Close()
		chIn.Close()
		return nil, nil, err
	}
	return oc, ic, nil
}
