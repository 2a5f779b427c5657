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

package wire

import (
	"context"
	"sync"
)

// pipeDepth bounds the number of undelivered messages per direction.
const pipeDepth = 16

// Pipe is the in-process Channel implementation. Both ends live in the
// same process, so fences cross without serialization.
type Pipe struct {
	peer  *Pipe
	inbox chan SinkMsg
	done  chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	err    error
	fences map[*pipeFence]struct{}
}

// NewPair returns the two connected ends of an in-process channel.
func NewPair() (*Pipe, *Pipe) {
	a := newPipe()
	b := newPipe()
	a.peer, b.peer = b, a
	return a, b
}

func newPipe() *Pipe {
	return &Pipe{
		inbox:  make(chan SinkMsg, pipeDepth),
		done:   make(chan struct{}),
		fences: make(map[*pipeFence]struct{}),
	}
}

// Send implements Channel.
func (p *Pipe) Send(m SinkMsg) error {
	select {
	case <-p.done:
		return p.sendErr()
	default:
	}
	select {
	case p.peer.inbox <- m:
		return nil
	case <-p.done:
		return p.sendErr()
	}
}

func (p *Pipe) sendErr() error {
	if err := p.Err(); err != nil {
		return err
	}
	return ErrChannelClosed
}

// Recv implements Channel. Messages already in flight at termination are
// delivered before the terminal error.
func (p *Pipe) Recv(ctx context.Context) (SinkMsg, error) {
	select {
	case m := <-p.inbox:
		return m, nil
	default:
	}
	select {
	case m := <-p.inbox:
		return m, nil
	case <-ctx.Done():
		return SinkMsg{}, ctx.Err()
	case <-p.done:
		select {
		case m := <-p.inbox:
			return m, nil
		default:
			return SinkMsg{}, p.sendErr()
		}
	}
}

// NewReleaseFence implements Channel.
func (p *Pipe) NewReleaseFence() (<-chan struct{}, Fence) {
	f := &pipeFence{pipe: p, watch: make(chan struct{})}
	p.mu.Lock()
	select {
	case <-p.done:
		// Channel already dead: the watch fires immediately.
		p.mu.Unlock()
		f.fire()
		return f.watch, f
	default:
	}
	p.fences[f] = struct{}{}
	p.mu.Unlock()
	return f.watch, f
}

// Close implements Channel. The peer observes ErrPeerClosed after draining
// in-flight messages.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.terminate(nil)
		p.peer.terminate(ErrPeerClosed)
	})
	return nil
}

// terminate moves the pipe to its terminal state and fires every
// outstanding fence watch so no payload stays held by a dead connection.
func (p *Pipe) terminate(cause error) {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
	}
	p.err = cause
	fences := p.fences
	p.fences = make(map[*pipeFence]struct{})
	close(p.done)
	p.mu.Unlock()

	for f := range fences {
		f.fire()
	}
}

// Done implements Channel.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Err implements Channel.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// pipeFence fires its watch exactly once, on Close or channel termination.
type pipeFence struct {
	pipe  *Pipe
	watch chan struct{}
	once  sync.Once
}

func (f *pipeFence) fire() {
	f.once.Do(func() { close(f.watch) })
}

// Close implements Fence.
func (f *pipeFence) Close() {
	f.pipe.mu.Lock()
	delete(f.pipe.fences, f)
	f.pipe.mu.Unlock()
	f.fire()
}
