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

// Package endpoint manages the two ends of a stream connection. An Output
// is the producer endpoint: it negotiates an output buffer pool, owns the
// producer queue, and pumps elements to the peer. An Input is the consumer
// endpoint: it resolves incoming packets against its view of the buffer
// collection and hands them to the consumer, strictly sequencing
// successive connections so a new one never overlaps the drain of its
// predecessor.
package endpoint

import (
	"errors"

	"go.uber.org/zap"

	"github.com/vsrinivas/streamplane/provider"
)

// ErrDisconnected is returned by InputConnection.Pull once the stream has
// fully drained after a disconnect.
var ErrDisconnected = errors.New("endpoint: disconnected")

type config struct {
	mapBuffers  bool
	constraints provider.Constraints
	access      provider.Access
	logger      *zap.Logger
}

// Option configures an endpoint at construction.
type Option func(*config)

// WithMapping makes connections negotiate and map the payload buffer
// collection with these constraints. Outputs always map read-write; inputs
// default to read-only.
func WithMapping(constraints provider.Constraints) Option {
	return func(c *config) {
		c.mapBuffers = true
		c.constraints = constraints
	}
}

// WithAccess overrides the input-side mapping mode.
func WithAccess(access provider.Access) Option {
	return func(c *config) { c.access = access }
}

// WithLogger attaches a logger to connections made by the endpoint.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

func newConfig(opts []Option) config {
	cfg := config{access: provider.AccessRead}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return cfg
}
