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

// Package config loads configuration for the streamplane command-line
// tools from a yaml file, an optional .env file, and environment
// variables, in that order of increasing precedence. Library packages do
// not read configuration; they take explicit options.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full tool configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Pool    PoolConfig    `yaml:"pool"`
	Ring    RingConfig    `yaml:"ring"`
	Produce ProduceConfig `yaml:"produce"`
}

// LoggingConfig selects the zap logger build.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// MetricsConfig configures the metrics/health HTTP endpoint.
type MetricsConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// PoolConfig states the payload buffer constraints a tool negotiates.
type PoolConfig struct {
	BufferCount uint32 `yaml:"buffer_count"`
	BufferSize  uint64 `yaml:"buffer_size"`
}

// RingConfig sizes the per-direction shared-memory channel rings.
type RingConfig struct {
	Capacity uint64 `yaml:"capacity"`
}

// ProduceConfig paces the demo producer.
type ProduceConfig struct {
	PacketsPerSecond float64 `yaml:"packets_per_second"`
	Burst            int     `yaml:"burst"`
	PacketCount      int     `yaml:"packet_count"`
	PayloadSize      uint64  `yaml:"payload_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Addr: ":9180", Enabled: true},
		Pool:    PoolConfig{BufferCount: 8, BufferSize: 64 * 1024},
		Ring:    RingConfig{Capacity: 64 * 1024},
		Produce: ProduceConfig{
			PacketsPerSecond: 30,
			Burst:            4,
			PacketCount:      300,
			PayloadSize:      16 * 1024,
		},
	}
}

// Load returns the defaults overlaid with the yaml file at path (skipped
// when path is empty) and then with environment variables. A .env file in
// the working directory is folded into the environment first when present.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	// Missing .env is not an error; the environment alone still applies.
	_ = godotenv.Load()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Logging.Level = envString("STREAMPLANE_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envString("STREAMPLANE_LOG_FORMAT", c.Logging.Format)
	c.Metrics.Addr = envString("STREAMPLANE_METRICS_ADDR", c.Metrics.Addr)
	c.Metrics.Enabled = envBool("STREAMPLANE_METRICS_ENABLED", c.Metrics.Enabled)
	c.Pool.BufferCount = uint32(envUint("STREAMPLANE_POOL_BUFFER_COUNT", uint64(c.Pool.BufferCount)))
	c.Pool.BufferSize = envUint("STREAMPLANE_POOL_BUFFER_SIZE", c.Pool.BufferSize)
	c.Ring.Capacity = envUint("STREAMPLANE_RING_CAPACITY", c.Ring.Capacity)
	c.Produce.PacketCount = envInt("STREAMPLANE_PRODUCE_PACKETS", c.Produce.PacketCount)
	c.Produce.PayloadSize = envUint("STREAMPLANE_PRODUCE_PAYLOAD_SIZE", c.Produce.PayloadSize)
}

func envString(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.ParseBool(s); err == nil {
			return v
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			return v
		}
	}
	return fallback
}
