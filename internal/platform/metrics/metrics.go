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

// Package metrics exposes Prometheus collectors over the stats snapshots
// exported by the payload pool, the stream queues, and the shared-memory
// channel. Collectors read a snapshot at scrape time; nothing is counted
// on the hot path beyond what the components already track.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vsrinivas/streamplane/payload"
	"github.com/vsrinivas/streamplane/shmchan"
)

// Metrics owns the registry the streamplane tools expose.
type Metrics struct {
	registry *prometheus.Registry
}

// New creates a registry preloaded with process and Go runtime collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{registry: registry}
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterPool exposes an output pool's counters. name labels the pool.
func (m *Metrics) RegisterPool(name string, stats func() payload.PoolStats) {
	m.registry.MustRegister(&poolCollector{name: name, stats: stats})
}

// RegisterChannel exposes a shared-memory channel's counters.
func (m *Metrics) RegisterChannel(name string, stats func() shmchan.ChannelStats) {
	m.registry.MustRegister(&channelCollector{name: name, stats: stats})
}

// RegisterQueueDepth exposes a stream queue's depth.
func (m *Metrics) RegisterQueueDepth(name string, depth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "streamplane_queue_depth",
		Help:        "Elements buffered in the stream queue.",
		ConstLabels: prometheus.Labels{"queue": name},
	}, func() float64 { return float64(depth()) }))
}

type poolCollector struct {
	name  string
	stats func() payload.PoolStats
}

var (
	poolBuffersDesc = prometheus.NewDesc("streamplane_pool_buffers",
		"Buffers in the negotiated collection.", []string{"pool"}, nil)
	poolBufferBytesDesc = prometheus.NewDesc("streamplane_pool_buffer_bytes",
		"Size of each pool buffer.", []string{"pool"}, nil)
	poolInUseDesc = prometheus.NewDesc("streamplane_pool_buffers_in_use",
		"Buffers currently allocated.", []string{"pool"}, nil)
	poolAllocsDesc = prometheus.NewDesc("streamplane_pool_allocs_total",
		"Successful payload allocations.", []string{"pool"}, nil)
	poolFreesDesc = prometheus.NewDesc("streamplane_pool_frees_total",
		"Payload buffers recycled.", []string{"pool"}, nil)
	poolExhaustionsDesc = prometheus.NewDesc("streamplane_pool_exhaustions_total",
		"Allocations that found no free buffer.", []string{"pool"}, nil)
	poolFailedWaitsDesc = prometheus.NewDesc("streamplane_pool_failed_waits_total",
		"Blocked or pending allocations failed by FailPendingAllocation.", []string{"pool"}, nil)
)

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolBuffersDesc
	ch <- poolBufferBytesDesc
	ch <- poolInUseDesc
	ch <- poolAllocsDesc
	ch <- poolFreesDesc
	ch <- poolExhaustionsDesc
	ch <- poolFailedWaitsDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, c.name)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, c.name)
	}
	gauge(poolBuffersDesc, float64(s.BufferCount))
	gauge(poolBufferBytesDesc, float64(s.BufferSize))
	gauge(poolInUseDesc, float64(s.InUse))
	counter(poolAllocsDesc, float64(s.TotalAllocs))
	counter(poolFreesDesc, float64(s.TotalFrees))
	counter(poolExhaustionsDesc, float64(s.Exhaustions))
	counter(poolFailedWaitsDesc, float64(s.FailedWaits))
}

type channelCollector struct {
	name  string
	stats func() shmchan.ChannelStats
}

var (
	chanRingUsedDesc = prometheus.NewDesc("streamplane_channel_ring_used_bytes",
		"Bytes buffered in a channel ring.", []string{"channel", "direction"}, nil)
	chanRingCapDesc = prometheus.NewDesc("streamplane_channel_ring_capacity_bytes",
		"Capacity of a channel ring.", []string{"channel", "direction"}, nil)
	chanFramesDesc = prometheus.NewDesc("streamplane_channel_frames_total",
		"Frames moved through the channel.", []string{"channel", "direction"}, nil)
	chanReleasesDesc = prometheus.NewDesc("streamplane_channel_releases_total",
		"Release fences crossed.", []string{"channel", "direction"}, nil)
	chanPendingFencesDesc = prometheus.NewDesc("streamplane_channel_pending_fences",
		"Fences awaiting the peer's release.", []string{"channel"}, nil)
)

func (c *channelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- chanRingUsedDesc
	ch <- chanRingCapDesc
	ch <- chanFramesDesc
	ch <- chanReleasesDesc
	ch <- chanPendingFencesDesc
}

func (c *channelCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(chanRingUsedDesc, prometheus.GaugeValue, float64(s.TxUsed), c.name, "tx")
	ch <- prometheus.MustNewConstMetric(chanRingUsedDesc, prometheus.GaugeValue, float64(s.RxUsed), c.name, "rx")
	ch <- prometheus.MustNewConstMetric(chanRingCapDesc, prometheus.GaugeValue, float64(s.TxCapacity), c.name, "tx")
	ch <- prometheus.MustNewConstMetric(chanRingCapDesc, prometheus.GaugeValue, float64(s.RxCapacity), c.name, "rx")
	ch <- prometheus.MustNewConstMetric(chanFramesDesc, prometheus.CounterValue, float64(s.FramesSent), c.name, "tx")
	ch <- prometheus.MustNewConstMetric(chanFramesDesc, prometheus.CounterValue, float64(s.FramesRecv), c.name, "rx")
	ch <- prometheus.MustNewConstMetric(chanReleasesDesc, prometheus.CounterValue, float64(s.ReleasesSent), c.name, "tx")
	ch <- prometheus.MustNewConstMetric(chanReleasesDesc, prometheus.CounterValue, float64(s.ReleasesRecv), c.name, "rx")
	ch <- prometheus.MustNewConstMetric(chanPendingFencesDesc, prometheus.GaugeValue, float64(s.PendingFences), c.name)
}
