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

// loopback runs a complete producer/consumer stream inside one process:
// a local buffer collection is negotiated between both endpoints, packets
// flow over an in-process channel pair with fence-driven recycling, and a
// transport controller paces the presentation clock. Pool and queue state
// is exported on a metrics endpoint while the stream runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vsrinivas/streamplane/endpoint"
	"github.com/vsrinivas/streamplane/internal/platform/config"
	"github.com/vsrinivas/streamplane/internal/platform/logging"
	"github.com/vsrinivas/streamplane/internal/platform/metrics"
	"github.com/vsrinivas/streamplane/packet"
	"github.com/vsrinivas/streamplane/provider"
	"github.com/vsrinivas/streamplane/streamqueue"
	"github.com/vsrinivas/streamplane/timeline"
)

const startMargin = 20 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "yaml config file")
	packets := flag.Int("packets", 0, "override packet count")
	addr := flag.String("addr", "", "override metrics listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *packets > 0 {
		cfg.Produce.PacketCount = *packets
	}
	if *addr != "" {
		cfg.Metrics.Addr = *addr
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("loopback failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pv := provider.NewLocal(logger.Named("provider"))
	defer pv.Close()
	tokens, err := pv.CreateCollection("loopback", 2)
	if err != nil {
		return err
	}

	constraints := provider.Constraints{
		MinBufferCount: cfg.Pool.BufferCount,
		MinBufferSize:  cfg.Pool.BufferSize,
	}
	out := endpoint.NewOutput[*packet.Packet](packet.OutputCodec{},
		endpoint.WithMapping(constraints),
		endpoint.WithLogger(logger.Named("output")))
	in := endpoint.NewInput[*packet.Packet](packet.InputCodec{},
		endpoint.WithMapping(constraints),
		endpoint.WithLogger(logger.Named("input")))

	oc, ic, err := endpoint.Pair(ctx, out, in, pv, tokens[0], tokens[1])
	if err != nil {
		return err
	}
	defer oc.Close()
	defer ic.Close()

	ctrl := timeline.NewController(timeline.System(), logger.Named("controller"))
	started, err := ctrl.Start(time.Now().Add(100*time.Millisecond), 0, startMargin)
	if err != nil {
		return err
	}

	m := metrics.New()
	m.RegisterPool("loopback", oc.Pool().Stats)
	m.RegisterQueueDepth("producer", oc.QueueLen)
	m.RegisterQueueDepth("consumer", ic.QueueLen)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := metricsServer(cfg.Metrics.Addr, m)
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// The producer waits for the transport to start progressing, then
	// pushes paced packets and drains losslessly.
	g.Go(func() error {
		select {
		case err := <-started:
			if err != nil {
				return fmt.Errorf("start canceled: %w", err)
			}
		case <-gctx.Done():
			return gctx.Err()
		}
		if err := produce(gctx, cfg, oc, logger.Named("producer")); err != nil {
			return err
		}
		return oc.DrainAndDisconnect(gctx)
	})

	var received, bytes int64
	g.Go(func() error {
		n, b, err := consume(gctx, ic, ctrl)
		received, bytes = n, b
		return err
	})

	g.Go(func() error {
		// Stream finished: release the metrics server and signal waiters.
		select {
		case <-ic.Drained():
			stop()
		case <-gctx.Done():
		}
		return nil
	})

	err = g.Wait()
	logger.Info("loopback finished",
		zap.Int64("packets", received),
		zap.Int64("bytes", bytes),
		zap.Int64("final_presentation_ns", ctrl.CurrentPresentationTime()))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func metricsServer(addr string, m *metrics.Metrics) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: r}
}

func produce(ctx context.Context, cfg config.Config, oc *endpoint.OutputConnection[*packet.Packet], logger *zap.Logger) error {
	limiter := rate.NewLimiter(rate.Limit(cfg.Produce.PacketsPerSecond), cfg.Produce.Burst)
	interval := int64(float64(time.Second) / cfg.Produce.PacketsPerSecond)
	pool := oc.Pool()

	for i := 0; i < cfg.Produce.PacketCount; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		buf := pool.AllocateBlocking(cfg.Produce.PayloadSize)
		if buf == nil {
			return errors.New("producer: allocation failed")
		}
		fillPattern(buf.Bytes(), i)
		flags := packet.Flags(0)
		if i%30 == 0 {
			flags |= packet.FlagKeyFrame
		}
		oc.Push(packet.New(buf, int64(i)*interval, flags))
	}
	logger.Info("all packets pushed", zap.Int("count", cfg.Produce.PacketCount))
	oc.End()
	return nil
}

func consume(ctx context.Context, ic *endpoint.InputConnection[*packet.Packet], ctrl *timeline.Controller) (packets, bytes int64, err error) {
	for {
		el, err := ic.Pull(ctx)
		if err != nil {
			if errors.Is(err, endpoint.ErrDisconnected) {
				return packets, bytes, nil
			}
			return packets, bytes, err
		}
		switch el.Kind {
		case streamqueue.KindPacket:
			ctrl.SetCurrentPresentationTime(el.Packet.Pts)
			packets++
			bytes += int64(el.Packet.Size())
			el.Packet.Release()
		case streamqueue.KindClear:
			if el.Clear.Fence != nil {
				el.Clear.Fence.Close()
			}
		case streamqueue.KindEnded:
			// Keep pulling: the definitive end is ErrDisconnected once the
			// producer's drain has torn the transport down.
		}
	}
}

func fillPattern(b []byte, seed int) {
	if b == nil {
		return
	}
	for i := range b {
		b[i] = byte(seed + i*7)
	}
}
