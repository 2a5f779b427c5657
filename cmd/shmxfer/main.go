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

// shmxfer moves a packet stream between two processes over a shared-memory
// channel. Run the producer first:
//
//	shmxfer -role produce -name demo
//	shmxfer -role consume -name demo
//
// Both sides derive the buffer-collection token from the channel name, so
// the only coordination needed is agreeing on -name. The producer creates
// the segments, pushes a fixed number of patterned packets, drains, and
// prints a throughput summary; the consumer pulls, verifies the pattern,
// and releases each buffer back across the channel.
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
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vsrinivas/streamplane/endpoint"
	"github.com/vsrinivas/streamplane/internal/platform/config"
	"github.com/vsrinivas/streamplane/internal/platform/logging"
	"github.com/vsrinivas/streamplane/internal/platform/metrics"
	"github.com/vsrinivas/streamplane/packet"
	"github.com/vsrinivas/streamplane/provider"
	"github.com/vsrinivas/streamplane/shmchan"
	"github.com/vsrinivas/streamplane/streamqueue"
)

// ptsInterval spaces packet timestamps; the transfer itself is unpaced.
const ptsInterval = 10 * time.Millisecond

func main() {
	role := flag.String("role", "", "produce or consume")
	name := flag.String("name", "shmxfer", "channel name shared by both sides")
	configPath := flag.String("config", "", "yaml config file")
	packets := flag.Int("packets", 0, "override packet count (producer)")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *role {
	case "produce":
		err = produce(ctx, cfg, *name, logger)
	case "consume":
		err = consume(ctx, cfg, *name, logger)
	default:
		fmt.Fprintln(os.Stderr, "shmxfer: -role must be produce or consume")
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("shmxfer failed", zap.String("role", *role), zap.Error(err))
	}
}

// collectionToken derives the shared buffer-collection token from the
// channel name, so both processes agree without exchanging ids.
func collectionToken(name string) provider.Token {
	return provider.Token(uuid.NewSHA1(uuid.NameSpaceOID, []byte("streamplane/"+name)))
}

func constraintsFor(cfg config.Config) provider.Constraints {
	return provider.Constraints{
		MinBufferCount: cfg.Pool.BufferCount,
		MinBufferSize:  cfg.Pool.BufferSize,
	}
}

// serveMetrics exposes /metrics and /healthz for the duration of the
// transfer. The returned stop closes the listener; the tool exits right
// after the summary, so a graceful drain is not worth the ceremony here.
func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) (stop func()) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", zap.Error(err))
		}
	}()
	return func() { srv.Close() }
}

func produce(ctx context.Context, cfg config.Config, name string, logger *zap.Logger) error {
	pv := provider.NewFileBacked(true, logger.Named("provider"))

	ln, err := shmchan.Listen(name, shmchan.Options{
		RingCapacity: cfg.Ring.Capacity,
		Logger:       logger.Named("channel"),
	})
	if err != nil {
		return err
	}
	defer ln.Close()

	logger.Info("waiting for consumer", zap.String("channel", name))
	ch, err := ln.Accept(ctx)
	if err != nil {
		return err
	}

	out := endpoint.NewOutput[*packet.Packet](packet.OutputCodec{},
		endpoint.WithMapping(constraintsFor(cfg)),
		endpoint.WithLogger(logger.Named("output")))
	oc, err := out.Connect(ctx, ch, pv, collectionToken(name))
	if err != nil {
		ch.Close()
		return err
	}
	defer oc.Close()

	if cfg.Metrics.Enabled {
		m := metrics.New()
		m.RegisterPool("shmxfer", oc.Pool().Stats)
		m.RegisterChannel("shmxfer", ch.Stats)
		m.RegisterQueueDepth("producer", oc.QueueLen)
		defer serveMetrics(cfg.Metrics.Addr, m, logger)()
	}

	size := cfg.Produce.PayloadSize
	count := cfg.Produce.PacketCount
	start := time.Now()
	var bytes int64
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf := oc.Pool().AllocateBlocking(size)
		if buf == nil {
			return errors.New("shmxfer: allocation failed, stream cleared")
		}
		fillPattern(buf.Bytes(), i)
		var flags packet.Flags
		if i%30 == 0 {
			flags |= packet.FlagKeyFrame
		}
		oc.Push(packet.New(buf, int64(i)*int64(ptsInterval), flags))
		bytes += int64(size)
	}
	oc.End()
	if err := oc.DrainAndDisconnect(ctx); err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Printf("=== Transfer Summary (produce) ===\n")
	fmt.Printf("Packets sent: %d\n", count)
	fmt.Printf("Bytes sent:   %d\n", bytes)
	fmt.Printf("Elapsed:      %v\n", elapsed)
	fmt.Printf("Throughput:   %.1f MB/s\n", float64(bytes)/elapsed.Seconds()/(1<<20))
	return nil
}

func consume(ctx context.Context, cfg config.Config, name string, logger *zap.Logger) error {
	pv := provider.NewFileBacked(false, logger.Named("provider"))

	logger.Info("dialing producer", zap.String("channel", name))
	ch, err := shmchan.Dial(ctx, name, shmchan.Options{Logger: logger.Named("channel")})
	if err != nil {
		return err
	}

	in := endpoint.NewInput[*packet.Packet](packet.InputCodec{},
		endpoint.WithMapping(constraintsFor(cfg)),
		endpoint.WithAccess(provider.AccessRead),
		endpoint.WithLogger(logger.Named("input")))
	ic, err := in.Connect(ctx, ch, pv, collectionToken(name))
	if err != nil {
		ch.Close()
		return err
	}
	defer ic.Close()

	if cfg.Metrics.Enabled {
		m := metrics.New()
		m.RegisterChannel("shmxfer", ch.Stats)
		m.RegisterQueueDepth("consumer", ic.QueueLen)
		defer serveMetrics(cfg.Metrics.Addr, m, logger)()
	}

	start := time.Now()
	var packets, bytes int64
	var corrupt int
	for {
		el, err := ic.Pull(ctx)
		if err != nil {
			if errors.Is(err, endpoint.ErrDisconnected) {
				break
			}
			return err
		}
		switch el.Kind {
		case streamqueue.KindPacket:
			if !checkPattern(el.Packet.Bytes(), int(packets)) {
				corrupt++
			}
			packets++
			bytes += int64(el.Packet.Size())
			el.Packet.Release()
		case streamqueue.KindClear:
			if el.Clear.Fence != nil {
				el.Clear.Fence.Close()
			}
		case streamqueue.KindEnded:
			// The producer's drain closes the channel; keep pulling
			// until Pull reports the disconnect.
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("=== Transfer Summary (consume) ===\n")
	fmt.Printf("Packets received: %d\n", packets)
	fmt.Printf("Bytes received:   %d\n", bytes)
	fmt.Printf("Corrupt packets:  %d\n", corrupt)
	fmt.Printf("Elapsed:          %v\n", elapsed)
	fmt.Printf("Throughput:       %.1f MB/s\n", float64(bytes)/elapsed.Seconds()/(1<<20))
	if corrupt > 0 {
		return fmt.Errorf("shmxfer: %d corrupt packets", corrupt)
	}
	return nil
}

func fillPattern(b []byte, seed int) {
	for i := range b {
		b[i] = byte(seed + i*7)
	}
}

func checkPattern(b []byte, seed int) bool {
	for i := range b {
		if b[i] != byte(seed+i*7) {
			return false
		}
	}
	return true
}
