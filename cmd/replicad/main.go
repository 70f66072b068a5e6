// Command replicad is the data-plane replica server: it accepts client
// I/O connections and rebuild-peer connections, runs the checkpoint
// timer, and exposes a management/metrics HTTP surface.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/cloudbyte/zrepl-core/acceptor"
	"github.com/cloudbyte/zrepl-core/checkpoint"
	"github.com/cloudbyte/zrepl-core/config"
	"github.com/cloudbyte/zrepl-core/internal/nlog"
	"github.com/cloudbyte/zrepl-core/ioengine"
	"github.com/cloudbyte/zrepl-core/mgmt"
	"github.com/cloudbyte/zrepl-core/receiver"
	"github.com/cloudbyte/zrepl-core/rebuild"
	"github.com/cloudbyte/zrepl-core/stats"
	"github.com/cloudbyte/zrepl-core/store"
	"github.com/cloudbyte/zrepl-core/volume"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		nlog.Errorf("config: %v", err)
		os.Exit(1)
	}
	nlog.SetLevel(parseLevel(cfg.LogLevel))
	nlog.SetVerbosity(int32(cfg.LogVerbosity))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		nlog.Errorf("data-dir: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := volume.NewRegistry()
	timer := checkpoint.NewTimer(registry)
	st := stats.New()
	timer.Stats = st
	reg := prometheus.NewRegistry()
	st.MustRegister(reg)

	newEngine := func(name string, size uint64) (store.Engine, error) {
		return store.NewMemEngine(name, size, filepath.Join(cfg.DataDir, name+".ckpt.db"))
	}

	mgmtSrv := &mgmt.Server{
		Registry:                  registry,
		NewEngine:                 newEngine,
		Ctx:                       ctx,
		DefaultCheckpointInterval: cfg.CheckpointInterval,
		StepSize:                  cfg.StepSize,
		Stats:                     st,
		OnHealthy:                 func(v *volume.Info) { timer.UpdateIonumInterval(v, 0) },
	}

	lookup := registry.Lookup
	scanner := &rebuild.Scanner{Lookup: lookup, Stats: st}
	worker := ioengine.Worker{Stats: st}

	acc := &acceptor.Acceptor{
		IOAddr:       cfg.IOAddr,
		RebuildAddr:  cfg.RebuildAddr,
		SoftenFaults: cfg.SoftenAcceptorFaults,
		OnIOConn: func(conn *os.File) {
			defer conn.Close()
			receiver.Serve(ctx, conn, lookup, worker)
		},
		OnRebuildConn: func(conn *os.File) {
			defer conn.Close()
			scanner.Serve(ctx, conn)
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return acc.Run(gctx) })
	checkpoint.RunGroup(gctx, g, timer)

	mgmtLn, err := net.Listen("tcp", cfg.MgmtAddr)
	if err != nil {
		nlog.Errorf("mgmt listen: %v", err)
		os.Exit(1)
	}
	g.Go(func() error {
		srv := &fasthttp.Server{Handler: mgmtSrv.Handler}
		go func() {
			<-gctx.Done()
			srv.Shutdown()
		}()
		return srv.Serve(mgmtLn)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	g.Go(func() error {
		go func() {
			<-gctx.Done()
			metricsSrv.Close()
		}()
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-sigCh:
			nlog.Infoln("replicad: shutdown signal received")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	nlog.Infof("replicad: listening io=%s rebuild=%s mgmt=%s metrics=%s",
		cfg.IOAddr, cfg.RebuildAddr, cfg.MgmtAddr, cfg.MetricsAddr)

	if err := g.Wait(); err != nil {
		nlog.Errorf("replicad: %v", err)
		os.Exit(1)
	}
}

func parseLevel(s string) nlog.Level {
	switch s {
	case "error":
		return nlog.LevelError
	case "warn":
		return nlog.LevelWarn
	case "debug":
		return nlog.LevelDebug
	default:
		return nlog.LevelInfo
	}
}
