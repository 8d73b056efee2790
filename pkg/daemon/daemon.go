//go:build linux

// Package daemon implements the ringcap daemon lifecycle: it wires the
// configuration to a set of receive workers, serves the metrics
// endpoint, and coordinates clean shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/ringcap/pkg/capture"
	"github.com/psaab/ringcap/pkg/config"
	"github.com/psaab/ringcap/pkg/decode"
	"github.com/psaab/ringcap/pkg/device"
	"github.com/psaab/ringcap/pkg/netmap"
	"github.com/psaab/ringcap/pkg/packet"
	"github.com/psaab/ringcap/pkg/stats"
)

// Options configures the daemon.
type Options struct {
	ConfigFile  string
	MetricsAddr string // overrides the config value when set

	// Handler receives every decoded frame. Nil means count-only.
	Handler decode.Handler
}

// Daemon runs the capture engine.
type Daemon struct {
	opts Options

	fabric  *netmap.Registry
	devices *device.Registry
	stats   *stats.Registry
	pool    *packet.Pool
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = "/etc/ringcap/ringcap.yaml"
	}
	return &Daemon{opts: opts}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting ringcap daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	for _, warn := range cfg.Warnings {
		slog.Warn(warn)
	}

	d.fabric = netmap.NewRegistry()
	d.devices = device.NewRegistry()
	d.stats = stats.NewRegistry()
	d.pool = packet.NewPool(cfg.PoolSize, cfg.FrameSize)

	slot := decode.New(d.stats, d.opts.Handler)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	metricsAddr := cfg.MetricsAddr
	if d.opts.MetricsAddr != "" {
		metricsAddr = d.opts.MetricsAddr
	}
	var metricsSrv *http.Server
	if metricsAddr != "" {
		metricsSrv = d.serveMetrics(metricsAddr)
	}

	var wg sync.WaitGroup
	for _, ifc := range cfg.Interfaces {
		for t := 0; t < ifc.Threads; t++ {
			wg.Add(1)
			go func(ifc config.Iface) {
				defer wg.Done()
				d.runWorker(ctx, ifc, cfg.RunMode, slot)
			}(ifc)
		}
	}

	<-ctx.Done()
	slog.Info("signal received, shutting down")
	stop()
	wg.Wait()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	d.logFinalStats()
	slog.Info("shutdown complete")
	return nil
}

// runWorker drives one receive worker from construction to exit
// summary. A worker that fails to initialize takes only itself down;
// the rest of the engine keeps running.
func (d *Daemon) runWorker(ctx context.Context, ifc config.Iface, runMode string, slot capture.Processor) {
	w, err := capture.NewWorker(ifc, runMode, capture.Deps{
		Fabric:  d.fabric,
		Devices: d.devices,
		Stats:   d.stats,
		Pool:    d.pool,
		Slot:    slot,
	})
	if err != nil {
		slog.Error("capture worker failed to start", "iface", ifc.Name, "err", err)
		return
	}
	defer w.Close()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("capture worker exited", "worker", w.Name(), "err", err)
	}

	pkts, drops, bytes := w.Totals()
	slog.Info("kernel counters",
		"worker", w.Name(),
		"packets", pkts,
		"drops", drops,
		"bytes", humanize.Bytes(bytes))
}

// serveMetrics exposes the Prometheus endpoint.
func (d *Daemon) serveMetrics(addr string) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(stats.NewCollector(d.stats, d.devices))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		slog.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics endpoint failed", "err", err)
		}
	}()
	return srv
}

// logFinalStats prints the engine-wide counter summary.
func (d *Daemon) logFinalStats() {
	attrs := make([]any, 0, 8)
	d.stats.Each(func(name string, value uint64) {
		attrs = append(attrs, name, value)
	})
	for _, live := range d.devices.All() {
		attrs = append(attrs,
			fmt.Sprintf("%s.pkts", live.Name()), live.Pkts.Load(),
			fmt.Sprintf("%s.drop", live.Name()), live.Drops.Load())
	}
	slog.Info("final statistics", attrs...)
}
