//go:build linux

// Package capture implements the receive engine over the netmap ring
// fabric: workers partition a device's hardware rings among themselves,
// poll them, filter and hand frames to the downstream pipeline, and in
// inline mode forward frames to an egress device by swapping ring
// buffers instead of copying.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/psaab/ringcap/pkg/config"
	"github.com/psaab/ringcap/pkg/device"
	"github.com/psaab/ringcap/pkg/filter"
	"github.com/psaab/ringcap/pkg/netmap"
	"github.com/psaab/ringcap/pkg/packet"
	"github.com/psaab/ringcap/pkg/stats"
)

// ErrConfig is returned for worker configurations the device cannot
// satisfy.
var ErrConfig = errors.New("capture: invalid configuration")

// Processor is the downstream slot consuming captured frames. A failure
// aborts the current drain iteration; the worker returns the frame to
// the pool and retries the ring on the next poll cycle.
type Processor interface {
	Process(p *packet.Packet) error
}

// Deps are the shared collaborators a worker is wired to.
type Deps struct {
	Fabric  *netmap.Registry
	Devices *device.Registry
	Stats   *stats.Registry
	Pool    *packet.Pool
	Slot    Processor
}

// Worker is one receive thread. It owns a contiguous range of the
// source device's rings and is their only reader.
type Worker struct {
	name string

	src *netmap.Device
	dst *netmap.Device

	fabric *netmap.Registry

	ringFrom  int
	ringTo    int
	threadIdx int

	zeroCopy     bool
	copyMode     config.CopyMode
	checksumMode config.ChecksumMode
	prog         *filter.Program

	slot    Processor
	pool    *packet.Pool
	livedev *device.Live

	// local counters, flushed once per poll cycle
	local stats.Local

	// lifetime totals for the exit summary and the checksum auto-mode
	// sample position
	seenPkts   uint64
	totalPkts  uint64
	totalDrops uint64

	kernelPackets *atomic.Uint64
	kernelDrops   *atomic.Uint64
}

// NewWorker opens the devices for cfg and claims this worker's ring
// range. Every worker thread configured for the interface calls
// NewWorker with the same cfg; the device's claim counter hands each
// one a distinct index.
func NewWorker(cfg config.Iface, runMode string, deps Deps) (*Worker, error) {
	copyMode, err := cfg.ParseCopyMode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	checksumMode, err := cfg.ParseChecksum()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	w := &Worker{
		fabric:       deps.Fabric,
		copyMode:     copyMode,
		checksumMode: checksumMode,
		slot:         deps.Slot,
		pool:         deps.Pool,
		livedev:      deps.Devices.Register(cfg.Name),
	}

	w.src, err = w.fabric.Open(cfg.Name, cfg.Promiscuous(), true)
	if err != nil {
		return nil, err
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = 1
	}
	if threads > w.src.RingCount() {
		w.fabric.Release(w.src)
		return nil, fmt.Errorf("%w: %d threads for interface %s with %d rings",
			ErrConfig, threads, cfg.Name, w.src.RingCount())
	}

	w.threadIdx = w.src.ClaimWorker()
	w.ringFrom, w.ringTo = ringRange(w.threadIdx, threads, w.src.RingCount())
	w.name = fmt.Sprintf("%s#%d", cfg.Name, w.threadIdx)

	if copyMode.Inline() {
		w.dst, err = w.fabric.Open(cfg.CopyIface, false, true)
		if err != nil {
			w.fabric.Release(w.src)
			return nil, err
		}
	}

	if cfg.BPF != "" {
		slog.Info("using packet filter", "iface", cfg.Name, "filter", cfg.BPF)
	}
	w.prog, err = filter.Compile(cfg.BPF)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if runMode == config.RunModeWorkers {
		w.zeroCopy = true
		slog.Info("enabling zero copy mode", "worker", w.name)
	}

	if offload, err := netmap.OffloadActive(cfg.Name); err == nil && offload {
		slog.Warn("GRO or LRO is enabled; captured frames may exceed ring slot size",
			"iface", cfg.Name)
	}

	w.kernelPackets = deps.Stats.Counter(stats.KernelPackets)
	w.kernelDrops = deps.Stats.Counter(stats.KernelDrops)

	slog.Debug("capture worker ready",
		"worker", w.name,
		"rings", fmt.Sprintf("%d-%d", w.ringFrom, w.ringTo),
		"copy-mode", copyMode.String())
	return w, nil
}

// ringRange partitions rings contiguously among threads. The last
// worker's range absorbs any remainder through the clamp.
func ringRange(idx, threads, rings int) (from, to int) {
	chunk := rings / threads
	from = idx * chunk
	to = from + chunk - 1
	if idx == threads-1 || to >= rings {
		to = rings - 1
	}
	return from, to
}

// Name returns the worker's name, interface plus thread index.
func (w *Worker) Name() string { return w.name }

// Rings returns the worker's inclusive ring range on the source device.
func (w *Worker) Rings() (from, to int) { return w.ringFrom, w.ringTo }

// Totals returns the worker's lifetime packet, drop, and byte counts.
func (w *Worker) Totals() (pkts, drops, bytes uint64) {
	return w.totalPkts, w.totalDrops, w.local.Bytes
}

// flushCounters publishes the local per-cycle counts to the shared
// registries.
func (w *Worker) flushCounters() {
	p, d := w.local.Flush(w.kernelPackets, w.kernelDrops)
	if p > 0 {
		w.livedev.Pkts.Add(p)
	}
	if d > 0 {
		w.livedev.Drops.Add(d)
	}
	w.totalPkts += p
	w.totalDrops += d
}

// Close releases the worker's device handles. The egress handle goes
// first; both are gone before the worker itself becomes garbage.
func (w *Worker) Close() {
	w.flushCounters()
	if w.dst != nil {
		if err := w.fabric.Release(w.dst); err != nil {
			slog.Error("release egress device", "worker", w.name, "err", err)
		}
		w.dst = nil
	}
	if w.src != nil {
		if err := w.fabric.Release(w.src); err != nil {
			slog.Error("release source device", "worker", w.name, "err", err)
		}
		w.src = nil
	}
	w.prog = nil
}
