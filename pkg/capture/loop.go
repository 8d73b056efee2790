//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/psaab/ringcap/pkg/config"
	"github.com/psaab/ringcap/pkg/device"
	"github.com/psaab/ringcap/pkg/packet"
)

// pollTimeout bounds each poll wait so the shutdown check runs at least
// every 100 ms.
const pollTimeout = 100

// Events that take a ring out of service until operator intervention.
const pollFatalEvents = unix.POLLHUP | unix.POLLRDHUP | unix.POLLERR | unix.POLLNVAL

// Run polls the worker's rings and drains them until ctx is cancelled.
// Frames already handed downstream keep flowing; Run only stops pulling
// new ones.
func (w *Worker) Run(ctx context.Context) error {
	n := w.ringTo - w.ringFrom + 1
	fds := make([]unix.PollFd, n)
	for i := range fds {
		fds[i] = unix.PollFd{
			Fd:     int32(w.src.Ring(w.ringFrom + i).FD()),
			Events: unix.POLLIN,
		}
	}

	for {
		if ctx.Err() != nil {
			w.flushCounters()
			return nil
		}

		// Hold off until the pool has a frame object free, so a quiet
		// downstream cannot make us allocate at line rate.
		w.pool.Wait()

		r, err := unix.Poll(fds, pollTimeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			slog.Error("poll failed", "iface", w.src.Name(), "err", err)
			continue
		}
		if r == 0 {
			// timeout
			continue
		}

		diagnosed := false
		for i := range fds {
			rev := fds[i].Revents
			if rev&pollFatalEvents != 0 {
				if !diagnosed {
					diagnosed = true
					slog.Error("ring error event",
						"iface", w.src.Name(),
						"ring", w.ringFrom+i,
						"revents", rev)
				}
				continue
			}

			if rev&unix.POLLIN != 0 {
				srcRing := w.ringFrom + i
				if err := w.drainRing(srcRing); err != nil {
					slog.Debug("drain aborted", "worker", w.name, "ring", srcRing, "err", err)
				}

				if w.copyMode.Inline() {
					// Opportunistic TX sync on the paired egress ring;
					// the release callback may hold the lock, in which
					// case the next cycle retries.
					dst := w.dst.Ring(srcRing % w.dst.RingCount())
					if dst.TryLockTX() {
						if err := dst.TXSync(); err != nil {
							slog.Error("tx sync failed",
								"iface", w.dst.Name(), "err", err)
						}
						dst.UnlockTX()
					}
				}
			}
		}

		w.flushCounters()
	}
}

// drainRing consumes every readable slot of the given source ring. On a
// transient failure (copy overflow, downstream refusal) it returns without publishing the cursor, so the next cycle re-reads
// from the last published position.
func (w *Worker) drainRing(ringID int) error {
	rx := w.src.Ring(ringID).RX()
	avail := rx.Space()
	cur := rx.Cur()

	for ; avail > 0; avail-- {
		slot := rx.Slot(cur)
		data := rx.BufBytes(slot)

		if !w.prog.Match(data) {
			// rejected by filter
			cur = rx.Next(cur)
			continue
		}

		p := w.pool.Get()
		p.Source = packet.SourceWire
		p.LiveDev = w.livedev
		p.LinkType = packet.LinkTypeEthernet
		p.Ts = rx.Timestamp()
		w.local.Pkts++
		w.local.Bytes += uint64(slot.Len)
		w.seenPkts++

		switch w.checksumMode {
		case config.ChecksumDisable:
			p.AddFlags(packet.FlagIgnoreChecksum)
		case config.ChecksumAuto:
			if w.livedev.IgnoreChecksum() {
				p.AddFlags(packet.FlagIgnoreChecksum)
			} else if device.AutoModeCheck(w.seenPkts,
				w.livedev.Pkts.Load(),
				w.livedev.InvalidChecksums.Load()) {
				w.livedev.SetIgnoreChecksum()
				p.AddFlags(packet.FlagIgnoreChecksum)
			}
		}

		if w.zeroCopy {
			p.SetData(data)
			p.SetRelease(w.releasePacket)
			p.Ref = packet.Ref{Ctx: w, Ring: ringID, Slot: cur}
		} else {
			if err := p.CopyData(data); err != nil {
				p.ToPool()
				return fmt.Errorf("copy frame from ring %d: %w", ringID, err)
			}
		}

		if err := w.slot.Process(p); err != nil {
			p.ToPool()
			return fmt.Errorf("downstream slot: %w", err)
		}

		cur = rx.Next(cur)
	}

	// Publishing head together with cur returns every visited slot to
	// the kernel, including slots whose buffer index was swapped into a
	// TX ring; the buffer-changed flag covers those.
	rx.SetHeadCur(cur)
	return nil
}
