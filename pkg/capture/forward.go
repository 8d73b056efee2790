//go:build linux

package capture

import (
	"github.com/psaab/ringcap/pkg/config"
	"github.com/psaab/ringcap/pkg/netmap"
	"github.com/psaab/ringcap/pkg/packet"
)

// releasePacket is the release callback installed on zero-copy frames.
// It runs when the downstream pipeline is done with the frame: inline
// frames get forwarded (or dropped) first, then the frame object goes
// back to the pool. Pseudo frames never reach the wire.
func (w *Worker) releasePacket(p *packet.Packet) {
	if w.copyMode.Inline() && !p.HasFlags(packet.FlagPseudo) {
		w.writePacket(p)
	}
	p.ToPool()
}

// writePacket moves the frame's buffer into the egress device's TX ring
// by swapping buffer indices with the source RX slot. No payload bytes
// move. The kernel picks the TX slot up on the next TX sync issued from
// the worker loop.
func (w *Worker) writePacket(p *packet.Packet) bool {
	if w.copyMode == config.CopyModeIPS && p.Dropped() {
		// Inline drop: the RX slot returns to the kernel when the drain
		// cursor advances; nothing lands in a TX ring.
		return true
	}

	// Round-robin onto the egress rings when the egress device has
	// fewer queues than the ingress one.
	dst := w.dst.Ring(p.Ref.Ring % w.dst.RingCount())
	src := w.src.Ring(p.Ref.Ring)

	dst.LockTX()

	tx := dst.TX()
	if tx.Space() == 0 {
		w.local.Drops++
		dst.UnlockTX()
		return false
	}

	rs := src.RX().Slot(p.Ref.Slot)
	ts := tx.Slot(tx.Cur())

	rs.BufIdx, ts.BufIdx = ts.BufIdx, rs.BufIdx
	ts.Len = rs.Len
	ts.Flags |= netmap.SlotBufChanged
	rs.Flags |= netmap.SlotBufChanged

	// The swap becomes visible to the kernel only once head advances.
	tx.AdvanceHeadCur()

	dst.UnlockTX()
	return true
}
