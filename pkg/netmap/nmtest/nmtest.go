//go:build linux

// Package nmtest builds synthetic netmap shared regions in ordinary
// memory. The regions carry the exact ABI layout the kernel would map,
// so ring code can be exercised end to end without a NIC: tests inject
// frames by producing RX slots the way the kernel would, and inspect TX
// rings after forwarding.
package nmtest

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/psaab/ringcap/pkg/netmap"
)

// ifHdr and ringHdr mirror the fabric ABI (see pkg/netmap). The builder
// keeps its own copies so it can lay out and mutate regions, including
// the kernel-owned fields production code never writes.
type ifHdr struct {
	Name     [unix.IFNAMSIZ]byte
	Version  uint32
	Flags    uint32
	TxRings  uint32
	RxRings  uint32
	BufsHead uint32
	Spare    [5]uint32
}

type ringHdr struct {
	BufOfs   int64
	NumSlots uint32
	BufSize  uint32
	RingID   uint16
	Dir      uint16
	Head     uint32
	Cur      uint32
	Tail     uint32
	Flags    uint32
	_        uint32
	Ts       unix.Timeval
	_        [8]byte
	Sem      [128]byte
}

// Config sizes a synthetic region.
type Config struct {
	Rings   int // hardware queue pairs
	Slots   int // slots per ring
	BufSize int // bytes per buffer
}

// Fabric is a synthetic shared region plus the offsets needed to drive
// it from the kernel side.
type Fabric struct {
	Mem []byte

	cfg     Config
	ringOff []int64 // per queue: [tx0, rx0, tx1, rx1, ...] offsets into Mem
}

// New builds a region for cfg. Every ring starts empty: RX rings have no
// pending frames, TX rings have all slots free.
func New(cfg Config) *Fabric {
	if cfg.BufSize == 0 {
		cfg.BufSize = 2048
	}
	if cfg.Slots == 0 {
		cfg.Slots = 64
	}

	hdrSize := int(unsafe.Sizeof(ifHdr{}))
	ringHdrSize := int(unsafe.Sizeof(ringHdr{}))
	slotSize := int(unsafe.Sizeof(netmap.Slot{}))
	ringSize := ringHdrSize + cfg.Slots*slotSize

	// Offset table: tx rings plus host ring, then rx rings plus host
	// ring. Host entries stay zero; nothing dereferences them here.
	tableEntries := (cfg.Rings + 1) * 2
	tableSize := tableEntries * 8

	ringsStart := hdrSize + tableSize
	bufCount := 2 * cfg.Rings * cfg.Slots
	bufsStart := ringsStart + 2*cfg.Rings*ringSize
	total := bufsStart + bufCount*cfg.BufSize

	f := &Fabric{
		Mem:     make([]byte, total),
		cfg:     cfg,
		ringOff: make([]int64, 2*cfg.Rings),
	}

	nif := (*ifHdr)(unsafe.Pointer(&f.Mem[0]))
	copy(nif.Name[:], "fake0")
	nif.TxRings = uint32(cfg.Rings)
	nif.RxRings = uint32(cfg.Rings)

	table := unsafe.Slice((*int64)(unsafe.Pointer(&f.Mem[hdrSize])), tableEntries)

	for q := 0; q < cfg.Rings; q++ {
		txOff := ringsStart + (2*q)*ringSize
		rxOff := ringsStart + (2*q+1)*ringSize
		f.ringOff[2*q] = int64(txOff)
		f.ringOff[2*q+1] = int64(rxOff)

		table[q] = int64(txOff)             // NETMAP_TXRING(nifp, q)
		table[cfg.Rings+1+q] = int64(rxOff) // NETMAP_RXRING(nifp, q)

		tx := f.hdrAt(txOff)
		tx.NumSlots = uint32(cfg.Slots)
		tx.BufSize = uint32(cfg.BufSize)
		tx.RingID = uint16(q)
		tx.BufOfs = int64(bufsStart - txOff)
		tx.Tail = uint32(cfg.Slots - 1) // all slots free

		rx := f.hdrAt(rxOff)
		rx.NumSlots = uint32(cfg.Slots)
		rx.BufSize = uint32(cfg.BufSize)
		rx.RingID = uint16(q)
		rx.BufOfs = int64(bufsStart - rxOff)

		// Unique buffer index per slot across the whole device.
		txSlots := f.slotsAt(txOff)
		rxSlots := f.slotsAt(rxOff)
		for i := 0; i < cfg.Slots; i++ {
			txSlots[i].BufIdx = uint32((2*q)*cfg.Slots + i)
			rxSlots[i].BufIdx = uint32((2*q+1)*cfg.Slots + i)
		}
	}

	return f
}

func (f *Fabric) hdrAt(off int) *ringHdr {
	return (*ringHdr)(unsafe.Pointer(&f.Mem[off]))
}

func (f *Fabric) slotsAt(off int) []netmap.Slot {
	p := unsafe.Pointer(&f.Mem[off+int(unsafe.Sizeof(ringHdr{}))])
	return unsafe.Slice((*netmap.Slot)(p), f.cfg.Slots)
}

func (f *Fabric) rx(q int) *ringHdr { return f.hdrAt(int(f.ringOff[2*q+1])) }
func (f *Fabric) tx(q int) *ringHdr { return f.hdrAt(int(f.ringOff[2*q])) }

// Device attaches a netmap device handle to the region.
func (f *Fabric) Device(name string) (*netmap.Device, error) {
	return netmap.DeviceFromRegion(name, f.Mem)
}

// InjectRX produces one frame on RX queue q, as the kernel would after a
// sync: payload lands in the tail slot's buffer and tail advances.
func (f *Fabric) InjectRX(q int, payload []byte) error {
	hdr := f.rx(q)
	next := hdr.Tail + 1
	if next == hdr.NumSlots {
		next = 0
	}
	if next == hdr.Head {
		return fmt.Errorf("rx ring %d full", q)
	}

	slots := f.slotsAt(int(f.ringOff[2*q+1]))
	slot := &slots[hdr.Tail]
	if len(payload) > f.cfg.BufSize {
		return fmt.Errorf("payload %d exceeds buffer size %d", len(payload), f.cfg.BufSize)
	}
	bufOff := int(f.ringOff[2*q+1]) + int(hdr.BufOfs) + int(slot.BufIdx)*f.cfg.BufSize
	copy(f.Mem[bufOff:bufOff+len(payload)], payload)
	slot.Len = uint16(len(payload))

	hdr.Ts = unix.NsecToTimeval(time.Now().UnixNano())
	hdr.Tail = next
	return nil
}

// FillTX exhausts TX queue q so the next forward attempt sees no space.
func (f *Fabric) FillTX(q int) {
	hdr := f.tx(q)
	hdr.Tail = hdr.Cur
}

// TXHead returns the head cursor of TX queue q. Rings start at zero, so
// on an unsynced fabric this is the number of slots the forwarding path
// has produced.
func (f *Fabric) TXHead(q int) uint32 {
	return f.tx(q).Head
}

// RXBufIdx returns the buffer index currently held by RX queue q, slot i.
func (f *Fabric) RXBufIdx(q int, i int) uint32 {
	return f.slotsAt(int(f.ringOff[2*q+1]))[i].BufIdx
}

// TXSlot returns a copy of TX queue q, slot i.
func (f *Fabric) TXSlot(q int, i int) netmap.Slot {
	return f.slotsAt(int(f.ringOff[2*q]))[i]
}

// RXSlot returns a copy of RX queue q, slot i.
func (f *Fabric) RXSlot(q int, i int) netmap.Slot {
	return f.slotsAt(int(f.ringOff[2*q+1]))[i]
}
