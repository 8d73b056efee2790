//go:build linux

// Package netmap implements the userspace side of the netmap ring fabric:
// the memory layout of the shared region exported by /dev/netmap, the
// ioctls used to register rings, and a process-wide registry of opened
// devices.
//
// Layout mapping (kernel ↔ userspace):
//
//   - netmap_if: per-interface header inside the shared region; holds the
//     ring count and the offset of every ring.
//   - netmap_ring: per-queue descriptor array header with head/cur/tail
//     cursors owned half by the kernel, half by userspace.
//   - netmap_slot: one descriptor; buffer index, length, flags.
package netmap

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Classic netmap API version (struct nmreq ABI).
const apiVersion = 11

const (
	// regOneNIC requests registration of a single hardware ring pair
	// (nr_flags NR_REG_ONE_NIC).
	regOneNIC = 4

	// noTXPoll, or'ed into nr_ringid, stops poll() from implicitly
	// syncing TX rings (NETMAP_NO_TX_POLL).
	noTXPoll = 0x1000
)

// SlotBufChanged marks a slot whose buffer index was replaced, telling the
// kernel to reload the buffer address on the next sync (NS_BUF_CHANGED).
const SlotBufChanged = 0x0001

// ifReq mirrors struct nmreq from net/netmap.h.
type ifReq struct {
	Name    [unix.IFNAMSIZ]byte
	Version uint32
	Offset  uint32
	Memsize uint32
	TxSlots uint32
	RxSlots uint32
	TxRings uint16
	RxRings uint16
	RingID  uint16
	Cmd     uint16
	Arg1    uint16
	Arg2    uint16
	Arg3    uint32
	Flags   uint32
	Spare   [1]uint32
}

// ifHdr mirrors struct netmap_if. The ring offset table follows the
// header in memory; offsets are relative to the header itself. The table
// holds the TX rings first (plus the host ring), then the RX rings.
type ifHdr struct {
	Name     [unix.IFNAMSIZ]byte
	Version  uint32
	Flags    uint32
	TxRings  uint32
	RxRings  uint32
	BufsHead uint32
	Spare    [5]uint32
}

// ringHdr mirrors struct netmap_ring, including the alignment padding the
// kernel places before the slot array.
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

// Slot mirrors struct netmap_slot.
type Slot struct {
	BufIdx uint32
	Len    uint16
	Flags  uint16
	Ptr    uint64
}

// _IOC direction bits.
const (
	iocVoid  = 0x0
	iocWrite = 0x1
	iocRead  = 0x2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

var (
	niocGInfo  = ioc(iocRead|iocWrite, 'i', 145, unsafe.Sizeof(ifReq{}))
	niocRegIf  = ioc(iocRead|iocWrite, 'i', 146, unsafe.Sizeof(ifReq{}))
	niocTxSync = ioc(iocVoid, 'i', 148, 0)
	niocRxSync = ioc(iocVoid, 'i', 149, 0)
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// RingView is a non-owning view of one netmap_ring inside a mapped
// region. The zero value is not usable; views are produced by Device.
type RingView struct {
	ptr unsafe.Pointer
}

func ringAt(base unsafe.Pointer, off int64) RingView {
	return RingView{ptr: unsafe.Add(base, off)}
}

func (r RingView) hdr() *ringHdr { return (*ringHdr)(r.ptr) }

// NumSlots returns the ring size in slots.
func (r RingView) NumSlots() uint32 { return r.hdr().NumSlots }

// Head returns the ring's head cursor.
func (r RingView) Head() uint32 { return r.hdr().Head }

// Cur returns the ring's current cursor.
func (r RingView) Cur() uint32 { return r.hdr().Cur }

// Tail returns the kernel-owned tail cursor.
func (r RingView) Tail() uint32 { return r.hdr().Tail }

// Space returns the number of slots available between cur and tail,
// the nm_ring_space() macro.
func (r RingView) Space() uint32 {
	h := r.hdr()
	ret := int32(h.Tail) - int32(h.Cur)
	if ret < 0 {
		ret += int32(h.NumSlots)
	}
	return uint32(ret)
}

// Next returns the slot index following i, wrapping at the ring size
// (nm_ring_next).
func (r RingView) Next(i uint32) uint32 {
	if i+1 == r.hdr().NumSlots {
		return 0
	}
	return i + 1
}

// Slot returns a pointer to slot i. The slot lives in the shared region;
// writes to it are visible to the kernel.
func (r RingView) Slot(i uint32) *Slot {
	slots := unsafe.Add(r.ptr, unsafe.Sizeof(ringHdr{}))
	return (*Slot)(unsafe.Add(slots, uintptr(i)*unsafe.Sizeof(Slot{})))
}

// BufBytes returns the packet bytes of the given slot, the
// NETMAP_BUF() macro bounded by the slot length.
func (r RingView) BufBytes(s *Slot) []byte {
	h := r.hdr()
	buf := unsafe.Add(r.ptr, uintptr(h.BufOfs)+uintptr(s.BufIdx)*uintptr(h.BufSize))
	return unsafe.Slice((*byte)(buf), int(s.Len))
}

// SetHeadCur publishes v as both head and cur, releasing every slot up
// to v back to the kernel.
func (r RingView) SetHeadCur(v uint32) {
	h := r.hdr()
	h.Head = v
	h.Cur = v
}

// AdvanceHeadCur moves head and cur one slot forward from cur.
func (r RingView) AdvanceHeadCur() {
	h := r.hdr()
	next := r.Next(h.Cur)
	h.Head = next
	h.Cur = next
}

// Timestamp returns the time the kernel stamped on the ring during the
// last sync.
func (r RingView) Timestamp() time.Time {
	ts := r.hdr().Ts
	return time.Unix(int64(ts.Sec), int64(ts.Usec)*1000)
}
