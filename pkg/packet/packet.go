// Package packet defines the frame objects flowing through the capture
// pipeline and the bounded pool that backs them. A Packet either owns a
// copy of the frame bytes or, in zero-copy mode, borrows them straight
// from NIC-mapped memory; the release callback decides what happens to
// the borrowed slot when the pipeline is done.
package packet

import (
	"errors"
	"sync"
	"time"

	"github.com/psaab/ringcap/pkg/device"
)

// Source tags where a packet entered the engine.
type Source uint8

const (
	SourceNone Source = iota
	SourceWire
)

// Flags carried on a packet through the pipeline.
type Flags uint32

const (
	// FlagIgnoreChecksum tells downstream stages to skip checksum
	// validation for this frame.
	FlagIgnoreChecksum Flags = 1 << iota

	// FlagPseudo marks synthetic frames injected by the pipeline itself
	// (stream end notifications and the like). Pseudo frames never touch
	// the forwarding path.
	FlagPseudo
)

// Action is the verdict downstream stages attach to a frame.
type Action uint8

const (
	ActionNone Action = iota
	ActionDrop
)

// LinkTypeEthernet is the only link type the ring fabric delivers.
const LinkTypeEthernet = 1

// ErrTooLarge is returned when a frame does not fit the packet's owned
// buffer.
var ErrTooLarge = errors.New("packet: frame exceeds buffer size")

// Ref is the back-reference a zero-copy packet carries to its source
// slot: the owning worker, the ring index within the source device, and
// the slot index within that ring. The release path uses it to find the
// slot whose buffer must be swapped or returned.
type Ref struct {
	Ctx  any
	Ring int
	Slot uint32
}

// Packet is one frame in flight.
type Packet struct {
	data     []byte
	buf      []byte
	external bool

	Source   Source
	LinkType int
	Ts       time.Time

	// LiveDev points at the interface-wide counter record for the
	// capturing device.
	LiveDev *device.Live

	flags   Flags
	action  Action
	release func(*Packet)

	// Ref locates the source ring slot for zero-copy frames.
	Ref Ref

	pool *Pool
}

// SetData attaches externally owned bytes without copying. The caller
// keeps the bytes alive until the packet is released.
func (p *Packet) SetData(b []byte) {
	p.data = b
	p.external = true
}

// CopyData copies b into the packet's owned buffer.
func (p *Packet) CopyData(b []byte) error {
	if len(b) > cap(p.buf) {
		return ErrTooLarge
	}
	p.buf = p.buf[:len(b)]
	copy(p.buf, b)
	p.data = p.buf
	p.external = false
	return nil
}

// Data returns the packet payload.
func (p *Packet) Data() []byte { return p.data }

// Len returns the payload length.
func (p *Packet) Len() int { return len(p.data) }

// AddFlags sets the given flags on the packet.
func (p *Packet) AddFlags(f Flags) { p.flags |= f }

// HasFlags reports whether all of f are set.
func (p *Packet) HasFlags(f Flags) bool { return p.flags&f == f }

// SetAction records the downstream verdict.
func (p *Packet) SetAction(a Action) { p.action = a }

// Dropped reports whether the frame carries a drop verdict.
func (p *Packet) Dropped() bool { return p.action == ActionDrop }

// SetRelease installs the callback invoked when the pipeline finishes
// with the packet. Without one, Release returns the packet to its pool.
func (p *Packet) SetRelease(fn func(*Packet)) { p.release = fn }

// Release hands the packet back: through the installed callback when one
// is set, straight to the pool otherwise.
func (p *Packet) Release() {
	if p.release != nil {
		fn := p.release
		p.release = nil
		fn(p)
		return
	}
	p.ToPool()
}

// ToPool returns the packet to its pool unconditionally, bypassing any
// release callback.
func (p *Packet) ToPool() {
	if p.pool != nil {
		p.pool.put(p)
	}
}

func (p *Packet) reset() {
	p.data = nil
	p.buf = p.buf[:0]
	p.external = false
	p.Source = SourceNone
	p.LinkType = 0
	p.Ts = time.Time{}
	p.LiveDev = nil
	p.flags = 0
	p.action = ActionNone
	p.release = nil
	p.Ref = Ref{}
}

// Pool is a bounded free list of packets. Get never fails: when the pool
// is empty it allocates a fresh packet, so the bound caps retained
// memory, not throughput. Wait provides the backpressure the capture
// loop needs before polling at line rate.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	free     []*Packet
	max      int
	frameCap int
}

// DefaultFrameSize is the owned-buffer capacity of pooled packets,
// sized for an Ethernet frame.
const DefaultFrameSize = 1514

// NewPool creates a pool holding up to n packets with frameCap bytes of
// owned buffer each. A frameCap of zero uses DefaultFrameSize.
func NewPool(n int, frameCap int) *Pool {
	if frameCap <= 0 {
		frameCap = DefaultFrameSize
	}
	p := &Pool{
		free:     make([]*Packet, 0, n),
		max:      n,
		frameCap: frameCap,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		p.free = append(p.free, p.newPacket())
	}
	return p
}

func (p *Pool) newPacket() *Packet {
	return &Packet{
		buf:  make([]byte, 0, p.frameCap),
		pool: p,
	}
}

// Get returns a packet, allocating one when the free list is empty.
func (p *Pool) Get() *Packet {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		pkt := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return pkt
	}
	p.mu.Unlock()
	return p.newPacket()
}

// Wait blocks until the pool holds at least one free packet.
func (p *Pool) Wait() {
	p.mu.Lock()
	for len(p.free) == 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Free returns the current number of pooled packets.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) put(pkt *Packet) {
	pkt.reset()
	p.mu.Lock()
	if len(p.free) < p.max {
		p.free = append(p.free, pkt)
		p.cond.Signal()
	}
	p.mu.Unlock()
}
