//go:build linux

package netmap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const devPath = "/dev/netmap"

var (
	// ErrNotFound is returned when releasing a device the registry does
	// not know about.
	ErrNotFound = errors.New("netmap: device not found")

	// ErrIfaceDown is returned when the interface is administratively
	// down at open time.
	ErrIfaceDown = errors.New("netmap: interface is down")

	// ErrConfig is returned for interfaces the fabric cannot drive, such
	// as an unequal TX/RX ring split.
	ErrConfig = errors.New("netmap: unusable interface configuration")
)

// Ring is the per-queue descriptor: an independently pollable file
// descriptor plus views of the queue's RX and TX rings within the
// device's shared region. The TX side is shared between the receive
// workers and the forwarding path and is guarded by the TX lock; the RX
// side is single-writer and lock-free.
type Ring struct {
	fd     int
	rx     RingView
	tx     RingView
	txLock sync.Mutex
}

// FD returns the queue's file descriptor.
func (r *Ring) FD() int { return r.fd }

// RX returns the view of the queue's receive ring.
func (r *Ring) RX() RingView { return r.rx }

// TX returns the view of the queue's transmit ring.
func (r *Ring) TX() RingView { return r.tx }

// LockTX acquires the TX lock.
func (r *Ring) LockTX() { r.txLock.Lock() }

// TryLockTX attempts the TX lock without blocking.
func (r *Ring) TryLockTX() bool { return r.txLock.TryLock() }

// UnlockTX releases the TX lock.
func (r *Ring) UnlockTX() { r.txLock.Unlock() }

// TXSync asks the kernel to process the TX ring. The caller must hold
// the TX lock.
func (r *Ring) TXSync() error {
	if r.fd < 0 {
		return nil
	}
	return ioctl(r.fd, niocTxSync, nil)
}

// Device is one opened netmap interface: the shared memory region, the
// per-queue ring descriptors, and the bookkeeping shared by every worker
// sourcing from it. Devices are handed out by a Registry and are
// reference counted; the registry owns creation and teardown.
type Device struct {
	name    string
	mem     []byte
	mapped  bool
	nif     *ifHdr
	rings   []*Ring
	ref     int
	workers atomic.Uint32
}

// Name returns the interface name.
func (d *Device) Name() string { return d.name }

// RingCount returns the number of hardware queues. RX and TX counts are
// equal on every open device.
func (d *Device) RingCount() int { return len(d.rings) }

// Ring returns the descriptor for queue i.
func (d *Device) Ring(i int) *Ring { return d.rings[i] }

// ClaimWorker atomically claims the next worker index on this device.
// Workers use the claimed index to carve disjoint ring ranges.
func (d *Device) ClaimWorker() int {
	for {
		idx := d.workers.Load()
		if d.workers.CompareAndSwap(idx, idx+1) {
			return int(idx)
		}
	}
}

func (d *Device) close() {
	if d.mapped && d.mem != nil {
		if err := unix.Munmap(d.mem); err != nil {
			slog.Error("munmap netmap region", "iface", d.name, "err", err)
		}
	}
	d.mem = nil
	for _, r := range d.rings {
		if r.fd >= 0 {
			unix.Close(r.fd)
		}
	}
}

// ifOps abstracts the interface-level operations used while opening a
// device. The default implementation talks netlink; tests substitute a
// fake.
type ifOps interface {
	// EnsureUp reports whether the interface is administratively up and
	// sets promiscuous mode when requested.
	EnsureUp(name string, promisc bool) error
}

// OpenFunc creates a device handle for an interface name. The registry
// calls it on first open of a name; every later open of the same name
// shares the handle it returned.
type OpenFunc func(name string, promisc, verbose bool) (*Device, error)

// Registry is the process-wide table of open devices, keyed by interface
// name. The mutex covers lookup, insert, and remove; I/O during open
// happens under it so lookup-or-create stays atomic with respect to
// other openers.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
	open    OpenFunc
}

// NewRegistry creates an empty device registry backed by /dev/netmap.
func NewRegistry() *Registry {
	o := &fabricOpener{ifaces: netlinkOps{}}
	return NewRegistryWith(o.open)
}

// NewRegistryWith creates a registry whose devices come from open
// instead of /dev/netmap. Tests substitute synthetic fabrics this way.
func NewRegistryWith(open OpenFunc) *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		open:    open,
	}
}

// Open returns a handle for the named interface, opening it on first
// use. Repeated opens of the same name share one handle and bump its
// reference count.
func (g *Registry) Open(name string, promisc, verbose bool) (*Device, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if dev, ok := g.devices[name]; ok {
		dev.ref++
		return dev, nil
	}

	dev, err := g.open(name, promisc, verbose)
	if err != nil {
		return nil, err
	}
	dev.ref = 1
	g.devices[name] = dev
	return dev, nil
}

// Release drops one reference to dev. When the last reference goes away
// the shared region is unmapped, every ring descriptor is closed, and
// the device is removed from the registry.
func (g *Registry) Release(dev *Device) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur, ok := g.devices[dev.name]
	if !ok || cur != dev {
		return ErrNotFound
	}

	dev.ref--
	if dev.ref == 0 {
		dev.close()
		delete(g.devices, dev.name)
	}
	return nil
}

// fabricOpener opens devices through /dev/netmap.
type fabricOpener struct {
	ifaces ifOps
}

func (o *fabricOpener) open(name string, promisc, verbose bool) (*Device, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("%w: interface name %q too long", ErrConfig, name)
	}

	ctl, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devPath, err)
	}
	defer ctl.Close()

	if err := o.ifaces.EnsureUp(name, promisc); err != nil {
		if verbose {
			slog.Error("interface not usable", "iface", name, "err", err)
		}
		return nil, err
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Version = apiVersion

	if err := ioctl(int(ctl.Fd()), niocGInfo, unsafe.Pointer(&req)); err != nil {
		if verbose {
			slog.Error("netmap info query failed", "iface", name, "err", err)
		}
		return nil, fmt.Errorf("NIOCGINFO %s: %w", name, err)
	}
	if req.RxRings != req.TxRings {
		return nil, fmt.Errorf("%w: %s has unequal tx/rx rings (%d/%d)",
			ErrConfig, name, req.TxRings, req.RxRings)
	}

	dev := &Device{
		name:  name,
		rings: make([]*Ring, req.RxRings),
	}
	memsize := int(req.Memsize)

	for i := range dev.rings {
		dev.rings[i] = &Ring{fd: -1}
	}

	// Register an independent descriptor per hardware queue so every
	// ring can be polled on its own.
	for i := range dev.rings {
		ring := dev.rings[i]

		fd, err := unix.Open(devPath, unix.O_RDWR, 0)
		if err != nil {
			dev.close()
			return nil, fmt.Errorf("open %s for ring %d: %w", devPath, i, err)
		}
		ring.fd = fd

		rreq := req
		rreq.Flags = regOneNIC
		rreq.RingID = uint16(i) | noTXPoll
		if err := ioctl(fd, niocRegIf, unsafe.Pointer(&rreq)); err != nil {
			dev.close()
			return nil, fmt.Errorf("NIOCREGIF %s ring %d: %w", name, i, err)
		}

		// The region is shared between every ring of the device; map it
		// once, off the first registered descriptor.
		if dev.mem == nil {
			mem, err := unix.Mmap(fd, 0, memsize,
				unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err != nil {
				dev.close()
				return nil, fmt.Errorf("mmap netmap region for %s: %w", name, err)
			}
			dev.mem = mem
			dev.mapped = true
			dev.nif = (*ifHdr)(unsafe.Pointer(&mem[rreq.Offset]))
		}

		ring.rx = dev.rxRing(i)
		ring.tx = dev.txRing(i)
	}

	return dev, nil
}

// DeviceFromRegion attaches a Device to an already mapped shared region
// whose netmap_if header sits at offset zero. The device has no backing
// descriptors (ring fds are invalid) and is not registered anywhere;
// callers own its lifetime. This is the entry point for driving the ring
// structures over memory that did not come from /dev/netmap, such as the
// synthetic regions used in tests.
func DeviceFromRegion(name string, mem []byte) (*Device, error) {
	if len(mem) < int(unsafe.Sizeof(ifHdr{})) {
		return nil, fmt.Errorf("%w: region too small for %s", ErrConfig, name)
	}
	nif := (*ifHdr)(unsafe.Pointer(&mem[0]))
	if nif.RxRings != nif.TxRings {
		return nil, fmt.Errorf("%w: %s has unequal tx/rx rings (%d/%d)",
			ErrConfig, name, nif.TxRings, nif.RxRings)
	}

	dev := &Device{
		name:  name,
		mem:   mem,
		nif:   nif,
		rings: make([]*Ring, nif.RxRings),
	}
	for i := range dev.rings {
		dev.rings[i] = &Ring{
			fd: -1,
			rx: dev.rxRing(i),
			tx: dev.txRing(i),
		}
	}
	return dev, nil
}

// ringOfs returns entry i of the ring offset table following the
// netmap_if header. The table covers tx_rings+1 TX entries (the extra one is the
// host ring) followed by rx_rings+1 RX entries.
func (d *Device) ringOfs(i int) int64 {
	base := unsafe.Pointer(d.nif)
	table := unsafe.Add(base, unsafe.Sizeof(ifHdr{}))
	return *(*int64)(unsafe.Add(table, uintptr(i)*unsafe.Sizeof(int64(0))))
}

func (d *Device) txRing(i int) RingView {
	return ringAt(unsafe.Pointer(d.nif), d.ringOfs(i))
}

func (d *Device) rxRing(i int) RingView {
	return ringAt(unsafe.Pointer(d.nif), d.ringOfs(i+int(d.nif.TxRings)+1))
}
