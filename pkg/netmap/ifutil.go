//go:build linux

package netmap

import (
	"fmt"
	"net"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// netlinkOps implements ifOps with netlink.
type netlinkOps struct{}

func (netlinkOps) EnsureUp(name string, promisc bool) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", name, err)
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		return fmt.Errorf("%w: %s", ErrIfaceDown, name)
	}
	if promisc {
		if err := netlink.SetPromiscOn(link); err != nil {
			return fmt.Errorf("set promiscuous on %s: %w", name, err)
		}
	}
	return nil
}

const (
	ethtoolGFlags = 0x00000025
	ethtoolGGRO   = 0x0000002b

	ethFlagLRO = 1 << 15
)

// ethtoolValue mirrors struct ethtool_value.
type ethtoolValue struct {
	Cmd  uint32
	Data uint32
}

// ethtoolIfreq is the ifreq variant carrying a pointer in ifr_data.
type ethtoolIfreq struct {
	Name [unix.IFNAMSIZ]byte
	Data unsafe.Pointer
}

func ethtoolQuery(fd int, name string, cmd uint32) (uint32, error) {
	val := ethtoolValue{Cmd: cmd}
	var req ethtoolIfreq
	copy(req.Name[:], name)
	req.Data = unsafe.Pointer(&val)

	if err := ioctl(fd, unix.SIOCETHTOOL, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("ethtool query 0x%x on %s: %w", cmd, name, err)
	}
	return val.Data, nil
}

// OffloadActive reports whether GRO or LRO is enabled on the interface.
// Merged receive offloads can produce frames larger than a ring slot, so
// capture over the ring fabric warns when either is on.
func OffloadActive(name string) (bool, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return false, fmt.Errorf("control socket for %s: %w", name, err)
	}
	defer unix.Close(fd)

	gro, err := ethtoolQuery(fd, name, ethtoolGGRO)
	if err != nil {
		return false, err
	}
	if gro != 0 {
		return true, nil
	}

	flags, err := ethtoolQuery(fd, name, ethtoolGFlags)
	if err != nil {
		return false, err
	}
	return flags&ethFlagLRO != 0, nil
}
