//go:build linux

package netmap_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/psaab/ringcap/pkg/netmap"
	"github.com/psaab/ringcap/pkg/netmap/nmtest"
)

func fakeRegistry(t *testing.T, opens *int) *netmap.Registry {
	t.Helper()
	return netmap.NewRegistryWith(func(name string, promisc, verbose bool) (*netmap.Device, error) {
		if opens != nil {
			*opens++
		}
		f := nmtest.New(nmtest.Config{Rings: 2, Slots: 8})
		return f.Device(name)
	})
}

func TestRegistrySharesHandles(t *testing.T) {
	opens := 0
	reg := fakeRegistry(t, &opens)

	d1, err := reg.Open("em0", false, false)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	d2, err := reg.Open("em0", true, false)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if d1 != d2 {
		t.Fatal("second open of same interface returned a different handle")
	}
	if opens != 1 {
		t.Fatalf("device opened %d times, want 1", opens)
	}

	// One reference left after one release; the handle stays shared.
	if err := reg.Release(d1); err != nil {
		t.Fatalf("release: %v", err)
	}
	d3, err := reg.Open("em0", false, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if d3 != d1 {
		t.Fatal("open after partial release returned a different handle")
	}
	if opens != 1 {
		t.Fatalf("device opened %d times after reopen, want 1", opens)
	}
}

func TestRegistryRemovesAtZero(t *testing.T) {
	opens := 0
	reg := fakeRegistry(t, &opens)

	dev, err := reg.Open("em0", false, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := reg.Release(dev); err != nil {
		t.Fatalf("release: %v", err)
	}

	// The name is gone; a new open creates a fresh handle.
	if _, err := reg.Open("em0", false, false); err != nil {
		t.Fatalf("open after removal: %v", err)
	}
	if opens != 2 {
		t.Fatalf("device opened %d times, want 2", opens)
	}
}

func TestRegistryReleaseUnknown(t *testing.T) {
	reg := fakeRegistry(t, nil)

	dev, err := reg.Open("em0", false, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := reg.Release(dev); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := reg.Release(dev); !errors.Is(err, netmap.ErrNotFound) {
		t.Fatalf("release of removed device = %v, want ErrNotFound", err)
	}

	other := netmap.NewRegistryWith(nil)
	f := nmtest.New(nmtest.Config{Rings: 1, Slots: 4})
	stray, err := f.Device("em1")
	if err != nil {
		t.Fatalf("stray device: %v", err)
	}
	if err := other.Release(stray); !errors.Is(err, netmap.ErrNotFound) {
		t.Fatalf("release of foreign device = %v, want ErrNotFound", err)
	}
}

func TestRegistryOpenError(t *testing.T) {
	boom := errors.New("no such interface")
	reg := netmap.NewRegistryWith(func(string, bool, bool) (*netmap.Device, error) {
		return nil, boom
	})
	if _, err := reg.Open("nope0", false, false); !errors.Is(err, boom) {
		t.Fatalf("open error = %v, want %v", err, boom)
	}
}

func TestDeviceFromRegionRingViews(t *testing.T) {
	f := nmtest.New(nmtest.Config{Rings: 2, Slots: 4, BufSize: 256})
	dev, err := f.Device("em0")
	if err != nil {
		t.Fatalf("device: %v", err)
	}

	if dev.RingCount() != 2 {
		t.Fatalf("ring count = %d, want 2", dev.RingCount())
	}

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := f.InjectRX(1, payload); err != nil {
		t.Fatalf("inject: %v", err)
	}

	rx := dev.Ring(1).RX()
	if got := rx.Space(); got != 1 {
		t.Fatalf("rx space = %d, want 1", got)
	}
	slot := rx.Slot(rx.Cur())
	if !bytes.Equal(rx.BufBytes(slot), payload) {
		t.Fatalf("slot bytes = %x, want %x", rx.BufBytes(slot), payload)
	}
	if rx.Timestamp().IsZero() {
		t.Fatal("ring timestamp not set by inject")
	}

	rx.SetHeadCur(rx.Next(rx.Cur()))
	if got := rx.Space(); got != 0 {
		t.Fatalf("rx space after consume = %d, want 0", got)
	}

	// An idle TX ring has every slot but one available.
	tx := dev.Ring(0).TX()
	if got := tx.Space(); got != 3 {
		t.Fatalf("tx space = %d, want 3", got)
	}
}

func TestRingViewNextWraps(t *testing.T) {
	f := nmtest.New(nmtest.Config{Rings: 1, Slots: 4})
	dev, err := f.Device("em0")
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	rx := dev.Ring(0).RX()

	if got := rx.Next(2); got != 3 {
		t.Fatalf("next(2) = %d, want 3", got)
	}
	if got := rx.Next(3); got != 0 {
		t.Fatalf("next(3) = %d, want 0", got)
	}
}

func TestClaimWorkerIsMonotonic(t *testing.T) {
	f := nmtest.New(nmtest.Config{Rings: 4, Slots: 4})
	dev, err := f.Device("em0")
	if err != nil {
		t.Fatalf("device: %v", err)
	}

	done := make(chan int, 8)
	for i := 0; i < 8; i++ {
		go func() { done <- dev.ClaimWorker() }()
	}
	seen := make(map[int]bool)
	for i := 0; i < 8; i++ {
		idx := <-done
		if seen[idx] {
			t.Fatalf("worker index %d claimed twice", idx)
		}
		seen[idx] = true
	}
	for i := 0; i < 8; i++ {
		if !seen[i] {
			t.Fatalf("worker index %d never claimed", i)
		}
	}
}
