package decode

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/psaab/ringcap/pkg/packet"
	"github.com/psaab/ringcap/pkg/stats"
)

// ethFrame is a minimal Ethernet header (IPv4 ethertype) plus payload.
func ethFrame(payload []byte) []byte {
	hdr := []byte{
		0x02, 0x00, 0x00, 0x00, 0x00, 0x01, // dst
		0x02, 0x00, 0x00, 0x00, 0x00, 0x02, // src
		0x08, 0x00, // ethertype IPv4
	}
	return append(hdr, payload...)
}

func TestDecodeCountsAndParses(t *testing.T) {
	reg := stats.NewRegistry()
	pool := packet.NewPool(2, 128)

	var sawEthernet bool
	d := New(reg, func(p *packet.Packet, parsed gopacket.Packet) {
		if parsed.Layer(layers.LayerTypeEthernet) != nil {
			sawEthernet = true
		}
	})

	p := pool.Get()
	frame := ethFrame([]byte{0xde, 0xad})
	if err := p.CopyData(frame); err != nil {
		t.Fatalf("CopyData: %v", err)
	}
	if err := d.Process(p); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !sawEthernet {
		t.Fatal("handler did not see an Ethernet layer")
	}
	if got := reg.Counter("decoder.pkts").Load(); got != 1 {
		t.Fatalf("decoder.pkts = %d, want 1", got)
	}
	if got := reg.Counter("decoder.bytes").Load(); got != uint64(len(frame)) {
		t.Fatalf("decoder.bytes = %d, want %d", got, len(frame))
	}
	if got := reg.Counter("decoder.max_pkt_size").Load(); got != uint64(len(frame)) {
		t.Fatalf("decoder.max_pkt_size = %d, want %d", got, len(frame))
	}
	if pool.Free() != 2 {
		t.Fatal("packet not released after decode")
	}
}

func TestDecodeSkipsPseudoFrames(t *testing.T) {
	reg := stats.NewRegistry()
	pool := packet.NewPool(1, 64)

	called := false
	d := New(reg, func(*packet.Packet, gopacket.Packet) { called = true })

	p := pool.Get()
	p.AddFlags(packet.FlagPseudo)
	if err := d.Process(p); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if called {
		t.Fatal("handler invoked for a pseudo frame")
	}
	if got := reg.Counter("decoder.pkts").Load(); got != 0 {
		t.Fatalf("decoder.pkts = %d, want 0", got)
	}
	if pool.Free() != 1 {
		t.Fatal("pseudo frame not released")
	}
}

func TestDecodeMaxSizeTracksLargest(t *testing.T) {
	reg := stats.NewRegistry()
	pool := packet.NewPool(1, 256)
	d := New(reg, nil)

	for _, n := range []int{10, 200, 50} {
		p := pool.Get()
		if err := p.CopyData(ethFrame(make([]byte, n))); err != nil {
			t.Fatalf("CopyData: %v", err)
		}
		if err := d.Process(p); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	want := uint64(14 + 200)
	if got := reg.Counter("decoder.max_pkt_size").Load(); got != want {
		t.Fatalf("decoder.max_pkt_size = %d, want %d", got, want)
	}
}
