// Package decode is the link-layer stage of the pipeline: it parses the
// Ethernet frame handed over by a receive worker, bumps the decoder
// counters, and passes the parsed form to a handler. It satisfies the
// capture Processor contract and releases every frame it accepts.
package decode

import (
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/psaab/ringcap/pkg/packet"
	"github.com/psaab/ringcap/pkg/stats"
)

// Handler consumes decoded frames. The gopacket view borrows the frame's
// payload; it must not be retained past the call.
type Handler func(p *packet.Packet, parsed gopacket.Packet)

// Decoder is the Ethernet decode stage.
type Decoder struct {
	handler Handler

	pkts    *atomic.Uint64
	bytes   *atomic.Uint64
	maxSize *atomic.Uint64
}

// New creates a decode stage publishing its counters into reg. A nil
// handler just counts and releases.
func New(reg *stats.Registry, handler Handler) *Decoder {
	return &Decoder{
		handler: handler,
		pkts:    reg.Counter("decoder.pkts"),
		bytes:   reg.Counter("decoder.bytes"),
		maxSize: reg.Counter("decoder.max_pkt_size"),
	}
}

// Process implements the downstream slot contract.
func (d *Decoder) Process(p *packet.Packet) error {
	// Flow timeout handling can inject pseudo frames with no wire data;
	// they pass through undecoded.
	if p.HasFlags(packet.FlagPseudo) {
		p.Release()
		return nil
	}

	d.pkts.Add(1)
	d.bytes.Add(uint64(p.Len()))
	for {
		max := d.maxSize.Load()
		if uint64(p.Len()) <= max || d.maxSize.CompareAndSwap(max, uint64(p.Len())) {
			break
		}
	}

	if d.handler != nil {
		parsed := gopacket.NewPacket(p.Data(), layers.LayerTypeEthernet,
			gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		d.handler(p, parsed)
	}

	p.Release()
	return nil
}
