// Package filter compiles and evaluates packet filter expressions.
// Compilation goes through libpcap (Ethernet link type); evaluation runs
// the compiled program in the x/net/bpf virtual machine, so the hot path
// never re-enters cgo.
package filter

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// DefaultSnapLen is the snap length filters are compiled against,
// matching the engine's default frame size.
const DefaultSnapLen = 1514

// Program is a compiled packet filter. The zero value (and nil) accepts
// every frame. A Program is not safe for concurrent Match calls; each
// worker compiles its own.
type Program struct {
	vm   *bpf.VM
	expr string
}

// Compile builds a Program from a pcap filter expression for the
// Ethernet link type. An empty expression yields an accept-all program.
func Compile(expr string) (*Program, error) {
	if expr == "" {
		return &Program{}, nil
	}

	raw, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, DefaultSnapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expr, err)
	}

	insns := make([]bpf.RawInstruction, len(raw))
	for i, r := range raw {
		insns[i] = bpf.RawInstruction{Op: r.Code, Jt: r.Jt, Jf: r.Jf, K: r.K}
	}
	prog, allDecoded := bpf.Disassemble(insns)
	if !allDecoded {
		return nil, fmt.Errorf("compile filter %q: undecodable instruction", expr)
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expr, err)
	}
	return &Program{vm: vm, expr: expr}, nil
}

// FromInstructions builds a Program from an already compiled BPF
// program, for callers that carry precompiled filters instead of pcap
// expressions. An empty instruction list accepts every frame.
func FromInstructions(insns []bpf.Instruction) (*Program, error) {
	if len(insns) == 0 {
		return &Program{}, nil
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("assemble filter: %w", err)
	}
	return &Program{vm: vm}, nil
}

// Empty reports whether the program accepts everything.
func (p *Program) Empty() bool { return p == nil || p.vm == nil }

// String returns the source expression.
func (p *Program) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// Match evaluates the program over one frame. Stateless with respect to
// previous frames; no allocation on the accept-all path.
func (p *Program) Match(data []byte) bool {
	if p.Empty() {
		return true
	}
	n, err := p.vm.Run(data)
	if err != nil {
		return false
	}
	return n > 0
}
