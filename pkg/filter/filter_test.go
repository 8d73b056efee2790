package filter

import (
	"testing"

	"golang.org/x/net/bpf"
)

func TestEmptyProgramAcceptsAll(t *testing.T) {
	prog, err := Compile("")
	if err != nil {
		t.Fatalf("Compile empty: %v", err)
	}
	if !prog.Empty() {
		t.Fatal("empty expression produced a non-empty program")
	}
	if !prog.Match([]byte{0x00}) || !prog.Match(nil) {
		t.Fatal("empty program rejected a frame")
	}

	var nilProg *Program
	if !nilProg.Match([]byte{0x00}) {
		t.Fatal("nil program rejected a frame")
	}
}

func TestFromInstructions(t *testing.T) {
	accept, err := FromInstructions([]bpf.Instruction{
		bpf.RetConstant{Val: 0xffff},
	})
	if err != nil {
		t.Fatalf("accept program: %v", err)
	}
	reject, err := FromInstructions([]bpf.Instruction{
		bpf.RetConstant{Val: 0},
	})
	if err != nil {
		t.Fatalf("reject program: %v", err)
	}

	frame := []byte{0xaa, 0xbb}
	if !accept.Match(frame) {
		t.Fatal("return-0xffff program rejected a frame")
	}
	if reject.Match(frame) {
		t.Fatal("return-0 program accepted a frame")
	}
}

func TestEthertypeFilter(t *testing.T) {
	// Accept only EtherType 0x0800: load halfword at offset 12, compare.
	prog, err := FromInstructions([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x0800, SkipTrue: 0, SkipFalse: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
	})
	if err != nil {
		t.Fatalf("program: %v", err)
	}

	ipv4 := make([]byte, 14)
	ipv4[12], ipv4[13] = 0x08, 0x00
	arp := make([]byte, 14)
	arp[12], arp[13] = 0x08, 0x06

	if !prog.Match(ipv4) {
		t.Fatal("IPv4 frame rejected")
	}
	if prog.Match(arp) {
		t.Fatal("ARP frame accepted")
	}
}

func TestCompileExpression(t *testing.T) {
	prog, err := Compile("ether proto 0xffff")
	if err != nil {
		t.Skipf("libpcap not available: %v", err)
	}
	if prog.Empty() {
		t.Fatal("compiled program is empty")
	}

	ipv4 := make([]byte, 60)
	ipv4[12], ipv4[13] = 0x08, 0x00
	if prog.Match(ipv4) {
		t.Fatal("ether proto 0xffff matched an IPv4 frame")
	}
}

func TestCompileBadExpression(t *testing.T) {
	if _, err := Compile("not a valid filter ((("); err == nil {
		t.Fatal("Compile accepted garbage")
	}
}
