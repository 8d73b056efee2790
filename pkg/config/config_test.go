package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ringcap.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
interfaces:
  - interface: em0
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.RunMode != RunModeWorkers {
		t.Errorf("run mode = %q, want workers", cfg.RunMode)
	}
	if cfg.PoolSize != 1024 || cfg.FrameSize != 1514 {
		t.Errorf("pool/frame defaults = %d/%d", cfg.PoolSize, cfg.FrameSize)
	}

	ifc := cfg.Interfaces[0]
	if ifc.Threads != 1 {
		t.Errorf("threads = %d, want 1", ifc.Threads)
	}
	if !ifc.Promiscuous() {
		t.Error("promisc should default to on")
	}
	mode, _ := ifc.ParseCopyMode()
	if mode != CopyModeNone {
		t.Errorf("copy mode = %v, want none", mode)
	}
	cs, _ := ifc.ParseChecksum()
	if cs != ChecksumAuto {
		t.Errorf("checksum mode = %v, want auto", cs)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
run-mode: workers
pool-size: 4096
metrics-addr: "127.0.0.1:9200"
interfaces:
  - interface: em0
    threads: 4
    copy-mode: ips
    copy-iface: em1
    checksum-checks: no
    promisc: false
    bpf-filter: "tcp port 80"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ifc := cfg.Interfaces[0]
	if ifc.Threads != 4 || ifc.CopyIface != "em1" || ifc.BPF != "tcp port 80" {
		t.Errorf("interface parsed wrong: %+v", ifc)
	}
	if ifc.Promiscuous() {
		t.Error("promisc: false ignored")
	}
	mode, err := ifc.ParseCopyMode()
	if err != nil || mode != CopyModeIPS {
		t.Errorf("copy mode = %v (%v), want ips", mode, err)
	}
	cs, err := ifc.ParseChecksum()
	if err != nil || cs != ChecksumDisable {
		t.Errorf("checksum = %v (%v), want disable", cs, err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no interfaces", `run-mode: workers`, "no capture interfaces"},
		{"bad run mode", "run-mode: turbo\ninterfaces:\n  - interface: em0\n", "unknown run-mode"},
		{"missing name", "interfaces:\n  - threads: 2\n", "missing name"},
		{"duplicate", "interfaces:\n  - interface: em0\n  - interface: em0\n", "configured twice"},
		{"bad copy mode", "interfaces:\n  - interface: em0\n    copy-mode: mirror\n", "unknown copy-mode"},
		{"ips without egress", "interfaces:\n  - interface: em0\n    copy-mode: ips\n", "requires copy-iface"},
		{"bad checksum", "interfaces:\n  - interface: em0\n    checksum-checks: maybe\n", "unknown checksum-checks"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Load error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateWarnsIgnoredCopyIface(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
interfaces:
  - interface: em0
    copy-iface: em1
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "copy-iface ignored") {
		t.Fatalf("warnings = %v", cfg.Warnings)
	}
}
