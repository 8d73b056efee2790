// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CopyMode selects how captured frames relate to a second interface.
type CopyMode int

const (
	// CopyModeNone captures only.
	CopyModeNone CopyMode = iota
	// CopyModeTAP forwards every frame to the egress interface.
	CopyModeTAP
	// CopyModeIPS forwards frames unless the pipeline verdict is drop.
	CopyModeIPS
)

// Inline reports whether the mode involves an egress interface.
func (m CopyMode) Inline() bool { return m != CopyModeNone }

func (m CopyMode) String() string {
	switch m {
	case CopyModeTAP:
		return "tap"
	case CopyModeIPS:
		return "ips"
	default:
		return "none"
	}
}

// ChecksumMode selects the checksum validation policy for an interface.
type ChecksumMode int

const (
	// ChecksumAuto samples traffic and disables validation when the
	// interface appears to deliver mangled checksums.
	ChecksumAuto ChecksumMode = iota
	// ChecksumValidate always validates.
	ChecksumValidate
	// ChecksumDisable never validates.
	ChecksumDisable
)

func (m ChecksumMode) String() string {
	switch m {
	case ChecksumValidate:
		return "yes"
	case ChecksumDisable:
		return "no"
	default:
		return "auto"
	}
}

// RunMode selects the threading model of the surrounding engine.
const (
	RunModeWorkers = "workers"
	RunModeAutoFP  = "autofp"
)

// Iface configures capture on one interface.
type Iface struct {
	Name      string `yaml:"interface"`
	Threads   int    `yaml:"threads"`
	CopyMode  string `yaml:"copy-mode"`
	CopyIface string `yaml:"copy-iface"`
	Checksum  string `yaml:"checksum-checks"`
	Promisc   *bool  `yaml:"promisc"`
	BPF       string `yaml:"bpf-filter"`
}

// ParseCopyMode returns the typed copy mode.
func (i *Iface) ParseCopyMode() (CopyMode, error) {
	switch i.CopyMode {
	case "", "none":
		return CopyModeNone, nil
	case "tap":
		return CopyModeTAP, nil
	case "ips":
		return CopyModeIPS, nil
	default:
		return CopyModeNone, fmt.Errorf("unknown copy-mode %q (valid: none, tap, ips)", i.CopyMode)
	}
}

// ParseChecksum returns the typed checksum mode.
func (i *Iface) ParseChecksum() (ChecksumMode, error) {
	switch i.Checksum {
	case "", "auto":
		return ChecksumAuto, nil
	case "yes":
		return ChecksumValidate, nil
	case "no":
		return ChecksumDisable, nil
	default:
		return ChecksumAuto, fmt.Errorf("unknown checksum-checks %q (valid: auto, yes, no)", i.Checksum)
	}
}

// Promiscuous returns the promiscuous setting, defaulting to on.
func (i *Iface) Promiscuous() bool {
	if i.Promisc == nil {
		return true
	}
	return *i.Promisc
}

// Config is the top-level engine configuration.
type Config struct {
	RunMode     string  `yaml:"run-mode"`
	PoolSize    int     `yaml:"pool-size"`
	FrameSize   int     `yaml:"default-packet-size"`
	MetricsAddr string  `yaml:"metrics-addr"`
	Interfaces  []Iface `yaml:"interfaces"`

	Warnings []string `yaml:"-"` // non-fatal validation warnings
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and checks the configuration for
// consistency. Fatal problems return an error; oddities that have a
// sane fallback are appended to Warnings.
func (c *Config) Validate() error {
	switch c.RunMode {
	case "":
		c.RunMode = RunModeWorkers
	case RunModeWorkers, RunModeAutoFP:
	default:
		return fmt.Errorf("unknown run-mode %q (valid: workers, autofp)", c.RunMode)
	}

	if c.PoolSize <= 0 {
		c.PoolSize = 1024
	}
	if c.FrameSize <= 0 {
		c.FrameSize = 1514
	}
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("no capture interfaces configured")
	}

	seen := make(map[string]bool)
	for i := range c.Interfaces {
		ifc := &c.Interfaces[i]
		if ifc.Name == "" {
			return fmt.Errorf("interface %d: missing name", i)
		}
		if seen[ifc.Name] {
			return fmt.Errorf("interface %s configured twice", ifc.Name)
		}
		seen[ifc.Name] = true

		if ifc.Threads <= 0 {
			ifc.Threads = 1
		}

		mode, err := ifc.ParseCopyMode()
		if err != nil {
			return fmt.Errorf("interface %s: %w", ifc.Name, err)
		}
		if mode.Inline() && ifc.CopyIface == "" {
			return fmt.Errorf("interface %s: copy-mode %s requires copy-iface", ifc.Name, mode)
		}
		if !mode.Inline() && ifc.CopyIface != "" {
			c.Warnings = append(c.Warnings,
				fmt.Sprintf("interface %s: copy-iface ignored without copy-mode", ifc.Name))
		}
		if _, err := ifc.ParseChecksum(); err != nil {
			return fmt.Errorf("interface %s: %w", ifc.Name, err)
		}
	}
	return nil
}
