// Package channel implements the application-facing API (spec §6):
// a named endpoint composed of one shared-memory ring plus its
// synchronization primitives, selectable by protocol and opened in
// sender/receiver mode.
package channel

import (
	"fmt"
	"os"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/gobwas/glob"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/shmchan/shmchan/ipcerr"
)

// Protocol selects which of the four ring state machines a channel
// uses (spec §9 "template-per-protocol instantiation", modeled here as
// a fixed tag rather than runtime polymorphism: a channel's protocol
// never changes after Open).
type Protocol string

const (
	ProtocolSSU Protocol = "ssu"
	ProtocolMMU Protocol = "mmu"
	ProtocolSMB Protocol = "smb"
	ProtocolMMB Protocol = "mmb"
)

func (p Protocol) broadcast() bool {
	return p == ProtocolSMB || p == ProtocolMMB
}

func (p Protocol) valid() bool {
	switch p {
	case ProtocolSSU, ProtocolMMU, ProtocolSMB, ProtocolMMB:
		return true
	default:
		return false
	}
}

// Mode is a bitmask of the roles an endpoint plays on a channel (spec
// §6 "Mode flags: sender, receiver (may be OR-ed)").
type Mode int

const (
	Sender Mode = 1 << iota
	Receiver
)

func (m Mode) Has(flag Mode) bool { return m&flag != 0 }

func (m Mode) String() string {
	var parts []string
	if m.Has(Sender) {
		parts = append(parts, "sender")
	}
	if m.Has(Receiver) {
		parts = append(parts, "receiver")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

func parseMode(names []string) (Mode, error) {
	var m Mode
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "sender":
			m |= Sender
		case "receiver":
			m |= Receiver
		default:
			return 0, ipcerr.New("channel.parseMode", ipcerr.InvalidArgument, fmt.Errorf("unknown mode %q", n))
		}
	}
	return m, nil
}

// Config is the declarative description of a channel, loaded from YAML
// (spec §6.1), following common/go/logging/cfg.go's tagged-struct +
// yaml.v3 convention.
type Config struct {
	Name     string   `yaml:"name"`
	Mode     []string `yaml:"mode"`
	Protocol Protocol `yaml:"protocol"`
	Capacity uint32   `yaml:"capacity"`

	SlotSize            datasize.ByteSize `yaml:"slot_size"`
	ReassemblyCacheSize datasize.ByteSize `yaml:"reassembly_cache_size"`

	SendTimeoutMs int `yaml:"send_timeout_ms"`
	RecvTimeoutMs int `yaml:"recv_timeout_ms"`

	AllowedNamePatterns []string      `yaml:"allowed_name_patterns"`
	LogLevel            zapcore.Level `yaml:"log_level"`
}

// LoadConfig reads and parses a channel configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ipcerr.New("channel.LoadConfig", ipcerr.InvalidArgument, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, ipcerr.New("channel.LoadConfig", ipcerr.InvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a Config with every field carrying its
// documented default, ready for yaml.Unmarshal to overlay.
func DefaultConfig() *Config {
	return &Config{
		Protocol:            ProtocolMMU,
		Capacity:            1024,
		SlotSize:            64 * datasize.B,
		SendTimeoutMs:       500,
		RecvTimeoutMs:       0,
		ReassemblyCacheSize: 64 * datasize.MB,
		LogLevel:            zapcore.InfoLevel,
	}
}

// Validate checks the config for the invariants spec §6/§7 classify
// under InvalidArgument: empty name, zero size, a capacity that is not
// a power of two of at least 2.
func (c *Config) Validate() error {
	if c.Name == "" {
		return ipcerr.New("channel.Config.Validate", ipcerr.InvalidArgument, fmt.Errorf("name must not be empty"))
	}
	if !c.Protocol.valid() {
		return ipcerr.New("channel.Config.Validate", ipcerr.InvalidArgument, fmt.Errorf("unknown protocol %q", c.Protocol))
	}
	if c.Capacity < 2 || c.Capacity&(c.Capacity-1) != 0 {
		return ipcerr.New("channel.Config.Validate", ipcerr.InvalidArgument, fmt.Errorf("capacity %d is not a power of two of at least 2", c.Capacity))
	}
	if c.SlotSize == 0 {
		return ipcerr.New("channel.Config.Validate", ipcerr.InvalidArgument, fmt.Errorf("slot_size must be nonzero"))
	}
	if _, err := parseMode(c.Mode); err != nil {
		return err
	}
	for _, pattern := range c.AllowedNamePatterns {
		if _, err := glob.Compile(pattern); err != nil {
			return ipcerr.New("channel.Config.Validate", ipcerr.InvalidArgument, err)
		}
	}
	return nil
}

// ModeFlags parses the config's string mode list into a Mode bitmask.
func (c *Config) ModeFlags() (Mode, error) {
	return parseMode(c.Mode)
}

// nameAllowed reports whether name matches one of patterns, or true if
// patterns is empty (no allow-list configured).
func nameAllowed(name string, patterns []string) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return false, ipcerr.New("channel.nameAllowed", ipcerr.InvalidArgument, err)
		}
		if g.Match(name) {
			return true, nil
		}
	}
	return false, nil
}
