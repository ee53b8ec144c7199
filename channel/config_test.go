package channel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmchan/shmchan/ipcerr"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "test-channel"
	require.NoError(t, cfg.Validate())
}

func TestConfigValidateRejectsEmptyName(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, ipcerr.Is(err, ipcerr.InvalidArgument))
}

func TestConfigValidateRejectsUnknownProtocol(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "x"
	cfg.Protocol = "xyz"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, ipcerr.Is(err, ipcerr.InvalidArgument))
}

func TestConfigValidateRejectsNonPowerOfTwoCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "x"
	cfg.Capacity = 3
	err := cfg.Validate()
	require.Error(t, err)
}

func TestConfigValidateRejectsZeroSlotSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "x"
	cfg.SlotSize = 0
	err := cfg.Validate()
	require.Error(t, err)
}

func TestConfigValidateRejectsUnknownMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "x"
	cfg.Mode = []string{"bogus"}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestConfigValidateRejectsBadGlob(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "x"
	cfg.AllowedNamePatterns = []string{"["}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestModeFlagsParsesCombinedModes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "x"
	cfg.Mode = []string{"sender", "receiver"}

	mode, err := cfg.ModeFlags()
	require.NoError(t, err)
	assert.True(t, mode.Has(Sender))
	assert.True(t, mode.Has(Receiver))
	assert.Equal(t, "sender|receiver", mode.String())
}

func TestModeStringNone(t *testing.T) {
	assert.Equal(t, "none", Mode(0).String())
}

func TestNameAllowedWithNoPatternsAllowsEverything(t *testing.T) {
	ok, err := nameAllowed("anything", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNameAllowedMatchesGlob(t *testing.T) {
	ok, err := nameAllowed("metrics.cpu", []string{"metrics.*"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = nameAllowed("other", []string{"metrics.*"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadConfigReadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channel.yaml")
	contents := `
name: my-channel
mode: ["sender", "receiver"]
protocol: mmu
capacity: 64
slot_size: 128B
send_timeout_ms: 250
allowed_name_patterns: ["my-*"]
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "my-channel", cfg.Name)
	assert.Equal(t, ProtocolMMU, cfg.Protocol)
	assert.Equal(t, uint32(64), cfg.Capacity)
	assert.Equal(t, 128*datasize.B, cfg.SlotSize)
	assert.Equal(t, 250, cfg.SendTimeoutMs)
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
