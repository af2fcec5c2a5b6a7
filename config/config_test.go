package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dev-can-linux.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
[driver]
verbosity = 3
restart_ms = 250
rx_per_device = 8
tx_per_device = 2

[board]
vendor = 0x13fe
device = 0xc302
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Verbosity)
	assert.EqualValues(t, 250, cfg.RestartMs)
	assert.Equal(t, 8, cfg.RxPerDevice)
	assert.Equal(t, 2, cfg.TxPerDevice)
	require.NotNil(t, cfg.ForcedID)
	assert.EqualValues(t, 0x13fe, cfg.ForcedID.Vendor)
	assert.EqualValues(t, 0xc302, cfg.ForcedID.Device)
}

func TestLoadRejectsQuietWithVerbosity(t *testing.T) {
	path := writeTempConfig(t, `
[driver]
quiet = true
verbosity = 2
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	assert.Error(t, err)
}

func TestDefaultMatchesDriverFactoryValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1, cfg.Verbosity)
	assert.EqualValues(t, 100, cfg.RestartMs)
	assert.Equal(t, 4, cfg.RxPerDevice)
	assert.Equal(t, 4, cfg.TxPerDevice)
	assert.Nil(t, cfg.ForcedID)
}
