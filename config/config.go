// Package config loads the optional driver configuration file (PCI ID
// override, verbosity/quiet, restart delay, per-device endpoint counts)
// backed by gopkg.in/ini.v1, an
// already-direct teacher dependency (go.mod), mirroring the CLI flags of
// spec.md §6.
package config

import (
	"fmt"

	"github.com/Deniz-Eren/dev-can-linux/boards"
	"github.com/Deniz-Eren/dev-can-linux/internal/dcerr"
	"gopkg.in/ini.v1"
)

// Config is the parsed [driver]/[board] section set of a config file.
type Config struct {
	Verbosity   int
	Quiet       bool
	ForcedID    *boards.PCIID
	RestartMs   uint32
	RxPerDevice int
	TxPerDevice int
}

// Default mirrors driver.DefaultConfig's factory values for every field a
// config file may override.
func Default() Config {
	return Config{Verbosity: 1, RestartMs: 100, RxPerDevice: 4, TxPerDevice: 4}
}

// Load parses path on top of Default(), following the ini.v1.Load +
// Section.Key().MustX() convention: keys absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w: %v", dcerr.ErrConfigInvalid, err)
	}

	driverSec := f.Section("driver")
	cfg.Verbosity = driverSec.Key("verbosity").MustInt(cfg.Verbosity)
	cfg.Quiet = driverSec.Key("quiet").MustBool(cfg.Quiet)
	cfg.RestartMs = uint32(driverSec.Key("restart_ms").MustUint(uint(cfg.RestartMs)))
	cfg.RxPerDevice = driverSec.Key("rx_per_device").MustInt(cfg.RxPerDevice)
	cfg.TxPerDevice = driverSec.Key("tx_per_device").MustInt(cfg.TxPerDevice)

	if cfg.Quiet && driverSec.HasKey("verbosity") && cfg.Verbosity > 0 {
		return cfg, fmt.Errorf("config: %w: quiet and verbosity both set", dcerr.ErrConfigInvalid)
	}

	boardSec := f.Section("board")
	if boardSec.HasKey("vendor") && boardSec.HasKey("device") {
		vendor := boardSec.Key("vendor").MustUint(0)
		device := boardSec.Key("device").MustUint(0)
		cfg.ForcedID = &boards.PCIID{Vendor: uint16(vendor), Device: uint16(device)}
	}

	return cfg, nil
}
