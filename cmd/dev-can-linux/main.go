// Command dev-can-linux is the thin CLI entrypoint of spec.md §6: it parses
// the `-d`/`-l`/`-q`/`-v`/`-w`/`-c` flags and delegates everything else to
// the core driver package. Flag parsing follows the
// github.com/jessevdk/go-flags struct-tag convention used across
// canonical-snapd's command-line tools.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Deniz-Eren/dev-can-linux/boards"
	"github.com/Deniz-Eren/dev-can-linux/config"
	"github.com/Deniz-Eren/dev-can-linux/driver"
	"github.com/Deniz-Eren/dev-can-linux/internal/logging"
	"github.com/Deniz-Eren/dev-can-linux/resmgr"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

const (
	warranty = "This program comes with ABSOLUTELY NO WARRANTY."
	license  = "Licensed under the terms of the GNU General Public License v2."
)

type options struct {
	Device    string `short:"d" long:"device" description:"force selection of a specific PCI ID, vid:did"`
	List      bool   `short:"l" long:"list" description:"list supported board families and exit"`
	Quiet     bool   `short:"q" long:"quiet" description:"suppress all but error output"`
	Verbose   []bool `short:"v" long:"verbose" description:"increase verbosity (repeatable, 1..6)"`
	Warranty  bool   `short:"w" long:"warranty" description:"print warranty notice and exit"`
	License   bool   `short:"c" long:"license" description:"print license notice and exit"`
	ConfigPath string `long:"config" description:"path to an ini config file"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return 1
	}

	if opts.Warranty {
		fmt.Println(warranty)
		return 0
	}
	if opts.License {
		fmt.Println(license)
		return 0
	}
	if opts.List {
		for _, name := range boards.Names() {
			fmt.Println(name)
		}
		return 0
	}

	level := log.InfoLevel
	switch {
	case opts.Quiet:
		level = log.ErrorLevel
	case len(opts.Verbose) > 0:
		level = verbosityToLevel(len(opts.Verbose))
	}
	logging.Configure(level)

	cfg := driver.DefaultConfig()
	cfg.LogLevel = level
	if opts.ConfigPath != "" {
		fileCfg, err := config.Load(opts.ConfigPath)
		if err != nil {
			log.WithError(err).Error("invalid configuration")
			return 1
		}
		cfg.ForcedID = fileCfg.ForcedID
		cfg.RestartMs = fileCfg.RestartMs
		cfg.RxPerDevice = fileCfg.RxPerDevice
		cfg.TxPerDevice = fileCfg.TxPerDevice
	}
	if opts.Device != "" {
		id, err := parsePCIID(opts.Device)
		if err != nil {
			log.WithError(err).Error("invalid -d argument")
			return 1
		}
		cfg.ForcedID = &id
	}

	d := driver.New(cfg, driver.NullPlatform{})
	if err := d.Probe(); err != nil {
		log.WithError(err).Error("probe failed")
		return 1
	}
	defer d.Shutdown()

	log.Infof("dev-can-linux started, %d controller(s) bound", len(d.Devices()))
	if len(opts.Verbose) >= 6 {
		dumpStats(d)
	}
	waitForShutdownSignal()
	return 0
}

// dumpStats renders each bound device's devctl GET_STATS snapshot as YAML,
// the -v6 debug dump.
func dumpStats(d *driver.Driver) {
	for _, id := range d.Devices() {
		ep, err := d.Surface.Open(id, resmgr.EndpointTX, 0)
		if err != nil {
			continue
		}
		resp, err := ep.Devctl(resmgr.GetStats, nil)
		ep.Close()
		if err != nil {
			continue
		}
		snap, ok := resp.(resmgr.StatsSnapshot)
		if !ok {
			continue
		}
		text, err := snap.YAML()
		if err != nil {
			continue
		}
		fmt.Printf("# device %d\n%s", id, text)
	}
}

// verbosityToLevel maps repeated -v flags (1..6) onto logrus levels; levels
// beyond logrus's own granularity all resolve to TraceLevel.
func verbosityToLevel(n int) log.Level {
	switch {
	case n <= 1:
		return log.WarnLevel
	case n == 2:
		return log.InfoLevel
	case n == 3:
		return log.DebugLevel
	default:
		return log.TraceLevel
	}
}

func parsePCIID(s string) (boards.PCIID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return boards.PCIID{}, fmt.Errorf("expected vid:did, got %q", s)
	}
	vid, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 16)
	if err != nil {
		return boards.PCIID{}, err
	}
	did, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 16)
	if err != nil {
		return boards.PCIID{}, err
	}
	return boards.PCIID{Vendor: uint16(vid), Device: uint16(did)}, nil
}
