// Package config holds process-wide configuration: listener addresses,
// rebuild step size, checkpoint defaults, and the acceptor fault-handling
// knob. Flags are parsed with pflag, matching the wider corpus's CLI
// convention of Getopt-style long/short flags over flag.FlagSet.
package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Config is the full set of process knobs. Zero value is not meant to be
// used directly; call Parse or New to get sane defaults.
type Config struct {
	IOAddr      string
	RebuildAddr string
	MgmtAddr    string
	MetricsAddr string

	StepSize uint64

	CheckpointInterval time.Duration

	// SoftenAcceptorFaults, when true, makes a single listener's failure
	// log and keep the other listener running rather than exiting the
	// process. Defaults false, preserving the source's fatal-on-error
	// acceptor behavior (§9 open question: kept as default).
	SoftenAcceptorFaults bool

	LogLevel     string
	LogVerbosity int

	// DataDir holds each volume's checkpoint database, one buntdb file
	// per volume named after it.
	DataDir string
}

// New returns a Config with the source system's defaults: 10GiB rebuild
// steps, 600s checkpoint interval.
func New() *Config {
	return &Config{
		IOAddr:               ":3232",
		RebuildAddr:          ":3233",
		MgmtAddr:             ":3234",
		MetricsAddr:          ":3235",
		StepSize:             10 << 30,
		CheckpointInterval:   600 * time.Second,
		SoftenAcceptorFaults: false,
		LogLevel:             "info",
		DataDir:              "./data",
	}
}

// Parse builds a Config from defaults overridden by command-line flags.
func Parse(args []string) (*Config, error) {
	c := New()
	fs := pflag.NewFlagSet("replicad", pflag.ContinueOnError)

	fs.StringVar(&c.IOAddr, "io-addr", c.IOAddr, "client I/O listen address")
	fs.StringVar(&c.RebuildAddr, "rebuild-addr", c.RebuildAddr, "rebuild peer listen address")
	fs.StringVar(&c.MgmtAddr, "mgmt-addr", c.MgmtAddr, "management HTTP listen address")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus /metrics listen address")
	fs.Uint64Var(&c.StepSize, "rebuild-step-size", c.StepSize, "bytes requested per REBUILD_STEP")
	fs.DurationVar(&c.CheckpointInterval, "checkpoint-interval", c.CheckpointInterval, "default per-volume checkpoint interval")
	fs.BoolVar(&c.SoftenAcceptorFaults, "soften-acceptor-faults", c.SoftenAcceptorFaults, "keep serving on one listener if the other fails, instead of exiting")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "error|warn|info|debug")
	fs.IntVar(&c.LogVerbosity, "log-verbosity", c.LogVerbosity, "per-module verbosity threshold")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory holding per-volume checkpoint databases")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return c, nil
}
