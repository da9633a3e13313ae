// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creachadair/tern/contract"
	"github.com/creachadair/tern/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var flags struct {
	Addr      string        `flag:"addr,Service address"`
	Contract  string        `flag:"contract,Contract declaration file"`
	Interface string        `flag:"interface,Interface name if the contract declares several"`
	Timeout   time.Duration `flag:"timeout,Call timeout"`
	Echo      bool          `flag:"echo,Answer functions by echoing their first argument"`
	Verbose   bool          `flag:"v,Log packets"`
}

// envConfig holds the settings read from the environment.
type envConfig struct {
	Addr      string        `env:"TERN_ADDR"       envDefault:"localhost:7070"`
	Contract  string        `env:"TERN_CONTRACT"`
	Timeout   time.Duration `env:"TERN_TIMEOUT"    envDefault:"10s"`
	LogLevel  string        `env:"TERN_LOG_LEVEL"  envDefault:"info"`
	LogFormat string        `env:"TERN_LOG_FORMAT" envDefault:"console"`
}

// config is the effective configuration of a command. Flags take precedence
// over the environment.
type config struct {
	envConfig
	Interface string
	Echo      bool
	Verbose   bool

	logger zerolog.Logger
}

// loadConfig merges the flags with the environment, and installs the
// configured logger as the global logger.
func loadConfig() (*config, error) {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg := &config{
		envConfig: ec,
		Interface: flags.Interface,
		Echo:      flags.Echo,
		Verbose:   flags.Verbose,
	}
	if flags.Addr != "" {
		cfg.Addr = flags.Addr
	}
	if flags.Contract != "" {
		cfg.Contract = flags.Contract
	}
	if flags.Timeout > 0 {
		cfg.Timeout = flags.Timeout
	}
	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("invalid timeout %v", cfg.Timeout)
	}

	lg, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.logger = lg
	log.Logger = lg
	return cfg, nil
}

// newLogger constructs a logger writing to w at the named level, formatted
// as "console" or "json".
func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q", level)
	}
	switch strings.ToLower(format) {
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	case "json":
		// use w as given
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// openContract loads the configured declaration file and opens the selected
// interface. The interface may be omitted if the file declares only one.
func (c *config) openContract() (*contract.Contract, error) {
	if c.Contract == "" {
		return nil, errors.New("no contract file (set --contract or TERN_CONTRACT)")
	}
	reg := contract.New()
	if err := contract.Load(reg, c.Contract); err != nil {
		return nil, err
	}
	reg.Seal()
	name := c.Interface
	if name == "" {
		names := reg.Interfaces()
		if len(names) != 1 {
			return nil, fmt.Errorf("%s declares %d interfaces; choose one with --interface", c.Contract, len(names))
		}
		name = names[0]
	}
	return reg.Open(name)
}

// parseArgs parses each argument as a YAML flow value.
func parseArgs(ss []string) ([]any, error) {
	args := make([]any, len(ss))
	for i, s := range ss {
		if err := yaml.Unmarshal([]byte(s), &args[i]); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
	}
	return args, nil
}

// logPacket returns a packet logger that writes to lg at debug level.
func logPacket(lg zerolog.Logger) wire.PacketLogger {
	return func(pkt wire.PacketInfo) {
		lg.Debug().Stringer("packet", pkt).Msg("wire")
	}
}
