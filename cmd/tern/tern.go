// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program tern is a command-line utility for checking contracts and for
// interacting with tern hosts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/tern"
	"github.com/creachadair/tern/channel"
	"github.com/creachadair/tern/contract"
	"github.com/creachadair/tern/peers"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for checking tern contracts and talking to tern hosts.

Settings not given by flags are read from the environment:

  TERN_ADDR        : service address (default localhost:7070)
  TERN_CONTRACT    : contract declaration file (.toml or .yaml)
  TERN_TIMEOUT     : call timeout (default 10s)
  TERN_LOG_LEVEL   : debug, info, warn or error (default info)
  TERN_LOG_FORMAT  : console or json (default console)

Arguments to calls and events are YAML flow values, for example:

  tern call Ping 41
  tern send Report '{score: 9, note: nice}'
`,
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "check",
				Usage: "<contract-file>...",
				Help: `Load and check contract declaration files.

Each interface is printed with its fingerprint and the canonical form of
its signatures. Two peers agree on a contract exactly when their
fingerprints are equal.`,
				Run: runCheck,
			},
			{
				Name: "serve",
				Help: `Run a host for the contract.

The host logs every event directed to it. With --echo, it answers every
function directed to it with its first argument.`,
				Run: runServe,
			},
			{
				Name: "watch",
				Help: `Connect to a host as a remote and log the events it fires.

With --echo, the remote answers every function directed to remotes with its
first argument.`,
				Run: runWatch,
			},
			{
				Name:  "call",
				Usage: "<function> [arg...]",
				Help:  "Invoke a function on the host and print its result as YAML.",
				Run:   runCall,
			},
			{
				Name:  "send",
				Usage: "<event> [arg...]",
				Help:  "Send an event to the host.",
				Run:   runSend,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runCheck(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing contract files")
	}
	reg := contract.New()
	for _, path := range env.Args {
		if err := contract.Load(reg, path); err != nil {
			return err
		}
	}
	reg.Seal()
	for _, name := range reg.Interfaces() {
		c := reg.MustOpen(name)
		fmt.Printf("%s %s\n", c.Fingerprint(), name)
		for _, sig := range c.Members() {
			fmt.Printf("  %v\n", sig)
		}
	}
	return nil
}

func runServe(env *command.Env) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := cfg.openContract()
	if err != nil {
		return err
	}
	lg := cfg.logger

	h := tern.NewHost(c).ReportTo(tern.LogReporter(lg)).
		OnConnect(func(id peers.ID) { lg.Info().Str("peer", id.Short()).Msg("connected") }).
		OnDisconnect(func(id peers.ID) { lg.Info().Str("peer", id.Short()).Msg("disconnected") })
	if cfg.Verbose {
		h.LogPackets(logPacket(lg))
	}
	for _, sig := range c.Members() {
		if sig.Direction != contract.ToHost {
			continue
		}
		switch sig.Kind {
		case contract.Event:
			h.Events.Connect(sig.Name, logEvent(lg, sig.Name))
		case contract.Function:
			if cfg.Echo {
				h.Functions.SetCallback(sig.Name, echo(lg, sig.Name))
			}
		}
	}

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	lst, err := channel.Listen(ctx, cfg.Addr)
	if err != nil {
		return err
	}
	lg.Info().Str("addr", lst.Addr().String()).Str("interface", c.Name()).
		Str("fingerprint", c.Fingerprint()).Msg("serving")
	return h.Serve(ctx, peers.NetAccepter(lst))
}

func runWatch(env *command.Env) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := cfg.openContract()
	if err != nil {
		return err
	}
	lg := cfg.logger

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	r, err := cfg.dial(ctx, c, func(r *tern.Remote) {
		for _, sig := range c.Members() {
			if sig.Direction != contract.ToRemote {
				continue
			}
			switch sig.Kind {
			case contract.Event:
				r.Events.Connect(sig.Name, logEvent(lg, sig.Name))
			case contract.Function:
				if cfg.Echo {
					r.Functions.SetCallback(sig.Name, echo(lg, sig.Name))
				}
			}
		}
	})
	if err != nil {
		return err
	}
	lg.Info().Str("addr", cfg.Addr).Msg("watching")

	done := make(chan error, 1)
	go func() { done <- r.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return r.Stop()
	}
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing function name")
	}
	args, err := parseArgs(env.Args[1:])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := cfg.openContract()
	if err != nil {
		return err
	}

	ctx := env.Context()
	r, err := cfg.dial(ctx, c, nil)
	if err != nil {
		return err
	}
	defer r.Stop()

	v, err := r.Functions.Invoke(env.Args[0], args...).Timeout(cfg.Timeout).Await(ctx)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("format result: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func runSend(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing event name")
	}
	args, err := parseArgs(env.Args[1:])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := cfg.openContract()
	if err != nil {
		return err
	}

	r, err := cfg.dial(env.Context(), c, nil)
	if err != nil {
		return err
	}
	defer r.Stop()
	return r.Events.Send(env.Args[0], args...)
}

// dial connects a remote for c to the configured address, and verifies that
// the host serves the same contract. If setup != nil it is called before the
// remote starts.
func (c *config) dial(ctx context.Context, ct *contract.Contract, setup func(*tern.Remote)) (*tern.Remote, error) {
	ch, err := channel.Dial(ctx, c.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", c.Addr, err)
	}
	r := tern.NewRemote(ct).ReportTo(tern.LogReporter(c.logger))
	if c.Verbose {
		r.LogPackets(logPacket(c.logger))
	}
	if setup != nil {
		setup(r)
	}
	r.Start(ch)

	vctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	if err := r.Verify(vctx); err != nil {
		r.Stop()
		if errors.Is(err, tern.ErrContractMismatch) {
			return nil, fmt.Errorf("host does not serve interface %q from %s: %w", ct.Name(), c.Contract, err)
		}
		return nil, err
	}
	return r, nil
}

// logEvent returns a listener that logs each event it receives.
func logEvent(lg zerolog.Logger, name string) tern.Listener {
	return func(ctx context.Context, args []any) {
		ev := lg.Info().Str("event", name).Interface("args", args)
		if id, ok := tern.ContextPeer(ctx); ok {
			ev = ev.Str("peer", id.Short())
		}
		ev.Msg("received")
	}
}

// echo returns a callback that answers with its first argument.
func echo(lg zerolog.Logger, name string) tern.Callback {
	return func(ctx context.Context, args []any) (any, error) {
		ev := lg.Debug().Str("function", name).Interface("args", args)
		if id, ok := tern.ContextPeer(ctx); ok {
			ev = ev.Str("peer", id.Short())
		}
		ev.Msg("called")
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	}
}
