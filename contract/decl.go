// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package contract

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/tern/shape"
	"gopkg.in/yaml.v3"
)

// A Declaration is the parsed form of one interface from a declaration file.
type Declaration struct {
	Interface  string
	Signatures []Signature
}

// declFile is the structure of a declaration file. In TOML:
//
//	[[interface]]
//	name = "Game"
//
//	[[interface.event]]
//	name = "Announce"
//	direction = "to-remote"
//	params = ["string"]
//
//	[[interface.function]]
//	name = "Ping"
//	direction = "to-host"
//	params = ["number"]
//	returns = "number"
//
// YAML files have the same structure. Shapes use the syntax of [shape.Parse].
type declFile struct {
	Interface []struct {
		Name     string       `toml:"name" yaml:"name"`
		Event    []memberDecl `toml:"event" yaml:"event"`
		Function []memberDecl `toml:"function" yaml:"function"`
	} `toml:"interface" yaml:"interface"`
}

type memberDecl struct {
	Name      string   `toml:"name" yaml:"name"`
	Direction string   `toml:"direction" yaml:"direction"`
	Params    []string `toml:"params" yaml:"params"`
	Returns   string   `toml:"returns" yaml:"returns"`
}

func (m memberDecl) signature(kind Kind) (Signature, error) {
	dir, err := ParseDirection(m.Direction)
	if err != nil {
		return Signature{}, err
	}
	params, err := shape.ParseList(m.Params)
	if err != nil {
		return Signature{}, err
	}
	if kind == Event {
		if m.Returns != "" {
			return Signature{}, fmt.Errorf("event declares a result")
		}
		return NewEvent(m.Name, dir, params...), nil
	}
	ret := shape.Void()
	if m.Returns != "" {
		ret, err = shape.Parse(m.Returns)
		if err != nil {
			return Signature{}, err
		}
	}
	return NewFunction(m.Name, dir, ret, params...), nil
}

// Decode parses the contents of a declaration file in the given format,
// either "toml" or "yaml". Unknown keys are reported as errors.
func Decode(format string, data []byte) ([]Declaration, error) {
	var df declFile
	switch strings.ToLower(format) {
	case "toml":
		md, err := toml.Decode(string(data), &df)
		if err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
		if extra := md.Undecoded(); len(extra) != 0 {
			return nil, fmt.Errorf("decode toml: unknown key %q", extra[0].String())
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&df); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown declaration format %q", format)
	}

	out := make([]Declaration, 0, len(df.Interface))
	for _, iface := range df.Interface {
		d := Declaration{Interface: iface.Name}
		add := func(kind Kind, decls []memberDecl) error {
			for _, m := range decls {
				sig, err := m.signature(kind)
				if err != nil {
					return newError(ErrInvalid, iface.Name, m.Name, err.Error())
				}
				d.Signatures = append(d.Signatures, sig)
			}
			return nil
		}
		if err := add(Event, iface.Event); err != nil {
			return nil, err
		}
		if err := add(Function, iface.Function); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Load reads the declaration file at path and registers its interfaces with
// r. The format is chosen by the file extension: ".toml", ".yaml" or ".yml".
// Load stops at the first registration error.
func Load(r *Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load contract: %w", err)
	}
	decls, err := Decode(strings.TrimPrefix(filepath.Ext(path), "."), data)
	if err != nil {
		return fmt.Errorf("load contract %q: %w", path, err)
	}
	for _, d := range decls {
		if err := r.Register(d.Interface, d.Signatures...); err != nil {
			return fmt.Errorf("load contract %q: %w", path, err)
		}
	}
	return nil
}
