// Package config loads and validates the TOML-shaped configuration
// file described by spec §6. It is the external collaborator named in
// spec §1 ("config file parsing" is captured here as an interface,
// not reimplemented from scratch).
//
// Copyright (c) 2017-2020 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package config

import (
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// ServerDownPolicy is the client's fallback behavior when the
// upstream proxy server is unreachable (spec §4.8 state 3).
type ServerDownPolicy string

// nolint: golint
const (
	OnServerDownDirect ServerDownPolicy = "direct"
	OnServerDownBlock  ServerDownPolicy = "block"
	OnServerDownRetry  ServerDownPolicy = "retry"
)

// RuleConfig mirrors one [[routing.rules]] TOML table.
type RuleConfig struct {
	Action  string   `toml:"action"`
	Domains []string `toml:"domains"`
	GeoIP   []string `toml:"geoip"`
	CIDRs   []string `toml:"cidrs"`
}

// Config is the fully parsed, not-yet-validated configuration file
// (spec §6).
type Config struct {
	Server struct {
		Address         string `toml:"address"`
		Port            uint16 `toml:"port"`
		Bind            string `toml:"bind"`
		MaxConnections  int    `toml:"max_connections"`
		RateLimitPerIP  int    `toml:"rate_limit_per_ip"`
	} `toml:"server"`

	Obfuscation struct {
		Key         string `toml:"key"`
		Modifier    string `toml:"modifier"`
		Salt        uint32 `toml:"salt"`
		PaddingMin  uint16 `toml:"padding_min"`
		PaddingMax  uint16 `toml:"padding_max"`
	} `toml:"obfuscation"`

	Routing struct {
		DefaultAction string       `toml:"default_action"`
		Rules         []RuleConfig `toml:"rules"`
	} `toml:"routing"`

	GeoIP struct {
		Database string `toml:"database"`
	} `toml:"geoip"`

	Client struct {
		ListenPort     uint16 `toml:"listen_port"`
		AutoRedirect   bool   `toml:"auto_redirect"`
		OnServerDown   string `toml:"on_server_down"`
		MaxConnections int    `toml:"max_connections"`
		LogLevel       string `toml:"log_level"`
	} `toml:"client"`
}

// Load reads and parses the TOML file at path. It does not validate;
// call Validate afterwards (spec §7 "Config" errors are fatal at
// startup, exit 1).
func Load(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %q", path)
	}
	cfg := &Config{}
	// Defaults matching spec §4.3/§4.8/§4.9 before unmarshal overrides
	// them, since go-toml leaves absent keys at the zero value.
	cfg.Obfuscation.PaddingMin = 16
	cfg.Obfuscation.PaddingMax = 256
	cfg.Client.MaxConnections = 256
	cfg.Client.OnServerDown = string(OnServerDownDirect)
	cfg.Server.MaxConnections = 1024
	cfg.Server.RateLimitPerIP = 10

	if err := tree.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %q", path)
	}
	return cfg, nil
}

// Validate enforces the invariants spec §6/§7 require of a config
// file before it is used to start either endpoint.
func (c *Config) Validate(isClient bool) error {
	if len(c.Obfuscation.Key) < 32 {
		return errors.New("config: [obfuscation].key must be at least 32 bytes")
	}
	switch c.Obfuscation.Modifier {
	case "positional_xor_rotate", "rotating_salt", "substitution_table":
	default:
		return errors.Errorf("config: [obfuscation].modifier %q is not one of the three supported schemes", c.Obfuscation.Modifier)
	}
	if c.Obfuscation.PaddingMin > c.Obfuscation.PaddingMax {
		return errors.New("config: [obfuscation].padding_min must be <= padding_max")
	}
	if c.Obfuscation.PaddingMax > 256 {
		return errors.New("config: [obfuscation].padding_max must be <= 256")
	}

	switch c.Routing.DefaultAction {
	case "proxy", "direct":
	default:
		return errors.Errorf("config: [routing].default_action %q must be proxy or direct", c.Routing.DefaultAction)
	}
	for i, r := range c.Routing.Rules {
		switch r.Action {
		case "proxy", "direct":
		default:
			return errors.Errorf("config: [[routing.rules]][%d].action %q must be proxy or direct", i, r.Action)
		}
		if len(r.Domains) == 0 && len(r.GeoIP) == 0 && len(r.CIDRs) == 0 {
			return errors.Errorf("config: [[routing.rules]][%d] names no predicate (domains/geoip/cidrs)", i)
		}
	}

	if isClient {
		switch ServerDownPolicy(c.Client.OnServerDown) {
		case OnServerDownDirect, OnServerDownBlock, OnServerDownRetry:
		default:
			return errors.Errorf("config: [client].on_server_down %q is not direct/block/retry", c.Client.OnServerDown)
		}
		if c.Server.Address == "" {
			return errors.New("config: [server].address is required on the client")
		}
	} else if c.Server.Bind == "" {
		return errors.New("config: [server].bind is required on the server")
	}
	return nil
}
