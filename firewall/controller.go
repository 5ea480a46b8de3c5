// Package firewall installs and removes the transparent-redirect
// rules that capture TCP 80/443 traffic in PREROUTING toward the local
// listener (spec §2 C6, §4.6, §6 "Firewall backends"). The rules match
// on every inbound interface; they are not limited to LAN interfaces.
//
// Copyright (c) 2017-2020 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package firewall

import (
	"net"

	"github.com/pkg/errors"

	"blitter.com/go/xrproxy/logger"
)

// RFC1918Prefixes are always excluded from redirection (spec §4.6:
// "excluding RFC1918 destination prefixes and the upstream server's
// IP ... guarantees that SSH to the router itself and LAN-to-LAN
// traffic are untouched").
var RFC1918Prefixes = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// RedirectPorts are the TCP ports captured by the transparent redirect
// (spec §4.6, §6).
var RedirectPorts = []uint16{80, 443}

// RuleSpec is the backend-agnostic description of the rules to
// install (spec §9 Design Notes: "Rule specs are backend-agnostic
// structs"). LANIfaces is carried in the spec, but neither backend
// uses it to restrict the rules by interface.
type RuleSpec struct {
	ListenPort   uint16
	RedirectOn   []uint16
	ExcludeCIDRs []*net.IPNet
	UpstreamIP   net.IP
	LANIfaces    []string
}

// DefaultRuleSpec builds a RuleSpec from the client's configured
// listen port and upstream server address, with RFC1918 and the
// upstream IP excluded per spec §4.6.
func DefaultRuleSpec(listenPort uint16, upstreamIP net.IP, lanIfaces []string) (RuleSpec, error) {
	spec := RuleSpec{
		ListenPort: listenPort,
		RedirectOn: RedirectPorts,
		UpstreamIP: upstreamIP,
		LANIfaces:  lanIfaces,
	}
	for _, p := range RFC1918Prefixes {
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			return spec, errors.Wrap(err, "firewall: parsing RFC1918 prefix")
		}
		spec.ExcludeCIDRs = append(spec.ExcludeCIDRs, n)
	}
	return spec, nil
}

// Backend is the capability every firewall implementation provides
// (spec §9 Design Notes: "a capability interface
// {install(rules) -> Result, teardown() -> Result, detect() -> bool}.
// Pick one at startup; never mix.").
type Backend interface {
	Name() string
	Detect() bool
	Install(spec RuleSpec) error
	Teardown() error
}

// Controller owns the single firewall backend singleton for the
// process lifetime (spec §5 "Shared resources": "the firewall rules
// table (owned by a single controller task; mutated only at startup
// and shutdown)").
type Controller struct {
	backend   Backend
	installed bool
}

// NewController selects nftables if usable, else iptables (spec §4.6
// "detect backend -- prefer nft if present and usable, else
// iptables").
func NewController() (*Controller, error) {
	nft := NewNftablesBackend()
	if nft.Detect() {
		logger.LogInfo("firewall: using nftables backend")
		return &Controller{backend: nft}, nil
	}
	ipt := NewIptablesBackend()
	if ipt.Detect() {
		logger.LogInfo("firewall: using iptables backend")
		return &Controller{backend: ipt}, nil
	}
	return nil, errors.New("firewall: neither nftables nor iptables is usable on this host")
}

// Install tears down any stale rules from a prior crashed run first
// (spec §4.6 "existing rules from a prior crashed run are detected and
// torn down first"), then installs fresh ones.
func (c *Controller) Install(spec RuleSpec) error {
	if err := c.backend.Teardown(); err != nil {
		logger.LogWarning("firewall: pre-install teardown of stale rules failed: " + err.Error())
	}
	if err := c.backend.Install(spec); err != nil {
		// Partial firewall setup triggers teardown of anything
		// installed (spec §7 "Setup" errors).
		_ = c.backend.Teardown()
		return errors.Wrap(err, "firewall: install failed")
	}
	c.installed = true
	return nil
}

// Teardown unconditionally removes installed rules and is idempotent
// (spec §4.6, §8 "Firewall idempotence"): calling it when rules are
// absent, or calling it repeatedly, is not an error.
func (c *Controller) Teardown() error {
	err := c.backend.Teardown()
	c.installed = false
	return err
}

// Installed reports whether this controller believes it has live
// rules in the kernel.
func (c *Controller) Installed() bool { return c.installed }

// BackendName reports which backend this controller selected.
func (c *Controller) BackendName() string { return c.backend.Name() }
