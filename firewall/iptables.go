package firewall

import (
	"fmt"
	"net"

	"github.com/coreos/go-iptables/iptables"
	"github.com/pkg/errors"
)

// IptablesChain is the custom chain installed in table `nat` and jumped
// to from `PREROUTING` (spec §6: "iptables creates chain XR_PROXY in
// table nat, jumped from PREROUTING, with equivalent rules").
const IptablesChain = "XR_PROXY"

// IptablesBackend is the fallback Backend for hosts without a usable
// nftables netlink socket (spec §4.6 "prefer nft if present and usable,
// else iptables").
type IptablesBackend struct {
	ipt *iptables.IPTables
}

// NewIptablesBackend constructs the backend. Construction never fails;
// failures surface from Detect/Install/Teardown.
func NewIptablesBackend() *IptablesBackend {
	ipt, err := iptables.New()
	if err != nil {
		return &IptablesBackend{}
	}
	return &IptablesBackend{ipt: ipt}
}

// Name implements Backend.
func (b *IptablesBackend) Name() string { return "iptables" }

// Detect reports whether the iptables binary and its nat table are
// reachable.
func (b *IptablesBackend) Detect() bool {
	if b.ipt == nil {
		return false
	}
	_, err := b.ipt.List("nat", "PREROUTING")
	return err == nil
}

// Install creates the XR_PROXY chain in table nat, jumps to it from
// PREROUTING, and populates it with RFC1918/upstream exclusions
// followed by per-port REDIRECT rules (spec §6, §4.6).
func (b *IptablesBackend) Install(spec RuleSpec) error {
	if b.ipt == nil {
		return errors.New("firewall: iptables not available")
	}

	if err := b.ipt.ClearChain("nat", IptablesChain); err != nil {
		return errors.Wrap(err, "firewall: creating XR_PROXY chain")
	}

	for _, cidr := range spec.ExcludeCIDRs {
		if err := b.ipt.AppendUnique("nat", IptablesChain, "-d", cidr.String(), "-j", "RETURN"); err != nil {
			return errors.Wrapf(err, "firewall: excluding %s", cidr.String())
		}
	}
	if spec.UpstreamIP != nil {
		if ip4 := spec.UpstreamIP.To4(); ip4 != nil {
			upstream := &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}
			if err := b.ipt.AppendUnique("nat", IptablesChain, "-d", upstream.String(), "-j", "RETURN"); err != nil {
				return errors.Wrap(err, "firewall: excluding upstream IP")
			}
		}
	}

	for _, port := range spec.RedirectOn {
		err := b.ipt.AppendUnique("nat", IptablesChain,
			"-p", "tcp", "--dport", fmt.Sprintf("%d", port),
			"-j", "REDIRECT", "--to-port", fmt.Sprintf("%d", spec.ListenPort))
		if err != nil {
			return errors.Wrapf(err, "firewall: redirecting port %d", port)
		}
	}

	if err := b.ipt.AppendUnique("nat", "PREROUTING", "-j", IptablesChain); err != nil {
		return errors.Wrap(err, "firewall: jumping PREROUTING to XR_PROXY")
	}

	return nil
}

// Teardown removes the PREROUTING jump and the XR_PROXY chain. It is
// idempotent: an absent chain or jump rule is not an error (spec §8
// "Firewall idempotence").
func (b *IptablesBackend) Teardown() error {
	if b.ipt == nil {
		return nil
	}

	exists, err := b.ipt.Exists("nat", "PREROUTING", "-j", IptablesChain)
	if err == nil && exists {
		if err := b.ipt.Delete("nat", "PREROUTING", "-j", IptablesChain); err != nil {
			return errors.Wrap(err, "firewall: removing PREROUTING jump")
		}
	}

	chains, err := b.ipt.ListChains("nat")
	if err != nil {
		return errors.Wrap(err, "firewall: listing nat chains")
	}
	found := false
	for _, c := range chains {
		if c == IptablesChain {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	if err := b.ipt.ClearChain("nat", IptablesChain); err != nil {
		return errors.Wrap(err, "firewall: clearing XR_PROXY chain")
	}
	if err := b.ipt.DeleteChain("nat", IptablesChain); err != nil {
		return errors.Wrap(err, "firewall: deleting XR_PROXY chain")
	}
	return nil
}
