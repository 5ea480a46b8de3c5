package firewall

import (
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NftablesTable is the table name spec §6 fixes: "nftables creates
// table `ip xr_proxy`".
const NftablesTable = "xr_proxy"

// NftablesChain is the chain name spec §6 fixes: "a `nat prerouting`
// chain".
const NftablesChain = "prerouting"

// NftablesBackend installs/removes the transparent-redirect rules
// using the nftables netlink API (spec §6 "nftables backend").
type NftablesBackend struct{}

// NewNftablesBackend constructs the backend.
func NewNftablesBackend() *NftablesBackend { return &NftablesBackend{} }

// Name implements Backend.
func (b *NftablesBackend) Name() string { return "nftables" }

// Detect reports whether the nftables netlink socket is usable (spec
// §4.6 "prefer nft if present and usable").
func (b *NftablesBackend) Detect() bool {
	conn := &nftables.Conn{}
	_, err := conn.ListTables()
	return err == nil
}

// Install creates table `ip xr_proxy` with a `nat prerouting` chain
// that redirects TCP dports 80,443 to the listener, excluding RFC1918
// destinations and the upstream IP (spec §6).
func (b *NftablesBackend) Install(spec RuleSpec) error {
	conn := &nftables.Conn{}

	table := conn.AddTable(&nftables.Table{
		Name:   NftablesTable,
		Family: nftables.TableFamilyIPv4,
	})

	chain := conn.AddChain(&nftables.Chain{
		Name:     NftablesChain,
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityNATDest,
	})

	// One "return" rule per excluded CIDR (RFC1918 + upstream /32), so
	// LAN-to-LAN and router-to-upstream traffic bypasses redirection
	// entirely (spec §4.6).
	for _, cidr := range spec.ExcludeCIDRs {
		addExcludeRule(conn, table, chain, cidr)
	}
	if spec.UpstreamIP != nil {
		if ip4 := spec.UpstreamIP.To4(); ip4 != nil {
			addExcludeRule(conn, table, chain, &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)})
		}
	}

	for _, port := range spec.RedirectOn {
		conn.AddRule(&nftables.Rule{
			Table: table,
			Chain: chain,
			Exprs: []expr.Any{
				// meta l4proto tcp
				&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
				// tcp dport == port
				&expr.Payload{
					DestRegister: 1,
					Base:         expr.PayloadBaseTransportHeader,
					Offset:       2,
					Len:          2,
				},
				&expr.Cmp{
					Op:       expr.CmpOpEq,
					Register: 1,
					Data:     binaryutil.BigEndian.PutUint16(port),
				},
				// load the listener port into register 2, then redirect to it
				&expr.Immediate{
					Register: 2,
					Data:     binaryutil.BigEndian.PutUint16(spec.ListenPort),
				},
				&expr.Redir{
					RegisterProtoMin: 2,
				},
			},
		})
	}

	return errors.Wrap(conn.Flush(), "firewall: nftables flush")
}

func addExcludeRule(conn *nftables.Conn, table *nftables.Table, chain *nftables.Chain, cidr *net.IPNet) {
	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       16, // destination address offset in an IPv4 header
				Len:          4,
			},
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           cidr.Mask,
				Xor:            []byte{0, 0, 0, 0},
			},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     cidr.IP.To4(),
			},
			&expr.Verdict{Kind: expr.VerdictReturn},
		},
	})
}

// Teardown deletes table `ip xr_proxy` if it exists. It is idempotent:
// deleting an absent table is treated as success (spec §8 "Firewall
// idempotence").
func (b *NftablesBackend) Teardown() error {
	conn := &nftables.Conn{}
	tables, err := conn.ListTables()
	if err != nil {
		return errors.Wrap(err, "firewall: listing nftables tables")
	}
	found := false
	for _, t := range tables {
		if t.Name == NftablesTable && t.Family == nftables.TableFamilyIPv4 {
			conn.DelTable(t)
			found = true
		}
	}
	if !found {
		return nil
	}
	return errors.Wrap(conn.Flush(), "firewall: nftables teardown flush")
}
