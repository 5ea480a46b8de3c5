package router

import "net"

// Verdict is the router engine's per-connection decision (spec
// GLOSSARY).
type Verdict int

// nolint: golint
const (
	Direct Verdict = iota
	Proxy
)

func (v Verdict) String() string {
	if v == Proxy {
		return "proxy"
	}
	return "direct"
}

// CountryResolver is the pluggable GeoIP capability (spec §4.5, §9
// Design Notes): a real MMDB-backed implementation and a no-op that
// always returns ("", false) are both selected at config-load time.
type CountryResolver interface {
	Lookup(ip net.IP) (iso2 string, ok bool)
}

// NoopResolver always reports no country, used when no GeoIP database
// is configured (spec §4.5 "if the database is absent ... that
// predicate evaluates false").
type NoopResolver struct{}

// Lookup implements CountryResolver.
func (NoopResolver) Lookup(net.IP) (string, bool) { return "", false }

// Origin is the per-connection input to the router (spec §4.5):
// destination IP/port and an optional sniffed SNI.
type Origin struct {
	DstIP   net.IP
	DstPort uint16
	SNI     string // empty if not sniffed
}

// Rule mirrors one [[routing.rules]] config entry (spec §3, §6):
// within a rule any predicate match yields the rule's action; rules
// are evaluated top-to-bottom and the first match wins.
type Rule struct {
	Action    Verdict
	Domains   []string // globs, spec §4.5
	GeoIP     []string // ISO2 country codes
	IPv4CIDRs []*net.IPNet
}

// Engine evaluates an ordered rule list against a default action
// (spec §3 "Routing rule", §4.5 "Router engine"). It holds no
// per-connection state, so repeated calls with identical rules and
// inputs are guaranteed to return identical verdicts regardless of
// call order (spec §8 "Router determinism").
type Engine struct {
	rules         []Rule
	defaultAction Verdict
	geo           CountryResolver
}

// NewEngine builds a router engine. geo may be nil, in which case a
// NoopResolver is used.
func NewEngine(rules []Rule, defaultAction Verdict, geo CountryResolver) *Engine {
	if geo == nil {
		geo = NoopResolver{}
	}
	return &Engine{rules: rules, defaultAction: defaultAction, geo: geo}
}

// Evaluate returns the verdict for origin (spec §4.5 "Matching
// order"): SNI is matched first when present; IP is not reverse-DNS
// resolved when SNI is absent (latency, per spec), falling through
// directly to IP-based predicates.
func (e *Engine) Evaluate(o Origin) Verdict {
	for _, rule := range e.rules {
		if e.ruleMatches(rule, o) {
			return rule.Action
		}
	}
	return e.defaultAction
}

func (e *Engine) ruleMatches(rule Rule, o Origin) bool {
	if o.SNI != "" {
		for _, glob := range rule.Domains {
			if matchDomain(glob, o.SNI) {
				return true
			}
		}
	}
	if o.DstIP != nil {
		for _, cidr := range rule.IPv4CIDRs {
			if cidr.Contains(o.DstIP) {
				return true
			}
		}
		if len(rule.GeoIP) > 0 {
			if cc, ok := e.geo.Lookup(o.DstIP); ok {
				for _, want := range rule.GeoIP {
					if cc == want {
						return true
					}
				}
			}
		}
	}
	return false
}
