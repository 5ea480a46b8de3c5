package router

import (
	"net"

	"github.com/pkg/errors"

	"blitter.com/go/xrproxy/config"
)

// BuildEngine translates the parsed [routing]/[geoip] config sections
// into an Engine, opening the MMDB resolver when one is configured
// (spec §4.5, §6 "[geoip] database -- path to MMDB; optional").
func BuildEngine(cfg *config.Config) (*Engine, *MMDBResolver, error) {
	var defaultAction Verdict
	if cfg.Routing.DefaultAction == "proxy" {
		defaultAction = Proxy
	} else {
		defaultAction = Direct
	}

	rules := make([]Rule, 0, len(cfg.Routing.Rules))
	for i, rc := range cfg.Routing.Rules {
		action := Direct
		if rc.Action == "proxy" {
			action = Proxy
		}
		var cidrs []*net.IPNet
		for _, c := range rc.CIDRs {
			_, n, err := net.ParseCIDR(c)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "router: [[routing.rules]][%d] cidr %q", i, c)
			}
			cidrs = append(cidrs, n)
		}
		rules = append(rules, Rule{
			Action:    action,
			Domains:   rc.Domains,
			GeoIP:     rc.GeoIP,
			IPv4CIDRs: cidrs,
		})
	}

	var resolver *MMDBResolver
	var geo CountryResolver
	if cfg.GeoIP.Database != "" {
		var err error
		resolver, err = OpenMMDB(cfg.GeoIP.Database)
		if err != nil {
			return nil, nil, err
		}
		geo = resolver
	}

	return NewEngine(rules, defaultAction, geo), resolver, nil
}
