package router

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobCorrectness(t *testing.T) {
	cases := []struct {
		glob, host string
		want       bool
	}{
		{"*.example.com", "a.example.com", true},
		{"*.example.com", "a.b.example.com", true},
		{"*.example.com", "example.com", false},
		{"*.example.com", "aexample.com", false},
		{"*.example.com", "example.com.evil.io", false},
		{"example.com", "example.com", true},
		{"example.com", "x.example.com", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, matchDomain(c.glob, c.host), "%s vs %s", c.glob, c.host)
	}
}

func cidr(s string) *net.IPNet {
	_, n, _ := net.ParseCIDR(s)
	return n
}

func TestRoutingScenario(t *testing.T) {
	rules := []Rule{
		{Action: Proxy, Domains: []string{"*.youtube.com"}},
	}
	eng := NewEngine(rules, Direct, nil)

	assert.Equal(t, Proxy, eng.Evaluate(Origin{SNI: "www.youtube.com", DstIP: net.ParseIP("1.2.3.4")}))
	assert.Equal(t, Direct, eng.Evaluate(Origin{SNI: "www.example.org", DstIP: net.ParseIP("1.2.3.4")}))
	assert.Equal(t, Direct, eng.Evaluate(Origin{DstIP: net.ParseIP("8.8.8.8")}))
}

func TestRouterDeterminism(t *testing.T) {
	rules := []Rule{
		{Action: Proxy, IPv4CIDRs: []*net.IPNet{cidr("10.0.0.0/8")}},
		{Action: Direct, Domains: []string{"internal.corp"}},
	}
	eng := NewEngine(rules, Proxy, nil)
	o := Origin{SNI: "internal.corp", DstIP: net.ParseIP("10.1.2.3")}

	first := eng.Evaluate(o)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, eng.Evaluate(o))
	}
	assert.Equal(t, Proxy, first, "first rule (CIDR match) wins regardless of the later domain rule")
}

func TestGeoIPAbsentFallsThrough(t *testing.T) {
	rules := []Rule{
		{Action: Proxy, GeoIP: []string{"CN"}},
	}
	eng := NewEngine(rules, Direct, nil) // nil -> NoopResolver
	assert.Equal(t, Direct, eng.Evaluate(Origin{DstIP: net.ParseIP("1.2.3.4")}))
}
