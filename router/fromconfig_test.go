package router

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blitter.com/go/xrproxy/config"
)

func testCfg() *config.Config {
	cfg := &config.Config{}
	cfg.Routing.DefaultAction = "direct"
	cfg.Routing.Rules = []config.RuleConfig{
		{Action: "proxy", Domains: []string{"*.example.com"}},
		{Action: "direct", CIDRs: []string{"10.0.0.0/8"}},
	}
	return cfg
}

func TestBuildEngineNoGeoIP(t *testing.T) {
	cfg := testCfg()
	engine, resolver, err := BuildEngine(cfg)
	require.NoError(t, err)
	assert.Nil(t, resolver)

	assert.Equal(t, Proxy, engine.Evaluate(Origin{SNI: "api.example.com"}))
	assert.Equal(t, Direct, engine.Evaluate(Origin{DstIP: net.ParseIP("10.1.2.3")}))
	assert.Equal(t, Direct, engine.Evaluate(Origin{DstIP: net.ParseIP("8.8.8.8")}))
}

func TestBuildEngineDefaultActionProxy(t *testing.T) {
	cfg := testCfg()
	cfg.Routing.DefaultAction = "proxy"
	cfg.Routing.Rules = nil
	engine, _, err := BuildEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, Proxy, engine.Evaluate(Origin{DstIP: net.ParseIP("1.2.3.4")}))
}

func TestBuildEngineRejectsBadCIDR(t *testing.T) {
	cfg := testCfg()
	cfg.Routing.Rules = []config.RuleConfig{
		{Action: "direct", CIDRs: []string{"not-a-cidr"}},
	}
	_, _, err := BuildEngine(cfg)
	assert.Error(t, err)
}

func TestBuildEngineOpensConfiguredMMDB(t *testing.T) {
	cfg := testCfg()
	cfg.GeoIP.Database = "/nonexistent/path/to.mmdb"
	_, _, err := BuildEngine(cfg)
	assert.Error(t, err, "a configured-but-missing database should surface as an error, not silently fall back to NoopResolver")
}
