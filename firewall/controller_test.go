package firewall

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a Backend test double that records calls instead of
// touching the kernel, so Controller's orchestration (pre-install
// teardown, rollback-on-failure, idempotent teardown) can be verified
// without nftables/iptables privileges.
type fakeBackend struct {
	name          string
	detectOK      bool
	installErr    error
	teardownErr   error
	installCalls  int
	teardownCalls int
}

func (f *fakeBackend) Name() string  { return f.name }
func (f *fakeBackend) Detect() bool  { return f.detectOK }
func (f *fakeBackend) Install(spec RuleSpec) error {
	f.installCalls++
	return f.installErr
}
func (f *fakeBackend) Teardown() error {
	f.teardownCalls++
	return f.teardownErr
}

func TestDefaultRuleSpecExcludesRFC1918(t *testing.T) {
	upstream := net.ParseIP("203.0.113.7")
	spec, err := DefaultRuleSpec(8443, upstream, []string{"eth0"})
	require.NoError(t, err)

	assert.Equal(t, uint16(8443), spec.ListenPort)
	assert.ElementsMatch(t, RedirectPorts, spec.RedirectOn)
	require.Len(t, spec.ExcludeCIDRs, len(RFC1918Prefixes))
	for i, p := range RFC1918Prefixes {
		assert.Equal(t, p, spec.ExcludeCIDRs[i].String())
	}
}

func TestControllerInstallTearsDownStaleRulesFirst(t *testing.T) {
	fb := &fakeBackend{name: "fake", detectOK: true}
	c := &Controller{backend: fb}

	require.NoError(t, c.Install(RuleSpec{ListenPort: 8443}))
	assert.Equal(t, 1, fb.teardownCalls, "Install should tear down stale rules before installing")
	assert.Equal(t, 1, fb.installCalls)
	assert.True(t, c.Installed())
}

func TestControllerInstallRollsBackOnFailure(t *testing.T) {
	fb := &fakeBackend{name: "fake", detectOK: true, installErr: assert.AnError}
	c := &Controller{backend: fb}

	err := c.Install(RuleSpec{ListenPort: 8443})
	require.Error(t, err)
	assert.False(t, c.Installed())
	// one teardown before the failed install, one more to roll it back
	assert.Equal(t, 2, fb.teardownCalls)
}

func TestControllerTeardownIsIdempotent(t *testing.T) {
	fb := &fakeBackend{name: "fake", detectOK: true}
	c := &Controller{backend: fb}

	require.NoError(t, c.Teardown())
	require.NoError(t, c.Teardown())
	assert.False(t, c.Installed())
	assert.Equal(t, 2, fb.teardownCalls)
}

func TestControllerBackendName(t *testing.T) {
	fb := &fakeBackend{name: "fake", detectOK: true}
	c := &Controller{backend: fb}
	assert.Equal(t, "fake", c.BackendName())
}
