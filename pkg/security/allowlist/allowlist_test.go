package allowlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyAllowsAll(t *testing.T) {
	a := New()
	assert.True(t, a.IsAllowed("10.0.0.1"))
	assert.True(t, a.IsAllowed("2001:db8::1"))
	assert.True(t, a.IsAllowed("not-an-ip"), "the empty list short-circuits before parsing")
}

func TestLiteralMatch(t *testing.T) {
	a, err := NewFromEntries([]string{"192.168.1.10", "2001:db8::5"})
	require.NoError(t, err)

	assert.True(t, a.IsAllowed("192.168.1.10"))
	assert.False(t, a.IsAllowed("192.168.1.11"))
	assert.True(t, a.IsAllowed("2001:db8::5"))
	assert.False(t, a.IsAllowed("2001:db8::6"))
}

func TestCIDRBoundaries(t *testing.T) {
	a, err := NewFromEntries([]string{"10.1.2.0/30"})
	require.NoError(t, err)

	// A /30 covers exactly four addresses, both ends inclusive
	assert.True(t, a.IsAllowed("10.1.2.0"))
	assert.True(t, a.IsAllowed("10.1.2.1"))
	assert.True(t, a.IsAllowed("10.1.2.2"))
	assert.True(t, a.IsAllowed("10.1.2.3"))
	assert.False(t, a.IsAllowed("10.1.2.4"))
	assert.False(t, a.IsAllowed("10.1.1.255"))
}

func TestIPv6CIDR(t *testing.T) {
	a, err := NewFromEntries([]string{"2001:db8:abcd::/48"})
	require.NoError(t, err)

	assert.True(t, a.IsAllowed("2001:db8:abcd::1"))
	assert.True(t, a.IsAllowed("2001:db8:abcd:ffff:ffff:ffff:ffff:ffff"))
	assert.False(t, a.IsAllowed("2001:db8:abce::1"))
}

func TestUnmaskedCIDRNormalized(t *testing.T) {
	a := New()
	require.NoError(t, a.Add("10.1.2.57/24"))
	assert.True(t, a.IsAllowed("10.1.2.1"))
	assert.True(t, a.IsAllowed("10.1.2.255"))
	assert.False(t, a.IsAllowed("10.1.3.1"))

	// Removing with a different host part hits the same masked prefix
	require.NoError(t, a.Remove("10.1.2.99/24"))
	assert.Equal(t, 0, a.Len())
}

func TestMappedIPv4Normalized(t *testing.T) {
	a, err := NewFromEntries([]string{"192.168.0.1"})
	require.NoError(t, err)

	assert.True(t, a.IsAllowed("::ffff:192.168.0.1"), "mapped form matches the v4 literal")
}

func TestMalformedEntriesRejected(t *testing.T) {
	a := New()
	assert.Error(t, a.Add("not-an-ip"))
	assert.Error(t, a.Add("10.0.0.0/99"))
	assert.Error(t, a.Remove("still-not-an-ip"))
}

func TestMalformedQueryDenied(t *testing.T) {
	a, err := NewFromEntries([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	assert.False(t, a.IsAllowed(""))
	assert.False(t, a.IsAllowed("300.1.1.1"))
	assert.False(t, a.IsAllowed("10.0.0.1:8080"), "host:port is not an address")
}

func TestRemoveLiteral(t *testing.T) {
	a, err := NewFromEntries([]string{"10.0.0.1", "10.0.0.2"})
	require.NoError(t, err)
	require.Equal(t, 2, a.Len())

	require.NoError(t, a.Remove("10.0.0.1"))
	assert.False(t, a.IsAllowed("10.0.0.1"))
	assert.True(t, a.IsAllowed("10.0.0.2"))
	assert.Equal(t, 1, a.Len())
}

func TestNewFromEntriesStopsOnFirstError(t *testing.T) {
	_, err := NewFromEntries([]string{"10.0.0.1", "bogus", "10.0.0.2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}
