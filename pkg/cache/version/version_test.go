package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartramana/hookmesh/pkg/observability"
)

func newManager() *Manager {
	return NewManager(observability.NewNoopLogger())
}

func TestNamespaceVersionDefaultsToV1(t *testing.T) {
	m := newManager()
	assert.Equal(t, "v1", m.NamespaceVersion("ns"))
	assert.Equal(t, "v1", m.NamespaceVersion("ns"), "registration is idempotent")
}

func TestBumpVersion(t *testing.T) {
	m := newManager()

	assert.Equal(t, "v2", m.BumpVersion("ns"))
	assert.Equal(t, "v3", m.BumpVersion("ns"))
	assert.Equal(t, "v3", m.NamespaceVersion("ns"))

	// Other namespaces are untouched
	assert.Equal(t, "v1", m.NamespaceVersion("other"))
}

func TestBumpChangesVersionedKeys(t *testing.T) {
	m := newManager()

	before := m.VersionedKey("ns", "model:op:a:b")
	m.BumpVersion("ns")
	after := m.VersionedKey("ns", "model:op:a:b")

	assert.NotEqual(t, before, after)
	assert.Equal(t, "v:v1:model:op:a:b", before)
	assert.Equal(t, "v:v2:model:op:a:b", after)
}

func TestSetCodeVersion(t *testing.T) {
	m := newManager()

	v1 := m.SetCodeVersion("ns", "func f() { return 1 }")
	v2 := m.SetCodeVersion("ns", "func f() { return 2 }")
	assert.NotEqual(t, v1, v2, "source change must change the version")

	again := m.SetCodeVersion("ns", "func f() { return 2 }")
	assert.Equal(t, v2, again, "same source keeps the version stable")
	assert.Contains(t, v2, "code-")
}

func TestCodeDigestMemoized(t *testing.T) {
	m := newManager()

	d1 := m.CodeDigest("source text")
	d2 := m.CodeDigest("source text")
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 16)
}

func TestSchemaDigestFieldOrderIndependent(t *testing.T) {
	m := newManager()

	a := m.SchemaDigest("src", map[string]string{"name": "string", "age": "int"})
	b := m.SchemaDigest("src", map[string]string{"age": "int", "name": "string"})
	assert.Equal(t, a, b)

	c := m.SchemaDigest("src", map[string]string{"name": "string", "age": "int64"})
	assert.NotEqual(t, a, c, "type change must change the digest")
}

func TestStripVersion(t *testing.T) {
	m := newManager()

	stored := m.VersionedKey("ns", "model:op:a:b")
	key, version, ok := StripVersion(stored)
	require.True(t, ok)
	assert.Equal(t, "model:op:a:b", key)
	assert.Equal(t, "v1", version)

	key, version, ok = StripVersion("plain-key")
	assert.False(t, ok)
	assert.Equal(t, "plain-key", key)
	assert.Empty(t, version)
}
