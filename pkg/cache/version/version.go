// Package version manages cache namespace versions. Stored keys are
// prefixed with the current namespace version, so bumping a version
// atomically invalidates every prior key in the namespace without
// touching the backend.
package version

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/smartramana/hookmesh/pkg/observability"
)

const digestCacheSize = 1024

// Manager maintains namespace → version and code-identity → digest
// mappings. Versions are either v{N} with a monotonically increasing
// counter, or code-{digest} derived from source text.
type Manager struct {
	mu       sync.Mutex
	versions map[string]string
	counters map[string]int
	digests  *lru.Cache[string, string]
	logger   observability.Logger
}

// NewManager creates a version manager
func NewManager(logger observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewLogger("cache.version")
	}
	digests, _ := lru.New[string, string](digestCacheSize)
	return &Manager{
		versions: make(map[string]string),
		counters: make(map[string]int),
		digests:  digests,
		logger:   logger,
	}
}

// NamespaceVersion returns the current version of a namespace,
// registering missing namespaces at v1
func (m *Manager) NamespaceVersion(namespace string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.namespaceVersionLocked(namespace)
}

func (m *Manager) namespaceVersionLocked(namespace string) string {
	if v, ok := m.versions[namespace]; ok {
		return v
	}
	m.counters[namespace] = 1
	m.versions[namespace] = "v1"
	return "v1"
}

// BumpVersion advances the namespace to the next integer version,
// invalidating every key stored under prior versions
func (m *Manager) BumpVersion(namespace string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.namespaceVersionLocked(namespace)
	m.counters[namespace]++
	next := fmt.Sprintf("v%d", m.counters[namespace])
	m.versions[namespace] = next
	m.logger.Info("Bumped namespace version", map[string]interface{}{
		"namespace": namespace,
		"version":   next,
	})
	return next
}

// SetCodeVersion pins the namespace version to a digest of the given
// source text, so code changes invalidate the namespace automatically
func (m *Manager) SetCodeVersion(namespace, source string) string {
	digest := m.CodeDigest(source)
	m.mu.Lock()
	defer m.mu.Unlock()

	m.namespaceVersionLocked(namespace)
	v := "code-" + digest
	if m.versions[namespace] != v {
		m.versions[namespace] = v
		m.logger.Info("Pinned namespace to code version", map[string]interface{}{
			"namespace": namespace,
			"version":   v,
		})
	}
	return v
}

// CodeDigest returns the memoized digest of a source text
func (m *Manager) CodeDigest(source string) string {
	if d, ok := m.digests.Get(source); ok {
		return d
	}
	sum := sha256.Sum256([]byte(source))
	d := hex.EncodeToString(sum[:])[:16]
	m.digests.Add(source, d)
	return d
}

// SchemaDigest digests a data-model schema: the source text plus the
// attribute name-and-type pairs, sorted
func (m *Manager) SchemaDigest(source string, fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(source)
	for _, name := range names {
		b.WriteString("\n")
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(fields[name])
	}
	return m.CodeDigest(b.String())
}

// VersionedKey prefixes a base key with the current namespace version
func (m *Manager) VersionedKey(namespace, key string) string {
	return "v:" + m.NamespaceVersion(namespace) + ":" + key
}

// StripVersion removes the version prefix from a stored key, returning
// the base key, the version, and whether the key was versioned
func StripVersion(stored string) (key, version string, ok bool) {
	if !strings.HasPrefix(stored, "v:") {
		return stored, "", false
	}
	rest := stored[2:]
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return stored, "", false
	}
	return rest[idx+1:], rest[:idx], true
}
