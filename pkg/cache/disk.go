package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/smartramana/hookmesh/pkg/observability"
)

const diskMetadataDir = "_metadata"

// DiskBackend stores each entry as two files: the serialized value under
// the sha256 of the key, and a sidecar metadata record under
// _metadata/{sha256}.json. Values are JSON only; arbitrary-object
// deserialization is not supported. A process-local mutex serializes
// operations; the layout tolerates concurrent readers across processes
// but assumes a single writer per key.
type DiskBackend struct {
	mu     sync.Mutex
	dir    string
	stats  Stats
	logger observability.Logger
	now    func() time.Time
}

type diskMetadata struct {
	Key         string     `json:"key"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastAccess  time.Time  `json:"last_access"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AccessCount int64      `json:"access_count"`
}

// NewDiskBackend creates a disk-backed cache rooted at dir
func NewDiskBackend(dir string, logger observability.Logger) (*DiskBackend, error) {
	if logger == nil {
		logger = observability.NewLogger("cache.disk")
	}
	if err := os.MkdirAll(filepath.Join(dir, diskMetadataDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	b := &DiskBackend{dir: dir, logger: logger, now: time.Now}
	b.loadStats()
	return b, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (b *DiskBackend) valuePath(key string) string {
	return filepath.Join(b.dir, hashKey(key))
}

func (b *DiskBackend) metadataPath(key string) string {
	return filepath.Join(b.dir, diskMetadataDir, hashKey(key)+".json")
}

func (b *DiskBackend) statsPath() string {
	return filepath.Join(b.dir, diskMetadataDir, "stats.json")
}

// writeFileAtomic writes data to a temp file and renames it into place
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (b *DiskBackend) loadStats() {
	data, err := os.ReadFile(b.statsPath())
	if err != nil {
		return
	}
	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		b.logger.Warn("Ignoring corrupted cache stats file", map[string]interface{}{
			"path":  b.statsPath(),
			"error": err.Error(),
		})
		return
	}
	b.stats = s
}

func (b *DiskBackend) saveStatsLocked() {
	data, err := json.Marshal(b.stats)
	if err != nil {
		return
	}
	if err := writeFileAtomic(b.statsPath(), data); err != nil {
		b.logger.Warn("Failed to persist cache stats", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// readMetadata loads the metadata record for a key. A corrupted or
// unreadable record is reported as absent.
func (b *DiskBackend) readMetadata(key string) (*diskMetadata, bool) {
	data, err := os.ReadFile(b.metadataPath(key))
	if err != nil {
		return nil, false
	}
	var meta diskMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		b.logger.Warn("Treating corrupted cache metadata as miss", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil, false
	}
	return &meta, true
}

func (b *DiskBackend) writeMetadata(key string, meta *diskMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(b.metadataPath(key), data)
}

func (b *DiskBackend) removeEntry(key string) {
	_ = os.Remove(b.valuePath(key))
	_ = os.Remove(b.metadataPath(key))
}

// Get retrieves a value from disk
func (b *DiskBackend) Get(ctx context.Context, key string) (interface{}, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, ok := b.readMetadata(key)
	if !ok {
		b.stats.Misses++
		b.saveStatsLocked()
		return nil, false, nil
	}
	now := b.now()
	if meta.ExpiresAt != nil && now.After(*meta.ExpiresAt) {
		b.removeEntry(key)
		b.stats.Misses++
		b.saveStatsLocked()
		return nil, false, nil
	}

	data, err := os.ReadFile(b.valuePath(key))
	if err != nil {
		b.stats.Misses++
		b.saveStatsLocked()
		return nil, false, nil
	}
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		// Corrupted value file: drop the entry, leave the rest intact
		b.logger.Warn("Removing corrupted cache value file", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		b.removeEntry(key)
		b.stats.Misses++
		b.saveStatsLocked()
		return nil, false, nil
	}

	meta.AccessCount++
	meta.LastAccess = now
	if err := b.writeMetadata(key, meta); err != nil {
		b.logger.Warn("Failed to update cache metadata", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	b.stats.Hits++
	b.saveStatsLocked()
	return value, true, nil
}

// Set stores a value on disk
func (b *DiskBackend) Set(ctx context.Context, key string, value interface{}, ttl *time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	meta := &diskMetadata{
		Key:        key,
		CreatedAt:  now,
		LastAccess: now,
		UpdatedAt:  now,
	}
	if existing, ok := b.readMetadata(key); ok {
		meta.CreatedAt = existing.CreatedAt
		meta.AccessCount = existing.AccessCount
	}
	if ttl != nil {
		t := now.Add(*ttl)
		meta.ExpiresAt = &t
	}

	if err := writeFileAtomic(b.valuePath(key), data); err != nil {
		return fmt.Errorf("failed to write cache value: %w", err)
	}
	if err := b.writeMetadata(key, meta); err != nil {
		_ = os.Remove(b.valuePath(key))
		return fmt.Errorf("failed to write cache metadata: %w", err)
	}
	b.stats.Sets++
	b.saveStatsLocked()
	return nil
}

// Delete removes a key from disk
func (b *DiskBackend) Delete(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.readMetadata(key)
	if !ok {
		if _, err := os.Stat(b.valuePath(key)); errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
	}
	b.removeEntry(key)
	if ok {
		b.stats.Deletes++
		b.saveStatsLocked()
	}
	return ok, nil
}

// Exists reports whether a live entry is present
func (b *DiskBackend) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, ok := b.readMetadata(key)
	if !ok {
		return false, nil
	}
	if meta.ExpiresAt != nil && b.now().After(*meta.ExpiresAt) {
		b.removeEntry(key)
		return false, nil
	}
	return true, nil
}

// Clear removes every entry
func (b *DiskBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, meta := range b.sweepLocked() {
		b.removeEntry(meta.Key)
	}
	b.stats.Clears++
	b.saveStatsLocked()
	return nil
}

// sweepLocked enumerates live metadata records, removing expired entries
// and skipping corrupted files
func (b *DiskBackend) sweepLocked() []*diskMetadata {
	entries, err := os.ReadDir(filepath.Join(b.dir, diskMetadataDir))
	if err != nil {
		return nil
	}
	now := b.now()
	var live []*diskMetadata
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == "stats.json" || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, diskMetadataDir, name))
		if err != nil {
			continue
		}
		var meta diskMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			b.logger.Warn("Skipping corrupted cache metadata file", map[string]interface{}{
				"file":  name,
				"error": err.Error(),
			})
			continue
		}
		if meta.ExpiresAt != nil && now.After(*meta.ExpiresAt) {
			b.removeEntry(meta.Key)
			continue
		}
		live = append(live, &meta)
	}
	return live
}

// Size returns the live entry count after an expiry sweep
func (b *DiskBackend) Size(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sweepLocked()), nil
}

// Keys returns live keys matching the pattern
func (b *DiskBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	match := keyMatcher(pattern)
	var keys []string
	for _, meta := range b.sweepLocked() {
		if match(meta.Key) {
			keys = append(keys, meta.Key)
		}
	}
	return keys, nil
}

// Stats returns the backend counters
func (b *DiskBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats, nil
}

// GetTTL returns the remaining TTL of a key
func (b *DiskBackend) GetTTL(ctx context.Context, key string) (*time.Duration, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, ok := b.readMetadata(key)
	if !ok {
		return nil, false, nil
	}
	now := b.now()
	if meta.ExpiresAt == nil {
		return nil, true, nil
	}
	if now.After(*meta.ExpiresAt) {
		b.removeEntry(key)
		return nil, false, nil
	}
	remaining := meta.ExpiresAt.Sub(now)
	return &remaining, true, nil
}

// SetTTL replaces the TTL of an existing key
func (b *DiskBackend) SetTTL(ctx context.Context, key string, ttl *time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, ok := b.readMetadata(key)
	if !ok {
		return false, nil
	}
	now := b.now()
	if meta.ExpiresAt != nil && now.After(*meta.ExpiresAt) {
		b.removeEntry(key)
		return false, nil
	}
	if ttl == nil {
		meta.ExpiresAt = nil
	} else {
		t := now.Add(*ttl)
		meta.ExpiresAt = &t
	}
	meta.UpdatedAt = now
	if err := b.writeMetadata(key, meta); err != nil {
		return false, fmt.Errorf("failed to update cache metadata: %w", err)
	}
	return true, nil
}

// Close releases resources held by the backend
func (b *DiskBackend) Close() error {
	return nil
}
