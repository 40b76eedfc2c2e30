package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smartramana/hookmesh/pkg/cache/keys"
	"github.com/smartramana/hookmesh/pkg/cache/version"
	"github.com/smartramana/hookmesh/pkg/observability"
)

// Policy is the process-wide caching policy level
type Policy string

// Caching policy levels
const (
	PolicyDisabled   Policy = "disabled"
	PolicyMinimal    Policy = "minimal"
	PolicyBalanced   Policy = "balanced"
	PolicyAggressive Policy = "aggressive"
)

// policyTTL returns the default TTL each policy level applies when the
// caller does not pass one
func policyTTL(p Policy) *time.Duration {
	var d time.Duration
	switch p {
	case PolicyMinimal:
		d = 5 * time.Minute
	case PolicyAggressive:
		d = 24 * time.Hour
	default:
		d = time.Hour
	}
	return &d
}

// Config selects and tunes the backend for a cache service
type Config struct {
	Enabled            bool           `json:"enabled" mapstructure:"enabled"`
	Backend            string         `json:"backend" mapstructure:"backend"` // memory|disk|sql|redis
	DefaultTTL         time.Duration  `json:"default_ttl" mapstructure:"default_ttl"`
	MaxSize            int            `json:"max_size" mapstructure:"max_size"`
	EvictionPolicy     EvictionPolicy `json:"eviction_policy" mapstructure:"eviction_policy"`
	Serialization      string         `json:"serialization" mapstructure:"serialization"`
	DiskDir            string         `json:"disk_dir" mapstructure:"disk_dir"`
	SQLPath            string         `json:"sql_path" mapstructure:"sql_path"`
	Redis              RedisConfig    `json:"redis" mapstructure:"redis"`
	ModelAllowlist     []string       `json:"model_allowlist" mapstructure:"model_allowlist"`
	OperationAllowlist []string       `json:"operation_allowlist" mapstructure:"operation_allowlist"`
}

// DefaultConfig returns a memory-backed configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Backend:        "memory",
		DefaultTTL:     time.Hour,
		MaxSize:        10000,
		EvictionPolicy: EvictionLRU,
		Serialization:  "json",
	}
}

// NamespaceHook gates cache operations per namespace. Returning false
// turns reads into misses and writes into silent no-ops.
type NamespaceHook func(namespace string) bool

// Service orchestrates one backend, the version manager, and the
// configured caching policy. Cache misses are never errors: backend
// faults degrade to miss on reads and ok=false on writes, and are
// logged.
type Service struct {
	mu       sync.RWMutex
	config   Config
	backend  Backend
	versions *version.Manager
	hook     NamespaceHook
	policy   Policy
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewService builds the backend named by the configuration. A remote
// backend that is unreachable at construction falls back to memory.
func NewService(cfg Config, logger observability.Logger, metrics observability.MetricsClient) (*Service, error) {
	if logger == nil {
		logger = observability.NewLogger("cache.service")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	backend, err := buildBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Service{
		config:   cfg,
		backend:  backend,
		versions: version.NewManager(logger.WithPrefix("cache.version")),
		policy:   PolicyBalanced,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

func buildBackend(cfg Config, logger observability.Logger) (Backend, error) {
	if cfg.Serialization != "" && cfg.Serialization != "json" {
		return nil, fmt.Errorf("unsupported serialization %q: only json is allowed", cfg.Serialization)
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBackend(cfg.MaxSize, cfg.EvictionPolicy), nil
	case "disk":
		return NewDiskBackend(cfg.DiskDir, logger.WithPrefix("cache.disk"))
	case "sql":
		return NewSQLBackend(cfg.SQLPath, logger.WithPrefix("cache.sql"))
	case "redis":
		backend, err := NewRedisBackend(cfg.Redis, logger.WithPrefix("cache.redis"))
		if err != nil {
			logger.Warn("Remote cache unavailable, falling back to memory backend", map[string]interface{}{
				"address": cfg.Redis.Address,
				"error":   err.Error(),
			})
			return NewMemoryBackend(cfg.MaxSize, cfg.EvictionPolicy), nil
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Versions exposes the namespace version manager
func (s *Service) Versions() *version.Manager {
	return s.versions
}

// SetNamespaceHook registers the namespace gate
func (s *Service) SetNamespaceHook(hook NamespaceHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// SetPolicy changes the process-wide caching policy level
func (s *Service) SetPolicy(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
	s.logger.Info("Caching policy changed", map[string]interface{}{"policy": string(p)})
}

// Policy returns the current policy level
func (s *Service) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// shouldCache applies the enabled flag, the allowlists, the policy
// level, and the namespace hook
func (s *Service) shouldCache(modelID, operation string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.config.Enabled || s.policy == PolicyDisabled {
		return false
	}
	if len(s.config.ModelAllowlist) > 0 && !contains(s.config.ModelAllowlist, modelID) {
		return false
	}
	if len(s.config.OperationAllowlist) > 0 && !contains(s.config.OperationAllowlist, operation) {
		return false
	}
	if s.policy == PolicyMinimal && len(s.config.ModelAllowlist) == 0 {
		// Minimal mode caches nothing unless a namespace is explicitly
		// allowlisted or the hook opts it in
		if s.hook == nil {
			return false
		}
	}
	if s.hook != nil && !s.hook(modelID) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (s *Service) currentBackend() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

// Get looks up a cached value. Faults and gated namespaces report a miss.
func (s *Service) Get(ctx context.Context, modelID, operation string, inputs interface{}, params map[string]interface{}) (interface{}, bool) {
	if !s.shouldCache(modelID, operation) {
		return nil, false
	}
	key, err := keys.Build(modelID, operation, inputs, params)
	if err != nil {
		s.logger.Debug("Cache key build failed", map[string]interface{}{"error": err.Error()})
		return nil, false
	}
	stored := s.versions.VersionedKey(modelID, key)
	value, ok, err := s.currentBackend().Get(ctx, stored)
	if err != nil {
		s.logger.Warn("Cache read failed, treating as miss", map[string]interface{}{
			"key":   stored,
			"error": err.Error(),
		})
		s.metrics.IncrementCounterWithLabels("cache_errors", 1, map[string]string{"op": "get"})
		return nil, false
	}
	if ok {
		s.metrics.IncrementCounterWithLabels("cache_hits", 1, map[string]string{"namespace": modelID})
	} else {
		s.metrics.IncrementCounterWithLabels("cache_misses", 1, map[string]string{"namespace": modelID})
	}
	return value, ok
}

// Set stores a value, reporting success. Gated namespaces report
// success without writing.
func (s *Service) Set(ctx context.Context, modelID, operation string, inputs interface{}, params map[string]interface{}, value interface{}, ttl *time.Duration) bool {
	if !s.shouldCache(modelID, operation) {
		return true
	}
	key, err := keys.Build(modelID, operation, inputs, params)
	if err != nil {
		s.logger.Debug("Cache key build failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	if ttl == nil {
		ttl = s.defaultTTL()
	}
	stored := s.versions.VersionedKey(modelID, key)
	if err := s.currentBackend().Set(ctx, stored, value, ttl); err != nil {
		s.logger.Warn("Cache write failed", map[string]interface{}{
			"key":   stored,
			"error": err.Error(),
		})
		s.metrics.IncrementCounterWithLabels("cache_errors", 1, map[string]string{"op": "set"})
		return false
	}
	return true
}

func (s *Service) defaultTTL() *time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config.DefaultTTL > 0 {
		d := s.config.DefaultTTL
		return &d
	}
	return policyTTL(s.policy)
}

// Delete removes a cached value
func (s *Service) Delete(ctx context.Context, modelID, operation string, inputs interface{}, params map[string]interface{}) bool {
	key, err := keys.Build(modelID, operation, inputs, params)
	if err != nil {
		return false
	}
	stored := s.versions.VersionedKey(modelID, key)
	ok, err := s.currentBackend().Delete(ctx, stored)
	if err != nil {
		s.logger.Warn("Cache delete failed", map[string]interface{}{
			"key":   stored,
			"error": err.Error(),
		})
		return false
	}
	return ok
}

// Exists reports whether a live entry is cached
func (s *Service) Exists(ctx context.Context, modelID, operation string, inputs interface{}, params map[string]interface{}) bool {
	if !s.shouldCache(modelID, operation) {
		return false
	}
	key, err := keys.Build(modelID, operation, inputs, params)
	if err != nil {
		return false
	}
	stored := s.versions.VersionedKey(modelID, key)
	ok, err := s.currentBackend().Exists(ctx, stored)
	if err != nil {
		return false
	}
	return ok
}

// Clear empties the backend
func (s *Service) Clear(ctx context.Context) bool {
	if err := s.currentBackend().Clear(ctx); err != nil {
		s.logger.Warn("Cache clear failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}

// ClearNamespace deletes every stored key whose structured form belongs
// to the namespace. An empty namespace is a no-op success.
func (s *Service) ClearNamespace(ctx context.Context, namespace string) bool {
	if namespace == "" {
		return true
	}
	backend := s.currentBackend()
	stored, err := backend.Keys(ctx, "")
	if err != nil {
		s.logger.Warn("Cache key enumeration failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	for _, raw := range stored {
		base, _, _ := version.StripVersion(raw)
		parsed, err := keys.Parse(base)
		if err != nil || parsed.ModelID != namespace {
			continue
		}
		if _, err := backend.Delete(ctx, raw); err != nil {
			s.logger.Warn("Cache delete failed during namespace clear", map[string]interface{}{
				"key":   raw,
				"error": err.Error(),
			})
		}
	}
	return true
}

// Keys lists stored keys matching the pattern
func (s *Service) Keys(ctx context.Context, pattern string) []string {
	result, err := s.currentBackend().Keys(ctx, pattern)
	if err != nil {
		s.logger.Warn("Cache keys failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return result
}

// Size returns the live entry count
func (s *Service) Size(ctx context.Context) int {
	n, err := s.currentBackend().Size(ctx)
	if err != nil {
		return 0
	}
	return n
}

// Stats returns the backend counters
func (s *Service) Stats(ctx context.Context) Stats {
	stats, err := s.currentBackend().Stats(ctx)
	if err != nil {
		s.logger.Warn("Cache stats failed", map[string]interface{}{"error": err.Error()})
		return Stats{}
	}
	return stats
}

// SetConfig replaces the live backend. In-flight operations against the
// old backend complete against it; the old backend is closed afterwards.
func (s *Service) SetConfig(cfg Config) error {
	backend, err := buildBackend(cfg, s.logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.backend
	s.backend = backend
	s.config = cfg
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn("Failed to close previous cache backend", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return nil
}

// Close closes the live backend
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
