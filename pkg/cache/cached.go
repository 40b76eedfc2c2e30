package cache

import (
	"context"
	"time"
)

// CachedOptions configures a Cached wrapper. Namespace and Operation
// identify the function; Source, when set, is digested by the version
// manager so code changes invalidate prior results.
type CachedOptions struct {
	Namespace string
	Operation string
	Source    string
	TTL       *time.Duration
}

// CallOption adjusts a single cached call
type CallOption func(*callConfig)

type callConfig struct {
	forceRefresh bool
}

// ForceRefresh bypasses the cache for this call but stores the
// recomputed result
func ForceRefresh() CallOption {
	return func(c *callConfig) { c.forceRefresh = true }
}

// Cached wraps a deterministic function with the cache service. The key
// is derived from the namespace, the operation (extended with the
// source digest when one is provided), and the canonicalized arguments.
// A value of the wrong dynamic type (possible after a backend swap to
// a JSON store) is treated as a miss and recomputed.
func Cached[T any](
	svc *Service,
	opts CachedOptions,
	fn func(ctx context.Context, inputs interface{}, params map[string]interface{}) (T, error),
) func(ctx context.Context, inputs interface{}, params map[string]interface{}, callOpts ...CallOption) (T, error) {
	operation := opts.Operation
	if opts.Source != "" {
		operation = operation + "." + svc.Versions().CodeDigest(opts.Source)
	}
	return func(ctx context.Context, inputs interface{}, params map[string]interface{}, callOpts ...CallOption) (T, error) {
		var cfg callConfig
		for _, opt := range callOpts {
			opt(&cfg)
		}
		if !cfg.forceRefresh {
			if raw, ok := svc.Get(ctx, opts.Namespace, operation, inputs, params); ok {
				if value, ok := raw.(T); ok {
					return value, nil
				}
			}
		}
		value, err := fn(ctx, inputs, params)
		if err != nil {
			return value, err
		}
		svc.Set(ctx, opts.Namespace, operation, inputs, params, value, opts.TTL)
		return value, nil
	}
}
