// Package identity verifies that a claimed on-chain address is registered
// with the external identity registry before any signed envelope from it
// is trusted.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// ErrNotRegistered indicates the registry does not recognize the address.
var ErrNotRegistered = errors.New("address is not registered")

// OnChainRegistry is the external collaborator this package wraps. A
// transport error (network, timeout, malformed response) is distinct from a
// confidently negative lookup: only the former is retried, and neither is
// ever cached as a negative result.
type OnChainRegistry interface {
	IsRegistered(ctx context.Context, address string) (bool, error)
}

// VerifierOption configures optional Verifier behaviour at construction time.
type VerifierOption func(*Verifier)

// Verifier answers is_registered(address) backed by a positive-only TTL
// cache in front of a possibly slow or flaky external registry.
type Verifier struct {
	registry   OnChainRegistry
	cache      *cache.Cache
	maxRetries int
	backoff    func(attempt int) time.Duration
	sleep      func(time.Duration)
}

// WithMaxRetries overrides the number of retry attempts on transport errors.
func WithMaxRetries(n int) VerifierOption {
	return func(v *Verifier) {
		//1.- Negative values are ignored and the current setting is kept.
		if n >= 0 {
			v.maxRetries = n
		}
	}
}

// WithBackoff overrides the retry backoff schedule, primarily for tests.
func WithBackoff(backoff func(attempt int) time.Duration) VerifierOption {
	return func(v *Verifier) {
		if backoff != nil {
			v.backoff = backoff
		}
	}
}

// WithSleep overrides the sleep function, primarily for deterministic tests.
func WithSleep(sleep func(time.Duration)) VerifierOption {
	return func(v *Verifier) {
		if sleep != nil {
			v.sleep = sleep
		}
	}
}

// New constructs a Verifier wrapping the supplied registry.
func New(registry OnChainRegistry, cacheTTL time.Duration, opts ...VerifierOption) (*Verifier, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if cacheTTL <= 0 {
		return nil, errors.New("cacheTTL must be positive")
	}
	v := &Verifier{
		registry:   registry,
		cache:      cache.New(cacheTTL, cacheTTL*2),
		maxRetries: 3,
		backoff:    exponentialBackoff,
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

func exponentialBackoff(attempt int) time.Duration {
	base := 50 * time.Millisecond
	for i := 0; i < attempt; i++ {
		base *= 2
		if base > 2*time.Second {
			return 2 * time.Second
		}
	}
	return base
}

// IsRegistered reports whether address is currently registered, consulting
// the positive-only cache first. A negative result always reflects a fresh
// registry answer, never a stale cache entry.
func (v *Verifier) IsRegistered(ctx context.Context, address string) (bool, error) {
	if v == nil {
		return false, errors.New("verifier is nil")
	}
	key := normalize(address)
	if key == "" {
		return false, errors.New("address must not be empty")
	}
	//1.- A cache hit is always a prior positive answer, so it can be trusted without re-querying.
	if _, hit := v.cache.Get(key); hit {
		return true, nil
	}

	var lastErr error
	for attempt := 0; attempt <= v.maxRetries; attempt++ {
		if attempt > 0 {
			v.sleep(v.backoff(attempt))
		}
		registered, err := v.registry.IsRegistered(ctx, key)
		if err != nil {
			//2.- Only transport errors are retried; the loop itself never manufactures a negative result.
			lastErr = err
			continue
		}
		if registered {
			v.cache.SetDefault(key, struct{}{})
			return true, nil
		}
		//3.- A confident negative is returned immediately and is never written to the cache.
		return false, nil
	}
	return false, fmt.Errorf("registry lookup for %s failed after %d attempts: %w", key, v.maxRetries+1, lastErr)
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
