package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainauth "github.com/armazem-sao-joaquim/backoffice/internal/domain/auth"
)

// AdminCacheKeyPrefix namespaces admin verification entries.
const AdminCacheKeyPrefix = "admin:"

// AdminCacheKey returns the cache key for an identity's admin determination.
func AdminCacheKey(identityID string) string {
	return AdminCacheKeyPrefix + identityID
}

// VerificationCache stores admin verification results per identity.
type VerificationCache interface {
	// Get returns the live cached result for identityID, if any.
	Get(ctx context.Context, identityID string) (*domainauth.AdminVerificationResult, bool, error)
	Set(ctx context.Context, identityID string, res domainauth.AdminVerificationResult) error
	// ClearIdentity removes admin:{id} and any admin:{id}:* keys. Other identities are untouched.
	ClearIdentity(ctx context.Context, identityID string) error
}

// MemoryVerificationCache keeps verification results in a process-local TTLCache.
type MemoryVerificationCache struct {
	cache *TTLCache[domainauth.AdminVerificationResult]
	ttl   time.Duration
}

var _ VerificationCache = (*MemoryVerificationCache)(nil)

// NewMemoryVerificationCache creates a MemoryVerificationCache with a fixed TTL.
func NewMemoryVerificationCache(ttl time.Duration, clock TimeProvider) *MemoryVerificationCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryVerificationCache{
		cache: NewTTLCache[domainauth.AdminVerificationResult](TTLCacheOptions{DefaultTTL: ttl, Clock: clock}),
		ttl:   ttl,
	}
}

func (m *MemoryVerificationCache) Get(
	_ context.Context,
	identityID string,
) (*domainauth.AdminVerificationResult, bool, error) {
	res, ok := m.cache.Get(AdminCacheKey(identityID))
	if !ok {
		return nil, false, nil
	}
	return &res, true, nil
}

func (m *MemoryVerificationCache) Set(_ context.Context, identityID string, res domainauth.AdminVerificationResult) error {
	m.cache.Set(AdminCacheKey(identityID), res, m.ttl)
	return nil
}

func (m *MemoryVerificationCache) ClearIdentity(_ context.Context, identityID string) error {
	key := AdminCacheKey(identityID)
	m.cache.Clear(key)
	m.cache.ClearPrefix(key + ":")
	return nil
}

// Entries returns the number of stored entries. Used by tests and diagnostics.
func (m *MemoryVerificationCache) Entries() int { return m.cache.Len() }

// RepositoryVerificationCache stores results as JSON in a CacheRepository (Redis in production).
// The entry carries its own expiry so reads never return a result past its TTL,
// even if the backing store has not yet expired the key.
type RepositoryVerificationCache struct {
	repo  CacheRepository
	ttl   time.Duration
	clock TimeProvider
}

var _ VerificationCache = (*RepositoryVerificationCache)(nil)

type storedVerification struct {
	Result    domainauth.AdminVerificationResult `json:"result"`
	ExpiresAt int64                              `json:"expires_at_ms"`
}

// RepositoryVerificationCacheOptions configures a RepositoryVerificationCache.
type RepositoryVerificationCacheOptions struct {
	Repo  CacheRepository
	TTL   time.Duration
	Clock TimeProvider
}

// NewRepositoryVerificationCache creates a RepositoryVerificationCache.
func NewRepositoryVerificationCache(opts RepositoryVerificationCacheOptions) (*RepositoryVerificationCache, error) {
	if opts.Repo == nil {
		return nil, errors.New("cache repository is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RepositoryVerificationCache{repo: opts.Repo, ttl: ttl, clock: clockOrReal(opts.Clock)}, nil
}

func (r *RepositoryVerificationCache) Get(
	ctx context.Context,
	identityID string,
) (*domainauth.AdminVerificationResult, bool, error) {
	key := AdminCacheKey(identityID)
	raw, err := r.repo.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("verification cache get: %w", err)
	}
	if raw == nil {
		return nil, false, nil
	}

	var stored storedVerification
	if err := json.Unmarshal(raw, &stored); err != nil {
		// Unreadable entries are treated as misses and dropped.
		if _, delErr := r.repo.Delete(ctx, key); delErr != nil {
			return nil, false, fmt.Errorf("verification cache drop corrupt entry: %w", delErr)
		}
		return nil, false, nil
	}

	if r.clock.Now().UnixMilli() >= stored.ExpiresAt {
		if _, delErr := r.repo.Delete(ctx, key); delErr != nil {
			return nil, false, fmt.Errorf("verification cache evict: %w", delErr)
		}
		return nil, false, nil
	}
	return &stored.Result, true, nil
}

func (r *RepositoryVerificationCache) Set(
	ctx context.Context,
	identityID string,
	res domainauth.AdminVerificationResult,
) error {
	payload, err := json.Marshal(storedVerification{
		Result:    res,
		ExpiresAt: r.clock.Now().Add(r.ttl).UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal verification: %w", err)
	}
	if err := r.repo.Set(ctx, AdminCacheKey(identityID), payload, r.ttl); err != nil {
		return fmt.Errorf("verification cache set: %w", err)
	}
	return nil
}

func (r *RepositoryVerificationCache) ClearIdentity(ctx context.Context, identityID string) error {
	key := AdminCacheKey(identityID)
	if _, err := r.repo.Delete(ctx, key); err != nil {
		return fmt.Errorf("verification cache delete: %w", err)
	}
	if _, err := r.repo.DeletePrefix(ctx, key+":"); err != nil {
		return fmt.Errorf("verification cache delete prefix: %w", err)
	}
	return nil
}
