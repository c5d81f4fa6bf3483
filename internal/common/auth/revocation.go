package auth

import (
	"context"
	"time"

	"blastpit/internal/common/cache"
)

const revokedKeyPrefix = "auth:revoked:"

// CacheRevocationStore keeps revoked token hashes in the shared cache.
type CacheRevocationStore struct {
	cache cache.Cache
}

func NewCacheRevocationStore(c cache.Cache) *CacheRevocationStore {
	return &CacheRevocationStore{cache: c}
}

func (s *CacheRevocationStore) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	n, err := s.cache.Exists(ctx, revokedKeyPrefix+tokenHash)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoke marks a token hash revoked for ttl, normally the token's
// remaining lifetime.
func (s *CacheRevocationStore) Revoke(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return s.cache.Set(ctx, revokedKeyPrefix+tokenHash, "1", ttl)
}

var _ RevocationStore = (*CacheRevocationStore)(nil)
