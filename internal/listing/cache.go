package listing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raine/roomedit/internal/storage"
)

// DefaultCacheTTL is how long a scraped record is served from cache.
const DefaultCacheTTL = 24 * time.Hour

// CacheStore is the subset of storage.Store used for caching.
type CacheStore interface {
	GetScrapeCache(ctx context.Context, key string) (*storage.ScrapeCacheEntry, error)
	SetScrapeCache(ctx context.Context, key, payload string) error
}

// CachedProvider wraps a Provider with store-backed caching of raw records.
// Cache failures are logged and never fail a scrape.
type CachedProvider struct {
	inner Provider
	store CacheStore
	ttl   time.Duration
	now   func() time.Time
}

// NewCachedProvider creates a cached provider.
func NewCachedProvider(inner Provider, store CacheStore, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedProvider{inner: inner, store: store, ttl: ttl, now: time.Now}
}

// hashURL creates the cache key for a listing URL.
func hashURL(listingURL string) string {
	h := sha256.Sum256([]byte(listingURL))
	return hex.EncodeToString(h[:])
}

// Scrape implements the Provider interface with caching.
func (c *CachedProvider) Scrape(ctx context.Context, listingURL string) (map[string]any, error) {
	key := hashURL(listingURL)

	// Check cache
	cached, err := c.store.GetScrapeCache(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("failed to check scrape cache")
	} else if cached != nil && c.now().Sub(cached.CreatedAt) < c.ttl {
		var raw map[string]any
		if err := json.Unmarshal([]byte(cached.Payload), &raw); err == nil {
			log.Debug().Str("hash", key[:16]).Msg("scrape cache hit")
			return raw, nil
		}
		log.Warn().Str("hash", key[:16]).Msg("discarding unreadable scrape cache entry")
	}

	// Call underlying provider
	raw, err := c.inner.Scrape(ctx, listingURL)
	if err != nil {
		return nil, err
	}

	// Cache the result
	if len(raw) > 0 {
		payload, err := json.Marshal(raw)
		if err != nil {
			log.Warn().Err(err).Msg("failed to encode scrape result")
		} else if err := c.store.SetScrapeCache(ctx, key, string(payload)); err != nil {
			log.Warn().Err(err).Msg("failed to cache scrape result")
		} else {
			log.Debug().Str("hash", key[:16]).Msg("scrape result cached")
		}
	}

	return raw, nil
}
