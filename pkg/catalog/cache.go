package catalog

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/envalloc/envalloc/pkg/alloc"
	"github.com/envalloc/envalloc/pkg/clock"
)

// CacheConfig configures CachedClient.
type CacheConfig struct {
	// TTL is how long a listing is served without asking upstream.
	TTL time.Duration

	// StaleTTL is how long a listing may still be served while upstream is
	// unavailable. Zero disables stale reads.
	StaleTTL time.Duration
}

type cacheEntry struct {
	resources []alloc.Resource
	fetchedAt time.Time
}

// CachedClient memoizes listings of another Client. The cache is advisory:
// serving a stale entry can only cause a Conflict at the lease store, never a
// double allocation.
type CachedClient struct {
	inner  Client
	cfg    CacheConfig
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCachedClient wraps inner.
func NewCachedClient(inner Client, cfg CacheConfig, clk clock.Clock, logger zerolog.Logger) *CachedClient {
	if clk == nil {
		clk = clock.New()
	}
	return &CachedClient{
		inner:   inner,
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With().Str("component", "catalog-cache").Logger(),
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(spec alloc.RequirementSpec) string {
	tags := slices.Clone(spec.Tags)
	slices.Sort(tags)
	return spec.Type + "|" + strings.Join(tags, ",")
}

// ListAvailable implements Client.
func (c *CachedClient) ListAvailable(ctx context.Context, spec alloc.RequirementSpec) iter.Seq2[alloc.Resource, error] {
	return func(yield func(alloc.Resource, error) bool) {
		key := cacheKey(spec)
		now := c.clock.Now()

		c.mu.Lock()
		entry, cached := c.entries[key]
		c.mu.Unlock()

		var resources []alloc.Resource
		switch {
		case cached && now.Sub(entry.fetchedAt) < c.cfg.TTL:
			resources = entry.resources
		default:
			fresh, err := Collect(c.inner.ListAvailable(ctx, spec))
			if err != nil {
				if !cached || c.cfg.StaleTTL <= 0 || now.Sub(entry.fetchedAt) >= c.cfg.StaleTTL || !alloc.IsKind(err, alloc.KindCatalogUnavailable) {
					yield(alloc.Resource{}, err)
					return
				}
				c.logger.Warn().Err(err).
					Str("key", key).
					Dur("age", now.Sub(entry.fetchedAt)).
					Msg("Serving stale catalog listing")
				resources = entry.resources
				break
			}
			c.mu.Lock()
			c.entries[key] = cacheEntry{resources: fresh, fetchedAt: now}
			c.mu.Unlock()
			resources = fresh
		}

		for _, r := range resources {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Refresh implements Client. Refresh always asks upstream.
func (c *CachedClient) Refresh(ctx context.Context, resourceID string) (alloc.Resource, error) {
	return c.inner.Refresh(ctx, resourceID)
}

// Invalidate drops every cached listing.
func (c *CachedClient) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
