package rates

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// Cached fronts a slower RateSource with a ristretto L1 cache. Cached rates
// keep the upstream AsOf so freshness checks see the real quote age.
type Cached struct {
	upstream domain.RateSource
	ttl      time.Duration
	c        *ristretto.Cache[string, domain.Rate]
}

// NewCached wraps upstream. maxEntries bounds the number of cached pairs.
func NewCached(upstream domain.RateSource, ttl time.Duration, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, domain.Rate]{
		NumCounters: maxEntries * 10, // ~10x expected items
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{upstream: upstream, ttl: ttl, c: c}, nil
}

// Rate implements domain.RateSource.
func (c *Cached) Rate(ctx context.Context, from, to string) (domain.Rate, error) {
	key := from + "/" + to
	if r, ok := c.c.Get(key); ok {
		return r, nil
	}
	r, err := c.upstream.Rate(ctx, from, to)
	if err != nil {
		return domain.Rate{}, err
	}
	c.c.SetWithTTL(key, r, 1, c.ttl)
	c.c.Wait()
	return r, nil
}

// Invalidate drops every cached pair.
func (c *Cached) Invalidate() {
	c.c.Clear()
}

// Close releases the cache.
func (c *Cached) Close() {
	c.c.Close()
}
