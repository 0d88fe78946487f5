// Package cache decides whether a search can be served from a previously
// fetched record pool or needs a live provider call.
package cache

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

// Config holds the gate's tunables.
type Config struct {
	// FulfillmentThreshold is the minimum cached/total ratio for a hit.
	FulfillmentThreshold float64
	// FuzzyTTL is how long fuzzy-mode pools stay servable.
	FuzzyTTL time.Duration
	// ExactTTL is the short burst-absorbing TTL for exact-mode pools.
	ExactTTL time.Duration
}

// DefaultConfig returns the production gate configuration.
func DefaultConfig() Config {
	return Config{
		FulfillmentThreshold: 0.8,
		FuzzyTTL:             180 * 24 * time.Hour,
		ExactTTL:             24 * time.Hour,
	}
}

// Decision is the outcome of a cache lookup.
type Decision struct {
	Hit            bool
	Records        []model.PersonRecord
	TotalAvailable int
}

// Gate applies the fulfillment-ratio policy over the store's cache table.
type Gate struct {
	cfg   Config
	store store.Store
}

// NewGate creates a Gate.
func NewGate(cfg Config, st store.Store) *Gate {
	if cfg.FulfillmentThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Gate{cfg: cfg, store: st}
}

// Lookup checks for a usable cached pool. On a hit it returns up to count
// records drawn from a uniform random permutation of the pool, so repeated
// searches with the same parameters surface different individuals.
func (g *Gate) Lookup(ctx context.Context, mode model.SearchMode, params model.SearchParams, count int) (*Decision, error) {
	key := SearchKey(mode, params)
	entry, err := g.store.GetCache(ctx, key)
	if err != nil {
		return nil, eris.Wrap(err, "cache: lookup")
	}
	if entry == nil {
		return &Decision{}, nil
	}

	ratio := entry.FulfillmentRatio()
	if ratio < g.cfg.FulfillmentThreshold {
		zap.L().Debug("cache: below fulfillment threshold",
			zap.String("key", key),
			zap.Float64("ratio", ratio),
			zap.Float64("threshold", g.cfg.FulfillmentThreshold),
		)
		return &Decision{TotalAvailable: entry.TotalAvailable}, nil
	}

	pool := make([]model.PersonRecord, len(entry.Records))
	copy(pool, entry.Records)
	rand.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})
	if count > 0 && count < len(pool) {
		pool = pool[:count]
	}

	return &Decision{
		Hit:            true,
		Records:        pool,
		TotalAvailable: entry.TotalAvailable,
	}, nil
}

// StoreFetch overwrites the cached pool for the search after a live fetch.
func (g *Gate) StoreFetch(ctx context.Context, mode model.SearchMode, params model.SearchParams, records []model.PersonRecord, totalAvailable int) error {
	ttl := g.cfg.FuzzyTTL
	if mode == model.ModeExact {
		ttl = g.cfg.ExactTTL
	}
	now := time.Now().UTC()
	entry := model.CacheEntry{
		Key:            SearchKey(mode, params),
		Mode:           mode,
		Records:        records,
		TotalAvailable: totalAvailable,
		FetchedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	return eris.Wrap(g.store.SetCache(ctx, entry), "cache: store fetch")
}
