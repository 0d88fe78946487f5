package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/cache"
	"github.com/sells-group/prospect-cli/internal/executor"
	"github.com/sells-group/prospect-cli/internal/ledger"
	"github.com/sells-group/prospect-cli/internal/provider"
	"github.com/sells-group/prospect-cli/internal/search"
	"github.com/sells-group/prospect-cli/internal/store"
	"github.com/sells-group/prospect-cli/pkg/bulkdata"
	"github.com/sells-group/prospect-cli/pkg/livesearch"
	"github.com/sells-group/prospect-cli/pkg/phoneverify"
)

// engineEnv bundles the wired engine and its store for command handlers.
type engineEnv struct {
	Store   store.Store
	Meter   *ledger.Meter
	Service *search.Service
}

func (e *engineEnv) Close() {
	_ = e.Store.Close()
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEngine sets up the store, provider clients, ledger, cache gate, and
// the orchestration service.
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	bulkClient := bulkdata.NewClient(cfg.BulkData.Key, bulkdata.WithBaseURL(cfg.BulkData.BaseURL))
	liveClient := livesearch.NewClient(cfg.LiveSearch.Key, livesearch.WithBaseURL(cfg.LiveSearch.BaseURL))
	verifyClient := phoneverify.NewClient(cfg.PhoneVerify.Key,
		phoneverify.WithBaseURL(cfg.PhoneVerify.BaseURL),
		phoneverify.WithRateLimit(cfg.PhoneVerify.RequestsPerSec, cfg.Engine.BatchSize),
	)

	adapter := provider.New(bulkClient, liveClient, verifyClient)
	meter := ledger.NewMeter(st)

	rates := ledger.Rates{
		SearchBaseCost: cfg.Engine.SearchBaseCost,
		UnitDataCost:   cfg.Engine.UnitDataCost,
	}
	if cfg.Engine.RatesPath != "" {
		rates, err = ledger.LoadRates(cfg.Engine.RatesPath, rates)
		if err != nil {
			st.Close()
			return nil, eris.Wrap(err, "load rates")
		}
	}
	gate := cache.NewGate(cache.Config{
		FulfillmentThreshold: cfg.Engine.FulfillmentThreshold,
		FuzzyTTL:             time.Duration(cfg.Engine.FuzzyCacheTTLDays) * 24 * time.Hour,
		ExactTTL:             time.Duration(cfg.Engine.ExactCacheTTLDays) * 24 * time.Hour,
	}, st)

	svc := search.NewService(executor.Config{
		BatchSize:      cfg.Engine.BatchSize,
		UnitDataCost:   rates.UnitDataCost,
		SearchBaseCost: rates.SearchBaseCost,
	}, st, meter, gate, adapter)

	return &engineEnv{Store: st, Meter: meter, Service: svc}, nil
}
