package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// rateTTL is how long a resolved rate is trusted before CachingOracle
	// re-asks Next. staleTTL is far longer: the stale copy survives a
	// Next outage so a transient pricing-source failure degrades to a
	// last-known-good rate instead of cost_usd=0.
	rateTTL  = 1 * time.Hour
	staleTTL = 7 * 24 * time.Hour

	localCacheSize = 512
)

func rateKey(provider, modelName string) string {
	return fmt.Sprintf("pricing:rate:%s:%s", provider, modelName)
}

func staleRateKey(provider, modelName string) string {
	return fmt.Sprintf("pricing:rate:stale:%s:%s", provider, modelName)
}

// CachingOracle wraps another Oracle with the three-layer cache the
// original pricing module describes: an in-process LRU, a shared Redis
// copy other pods can reuse, and a long-lived stale copy kept only to
// answer Resolve when Next itself fails.
type CachingOracle struct {
	next   Oracle
	rdb    *redis.Client
	local  *lru.Cache[string, ModelRate]
	logger *slog.Logger
}

// NewCachingOracle builds a CachingOracle over next, sharing rdb with the
// rest of the platform's Redis-backed state.
func NewCachingOracle(next Oracle, rdb *redis.Client, logger *slog.Logger) *CachingOracle {
	local, _ := lru.New[string, ModelRate](localCacheSize)
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingOracle{next: next, rdb: rdb, local: local, logger: logger}
}

// Resolve checks the local LRU, then Redis, then Next in that order,
// populating each faster layer on the way back out. A Next failure falls
// back to the stale Redis copy if one exists; only a failure with no
// stale copy available propagates as a zero-cost rate (never an error —
// callers treat Resolve as non-fatal to the turn).
func (o *CachingOracle) Resolve(ctx context.Context, modelName, provider string) (ModelRate, error) {
	key := rateKey(provider, modelName)

	if rate, ok := o.local.Get(key); ok {
		return rate, nil
	}

	if raw, err := o.rdb.Get(ctx, key).Result(); err == nil {
		var rate ModelRate
		if json.Unmarshal([]byte(raw), &rate) == nil {
			o.local.Add(key, rate)
			return rate, nil
		}
	}

	rate, err := o.next.Resolve(ctx, modelName, provider)
	if err != nil {
		return o.resolveStale(ctx, key, provider, modelName, err)
	}

	o.store(ctx, key, provider, modelName, rate)
	return rate, nil
}

func (o *CachingOracle) resolveStale(ctx context.Context, key, provider, modelName string, cause error) (ModelRate, error) {
	raw, err := o.rdb.Get(ctx, staleRateKey(provider, modelName)).Result()
	if err != nil {
		o.logger.WarnContext(ctx, "pricing oracle lookup failed, defaulting to zero cost",
			"model", modelName, "error", cause)
		return ModelRate{}, nil
	}
	var rate ModelRate
	if json.Unmarshal([]byte(raw), &rate) != nil {
		o.logger.WarnContext(ctx, "pricing oracle lookup failed and stale rate unreadable, defaulting to zero cost",
			"model", modelName, "error", cause)
		return ModelRate{}, nil
	}
	o.logger.WarnContext(ctx, "pricing oracle lookup failed, serving stale rate",
		"model", modelName, "error", cause)
	o.local.Add(key, rate)
	return rate, nil
}

func (o *CachingOracle) store(ctx context.Context, key, provider, modelName string, rate ModelRate) {
	encoded, err := json.Marshal(rate)
	if err != nil {
		return
	}
	pipe := o.rdb.TxPipeline()
	pipe.Set(ctx, key, encoded, rateTTL)
	pipe.Set(ctx, staleRateKey(provider, modelName), encoded, staleTTL)
	_, _ = pipe.Exec(ctx)
	o.local.Add(key, rate)
}
