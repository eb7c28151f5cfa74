// Package pricing resolves model names to their per-turn credit cost.
package pricing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/illegalcall/skillchat/internal/metrics"
	"github.com/illegalcall/skillchat/internal/models"
)

// ErrModelNotFound is returned for absent and for inactive models alike.
var ErrModelNotFound = errors.New("model not found")

const cacheKeyTemplate = "pricing:%s"

const lookupTimeout = 5 * time.Second

type Catalog struct {
	db       *sqlx.DB
	cache    *redis.Client
	cacheTTL time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	loads    singleflight.Group
}

// NewCatalog builds a catalog backed by Postgres. cache may be nil, in which
// case every lookup goes to the database.
func NewCatalog(db *sqlx.DB, cache *redis.Client, cacheTTL time.Duration, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		db:       db,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
		metrics:  metrics.Get(),
	}
}

// Lookup returns the active pricing entry for modelName.
func (c *Catalog) Lookup(ctx context.Context, modelName string) (*models.ModelPricing, error) {
	if modelName == "" {
		return nil, ErrModelNotFound
	}

	if entry, ok := c.fromCache(ctx, modelName); ok {
		c.metrics.PricingCacheTotal.WithLabelValues("hit").Inc()
		return entry, nil
	}
	c.metrics.PricingCacheTotal.WithLabelValues("miss").Inc()

	// Concurrent misses for the same model share one query. It runs detached
	// from any single caller, each of which stops waiting on its own ctx.
	results := c.loads.DoChan(modelName, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return c.load(loadCtx, modelName)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		entry := res.Val.(models.ModelPricing)
		return &entry, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Catalog) load(ctx context.Context, modelName string) (models.ModelPricing, error) {
	var entry models.ModelPricing
	err := c.db.GetContext(ctx, &entry,
		`SELECT model_name, display_name, credits_cost, is_active, updated_at
		 FROM model_pricing WHERE model_name = $1 AND is_active = TRUE`,
		modelName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entry, ErrModelNotFound
		}
		return entry, fmt.Errorf("failed to look up pricing for %s: %w", modelName, err)
	}
	c.toCache(ctx, &entry)
	return entry, nil
}

// ListActive returns every active entry ordered by display name.
func (c *Catalog) ListActive(ctx context.Context) ([]models.ModelPricing, error) {
	entries := []models.ModelPricing{}
	err := c.db.SelectContext(ctx, &entries,
		`SELECT model_name, display_name, credits_cost, is_active, updated_at
		 FROM model_pricing WHERE is_active = TRUE ORDER BY display_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pricing: %w", err)
	}
	return entries, nil
}

// Upsert creates or replaces a pricing entry.
func (c *Catalog) Upsert(ctx context.Context, entry models.ModelPricing) (*models.ModelPricing, error) {
	if entry.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	if entry.CreditsCost < 0 {
		return nil, errors.New("credits cost must not be negative")
	}
	if entry.DisplayName == "" {
		entry.DisplayName = entry.ModelName
	}

	var saved models.ModelPricing
	err := c.db.GetContext(ctx, &saved,
		`INSERT INTO model_pricing (model_name, display_name, credits_cost, is_active, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (model_name) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     credits_cost = EXCLUDED.credits_cost,
		     is_active = EXCLUDED.is_active,
		     updated_at = NOW()
		 RETURNING model_name, display_name, credits_cost, is_active, updated_at`,
		entry.ModelName, entry.DisplayName, entry.CreditsCost, entry.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert pricing for %s: %w", entry.ModelName, err)
	}

	c.invalidate(ctx, entry.ModelName)
	c.logger.Info("Pricing updated", "model", saved.ModelName, "credits_cost", saved.CreditsCost, "active", saved.IsActive)
	return &saved, nil
}

// SetActive toggles a model on or off.
func (c *Catalog) SetActive(ctx context.Context, modelName string, active bool) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE model_pricing SET is_active = $1, updated_at = NOW() WHERE model_name = $2`,
		active, modelName,
	)
	if err != nil {
		return fmt.Errorf("failed to update pricing for %s: %w", modelName, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrModelNotFound
	}

	c.invalidate(ctx, modelName)
	c.logger.Info("Pricing activation changed", "model", modelName, "active", active)
	return nil
}

func (c *Catalog) fromCache(ctx context.Context, modelName string) (*models.ModelPricing, bool) {
	if c.cache == nil {
		return nil, false
	}
	raw, err := c.cache.Get(ctx, fmt.Sprintf(cacheKeyTemplate, modelName)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Pricing cache read failed", "model", modelName, "error", err)
		}
		return nil, false
	}

	var entry models.ModelPricing
	if err := json.Unmarshal(raw, &entry); err != nil || !entry.IsActive {
		return nil, false
	}
	return &entry, true
}

// toCache stores active entries only, so a deactivated model can never be
// served from the cache once its key has been invalidated.
func (c *Catalog) toCache(ctx context.Context, entry *models.ModelPricing) {
	if c.cache == nil || !entry.IsActive {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, fmt.Sprintf(cacheKeyTemplate, entry.ModelName), raw, c.cacheTTL).Err(); err != nil {
		c.logger.Warn("Pricing cache write failed", "model", entry.ModelName, "error", err)
	}
}

func (c *Catalog) invalidate(ctx context.Context, modelName string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Del(ctx, fmt.Sprintf(cacheKeyTemplate, modelName)).Err(); err != nil {
		c.logger.Warn("Pricing cache invalidation failed", "model", modelName, "error", err)
	}
}
