// Package usagecache memoizes cap usage figures per instrument, cap scope and
// period. Entries are advisory: a miss is always answered by re-folding the
// ledger, and any write to an instrument's transactions moves it to a new
// generation so earlier figures are no longer read.
package usagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"reward-cap-engine/internal/cache"
	"reward-cap-engine/internal/metrics"
	"reward-cap-engine/internal/models"
)

const (
	keyPrefix  = "usage/"
	genPrefix  = "usage-gen/"
	epochKey   = "usage-epoch"
	defaultTTL = 10 * time.Minute
)

// Key identifies one cached usage figure.
type Key struct {
	InstrumentID string
	ScopeID      string
	PeriodStart  time.Time
}

func (k Key) String() string {
	return instrumentPrefix(k.InstrumentID) + k.ScopeID + "/" + k.PeriodStart.UTC().Format(time.RFC3339)
}

// entryKey places the generation in the stored key, so a figure written
// under an old generation is never read once the counter has moved on.
func (k Key) entryKey(gen models.Generation) string {
	return k.String() + "@" + strconv.FormatInt(gen.Epoch, 10) + "." + strconv.FormatInt(gen.Instrument, 10)
}

func instrumentPrefix(instrumentID string) string {
	return keyPrefix + instrumentID + "/"
}

// Entry is the cached value.
type Entry struct {
	Used int64 `json:"used"`
}

// Options configures a Cache.
type Options struct {
	TTL     time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Cache is the usage cache. Construct one per service; there is no package
// level instance. Generation counters are kept in the backend, so replicas
// sharing a Redis backend see each other's invalidations.
type Cache struct {
	backend cache.Cache
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	flight  singleflight.Group
}

// New wraps backend.
func New(backend cache.Cache, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		backend: backend,
		ttl:     opts.TTL,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Generation returns the current generation of an instrument. Read it
// before reading the ledger a figure will be folded from.
func (c *Cache) Generation(ctx context.Context, instrumentID string) (models.Generation, error) {
	epoch, err := c.backend.Counter(ctx, epochKey)
	if err != nil {
		return models.Generation{}, fmt.Errorf("failed to read usage cache epoch: %w", err)
	}
	instrument, err := c.backend.Counter(ctx, genPrefix+instrumentID)
	if err != nil {
		return models.Generation{}, fmt.Errorf("failed to read usage cache generation of %s: %w", instrumentID, err)
	}
	return models.Generation{Epoch: epoch, Instrument: instrument}, nil
}

// Get returns the entry stored for key under gen. Backend failures are
// reported as a miss so that a cache outage only costs a recomputation.
func (c *Cache) Get(ctx context.Context, key Key, gen models.Generation) (Entry, bool) {
	var entry Entry
	err := cache.GetJSON(ctx, c.backend, key.entryKey(gen), &entry)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.WarnContext(ctx, "usage cache read failed", slog.String("key", key.String()), slog.Any("error", err))
		}
		c.metrics.CacheMiss()
		return Entry{}, false
	}
	c.metrics.CacheHit()
	return entry, true
}

// Put stores entry under gen, which must have been read before the ledger
// the entry was folded from.
func (c *Cache) Put(ctx context.Context, key Key, entry Entry, gen models.Generation) {
	if err := cache.SetJSON(ctx, c.backend, key.entryKey(gen), entry, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "usage cache write failed", slog.String("key", key.String()), slog.Any("error", err))
	}
}

// GetOrCompute returns the figure cached for key under gen or computes,
// stores and returns it. Concurrent misses on the same key share one
// computation.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, gen models.Generation, compute func() (int64, error)) (int64, error) {
	if entry, ok := c.Get(ctx, key, gen); ok {
		return entry.Used, nil
	}

	v, err, _ := c.flight.Do(key.entryKey(gen), func() (interface{}, error) {
		used, err := compute()
		if err != nil {
			return int64(0), err
		}
		c.Put(ctx, key, Entry{Used: used}, gen)
		return used, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Invalidate moves an instrument to a new generation and drops its entries.
// Called after any insert, update or delete of one of its transactions.
func (c *Cache) Invalidate(ctx context.Context, instrumentID string) error {
	c.metrics.CacheInvalidated("instrument")
	_, incrErr := c.backend.Incr(ctx, genPrefix+instrumentID)
	if incrErr != nil {
		incrErr = fmt.Errorf("failed to bump usage cache generation of %s: %w", instrumentID, incrErr)
	}
	// entries of older generations are unreachable; deleting them frees space
	if err := c.backend.DeletePrefix(ctx, instrumentPrefix(instrumentID)); err != nil {
		return errors.Join(incrErr, fmt.Errorf("failed to invalidate usage cache for %s: %w", instrumentID, err))
	}
	return incrErr
}

// Clear moves every instrument to a new generation, used when rule
// definitions change.
func (c *Cache) Clear(ctx context.Context) error {
	c.metrics.CacheInvalidated("all")
	_, incrErr := c.backend.Incr(ctx, epochKey)
	if incrErr != nil {
		incrErr = fmt.Errorf("failed to bump usage cache epoch: %w", incrErr)
	}
	if err := c.backend.DeletePrefix(ctx, keyPrefix); err != nil {
		return errors.Join(incrErr, fmt.Errorf("failed to clear usage cache: %w", err))
	}
	return incrErr
}
