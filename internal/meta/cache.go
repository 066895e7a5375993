// Package meta caches per-symbol trading rules fetched from the venue.
package meta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"execution-core/pkg/exchanges/common"
)

// MetadataUnavailableError means the symbol's trading rules could not be
// fetched. No order may be placed for the symbol while this holds.
type MetadataUnavailableError struct {
	Symbol string
	Err    error
}

func (e *MetadataUnavailableError) Error() string {
	return fmt.Sprintf("symbol metadata unavailable for %s: %v", e.Symbol, e.Err)
}

func (e *MetadataUnavailableError) Unwrap() error { return e.Err }

// InfoFetcher is the slice of the gateway the cache needs.
type InfoFetcher interface {
	GetSymbolInfo(ctx context.Context, symbol string) (common.SymbolInfo, error)
}

// Cache holds SymbolInfo entries with a TTL. Entries are replaced wholesale
// on refresh, never mutated. Concurrent misses for the same symbol coalesce
// into one remote fetch.
type Cache struct {
	fetcher InfoFetcher
	ttl     time.Duration
	log     *zap.Logger

	mu      sync.RWMutex
	entries map[string]common.SymbolInfo
	group   singleflight.Group
}

func NewCache(fetcher InfoFetcher, ttl time.Duration, log *zap.Logger) *Cache {
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		log:     log,
		entries: make(map[string]common.SymbolInfo),
	}
}

// Get returns the cached rules for symbol, fetching on miss or expiry.
func (c *Cache) Get(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	c.mu.RLock()
	info, ok := c.entries[symbol]
	c.mu.RUnlock()
	if ok && time.Since(info.FetchedAt) < c.ttl {
		return info, nil
	}

	v, err, _ := c.group.Do(symbol, func() (any, error) {
		// Another coalesced caller may have refreshed the entry while
		// this one waited on the flight group.
		c.mu.RLock()
		cur, ok := c.entries[symbol]
		c.mu.RUnlock()
		if ok && time.Since(cur.FetchedAt) < c.ttl {
			return cur, nil
		}

		fresh, err := c.fetcher.GetSymbolInfo(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if fresh.FetchedAt.IsZero() {
			fresh.FetchedAt = time.Now()
		}

		c.mu.Lock()
		c.entries[symbol] = fresh
		c.mu.Unlock()

		c.log.Debug("meta: symbol info refreshed",
			zap.String("symbol", symbol),
			zap.String("qty_step", fresh.QtyStep.String()),
			zap.String("tick_size", fresh.TickSize.String()))
		return fresh, nil
	})
	if err != nil {
		c.log.Warn("meta: symbol info fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return common.SymbolInfo{}, &MetadataUnavailableError{Symbol: symbol, Err: err}
	}
	return v.(common.SymbolInfo), nil
}

// Invalidate drops the entry for symbol, forcing a refetch on next use.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	delete(c.entries, symbol)
	c.mu.Unlock()
}
