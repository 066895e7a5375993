package meta

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

type countingFetcher struct {
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (f *countingFetcher) GetSymbolInfo(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return common.SymbolInfo{}, f.err
	}
	return common.SymbolInfo{Symbol: symbol, FetchedAt: time.Now()}, nil
}

func TestCacheHitAvoidsRefetch(t *testing.T) {
	f := &countingFetcher{}
	cache := NewCache(f, time.Minute, zap.NewNop())
	ctx := context.Background()

	if _, err := cache.Get(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := cache.Get(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}
}

func TestCacheExpiryTriggersRefetch(t *testing.T) {
	f := &countingFetcher{}
	cache := NewCache(f, 10*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	if _, err := cache.Get(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := cache.Get(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if got := f.calls.Load(); got != 2 {
		t.Errorf("expected 2 fetches, got %d", got)
	}
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	f := &countingFetcher{delay: 30 * time.Millisecond}
	cache := NewCache(f, time.Minute, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(ctx, "ETHUSDT"); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Errorf("expected coalesced single fetch, got %d", got)
	}
}

func TestFetchFailureReturnsMetadataUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	f := &countingFetcher{err: cause}
	cache := NewCache(f, time.Minute, zap.NewNop())

	_, err := cache.Get(context.Background(), "BTCUSDT")
	var mu *MetadataUnavailableError
	if !errors.As(err, &mu) {
		t.Fatalf("expected MetadataUnavailableError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("cause should remain wrapped")
	}
	if mu.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %q", mu.Symbol)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	f := &countingFetcher{}
	cache := NewCache(f, time.Minute, zap.NewNop())
	ctx := context.Background()

	if _, err := cache.Get(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	cache.Invalidate("BTCUSDT")
	if _, err := cache.Get(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if got := f.calls.Load(); got != 2 {
		t.Errorf("expected 2 fetches, got %d", got)
	}
}
