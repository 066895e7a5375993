// Package gateway wraps a venue gateway with timeouts, rate limiting and
// retry with exponential backoff.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"execution-core/pkg/exchanges/common"
)

// APIUnavailableError means retries were exhausted on a transient failure.
// The wrapped error is the last one observed.
type APIUnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *APIUnavailableError) Error() string {
	return fmt.Sprintf("api unavailable: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *APIUnavailableError) Unwrap() error { return e.Err }

// Options tunes the retry and rate-limit behavior.
type Options struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	CallTimeout    time.Duration
	RequestsPerSec float64
	Burst          int
}

// Resilient decorates a Gateway. Transient failures retry with exponential
// backoff and jitter; permanent failures surface immediately. The decorator
// classifies and retries only, it never interprets business semantics.
type Resilient struct {
	inner   common.Gateway
	opts    Options
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewResilient(inner common.Gateway, opts Options, log *zap.Logger) *Resilient {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RequestsPerSec)
	}
	return &Resilient{
		inner:   inner,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
		log:     log,
	}
}

// call runs fn under the retry policy. Each attempt gets its own timeout; a
// timed-out attempt classifies as transient.
func (r *Resilient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.BaseDelay
	bo.MaxInterval = r.opts.MaxDelay
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if !common.IsTransient(err) {
			return err
		}
		if attempt == r.opts.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		r.log.Warn("gateway: transient failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	r.log.Error("gateway: retries exhausted",
		zap.String("op", op),
		zap.Int("attempts", r.opts.MaxAttempts),
		zap.Error(lastErr))
	return &APIUnavailableError{Op: op, Attempts: r.opts.MaxAttempts, Err: lastErr}
}

func (r *Resilient) GetSymbolInfo(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	var out common.SymbolInfo
	err := r.call(ctx, "get_symbol_info", func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetSymbolInfo(ctx, symbol)
		return err
	})
	return out, err
}

func (r *Resilient) GetTickers(ctx context.Context, symbols []string) (map[string]common.Ticker, error) {
	var out map[string]common.Ticker
	err := r.call(ctx, "get_tickers", func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetTickers(ctx, symbols)
		return err
	})
	return out, err
}

func (r *Resilient) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	var out common.Balance
	err := r.call(ctx, "get_balance", func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetBalance(ctx, asset)
		return err
	})
	return out, err
}

func (r *Resilient) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	var out common.OrderResult
	err := r.call(ctx, "place_order", func(ctx context.Context) error {
		var err error
		out, err = r.inner.PlaceOrder(ctx, req)
		return err
	})
	return out, err
}

func (r *Resilient) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return r.call(ctx, "cancel_order", func(ctx context.Context) error {
		return r.inner.CancelOrder(ctx, symbol, exchangeOrderID)
	})
}

func (r *Resilient) GetOrderStatus(ctx context.Context, symbol, clientID string) (common.OrderState, error) {
	var out common.OrderState
	err := r.call(ctx, "get_order_status", func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetOrderStatus(ctx, symbol, clientID)
		return err
	})
	return out, err
}

func (r *Resilient) GetPosition(ctx context.Context, symbol string) (common.Position, bool, error) {
	var (
		out common.Position
		ok  bool
	)
	err := r.call(ctx, "get_position", func(ctx context.Context) error {
		var err error
		out, ok, err = r.inner.GetPosition(ctx, symbol)
		return err
	})
	return out, ok, err
}
