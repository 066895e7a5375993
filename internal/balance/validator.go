// Package balance performs the pre-trade funds check.
package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// InsufficientBalanceError means the account cannot fund the order. The order
// is never submitted.
type InsufficientBalanceError struct {
	Asset     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %s, available %s (short %s)",
		e.Asset, e.Required, e.Available, e.Shortfall())
}

// Shortfall is the amount missing.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// BalanceFetcher is the slice of the gateway the validator needs.
type BalanceFetcher interface {
	GetBalance(ctx context.Context, asset string) (common.Balance, error)
}

type fetchedBalance struct {
	bal common.Balance
	at  time.Time
}

// Validator checks available funds right before submission. Balances are
// re-fetched unless the previous fetch is younger than the freshness window;
// anything older is too racy to trust with real money.
type Validator struct {
	fetcher      BalanceFetcher
	freshness    time.Duration
	safetyMargin decimal.Decimal // fractional, e.g. 0.005 for market orders
	log          *zap.Logger

	mu   sync.Mutex
	last map[string]fetchedBalance
}

// NewValidator builds a validator. safetyMarginBps pads the required amount
// for market orders to absorb slippage between validation and fill.
func NewValidator(fetcher BalanceFetcher, freshness time.Duration, safetyMarginBps int, log *zap.Logger) *Validator {
	return &Validator{
		fetcher:      fetcher,
		freshness:    freshness,
		safetyMargin: decimal.New(int64(safetyMarginBps), -4),
		log:          log,
		last:         make(map[string]fetchedBalance),
	}
}

// Validate confirms the account can fund req. refPrice is the current market
// price, used for market orders and for sell-side notional logging. req must
// already be normalized.
func (v *Validator) Validate(ctx context.Context, req common.OrderRequest, info common.SymbolInfo, refPrice decimal.Decimal) error {
	asset, required := v.requirement(req, info, refPrice)

	bal, err := v.fetch(ctx, asset)
	if err != nil {
		return fmt.Errorf("fetch %s balance: %w", asset, err)
	}

	if bal.Available.LessThan(required) {
		ibe := &InsufficientBalanceError{Asset: asset, Required: required, Available: bal.Available}
		v.log.Warn("balance: validation failed",
			zap.String("symbol", req.Symbol),
			zap.String("asset", asset),
			zap.String("required", required.String()),
			zap.String("available", bal.Available.String()),
			zap.String("shortfall", ibe.Shortfall().String()))
		return ibe
	}
	return nil
}

// requirement resolves which asset funds the order and how much of it is
// needed. Buys spend the quote asset; sells spend the base asset itself.
func (v *Validator) requirement(req common.OrderRequest, info common.SymbolInfo, refPrice decimal.Decimal) (string, decimal.Decimal) {
	if req.Side == common.SideSell {
		return info.BaseAsset, req.Qty
	}

	price := req.Price
	if req.Type == common.OrderTypeMarket || price.IsZero() {
		price = refPrice.Mul(decimal.NewFromInt(1).Add(v.safetyMargin))
	}
	return info.QuoteAsset, req.Qty.Mul(price)
}

func (v *Validator) fetch(ctx context.Context, asset string) (common.Balance, error) {
	v.mu.Lock()
	if cached, ok := v.last[asset]; ok && time.Since(cached.at) < v.freshness {
		v.mu.Unlock()
		return cached.bal, nil
	}
	v.mu.Unlock()

	bal, err := v.fetcher.GetBalance(ctx, asset)
	if err != nil {
		return common.Balance{}, err
	}

	v.mu.Lock()
	v.last[asset] = fetchedBalance{bal: bal, at: time.Now()}
	v.mu.Unlock()
	return bal, nil
}
