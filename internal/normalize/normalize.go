// Package normalize rounds order quantity and price to a symbol's trading
// rules and enforces exchange minimums.
package normalize

import (
	"fmt"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// BelowMinimumError means the normalized order violates an exchange minimum.
// Such an order is never submitted.
type BelowMinimumError struct {
	Symbol  string
	Field   string // "quantity" or "notional"
	Actual  decimal.Decimal
	Minimum decimal.Decimal
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("order %s below minimum for %s: %s < %s",
		e.Field, e.Symbol, e.Actual, e.Minimum)
}

// Normalize returns a copy of req with quantity and price aligned to the
// symbol's lot size, tick size and precisions. Pure and idempotent:
// normalizing an already-normalized order yields the same order.
//
// Quantity always rounds down so the order can never exceed the balance the
// caller validated against. Price rounds half-to-even to the nearest tick.
func Normalize(req common.OrderRequest, info common.SymbolInfo) (common.OrderRequest, error) {
	out := req

	qty := req.Qty.Truncate(info.QuantityPrecision)
	qty = floorToStep(qty, info.QtyStep)
	out.Qty = qty

	if req.Type == common.OrderTypeLimit && !req.Price.IsZero() {
		out.Price = roundToTick(req.Price, info.TickSize, info.PricePrecision)
	}

	if !info.MinQty.IsZero() && qty.LessThan(info.MinQty) {
		return common.OrderRequest{}, &BelowMinimumError{
			Symbol: info.Symbol, Field: "quantity", Actual: qty, Minimum: info.MinQty,
		}
	}
	if !info.MinNotional.IsZero() && !out.Price.IsZero() {
		notional := qty.Mul(out.Price)
		if notional.LessThan(info.MinNotional) {
			return common.OrderRequest{}, &BelowMinimumError{
				Symbol: info.Symbol, Field: "notional", Actual: notional, Minimum: info.MinNotional,
			}
		}
	}
	return out, nil
}

// floorToStep rounds value down to the nearest multiple of step.
func floorToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// roundToTick aligns price to the tick grid with banker's rounding, then
// clamps to the price precision.
func roundToTick(price, tick decimal.Decimal, precision int32) decimal.Decimal {
	if tick.IsZero() {
		return price.RoundBank(precision)
	}
	return price.Div(tick).RoundBank(0).Mul(tick).RoundBank(precision)
}
