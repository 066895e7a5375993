package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether the status admits no further exchange-side change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// SymbolInfo carries the trading rules for one symbol as published by the
// exchange. Instances are immutable once built; refreshes replace the whole
// value.
type SymbolInfo struct {
	Symbol            string
	BaseAsset         string
	QuoteAsset        string
	QtyStep           decimal.Decimal // lot size increment
	TickSize          decimal.Decimal // price increment
	MinQty            decimal.Decimal
	MinNotional       decimal.Decimal
	QuantityPrecision int32
	PricePrecision    int32
	FetchedAt         time.Time
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal // required for LIMIT
	TimeInForce TimeInForce
	ClientID    string // client order id, set by the engine
	ReduceOnly  bool
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
}

// OrderState is the exchange-side view of a previously submitted order.
type OrderState struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Status          OrderStatus
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
	RejectReason    string
}

// Balance is a per-asset wallet snapshot.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Position is an open position as reported by the venue. Size is zero when
// the position has been closed.
type Position struct {
	Symbol     string
	Side       Side
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// Ticker is a last-price snapshot for one symbol.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	Time      time.Time
}
