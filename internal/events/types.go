package events

import "github.com/shopspring/decimal"

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventPriceTick            Event = "price_tick"
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"
	EventOrderCancelled       Event = "order.cancelled"
	EventOrderFailed          Event = "order.failed"
	EventOcoRegistered        Event = "oco.registered"
	EventOcoTriggered         Event = "oco.triggered"
	EventOcoExpired           Event = "oco.expired"
	EventOcoFailed            Event = "oco.failed"
)

// OrderEvent is the payload for order.* topics.
type OrderEvent struct {
	LocalID         string
	ExchangeOrderID string
	Symbol          string
	State           string
	Reason          string
}

// OcoEvent is the payload for oco.* topics.
type OcoEvent struct {
	GroupID string
	Symbol  string
	State   string
	Trigger string // "stop" or "profit" on oco.triggered
}

// PriceTick is the payload for price_tick, published by the market feed.
type PriceTick struct {
	Symbol string
	Price  decimal.Decimal
}
