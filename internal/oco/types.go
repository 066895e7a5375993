// Package oco emulates one-cancels-other stop-loss/take-profit behavior by
// polling prices and positions for venues without native OCO support.
package oco

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// GroupState is the lifecycle state of a supervised stop/target pair.
type GroupState string

const (
	StateWatching        GroupState = "watching"
	StateTriggeredStop   GroupState = "triggered_stop"
	StateTriggeredProfit GroupState = "triggered_profit"
	StateClosed          GroupState = "closed"
	StateExpired         GroupState = "expired"
	StateFailed          GroupState = "failed"
)

// Group is an emulated OCO relationship for one open position. Owned
// exclusively by the Supervisor.
type Group struct {
	ID            string
	Symbol        string
	Side          common.Side // side of the entry order; BUY means long
	Qty           decimal.Decimal
	EntryPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TargetPrice   decimal.Decimal
	State         GroupState
	CloseFailures int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// trigger evaluates the price against the group's thresholds. The stop is
// checked first: when a price gap crosses both levels in one poll, capital
// preservation wins over profit taking.
func (g *Group) trigger(price decimal.Decimal) GroupState {
	if g.Side == common.SideBuy { // long
		if price.LessThanOrEqual(g.StopPrice) {
			return StateTriggeredStop
		}
		if price.GreaterThanOrEqual(g.TargetPrice) {
			return StateTriggeredProfit
		}
	} else { // short
		if price.GreaterThanOrEqual(g.StopPrice) {
			return StateTriggeredStop
		}
		if price.LessThanOrEqual(g.TargetPrice) {
			return StateTriggeredProfit
		}
	}
	return StateWatching
}
