// Package engine owns the order lifecycle: normalization, balance checks,
// submission, status tracking and cancellation.
package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// State is the local lifecycle state of a tracked order.
type State string

const (
	StateCreated         State = "created"
	StateNormalized      State = "normalized"
	StateBalanceChecked  State = "balance_checked"
	StateSubmitted       State = "submitted"
	StateOpen            State = "open"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StateCancelled       State = "cancelled"
	StateRejected        State = "rejected"
	StateFailed          State = "failed"
	StateClosed          State = "closed"
)

// validTransitions guards every state change. A transition not listed here
// is a bug, not a recoverable condition.
var validTransitions = map[State][]State{
	StateCreated:         {StateNormalized, StateRejected, StateFailed},
	StateNormalized:      {StateBalanceChecked, StateRejected, StateFailed},
	StateBalanceChecked:  {StateSubmitted, StateRejected, StateFailed},
	StateSubmitted:       {StateOpen, StatePartiallyFilled, StateFilled, StateRejected, StateFailed},
	StateOpen:            {StatePartiallyFilled, StateFilled, StateCancelled, StateFailed},
	StatePartiallyFilled: {StateFilled, StateCancelled, StateFailed},
	StateFilled:          {StateClosed},
	StateCancelled:       {StateClosed},
	StateRejected:        {StateClosed},
	StateFailed:          {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// isTerminal reports whether the state admits no further exchange activity.
func (s State) isTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateFailed, StateClosed:
		return true
	}
	return false
}

// Intent is a trade request from the signal-producing collaborator.
type Intent struct {
	Symbol        string
	Side          common.Side
	OrderType     common.OrderType
	Qty           decimal.Decimal
	LimitPrice    decimal.Decimal // required for limit orders
	StopLossPct   decimal.Decimal // fractional distance below/above entry, e.g. 0.05
	TakeProfitPct decimal.Decimal
	RequiresOco   bool
}

// TrackedOrder is the engine's view of one order's lifecycle. Quantity and
// price never change after submission; corrections go through
// cancel-and-resubmit.
type TrackedOrder struct {
	LocalID         string
	ExchangeOrderID string
	Symbol          string
	Side            common.Side
	Type            common.OrderType
	Qty             decimal.Decimal
	Price           decimal.Decimal
	State           State
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
	RejectReason    string
	SubmittedAt     time.Time
	UpdatedAt       time.Time
}
