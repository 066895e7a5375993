package common

import "context"

// Gateway abstracts a trading venue. Implementations return raw venue errors;
// callers that need retry semantics wrap the gateway rather than the other
// way around.
type Gateway interface {
	// GetSymbolInfo fetches the trading rules for one symbol.
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)

	// GetTickers fetches last prices for the given symbols in one call
	// where the venue allows it.
	GetTickers(ctx context.Context, symbols []string) (map[string]Ticker, error)

	// GetBalance fetches the wallet balance for one asset.
	GetBalance(ctx context.Context, asset string) (Balance, error)

	// PlaceOrder submits an order and returns the exchange ack.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// CancelOrder cancels by exchange order id.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// GetOrderStatus looks up an order by client order id. Used to
	// reconcile after an ambiguous submission failure.
	GetOrderStatus(ctx context.Context, symbol, clientID string) (OrderState, error)

	// GetPosition reports the open position for a symbol, if any.
	GetPosition(ctx context.Context, symbol string) (Position, bool, error)
}
