package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"execution-core/pkg/exchanges/common"
)

type createOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"` // "Buy" / "Sell"
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
}

type createOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// PlaceOrder submits an order via /v5/order/create. The ack carries only ids;
// the engine confirms fills through GetOrderStatus.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errors.New("bybit: API key/secret required")
	}

	payload := createOrderRequest{
		Category:    c.category,
		Symbol:      req.Symbol,
		Side:        toBybitSide(req.Side),
		OrderType:   toBybitOrderType(req.Type),
		Qty:         req.Qty.String(),
		OrderLinkID: req.ClientID,
		ReduceOnly:  req.ReduceOnly,
	}
	if req.Type == common.OrderTypeLimit {
		payload.Price = req.Price.String()
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		payload.TimeInForce = string(tif)
	}

	raw, err := c.doPost(ctx, "/v5/order/create", payload)
	if err != nil {
		return common.OrderResult{}, err
	}

	var result createOrderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return common.OrderResult{}, fmt.Errorf("bybit: decode order create: %w", err)
	}

	return common.OrderResult{
		ExchangeOrderID: result.OrderID,
		ClientID:        result.OrderLinkID,
		Status:          common.StatusNew,
	}, nil
}

// CancelOrder cancels by exchange order id via /v5/order/cancel.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("bybit: API key/secret required")
	}

	payload := map[string]string{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  exchangeOrderID,
	}
	_, err := c.doPost(ctx, "/v5/order/cancel", payload)
	return err
}

type orderListResult struct {
	List []struct {
		OrderID      string `json:"orderId"`
		OrderLinkID  string `json:"orderLinkId"`
		Symbol       string `json:"symbol"`
		OrderStatus  string `json:"orderStatus"`
		CumExecQty   string `json:"cumExecQty"`
		AvgPrice     string `json:"avgPrice"`
		RejectReason string `json:"rejectReason"`
	} `json:"list"`
}

// GetOrderStatus looks up an order by client order id. Checks the realtime
// (open) set first, then recent history, so terminal orders still resolve.
// Returns common.ErrOrderNotFound when neither knows the id.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, clientID string) (common.OrderState, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderState{}, errors.New("bybit: API key/secret required")
	}

	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		params := url.Values{}
		params.Set("category", c.category)
		params.Set("symbol", symbol)
		params.Set("orderLinkId", clientID)

		raw, err := c.doGet(ctx, path, params, true)
		if err != nil {
			return common.OrderState{}, err
		}

		var result orderListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return common.OrderState{}, fmt.Errorf("bybit: decode %s: %w", path, err)
		}
		if len(result.List) == 0 {
			continue
		}

		in := result.List[0]
		execQty, err := parseDecimal(in.CumExecQty)
		if err != nil {
			return common.OrderState{}, fmt.Errorf("bybit: parse cumExecQty: %w", err)
		}
		avgPrice, err := parseDecimal(in.AvgPrice)
		if err != nil {
			return common.OrderState{}, fmt.Errorf("bybit: parse avgPrice: %w", err)
		}
		return common.OrderState{
			ExchangeOrderID: in.OrderID,
			ClientID:        in.OrderLinkID,
			Symbol:          in.Symbol,
			Status:          mapStatus(in.OrderStatus),
			ExecutedQty:     execQty,
			AvgPrice:        avgPrice,
			RejectReason:    in.RejectReason,
		}, nil
	}
	return common.OrderState{}, common.ErrOrderNotFound
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "New", "Untriggered":
		return common.StatusNew
	case "PartiallyFilled":
		return common.StatusPartial
	case "Filled":
		return common.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return common.StatusCanceled
	case "Rejected":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

func toBybitSide(s common.Side) string {
	if s == common.SideSell {
		return "Sell"
	}
	return "Buy"
}

func toBybitOrderType(t common.OrderType) string {
	if t == common.OrderTypeMarket {
		return "Market"
	}
	return "Limit"
}
