package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

type instrumentsResult struct {
	List []struct {
		Symbol      string `json:"symbol"`
		BaseCoin    string `json:"baseCoin"`
		QuoteCoin   string `json:"quoteCoin"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
		LotSizeFilter struct {
			QtyStep        string `json:"qtyStep"`
			MinOrderQty    string `json:"minOrderQty"`
			MinNotionalVal string `json:"minNotionalValue"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

// GetSymbolInfo fetches trading rules from /v5/market/instruments-info.
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	raw, err := c.doGet(ctx, "/v5/market/instruments-info", params, false)
	if err != nil {
		return common.SymbolInfo{}, err
	}

	var result instrumentsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return common.SymbolInfo{}, fmt.Errorf("bybit: decode instruments-info: %w", err)
	}
	if len(result.List) == 0 {
		return common.SymbolInfo{}, fmt.Errorf("bybit: unknown symbol %s", symbol)
	}

	in := result.List[0]
	qtyStep, err := decimal.NewFromString(in.LotSizeFilter.QtyStep)
	if err != nil {
		return common.SymbolInfo{}, fmt.Errorf("bybit: parse qtyStep for %s: %w", symbol, err)
	}
	tickSize, err := decimal.NewFromString(in.PriceFilter.TickSize)
	if err != nil {
		return common.SymbolInfo{}, fmt.Errorf("bybit: parse tickSize for %s: %w", symbol, err)
	}
	minQty, err := decimal.NewFromString(in.LotSizeFilter.MinOrderQty)
	if err != nil {
		return common.SymbolInfo{}, fmt.Errorf("bybit: parse minOrderQty for %s: %w", symbol, err)
	}
	minNotional := decimal.Zero
	if in.LotSizeFilter.MinNotionalVal != "" {
		minNotional, err = decimal.NewFromString(in.LotSizeFilter.MinNotionalVal)
		if err != nil {
			return common.SymbolInfo{}, fmt.Errorf("bybit: parse minNotionalValue for %s: %w", symbol, err)
		}
	}

	return common.SymbolInfo{
		Symbol:            in.Symbol,
		BaseAsset:         in.BaseCoin,
		QuoteAsset:        in.QuoteCoin,
		QtyStep:           qtyStep,
		TickSize:          tickSize,
		MinQty:            minQty,
		MinNotional:       minNotional,
		QuantityPrecision: stepPrecision(qtyStep),
		PricePrecision:    stepPrecision(tickSize),
		FetchedAt:         time.Now(),
	}, nil
}

type tickersResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

// GetTickers fetches last prices. Multiple symbols resolve with a single
// category-wide request and are filtered client side.
func (c *Client) GetTickers(ctx context.Context, symbols []string) (map[string]common.Ticker, error) {
	params := url.Values{}
	params.Set("category", c.category)
	if len(symbols) == 1 {
		params.Set("symbol", symbols[0])
	}

	raw, err := c.doGet(ctx, "/v5/market/tickers", params, false)
	if err != nil {
		return nil, err
	}

	var result tickersResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("bybit: decode tickers: %w", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	now := time.Now()
	out := make(map[string]common.Ticker, len(symbols))
	for _, t := range result.List {
		if !wanted[t.Symbol] {
			continue
		}
		price, err := decimal.NewFromString(t.LastPrice)
		if err != nil {
			return nil, fmt.Errorf("bybit: parse lastPrice for %s: %w", t.Symbol, err)
		}
		out[t.Symbol] = common.Ticker{Symbol: t.Symbol, LastPrice: price, Time: now}
	}
	return out, nil
}

type serverTimeResult struct {
	TimeSecond string `json:"timeSecond"`
	TimeNano   string `json:"timeNano"`
}

// GetServerTime fetches the venue clock in milliseconds for time sync.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	raw, err := c.doGet(ctx, "/v5/market/time", url.Values{}, false)
	if err != nil {
		return 0, err
	}
	var result serverTimeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("bybit: decode server time: %w", err)
	}
	if result.TimeNano != "" {
		nano, err := strconv.ParseInt(result.TimeNano, 10, 64)
		if err == nil {
			return nano / int64(time.Millisecond), nil
		}
	}
	sec, err := strconv.ParseInt(result.TimeSecond, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bybit: parse server time: %w", err)
	}
	return sec * 1000, nil
}

// stepPrecision derives decimal places from an increment like "0.001".
func stepPrecision(step decimal.Decimal) int32 {
	if step.IsZero() {
		return 0
	}
	exp := step.Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}
