package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

type walletResult struct {
	List []struct {
		Coin []struct {
			Coin             string `json:"coin"`
			WalletBalance    string `json:"walletBalance"`
			AvailableToTrade string `json:"availableToWithdraw"`
			Locked           string `json:"locked"`
		} `json:"coin"`
	} `json:"list"`
}

// GetBalance fetches the wallet balance for one asset from
// /v5/account/wallet-balance.
func (c *Client) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.Balance{}, errors.New("bybit: API key/secret required")
	}

	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	params.Set("coin", asset)

	raw, err := c.doGet(ctx, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return common.Balance{}, err
	}

	var result walletResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return common.Balance{}, fmt.Errorf("bybit: decode wallet-balance: %w", err)
	}

	for _, acct := range result.List {
		for _, coin := range acct.Coin {
			if coin.Coin != asset {
				continue
			}
			total, err := parseDecimal(coin.WalletBalance)
			if err != nil {
				return common.Balance{}, fmt.Errorf("bybit: parse walletBalance for %s: %w", asset, err)
			}
			avail, err := parseDecimal(coin.AvailableToTrade)
			if err != nil {
				return common.Balance{}, fmt.Errorf("bybit: parse available for %s: %w", asset, err)
			}
			locked, err := parseDecimal(coin.Locked)
			if err != nil {
				return common.Balance{}, fmt.Errorf("bybit: parse locked for %s: %w", asset, err)
			}
			return common.Balance{Asset: asset, Total: total, Available: avail, Locked: locked}, nil
		}
	}
	// Asset absent from the wallet means a zero balance, not an error.
	return common.Balance{Asset: asset}, nil
}

type positionsResult struct {
	List []struct {
		Symbol   string `json:"symbol"`
		Side     string `json:"side"` // "Buy", "Sell", "" when flat
		Size     string `json:"size"`
		AvgPrice string `json:"avgPrice"`
	} `json:"list"`
}

// GetPosition reports the open position for a symbol via /v5/position/list.
// The boolean is false when no position is open.
func (c *Client) GetPosition(ctx context.Context, symbol string) (common.Position, bool, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.Position{}, false, errors.New("bybit: API key/secret required")
	}

	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	raw, err := c.doGet(ctx, "/v5/position/list", params, true)
	if err != nil {
		return common.Position{}, false, err
	}

	var result positionsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return common.Position{}, false, fmt.Errorf("bybit: decode position list: %w", err)
	}

	for _, p := range result.List {
		if p.Symbol != symbol || p.Side == "" {
			continue
		}
		size, err := parseDecimal(p.Size)
		if err != nil {
			return common.Position{}, false, fmt.Errorf("bybit: parse position size for %s: %w", symbol, err)
		}
		if size.IsZero() {
			continue
		}
		entry, err := parseDecimal(p.AvgPrice)
		if err != nil {
			return common.Position{}, false, fmt.Errorf("bybit: parse avgPrice for %s: %w", symbol, err)
		}
		side := common.SideBuy
		if p.Side == "Sell" {
			side = common.SideSell
		}
		return common.Position{Symbol: symbol, Side: side, Size: size, EntryPrice: entry}, true, nil
	}
	return common.Position{}, false, nil
}

// parseDecimal treats empty strings as zero; the wallet endpoint reports
// unused fields that way.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
