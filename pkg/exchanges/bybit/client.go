// Package bybit implements the venue gateway against the Bybit v5 REST API.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// Config holds Bybit credentials and connection settings.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string // overrides Testnet when set; used by tests
	RecvWindow int64  // ms
	Category   string // product category, defaults to "linear"
	Logger     *zap.Logger
}

// Client is a Bybit v5 trading client implementing common.Gateway.
type Client struct {
	cfg        Config
	baseURL    string
	category   string
	httpClient *http.Client
	quota      *common.QuotaTracker
	timeSync   *common.TimeSync
}

func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.bybit.com"
		if cfg.Testnet {
			base = "https://api-testnet.bybit.com"
		}
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	category := cfg.Category
	if category == "" {
		category = "linear"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		category:   category,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		quota:      common.NewQuotaTracker(cfg.Logger),
	}
}

// SetTimeSync makes signed requests use venue-synchronized timestamps.
func (c *Client) SetTimeSync(ts *common.TimeSync) { c.timeSync = ts }

// Quota exposes the venue-reported rate limit tracker.
func (c *Client) Quota() *common.QuotaTracker { return c.quota }

// apiResponse is the v5 envelope. Result stays raw until the caller decodes
// the endpoint-specific shape.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// doGet performs a GET request. Signed requests carry the v5 auth headers;
// public market endpoints go out unsigned.
func (c *Client) doGet(ctx context.Context, path string, params url.Values, signed bool) (json.RawMessage, error) {
	query := params.Encode()
	endpoint := c.baseURL + path
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if signed {
		c.signRequest(req, query)
	}
	return c.execute(req, path)
}

// doPost performs a signed POST with a JSON body.
func (c *Client) doPost(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.signRequest(req, string(body))
	return c.execute(req, path)
}

// signRequest attaches the v5 auth headers. The signature covers
// timestamp + key + recvWindow + payload, where payload is the encoded query
// string for GET and the JSON body for POST.
func (c *Client) signRequest(req *http.Request, payload string) {
	now := time.Now().UnixMilli()
	if c.timeSync != nil {
		now = c.timeSync.Now()
	}
	timestamp := strconv.FormatInt(now, 10)
	recv := strconv.FormatInt(c.cfg.RecvWindow, 10)

	h := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	h.Write([]byte(timestamp + c.cfg.APIKey + recv + payload))

	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recv)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(h.Sum(nil)))
}

func (c *Client) execute(req *http.Request, path string) (json.RawMessage, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.quota.UpdateFromHeaders(res.Header.Get("X-Bapi-Limit-Status"), res.Header.Get("X-Bapi-Limit"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, &common.ExchangeError{
			Code:       0,
			Message:    fmt.Sprintf("%s %s: %s", req.Method, path, truncate(body)),
			HTTPStatus: res.StatusCode,
		}
	}

	var env apiResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bybit: decode %s response: %w", path, err)
	}
	if env.RetCode != 0 {
		return nil, &common.ExchangeError{
			Code:       env.RetCode,
			Message:    env.RetMsg,
			HTTPStatus: res.StatusCode,
		}
	}
	return env.Result, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
