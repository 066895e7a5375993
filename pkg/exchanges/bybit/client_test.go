package bybit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"execution-core/pkg/exchanges/common"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := New(Config{
		APIKey:    "test-key",
		APISecret: "test-secret",
		BaseURL:   srv.URL,
	})
	return c, srv
}

func TestGetSymbolInfoParsesFilters(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/instruments-info" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected symbol %s", r.URL.Query().Get("symbol"))
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{
			"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT",
			"priceFilter":{"tickSize":"0.5"},
			"lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001","minNotionalValue":"5"}
		}]}}`))
	}))
	defer srv.Close()

	info, err := c.GetSymbolInfo(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetSymbolInfo: %v", err)
	}
	if !info.QtyStep.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("qtyStep = %s", info.QtyStep)
	}
	if !info.TickSize.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("tickSize = %s", info.TickSize)
	}
	if info.QuantityPrecision != 3 {
		t.Errorf("quantity precision = %d, want 3", info.QuantityPrecision)
	}
	if info.PricePrecision != 1 {
		t.Errorf("price precision = %d, want 1", info.PricePrecision)
	}
	if info.BaseAsset != "BTC" || info.QuoteAsset != "USDT" {
		t.Errorf("assets = %s/%s", info.BaseAsset, info.QuoteAsset)
	}
}

func TestPlaceOrderSignsRequest(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range []string{"X-BAPI-API-KEY", "X-BAPI-TIMESTAMP", "X-BAPI-SIGN", "X-BAPI-RECV-WINDOW"} {
			if r.Header.Get(h) == "" {
				t.Errorf("missing header %s", h)
			}
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"ex-1","orderLinkId":"loc-1"}}`))
	}))
	defer srv.Close()

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     common.SideBuy,
		Type:     common.OrderTypeLimit,
		Qty:      decimal.RequireFromString("0.01"),
		Price:    decimal.RequireFromString("64000"),
		ClientID: "loc-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.ExchangeOrderID != "ex-1" || res.ClientID != "loc-1" {
		t.Errorf("unexpected ack: %+v", res)
	}
}

func TestBusinessErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		status    int
		transient bool
	}{
		{"insufficient balance is permanent", `{"retCode":170131,"retMsg":"Insufficient balance"}`, 200, false},
		{"precision error is permanent", `{"retCode":170137,"retMsg":"Order quantity decimal too long"}`, 200, false},
		{"service error is transient", `{"retCode":10001,"retMsg":"Internal error"}`, 200, true},
		{"rate limit is transient", `{"retCode":10006,"retMsg":"Too many visits"}`, 200, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
				Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket,
				Qty: decimal.RequireFromString("1"),
			})
			if err == nil {
				t.Fatal("expected error")
			}
			var ee *common.ExchangeError
			if !errors.As(err, &ee) {
				t.Fatalf("expected ExchangeError, got %T: %v", err, err)
			}
			if got := common.IsTransient(err); got != tc.transient {
				t.Errorf("IsTransient = %v, want %v", got, tc.transient)
			}
		})
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad gateway"))
	}))
	defer srv.Close()

	_, err := c.GetSymbolInfo(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatal("expected error")
	}
	if !common.IsTransient(err) {
		t.Errorf("5xx should classify as transient: %v", err)
	}
}

func TestGetOrderStatusNotFound(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	}))
	defer srv.Close()

	_, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "loc-missing")
	if !errors.Is(err, common.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestGetOrderStatusFallsBackToHistory(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/order/realtime" {
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{
			"orderId":"ex-7","orderLinkId":"loc-7","symbol":"BTCUSDT",
			"orderStatus":"Filled","cumExecQty":"0.01","avgPrice":"64100.5"
		}]}}`))
	}))
	defer srv.Close()

	state, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "loc-7")
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if state.Status != common.StatusFilled {
		t.Errorf("status = %s, want FILLED", state.Status)
	}
	if !state.AvgPrice.Equal(decimal.RequireFromString("64100.5")) {
		t.Errorf("avgPrice = %s", state.AvgPrice)
	}
}

func TestGetServerTime(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/time" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"timeSecond":"1700000000","timeNano":"1700000000123456789"}}`))
	}))
	defer srv.Close()

	ms, err := c.GetServerTime(context.Background())
	if err != nil {
		t.Fatalf("GetServerTime: %v", err)
	}
	if ms != 1700000000123 {
		t.Errorf("server time = %d, want 1700000000123", ms)
	}
}

func TestSignedTimestampUsesTimeSync(t *testing.T) {
	var gotTimestamp string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			// Report a clock five minutes ahead of local time.
			future := time.Now().Add(5 * time.Minute).UnixNano()
			fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":{"timeNano":"%d"}}`, future)
			return
		}
		gotTimestamp = r.Header.Get("X-BAPI-TIMESTAMP")
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"coin":[]}}`))
	}))
	defer srv.Close()

	ts := common.NewTimeSync(c.GetServerTime, zap.NewNop())
	if err := ts.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	c.SetTimeSync(ts)

	if _, err := c.GetBalance(context.Background(), "USDT"); err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	sent, err := strconv.ParseInt(gotTimestamp, 10, 64)
	if err != nil {
		t.Fatalf("parse timestamp %q: %v", gotTimestamp, err)
	}
	drift := sent - time.Now().UnixMilli()
	if drift < 4*60*1000 || drift > 6*60*1000 {
		t.Errorf("signed timestamp drift = %dms, want about five minutes ahead", drift)
	}
}

func TestQuotaTrackerReadsHeaders(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Bapi-Limit-Status", "7")
		w.Header().Set("X-Bapi-Limit", "120")
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	}))
	defer srv.Close()

	if _, err := c.GetTickers(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatalf("GetTickers: %v", err)
	}
	remaining, limit := c.Quota().Usage()
	if remaining != 7 || limit != 120 {
		t.Errorf("quota = %d/%d, want 7/120", remaining, limit)
	}
}
