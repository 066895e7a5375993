package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/balance"
	"execution-core/internal/events"
	"execution-core/internal/meta"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeGateway struct {
	mu          sync.Mutex
	info        common.SymbolInfo
	price       decimal.Decimal
	balances    map[string]decimal.Decimal
	placeErr    error
	placeCalls  int
	cancelErr   error
	cancelCalls int
	statusFn    func(symbol, clientID string) (common.OrderState, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		info: common.SymbolInfo{
			Symbol: "ABCUSDT", BaseAsset: "ABC", QuoteAsset: "USDT",
			QtyStep: d("0.01"), TickSize: d("0.01"),
			MinQty: d("1"), QuantityPrecision: 2, PricePrecision: 2,
		},
		price:    d("10"),
		balances: map[string]decimal.Decimal{"USDT": d("100000"), "ABC": d("100000")},
	}
}

func (g *fakeGateway) GetSymbolInfo(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	info := g.info
	info.Symbol = symbol
	info.FetchedAt = time.Now()
	return info, nil
}

func (g *fakeGateway) GetTickers(ctx context.Context, symbols []string) (map[string]common.Ticker, error) {
	out := make(map[string]common.Ticker)
	for _, s := range symbols {
		out[s] = common.Ticker{Symbol: s, LastPrice: g.price, Time: time.Now()}
	}
	return out, nil
}

func (g *fakeGateway) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	avail, ok := g.balances[asset]
	if !ok {
		avail = decimal.Zero
	}
	return common.Balance{Asset: asset, Available: avail, Total: avail}, nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placeCalls++
	if g.placeErr != nil {
		return common.OrderResult{}, g.placeErr
	}
	return common.OrderResult{ExchangeOrderID: "ex-1", ClientID: req.ClientID, Status: common.StatusNew}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, symbol, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	return g.cancelErr
}

func (g *fakeGateway) GetOrderStatus(ctx context.Context, symbol, clientID string) (common.OrderState, error) {
	if g.statusFn != nil {
		return g.statusFn(symbol, clientID)
	}
	return common.OrderState{
		ExchangeOrderID: "ex-1", ClientID: clientID, Symbol: symbol, Status: common.StatusNew,
	}, nil
}

func (g *fakeGateway) GetPosition(ctx context.Context, symbol string) (common.Position, bool, error) {
	return common.Position{}, false, nil
}

func newTestManager(t *testing.T, gw *fakeGateway) *Manager {
	t.Helper()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := zap.NewNop()
	cache := meta.NewCache(gw, time.Minute, log)
	validator := balance.NewValidator(gw, time.Second, 50, log)
	return NewManager(cache, validator, gw, store, events.NewBus(), log)
}

func limitIntent() Intent {
	return Intent{
		Symbol: "ABCUSDT", Side: common.SideBuy, OrderType: common.OrderTypeLimit,
		Qty: d("12.567"), LimitPrice: d("10"),
	}
}

func TestSubmitLimitOrderReachesOpen(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)

	tracked, err := m.Submit(context.Background(), limitIntent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if tracked.State != StateOpen {
		t.Errorf("state = %s, want open", tracked.State)
	}
	if !tracked.Qty.Equal(d("12.56")) {
		t.Errorf("normalized qty = %s, want 12.56", tracked.Qty)
	}
	if tracked.ExchangeOrderID != "ex-1" {
		t.Errorf("exchange order id = %q", tracked.ExchangeOrderID)
	}
	if len(m.ActiveOrders()) != 1 {
		t.Errorf("expected 1 active order")
	}
}

func TestSubmitBelowMinimumNeverReachesVenue(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)

	intent := limitIntent()
	intent.Qty = d("0.5") // below min qty 1
	_, err := m.Submit(context.Background(), intent)
	if err == nil {
		t.Fatal("expected error")
	}
	if gw.placeCalls != 0 {
		t.Errorf("order must not be submitted, got %d place calls", gw.placeCalls)
	}
}

// Quantity 12.567 normalizes to 12.56; at $10 that needs $125.60 against a
// $100 account, a $25.60 shortfall.
func TestSubmitInsufficientBalance(t *testing.T) {
	gw := newFakeGateway()
	gw.balances["USDT"] = d("100")
	m := newTestManager(t, gw)

	_, err := m.Submit(context.Background(), limitIntent())
	var ibe *balance.InsufficientBalanceError
	if !errors.As(err, &ibe) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if !ibe.Shortfall().Equal(d("25.6")) {
		t.Errorf("shortfall = %s, want 25.6", ibe.Shortfall())
	}
	if gw.placeCalls != 0 {
		t.Errorf("order must not be submitted, got %d place calls", gw.placeCalls)
	}
}

func TestSubmitVenueRejection(t *testing.T) {
	gw := newFakeGateway()
	gw.placeErr = &common.ExchangeError{Code: 170140, Message: "order value below minimum", HTTPStatus: 200}
	m := newTestManager(t, gw)

	_, err := m.Submit(context.Background(), limitIntent())
	var re *RejectedError
	if !errors.As(err, &re) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if re.Reason != "order value below minimum" {
		t.Errorf("reason = %q", re.Reason)
	}
}

func TestAmbiguousFailureReconcilesAsNotDelivered(t *testing.T) {
	gw := newFakeGateway()
	gw.placeErr = &common.ExchangeError{Code: 10001, Message: "internal error", HTTPStatus: 200}
	gw.statusFn = func(symbol, clientID string) (common.OrderState, error) {
		return common.OrderState{}, common.ErrOrderNotFound
	}
	m := newTestManager(t, gw)

	_, err := m.Submit(context.Background(), limitIntent())
	if err == nil {
		t.Fatal("expected error")
	}
	orders := m.ActiveOrders()
	if len(orders) != 1 || orders[0].State != StateFailed {
		t.Errorf("expected a failed tracked order, got %+v", orders)
	}
}

func TestAmbiguousFailureReconcilesAsDelivered(t *testing.T) {
	gw := newFakeGateway()
	gw.placeErr = &common.ExchangeError{Code: 10001, Message: "internal error", HTTPStatus: 200}
	gw.statusFn = func(symbol, clientID string) (common.OrderState, error) {
		return common.OrderState{
			ExchangeOrderID: "ex-42", ClientID: clientID, Symbol: symbol, Status: common.StatusNew,
		}, nil
	}
	m := newTestManager(t, gw)

	tracked, err := m.Submit(context.Background(), limitIntent())
	if err != nil {
		t.Fatalf("Submit should adopt the delivered order, got %v", err)
	}
	if tracked.ExchangeOrderID != "ex-42" {
		t.Errorf("exchange order id = %q, want ex-42", tracked.ExchangeOrderID)
	}
	if tracked.State != StateOpen {
		t.Errorf("state = %s, want open", tracked.State)
	}
}

type recordingRegistrar struct {
	mu    sync.Mutex
	calls []string
	entry decimal.Decimal
}

func (r *recordingRegistrar) RegisterFromFill(ctx context.Context, symbol string, side common.Side, qty, entryPrice, stopPct, targetPct decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, symbol)
	r.entry = entryPrice
	return nil
}

func TestMarketFillRegistersOco(t *testing.T) {
	gw := newFakeGateway()
	gw.statusFn = func(symbol, clientID string) (common.OrderState, error) {
		return common.OrderState{
			ExchangeOrderID: "ex-1", ClientID: clientID, Symbol: symbol,
			Status: common.StatusFilled, ExecutedQty: d("12.56"), AvgPrice: d("10"),
		}, nil
	}
	m := newTestManager(t, gw)
	reg := &recordingRegistrar{}
	m.SetOcoRegistrar(reg)

	intent := Intent{
		Symbol: "ABCUSDT", Side: common.SideBuy, OrderType: common.OrderTypeMarket,
		Qty: d("12.56"), StopLossPct: d("0.05"), TakeProfitPct: d("0.15"), RequiresOco: true,
	}
	tracked, err := m.Submit(context.Background(), intent)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if tracked.State != StateFilled {
		t.Errorf("state = %s, want filled", tracked.State)
	}
	if len(reg.calls) != 1 || reg.calls[0] != "ABCUSDT" {
		t.Fatalf("registrar calls = %v", reg.calls)
	}
	if !reg.entry.Equal(d("10")) {
		t.Errorf("entry price = %s, want 10", reg.entry)
	}
}

func TestCancelOpenOrder(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)

	tracked, err := m.Submit(context.Background(), limitIntent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res, err := m.Cancel(context.Background(), tracked.LocalID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.AlreadyFilled || res.AlreadyCancelled {
		t.Errorf("unexpected flags: %+v", res)
	}
	got, _ := m.Get(tracked.LocalID)
	if got.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}
}

func TestCancelFilledOrderIsBenign(t *testing.T) {
	gw := newFakeGateway()
	gw.statusFn = func(symbol, clientID string) (common.OrderState, error) {
		return common.OrderState{
			ExchangeOrderID: "ex-1", ClientID: clientID, Symbol: symbol,
			Status: common.StatusFilled, ExecutedQty: d("12.56"), AvgPrice: d("10"),
		}, nil
	}
	m := newTestManager(t, gw)

	intent := limitIntent()
	tracked, err := m.Submit(context.Background(), intent)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	m.RefreshStatuses(context.Background())

	res, err := m.Cancel(context.Background(), tracked.LocalID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !res.AlreadyFilled {
		t.Error("expected AlreadyFilled flag")
	}
	if gw.cancelCalls != 0 {
		t.Errorf("no cancel call should go out, got %d", gw.cancelCalls)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	m := newTestManager(t, newFakeGateway())
	if _, err := m.Cancel(context.Background(), "nope"); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestRefreshMovesOpenToFilled(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)

	tracked, err := m.Submit(context.Background(), limitIntent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	gw.statusFn = func(symbol, clientID string) (common.OrderState, error) {
		return common.OrderState{
			ExchangeOrderID: "ex-1", ClientID: clientID, Symbol: symbol,
			Status: common.StatusFilled, ExecutedQty: d("12.56"), AvgPrice: d("10.01"),
		}, nil
	}
	m.RefreshStatuses(context.Background())

	got, ok := m.Get(tracked.LocalID)
	if !ok {
		t.Fatal("order vanished")
	}
	if got.State != StateFilled {
		t.Errorf("state = %s, want filled", got.State)
	}
	if !got.AvgPrice.Equal(d("10.01")) {
		t.Errorf("avg price = %s", got.AvgPrice)
	}
}

func TestRecoverReloadsActiveOrders(t *testing.T) {
	gw := newFakeGateway()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer store.Close()
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	row := db.TrackedOrderRow{
		LocalID: "loc-r1", ExchangeOrderID: "ex-r1", Symbol: "ABCUSDT",
		Side: "BUY", OrderType: "LIMIT", Qty: "5", Price: "10",
		State: "open", FilledQty: "0", AvgPrice: "0",
	}
	if err := store.SaveTrackedOrder(context.Background(), row); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	log := zap.NewNop()
	m := NewManager(meta.NewCache(gw, time.Minute, log),
		balance.NewValidator(gw, time.Second, 50, log), gw, store, events.NewBus(), log)
	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, ok := m.Get("loc-r1")
	if !ok {
		t.Fatal("recovered order not found")
	}
	if got.State != StateOpen || !got.Qty.Equal(d("5")) {
		t.Errorf("recovered order = %+v", got)
	}
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateCreated, StateNormalized, true},
		{StateNormalized, StateBalanceChecked, true},
		{StateBalanceChecked, StateSubmitted, true},
		{StateSubmitted, StateOpen, true},
		{StateOpen, StateFilled, true},
		{StateFilled, StateClosed, true},
		{StateCreated, StateOpen, false},
		{StateFilled, StateOpen, false},
		{StateCancelled, StateFilled, false},
		{StateClosed, StateOpen, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
