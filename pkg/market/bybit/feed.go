package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
)

const (
	mainnetStreamURL = "wss://stream.bybit.com/v5/public/linear"
	testnetStreamURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	pingInterval = 20 * time.Second
	staleAfter   = 10 * time.Second
)

// Feed maintains a public ticker stream and caches the latest price per
// subscribed symbol. Prices older than the staleness window are not served,
// so consumers fall back to REST instead of acting on a dead stream.
type Feed struct {
	url     string
	symbols []string
	bus     *events.Bus
	log     *zap.Logger
	dialer  *websocket.Dialer

	mu     sync.RWMutex
	latest map[string]tickEntry
}

type tickEntry struct {
	price decimal.Decimal
	at    time.Time
}

// NewFeed builds a ticker feed for the given symbols; testnet toggles the
// host. The bus is optional.
func NewFeed(symbols []string, testnet bool, bus *events.Bus, log *zap.Logger) *Feed {
	url := mainnetStreamURL
	if testnet {
		url = testnetStreamURL
	}
	return &Feed{
		url:     url,
		symbols: symbols,
		bus:     bus,
		log:     log,
		dialer:  websocket.DefaultDialer,
		latest:  make(map[string]tickEntry),
	}
}

// SetURL overrides the stream endpoint.
func (f *Feed) SetURL(url string) { f.url = url }

// LastPrice returns the most recent streamed price for symbol, reporting
// false when no fresh tick is available.
func (f *Feed) LastPrice(symbol string) (decimal.Decimal, bool) {
	f.mu.RLock()
	entry, ok := f.latest[symbol]
	f.mu.RUnlock()
	if !ok || time.Since(entry.at) > staleAfter {
		return decimal.Decimal{}, false
	}
	return entry.price, true
}

// Run connects and consumes ticker messages until ctx is cancelled,
// reconnecting with exponential backoff after any failure.
func (f *Feed) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute

	for {
		err := f.consume(ctx)
		if ctx.Err() != nil {
			f.log.Info("market: ticker feed stopped")
			return
		}
		delay := bo.NextBackOff()
		f.log.Warn("market: stream disconnected, reconnecting",
			zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			f.log.Info("market: ticker feed stopped")
			return
		case <-time.After(delay):
		}
	}
}

// consume runs one connection lifetime: dial, subscribe, read until error.
func (f *Feed) consume(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	args := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		args = append(args, "tickers."+s)
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Info("market: stream connected", zap.Strings("topics", args))

	// Close the connection when ctx ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	// The venue drops connections that go 30s without a ping.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]any{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		f.handleMessage(msg)
	}
}

func (f *Feed) handleMessage(msg []byte) {
	var raw struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		f.log.Warn("market: undecodable stream message", zap.Error(err))
		return
	}
	if !strings.HasPrefix(raw.Topic, "tickers.") {
		// op acks and pong frames carry no topic
		return
	}
	// Delta frames omit lastPrice when it did not change.
	if raw.Data.Symbol == "" || raw.Data.LastPrice == "" {
		return
	}
	price, err := decimal.NewFromString(raw.Data.LastPrice)
	if err != nil {
		f.log.Warn("market: bad price in stream message",
			zap.String("symbol", raw.Data.Symbol),
			zap.String("last_price", raw.Data.LastPrice))
		return
	}

	f.mu.Lock()
	f.latest[raw.Data.Symbol] = tickEntry{price: price, at: time.Now()}
	f.mu.Unlock()

	if f.bus != nil {
		f.bus.Publish(events.EventPriceTick, events.PriceTick{
			Symbol: raw.Data.Symbol,
			Price:  price,
		})
	}
}
