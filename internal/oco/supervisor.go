package oco

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// PriceSource exposes the latest streamed price for a symbol, when one is
// available and fresh. The supervisor falls back to REST otherwise.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Options tunes the supervision loop.
type Options struct {
	PollInterval     time.Duration
	MaxCloseFailures int
	WorkerSlots      int
}

// groupEntry pairs a group with its own lock so checks on the same group
// never overlap while different groups proceed concurrently.
type groupEntry struct {
	mu sync.Mutex
	g  Group
}

// Supervisor runs the polling loop that synthesizes stop-loss/take-profit
// behavior. One loop serves all groups; different groups are checked
// concurrently within an iteration, bounded by worker slots.
type Supervisor struct {
	gw     common.Gateway
	store  *db.Database
	bus    *events.Bus
	log    *zap.Logger
	opts   Options
	prices PriceSource

	mu     sync.RWMutex
	groups map[string]*groupEntry // by group id
}

func NewSupervisor(gw common.Gateway, store *db.Database, bus *events.Bus, opts Options, log *zap.Logger) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.MaxCloseFailures <= 0 {
		opts.MaxCloseFailures = 3
	}
	if opts.WorkerSlots <= 0 {
		opts.WorkerSlots = 8
	}
	return &Supervisor{
		gw:     gw,
		store:  store,
		bus:    bus,
		log:    log,
		opts:   opts,
		groups: make(map[string]*groupEntry),
	}
}

// SetPriceSource wires a streaming price feed. Optional.
func (s *Supervisor) SetPriceSource(ps PriceSource) { s.prices = ps }

// Register adds a group to supervision. At most one live group may exist per
// symbol; a second registration is an error, never a silent replacement.
func (s *Supervisor) Register(ctx context.Context, g Group) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.State == "" {
		g.State = StateWatching
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	g.UpdatedAt = time.Now()

	s.mu.Lock()
	for _, entry := range s.groups {
		entry.mu.Lock()
		conflict := entry.g.Symbol == g.Symbol && !entry.g.State.terminal()
		id := entry.g.ID
		entry.mu.Unlock()
		if conflict {
			s.mu.Unlock()
			return fmt.Errorf("oco: symbol %s already supervised by group %s", g.Symbol, id)
		}
	}
	s.groups[g.ID] = &groupEntry{g: g}
	s.mu.Unlock()

	s.persist(ctx, &g)
	s.publish(events.EventOcoRegistered, &g, "")
	s.log.Info("oco: group registered",
		zap.String("group_id", g.ID),
		zap.String("symbol", g.Symbol),
		zap.String("stop", g.StopPrice.String()),
		zap.String("target", g.TargetPrice.String()))
	return nil
}

// RegisterFromFill derives stop and target prices from the entry fill and
// fractional distances, then registers the group. Implements the engine's
// OcoRegistrar.
func (s *Supervisor) RegisterFromFill(ctx context.Context, symbol string, side common.Side, qty, entryPrice, stopPct, targetPct decimal.Decimal) error {
	one := decimal.NewFromInt(1)
	var stop, target decimal.Decimal
	if side == common.SideBuy { // long: stop below, target above
		stop = entryPrice.Mul(one.Sub(stopPct))
		target = entryPrice.Mul(one.Add(targetPct))
	} else {
		stop = entryPrice.Mul(one.Add(stopPct))
		target = entryPrice.Mul(one.Sub(targetPct))
	}
	return s.Register(ctx, Group{
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		EntryPrice:  entryPrice,
		StopPrice:   stop,
		TargetPrice: target,
	})
}

// ActiveGroups returns snapshots of all non-terminal groups.
func (s *Supervisor) ActiveGroups() []Group {
	out := make([]Group, 0)
	for _, entry := range s.entries() {
		entry.mu.Lock()
		if !entry.g.State.terminal() {
			out = append(out, entry.g)
		}
		entry.mu.Unlock()
	}
	return out
}

// Run polls until ctx is cancelled. On shutdown the in-flight iteration
// completes and every watching group is persisted so supervision can resume.
func (s *Supervisor) Run(ctx context.Context) {
	s.log.Info("oco: supervisor started", zap.Duration("interval", s.opts.PollInterval))
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll runs one supervision iteration: one price fetch per distinct symbol,
// then a bounded-concurrency check of every live group.
func (s *Supervisor) poll(ctx context.Context) {
	live := s.liveEntries()
	if len(live) == 0 {
		return
	}

	prices, err := s.fetchPrices(ctx, live)
	if err != nil {
		s.log.Warn("oco: price fetch failed, skipping iteration", zap.Error(err))
		return
	}

	slots := make(chan struct{}, s.opts.WorkerSlots)
	var wg sync.WaitGroup
	for _, entry := range live {
		price, ok := prices[entry.symbol()]
		if !ok {
			s.log.Warn("oco: no price for symbol", zap.String("symbol", entry.symbol()))
			continue
		}
		wg.Add(1)
		slots <- struct{}{}
		go func(entry *groupEntry, price decimal.Decimal) {
			defer wg.Done()
			defer func() { <-slots }()
			s.check(ctx, entry, price)
		}(entry, price)
	}
	wg.Wait()
}

func (e *groupEntry) symbol() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.g.Symbol
}

func (s *Supervisor) entries() []*groupEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*groupEntry, 0, len(s.groups))
	for _, e := range s.groups {
		out = append(out, e)
	}
	return out
}

func (s *Supervisor) liveEntries() []*groupEntry {
	var out []*groupEntry
	for _, entry := range s.entries() {
		entry.mu.Lock()
		live := !entry.g.State.terminal()
		entry.mu.Unlock()
		if live {
			out = append(out, entry)
		}
	}
	return out
}

// fetchPrices resolves one price per distinct symbol, preferring the
// streaming feed and batching the rest into a single REST call.
func (s *Supervisor) fetchPrices(ctx context.Context, live []*groupEntry) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	var missing []string
	seen := make(map[string]bool)
	for _, entry := range live {
		sym := entry.symbol()
		if seen[sym] {
			continue
		}
		seen[sym] = true
		if s.prices != nil {
			if p, ok := s.prices.LastPrice(sym); ok {
				out[sym] = p
				continue
			}
		}
		missing = append(missing, sym)
	}
	if len(missing) > 0 {
		tickers, err := s.gw.GetTickers(ctx, missing)
		if err != nil {
			return nil, err
		}
		for sym, t := range tickers {
			out[sym] = t.LastPrice
		}
	}
	return out, nil
}

// check advances one group. Groups already in a triggered state skip the
// price evaluation and retry their close order.
func (s *Supervisor) check(ctx context.Context, entry *groupEntry, price decimal.Decimal) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	g := &entry.g

	switch g.State {
	case StateTriggeredStop, StateTriggeredProfit:
		s.closePosition(ctx, g)
		return
	case StateWatching:
	default:
		return
	}

	pos, open, err := s.gw.GetPosition(ctx, g.Symbol)
	if err != nil {
		s.log.Warn("oco: position check failed",
			zap.String("group_id", g.ID), zap.Error(err))
		return
	}
	if !open {
		// Closed externally: nothing left to protect.
		s.setState(ctx, g, StateExpired)
		s.publish(events.EventOcoExpired, g, "")
		s.log.Info("oco: position gone, group expired",
			zap.String("group_id", g.ID), zap.String("symbol", g.Symbol))
		return
	}

	next := g.trigger(price)
	if next == StateWatching {
		return
	}
	// Close the size the venue reports, not the size we remember; a partial
	// external close would otherwise over-close.
	g.Qty = pos.Size
	s.setState(ctx, g, next)
	trigger := "stop"
	if next == StateTriggeredProfit {
		trigger = "profit"
	}
	s.publish(events.EventOcoTriggered, g, trigger)
	s.log.Info("oco: threshold crossed",
		zap.String("group_id", g.ID),
		zap.String("symbol", g.Symbol),
		zap.String("trigger", trigger),
		zap.String("price", price.String()))

	s.closePosition(ctx, g)
}

// closePosition submits the market close. Failures re-queue the group for
// the next iteration; repeated failures escalate to a terminal failed state
// that demands manual intervention. Caller holds the entry lock.
func (s *Supervisor) closePosition(ctx context.Context, g *Group) {
	req := common.OrderRequest{
		Symbol:     g.Symbol,
		Side:       g.Side.Opposite(),
		Type:       common.OrderTypeMarket,
		Qty:        g.Qty,
		ClientID:   fmt.Sprintf("oco-%s-%d", g.ID, g.CloseFailures),
		ReduceOnly: true,
	}
	if _, err := s.gw.PlaceOrder(ctx, req); err != nil {
		g.CloseFailures++
		s.log.Error("oco: close order failed",
			zap.String("group_id", g.ID),
			zap.String("symbol", g.Symbol),
			zap.Int("consecutive_failures", g.CloseFailures),
			zap.Error(err))
		if g.CloseFailures >= s.opts.MaxCloseFailures {
			s.setState(ctx, g, StateFailed)
			s.publish(events.EventOcoFailed, g, err.Error())
			s.log.Error("oco: supervision failed, manual intervention required",
				zap.String("group_id", g.ID),
				zap.String("symbol", g.Symbol),
				zap.String("qty", g.Qty.String()))
			return
		}
		g.UpdatedAt = time.Now()
		s.persist(ctx, g)
		return
	}

	s.setState(ctx, g, StateClosed)
	s.log.Info("oco: position closed",
		zap.String("group_id", g.ID),
		zap.String("symbol", g.Symbol),
		zap.String("qty", g.Qty.String()))
}

// LoadActive restores supervision state from the database after a restart.
func (s *Supervisor) LoadActive(ctx context.Context) error {
	for _, state := range []GroupState{StateWatching, StateTriggeredStop, StateTriggeredProfit} {
		rows, err := s.store.ListOcoGroupsByState(ctx, string(state))
		if err != nil {
			return err
		}
		for _, row := range rows {
			g, err := groupFromRow(row)
			if err != nil {
				s.log.Error("oco: skipping corrupt group row",
					zap.String("group_id", row.ID), zap.Error(err))
				continue
			}
			s.mu.Lock()
			s.groups[g.ID] = &groupEntry{g: *g}
			s.mu.Unlock()
		}
	}
	if n := len(s.ActiveGroups()); n > 0 {
		s.log.Info("oco: resumed supervision", zap.Int("groups", n))
	}
	return nil
}

// shutdown persists all watching groups so a restart can resume them.
func (s *Supervisor) shutdown() {
	watching := 0
	for _, entry := range s.entries() {
		entry.mu.Lock()
		if entry.g.State == StateWatching {
			watching++
			// The run context is already cancelled here.
			s.persist(context.Background(), &entry.g)
		}
		entry.mu.Unlock()
	}
	s.log.Info("oco: supervisor stopped", zap.Int("watching_groups_persisted", watching))
}

func (s *Supervisor) setState(ctx context.Context, g *Group, next GroupState) {
	g.State = next
	g.UpdatedAt = time.Now()
	s.persist(ctx, g)
}

func (s *Supervisor) persist(ctx context.Context, g *Group) {
	if s.store == nil {
		return
	}
	row := db.OcoGroupRow{
		ID:            g.ID,
		Symbol:        g.Symbol,
		Side:          string(g.Side),
		Qty:           g.Qty.String(),
		EntryPrice:    g.EntryPrice.String(),
		StopPrice:     g.StopPrice.String(),
		TargetPrice:   g.TargetPrice.String(),
		State:         string(g.State),
		CloseFailures: g.CloseFailures,
		CreatedAt:     g.CreatedAt,
	}
	if err := s.store.SaveOcoGroup(ctx, row); err != nil {
		s.log.Error("oco: persist group failed", zap.String("group_id", g.ID), zap.Error(err))
	}
}

func (s *Supervisor) publish(ev events.Event, g *Group, trigger string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ev, events.OcoEvent{
		GroupID: g.ID,
		Symbol:  g.Symbol,
		State:   string(g.State),
		Trigger: trigger,
	})
}

func (st GroupState) terminal() bool {
	switch st {
	case StateClosed, StateExpired, StateFailed:
		return true
	}
	return false
}

func groupFromRow(row db.OcoGroupRow) (*Group, error) {
	qty, err := decimal.NewFromString(row.Qty)
	if err != nil {
		return nil, err
	}
	entry, err := decimal.NewFromString(row.EntryPrice)
	if err != nil {
		return nil, err
	}
	stop, err := decimal.NewFromString(row.StopPrice)
	if err != nil {
		return nil, err
	}
	target, err := decimal.NewFromString(row.TargetPrice)
	if err != nil {
		return nil, err
	}
	return &Group{
		ID:            row.ID,
		Symbol:        row.Symbol,
		Side:          common.Side(row.Side),
		Qty:           qty,
		EntryPrice:    entry,
		StopPrice:     stop,
		TargetPrice:   target,
		State:         GroupState(row.State),
		CloseFailures: row.CloseFailures,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}
