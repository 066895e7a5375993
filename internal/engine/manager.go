package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/balance"
	"execution-core/internal/events"
	"execution-core/internal/meta"
	"execution-core/internal/normalize"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// terminalRetention is how long a finished order stays queryable in the
// registry before it is archived as closed.
const terminalRetention = time.Hour

// OcoRegistrar receives filled entry orders whose intent asked for emulated
// stop-loss/take-profit supervision.
type OcoRegistrar interface {
	RegisterFromFill(ctx context.Context, symbol string, side common.Side, qty, entryPrice, stopPct, targetPct decimal.Decimal) error
}

type trackedEntry struct {
	mu         sync.Mutex
	order      TrackedOrder
	intent     Intent
	ocoReg     bool // registrar already notified for this order
	reconciled bool // failed submission confirmed absent from the venue
}

// Manager drives orders through their lifecycle. Operations on one order are
// strictly sequential; different orders proceed concurrently.
type Manager struct {
	meta      *meta.Cache
	validator *balance.Validator
	gw        common.Gateway
	store     *db.Database
	bus       *events.Bus
	registrar OcoRegistrar
	log       *zap.Logger

	mu     sync.RWMutex
	orders map[string]*trackedEntry
}

func NewManager(metaCache *meta.Cache, validator *balance.Validator, gw common.Gateway, store *db.Database, bus *events.Bus, log *zap.Logger) *Manager {
	return &Manager{
		meta:      metaCache,
		validator: validator,
		gw:        gw,
		store:     store,
		bus:       bus,
		log:       log,
		orders:    make(map[string]*trackedEntry),
	}
}

// SetOcoRegistrar wires the supervisor. Optional; without it filled OCO
// intents are logged and dropped.
func (m *Manager) SetOcoRegistrar(r OcoRegistrar) { m.registrar = r }

// Submit runs an intent through normalize, balance check and submission.
// The returned TrackedOrder is a snapshot taken when the submission settled.
func (m *Manager) Submit(ctx context.Context, intent Intent) (*TrackedOrder, error) {
	entry := &trackedEntry{
		order: TrackedOrder{
			LocalID: uuid.NewString(),
			Symbol:  intent.Symbol,
			Side:    intent.Side,
			Type:    intent.OrderType,
			Qty:     intent.Qty,
			Price:   intent.LimitPrice,
			State:   StateCreated,
		},
		intent: intent,
	}

	m.mu.Lock()
	m.orders[entry.order.LocalID] = entry
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	m.persist(ctx, entry)

	info, err := m.meta.Get(ctx, intent.Symbol)
	if err != nil {
		m.fail(ctx, entry, err.Error())
		return nil, err
	}

	req := common.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Type:     intent.OrderType,
		Qty:      intent.Qty,
		Price:    intent.LimitPrice,
		ClientID: entry.order.LocalID,
	}
	norm, err := normalize.Normalize(req, info)
	if err != nil {
		m.reject(ctx, entry, err.Error())
		return nil, err
	}
	entry.order.Qty = norm.Qty
	entry.order.Price = norm.Price
	m.transition(ctx, entry, StateNormalized)

	refPrice := norm.Price
	if intent.OrderType == common.OrderTypeMarket {
		tickers, err := m.gw.GetTickers(ctx, []string{intent.Symbol})
		if err != nil {
			m.fail(ctx, entry, err.Error())
			return nil, err
		}
		tick, ok := tickers[intent.Symbol]
		if !ok {
			m.fail(ctx, entry, "no ticker for symbol")
			return nil, errors.New("no ticker for symbol " + intent.Symbol)
		}
		refPrice = tick.LastPrice
	}

	if err := m.validator.Validate(ctx, norm, info, refPrice); err != nil {
		var ibe *balance.InsufficientBalanceError
		if errors.As(err, &ibe) {
			m.reject(ctx, entry, err.Error())
		} else {
			m.fail(ctx, entry, err.Error())
		}
		return nil, err
	}
	m.transition(ctx, entry, StateBalanceChecked)

	res, err := m.gw.PlaceOrder(ctx, norm)
	if err != nil {
		return m.settleSubmissionFailure(ctx, entry, err)
	}

	entry.order.ExchangeOrderID = res.ExchangeOrderID
	entry.order.SubmittedAt = time.Now()
	m.transition(ctx, entry, StateSubmitted)
	m.publish(events.EventOrderSubmitted, entry, "")
	m.transition(ctx, entry, StateOpen)
	m.publish(events.EventOrderAccepted, entry, "")

	// Market orders usually fill at once; confirm so OCO supervision can
	// start without waiting for the next refresh pass.
	if intent.OrderType == common.OrderTypeMarket {
		if st, err := m.gw.GetOrderStatus(ctx, entry.order.Symbol, entry.order.LocalID); err == nil {
			m.applyExchangeState(ctx, entry, st)
		} else {
			m.log.Warn("engine: fill confirmation deferred to refresh",
				zap.String("local_id", entry.order.LocalID), zap.Error(err))
		}
	}

	snapshot := entry.order
	return &snapshot, nil
}

// settleSubmissionFailure decides what a failed PlaceOrder means. A venue
// rejection is final. Anything else is ambiguous: the order may have reached
// the exchange, so reconcile by client id before reporting failure.
func (m *Manager) settleSubmissionFailure(ctx context.Context, entry *trackedEntry, placeErr error) (*TrackedOrder, error) {
	var ee *common.ExchangeError
	if errors.As(placeErr, &ee) && !ee.Transient() {
		m.reject(ctx, entry, ee.Message)
		return nil, &RejectedError{LocalID: entry.order.LocalID, Reason: ee.Message}
	}

	st, lookupErr := m.gw.GetOrderStatus(ctx, entry.order.Symbol, entry.order.LocalID)
	switch {
	case errors.Is(lookupErr, common.ErrOrderNotFound):
		// Never reached the venue: safe to resubmit later.
		entry.reconciled = true
		m.fail(ctx, entry, placeErr.Error())
		return nil, placeErr
	case lookupErr != nil:
		// Ground truth unknown. Keep the order active so the refresh
		// pass keeps trying to reconcile it.
		m.log.Error("engine: submission ambiguous, reconciliation pending",
			zap.String("local_id", entry.order.LocalID),
			zap.Error(placeErr),
			zap.NamedError("lookup_error", lookupErr))
		entry.order.State = StateFailed
		entry.order.UpdatedAt = time.Now()
		m.persist(ctx, entry)
		m.publish(events.EventOrderFailed, entry, placeErr.Error())
		return nil, placeErr
	default:
		// The order made it despite the error. Adopt the venue's view.
		m.log.Info("engine: submission reconciled as delivered",
			zap.String("local_id", entry.order.LocalID),
			zap.String("exchange_order_id", st.ExchangeOrderID))
		entry.order.ExchangeOrderID = st.ExchangeOrderID
		entry.order.SubmittedAt = time.Now()
		m.transition(ctx, entry, StateSubmitted)
		m.publish(events.EventOrderSubmitted, entry, "")
		m.applyExchangeState(ctx, entry, st)
		snapshot := entry.order
		return &snapshot, nil
	}
}

// Cancel cancels an order by local id. Cancelling an already filled or
// already cancelled order is benign and reported through the result flags.
func (m *Manager) Cancel(ctx context.Context, localID string) (CancelResult, error) {
	entry := m.lookup(localID)
	if entry == nil {
		return CancelResult{}, ErrUnknownOrder
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	res := CancelResult{LocalID: localID}
	switch entry.order.State {
	case StateFilled, StateClosed:
		res.AlreadyFilled = true
		return res, nil
	case StateCancelled:
		res.AlreadyCancelled = true
		return res, nil
	case StateOpen, StatePartiallyFilled:
		// proceed
	default:
		return CancelResult{}, errors.New("cannot cancel order in state " + string(entry.order.State))
	}

	if err := m.gw.CancelOrder(ctx, entry.order.Symbol, entry.order.ExchangeOrderID); err != nil {
		// The order may have filled while the cancel was in flight.
		if st, lookupErr := m.gw.GetOrderStatus(ctx, entry.order.Symbol, localID); lookupErr == nil && st.Status == common.StatusFilled {
			m.applyExchangeState(ctx, entry, st)
			res.AlreadyFilled = true
			return res, nil
		}
		return CancelResult{}, err
	}

	m.transition(ctx, entry, StateCancelled)
	m.publish(events.EventOrderCancelled, entry, "")
	return res, nil
}

// ActiveOrders returns snapshots of all orders not yet archived.
func (m *Manager) ActiveOrders() []TrackedOrder {
	m.mu.RLock()
	entries := make([]*trackedEntry, 0, len(m.orders))
	for _, e := range m.orders {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]TrackedOrder, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.order)
		e.mu.Unlock()
	}
	return out
}

// Get returns a snapshot of one tracked order.
func (m *Manager) Get(localID string) (TrackedOrder, bool) {
	entry := m.lookup(localID)
	if entry == nil {
		return TrackedOrder{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.order, true
}

// RefreshStatuses polls the venue for every non-terminal order and applies
// what it reports. Failed submissions awaiting reconciliation are retried
// here. Terminal orders past retention are archived.
func (m *Manager) RefreshStatuses(ctx context.Context) {
	for _, entry := range m.entries() {
		entry.mu.Lock()
		state := entry.order.State
		needsPoll := state == StateOpen || state == StatePartiallyFilled ||
			state == StateSubmitted || (state == StateFailed && !entry.reconciled)
		switch {
		case needsPoll:
			st, err := m.gw.GetOrderStatus(ctx, entry.order.Symbol, entry.order.LocalID)
			if errors.Is(err, common.ErrOrderNotFound) && state == StateFailed {
				// Reconciled: the submission never landed.
				entry.reconciled = true
				entry.order.UpdatedAt = time.Now()
				m.persist(ctx, entry)
			} else if err != nil {
				m.log.Warn("engine: status refresh failed",
					zap.String("local_id", entry.order.LocalID), zap.Error(err))
			} else {
				if state == StateFailed {
					// The order did land after all.
					entry.order.ExchangeOrderID = st.ExchangeOrderID
					entry.order.State = StateOpen
				}
				m.applyExchangeState(ctx, entry, st)
			}
		case state.isTerminal() && state != StateClosed:
			if time.Since(entry.order.UpdatedAt) > terminalRetention {
				m.archive(ctx, entry)
			}
		}
		entry.mu.Unlock()
	}
}

// Recover reloads unfinished orders from the database after a restart.
// Recovered orders carry no intent, so OCO registration for them is handled
// by the supervisor's own recovery.
func (m *Manager) Recover(ctx context.Context) error {
	rows, err := m.store.ListActiveTrackedOrders(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		order, err := orderFromRow(row)
		if err != nil {
			m.log.Error("engine: skipping corrupt order row",
				zap.String("local_id", row.LocalID), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.orders[order.LocalID] = &trackedEntry{order: order}
		m.mu.Unlock()
	}
	if len(rows) > 0 {
		m.log.Info("engine: recovered active orders", zap.Int("count", len(rows)))
	}
	return nil
}

// applyExchangeState folds the venue's view into the local state machine.
// Caller holds the entry lock.
func (m *Manager) applyExchangeState(ctx context.Context, entry *trackedEntry, st common.OrderState) {
	entry.order.FilledQty = st.ExecutedQty
	if !st.AvgPrice.IsZero() {
		entry.order.AvgPrice = st.AvgPrice
	}

	switch st.Status {
	case common.StatusPartial:
		if canTransition(entry.order.State, StatePartiallyFilled) {
			m.transition(ctx, entry, StatePartiallyFilled)
			m.publish(events.EventOrderPartiallyFilled, entry, "")
		}
	case common.StatusFilled:
		if canTransition(entry.order.State, StateFilled) {
			m.transition(ctx, entry, StateFilled)
			m.publish(events.EventOrderFilled, entry, "")
			m.registerOco(ctx, entry)
		}
	case common.StatusCanceled:
		if canTransition(entry.order.State, StateCancelled) {
			m.transition(ctx, entry, StateCancelled)
			m.publish(events.EventOrderCancelled, entry, "")
		}
	case common.StatusRejected:
		if canTransition(entry.order.State, StateRejected) {
			entry.order.RejectReason = st.RejectReason
			m.transition(ctx, entry, StateRejected)
			m.publish(events.EventOrderRejected, entry, st.RejectReason)
		}
	default:
		entry.order.UpdatedAt = time.Now()
		m.persist(ctx, entry)
	}
}

// registerOco hands a filled entry order to the supervisor when the intent
// asked for stop/target supervision. Caller holds the entry lock.
func (m *Manager) registerOco(ctx context.Context, entry *trackedEntry) {
	if entry.ocoReg || !entry.intent.RequiresOco {
		return
	}
	entry.ocoReg = true

	entryPrice := entry.order.AvgPrice
	if entryPrice.IsZero() {
		entryPrice = entry.order.Price
	}
	if m.registrar == nil {
		m.log.Warn("engine: oco intent dropped, no supervisor wired",
			zap.String("local_id", entry.order.LocalID))
		return
	}
	err := m.registrar.RegisterFromFill(ctx, entry.order.Symbol, entry.order.Side,
		entry.order.Qty, entryPrice, entry.intent.StopLossPct, entry.intent.TakeProfitPct)
	if err != nil {
		m.log.Error("engine: oco registration failed",
			zap.String("local_id", entry.order.LocalID), zap.Error(err))
	}
}

func (m *Manager) lookup(localID string) *trackedEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orders[localID]
}

func (m *Manager) entries() []*trackedEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*trackedEntry, 0, len(m.orders))
	for _, e := range m.orders {
		out = append(out, e)
	}
	return out
}

// transition moves the order to next, persisting the change. Caller holds
// the entry lock.
func (m *Manager) transition(ctx context.Context, entry *trackedEntry, next State) {
	if !canTransition(entry.order.State, next) {
		m.log.Error("engine: invalid transition",
			zap.String("local_id", entry.order.LocalID),
			zap.String("from", string(entry.order.State)),
			zap.String("to", string(next)))
		return
	}
	entry.order.State = next
	entry.order.UpdatedAt = time.Now()
	m.persist(ctx, entry)
}

func (m *Manager) reject(ctx context.Context, entry *trackedEntry, reason string) {
	entry.order.RejectReason = reason
	m.transition(ctx, entry, StateRejected)
	m.publish(events.EventOrderRejected, entry, reason)
}

func (m *Manager) fail(ctx context.Context, entry *trackedEntry, reason string) {
	entry.order.RejectReason = reason
	m.transition(ctx, entry, StateFailed)
	m.publish(events.EventOrderFailed, entry, reason)
}

// archive closes out a reconciled terminal order and drops it from the
// registry. Caller holds the entry lock.
func (m *Manager) archive(ctx context.Context, entry *trackedEntry) {
	m.transition(ctx, entry, StateClosed)
	m.mu.Lock()
	delete(m.orders, entry.order.LocalID)
	m.mu.Unlock()
}

func (m *Manager) publish(ev events.Event, entry *trackedEntry, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ev, events.OrderEvent{
		LocalID:         entry.order.LocalID,
		ExchangeOrderID: entry.order.ExchangeOrderID,
		Symbol:          entry.order.Symbol,
		State:           string(entry.order.State),
		Reason:          reason,
	})
}

func (m *Manager) persist(ctx context.Context, entry *trackedEntry) {
	if m.store == nil {
		return
	}
	o := entry.order
	done := (o.State.isTerminal() && o.State != StateFailed) ||
		(o.State == StateFailed && entry.reconciled)
	row := db.TrackedOrderRow{
		LocalID:         o.LocalID,
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		OrderType:       string(o.Type),
		Qty:             o.Qty.String(),
		Price:           o.Price.String(),
		State:           string(o.State),
		FilledQty:       o.FilledQty.String(),
		AvgPrice:        o.AvgPrice.String(),
		RejectReason:    o.RejectReason,
		Done:            done,
	}
	if err := m.store.SaveTrackedOrder(ctx, row); err != nil {
		m.log.Error("engine: persist order failed",
			zap.String("local_id", o.LocalID), zap.Error(err))
	}
}

func orderFromRow(row db.TrackedOrderRow) (TrackedOrder, error) {
	qty, err := decimal.NewFromString(row.Qty)
	if err != nil {
		return TrackedOrder{}, err
	}
	price, err := decimal.NewFromString(row.Price)
	if err != nil {
		return TrackedOrder{}, err
	}
	filled, err := decimal.NewFromString(row.FilledQty)
	if err != nil {
		return TrackedOrder{}, err
	}
	avg, err := decimal.NewFromString(row.AvgPrice)
	if err != nil {
		return TrackedOrder{}, err
	}
	return TrackedOrder{
		LocalID:         row.LocalID,
		ExchangeOrderID: row.ExchangeOrderID,
		Symbol:          row.Symbol,
		Side:            common.Side(row.Side),
		Type:            common.OrderType(row.OrderType),
		Qty:             qty,
		Price:           price,
		State:           State(row.State),
		FilledQty:       filled,
		AvgPrice:        avg,
		RejectReason:    row.RejectReason,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}
