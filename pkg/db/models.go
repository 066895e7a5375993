package db

import (
	"context"
	"database/sql"
	"time"
)

// TrackedOrderRow is the persisted form of an engine-tracked order. Numeric
// fields are decimal strings.
type TrackedOrderRow struct {
	LocalID         string
	ExchangeOrderID string
	Symbol          string
	Side            string
	OrderType       string
	Qty             string
	Price           string
	State           string
	FilledQty       string
	AvgPrice        string
	RejectReason    string
	Done            bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OcoGroupRow is the persisted form of a supervised stop/target pair.
type OcoGroupRow struct {
	ID            string
	Symbol        string
	Side          string
	Qty           string
	EntryPrice    string
	StopPrice     string
	TargetPrice   string
	State         string
	CloseFailures int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SaveTrackedOrder inserts or replaces an order row. The engine calls this on
// creation and on every state change.
func (d *Database) SaveTrackedOrder(ctx context.Context, o TrackedOrderRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO tracked_orders (
			local_id, exchange_order_id, symbol, side, order_type,
			qty, price, state, filled_qty, avg_price, reject_reason, done, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
		ON CONFLICT(local_id) DO UPDATE SET
			exchange_order_id = excluded.exchange_order_id,
			state = excluded.state,
			qty = excluded.qty,
			price = excluded.price,
			filled_qty = excluded.filled_qty,
			avg_price = excluded.avg_price,
			reject_reason = excluded.reject_reason,
			done = excluded.done,
			updated_at = CURRENT_TIMESTAMP
	`,
		o.LocalID, o.ExchangeOrderID, o.Symbol, o.Side, o.OrderType,
		o.Qty, o.Price, o.State, o.FilledQty, o.AvgPrice, o.RejectReason, o.Done, nullTime(o.CreatedAt),
	)
	return err
}

// ListActiveTrackedOrders returns orders not yet in a terminal state, oldest
// first, for crash recovery at startup.
func (d *Database) ListActiveTrackedOrders(ctx context.Context) ([]TrackedOrderRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT local_id, exchange_order_id, symbol, side, order_type,
		       qty, price, state, filled_qty, avg_price, reject_reason, done, created_at, updated_at
		FROM tracked_orders WHERE done = 0
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []TrackedOrderRow
	for rows.Next() {
		var o TrackedOrderRow
		if err := rows.Scan(&o.LocalID, &o.ExchangeOrderID, &o.Symbol, &o.Side, &o.OrderType,
			&o.Qty, &o.Price, &o.State, &o.FilledQty, &o.AvgPrice, &o.RejectReason, &o.Done,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// GetTrackedOrder fetches one order by local id.
func (d *Database) GetTrackedOrder(ctx context.Context, localID string) (*TrackedOrderRow, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT local_id, exchange_order_id, symbol, side, order_type,
		       qty, price, state, filled_qty, avg_price, reject_reason, done, created_at, updated_at
		FROM tracked_orders WHERE local_id = ?`, localID)
	var o TrackedOrderRow
	if err := row.Scan(&o.LocalID, &o.ExchangeOrderID, &o.Symbol, &o.Side, &o.OrderType,
		&o.Qty, &o.Price, &o.State, &o.FilledQty, &o.AvgPrice, &o.RejectReason, &o.Done,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// SaveOcoGroup inserts or replaces a supervision group row.
func (d *Database) SaveOcoGroup(ctx context.Context, g OcoGroupRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO oco_groups (
			id, symbol, side, qty, entry_price, stop_price, target_price,
			state, close_failures, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			qty = excluded.qty,
			state = excluded.state,
			close_failures = excluded.close_failures,
			updated_at = CURRENT_TIMESTAMP
	`,
		g.ID, g.Symbol, g.Side, g.Qty, g.EntryPrice, g.StopPrice, g.TargetPrice,
		g.State, g.CloseFailures, nullTime(g.CreatedAt),
	)
	return err
}

// ListOcoGroupsByState returns groups in the given state, oldest first.
func (d *Database) ListOcoGroupsByState(ctx context.Context, state string) ([]OcoGroupRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, side, qty, entry_price, stop_price, target_price,
		       state, close_failures, created_at, updated_at
		FROM oco_groups WHERE state = ?
		ORDER BY created_at ASC`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []OcoGroupRow
	for rows.Next() {
		var g OcoGroupRow
		if err := rows.Scan(&g.ID, &g.Symbol, &g.Side, &g.Qty, &g.EntryPrice, &g.StopPrice,
			&g.TargetPrice, &g.State, &g.CloseFailures, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
