package db

import (
	"context"
	"testing"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestTrackedOrderRoundTrip(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	row := TrackedOrderRow{
		LocalID:   "loc-1",
		Symbol:    "BTCUSDT",
		Side:      "BUY",
		OrderType: "LIMIT",
		Qty:       "0.015",
		Price:     "64250.5",
		State:     "created",
		FilledQty: "0",
		AvgPrice:  "0",
	}
	if err := database.SaveTrackedOrder(ctx, row); err != nil {
		t.Fatalf("SaveTrackedOrder: %v", err)
	}

	got, err := database.GetTrackedOrder(ctx, "loc-1")
	if err != nil {
		t.Fatalf("GetTrackedOrder: %v", err)
	}
	if got == nil {
		t.Fatal("expected row, got nil")
	}
	if got.Qty != "0.015" || got.Price != "64250.5" {
		t.Errorf("decimal fields did not round-trip: qty=%q price=%q", got.Qty, got.Price)
	}
	if got.State != "created" {
		t.Errorf("expected state created, got %q", got.State)
	}
}

func TestTrackedOrderUpsertUpdatesState(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	row := TrackedOrderRow{
		LocalID: "loc-2", Symbol: "ETHUSDT", Side: "SELL", OrderType: "MARKET",
		Qty: "1.2", State: "created",
	}
	if err := database.SaveTrackedOrder(ctx, row); err != nil {
		t.Fatalf("SaveTrackedOrder: %v", err)
	}

	row.State = "filled"
	row.ExchangeOrderID = "ex-99"
	row.FilledQty = "1.2"
	row.AvgPrice = "3021.44"
	row.Done = true
	if err := database.SaveTrackedOrder(ctx, row); err != nil {
		t.Fatalf("SaveTrackedOrder update: %v", err)
	}

	got, err := database.GetTrackedOrder(ctx, "loc-2")
	if err != nil {
		t.Fatalf("GetTrackedOrder: %v", err)
	}
	if got.State != "filled" || got.ExchangeOrderID != "ex-99" || !got.Done {
		t.Errorf("upsert did not apply: %+v", got)
	}

	active, err := database.ListActiveTrackedOrders(ctx)
	if err != nil {
		t.Fatalf("ListActiveTrackedOrders: %v", err)
	}
	for _, o := range active {
		if o.LocalID == "loc-2" {
			t.Error("done order should not be listed as active")
		}
	}
}

func TestOcoGroupStateListing(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	groups := []OcoGroupRow{
		{ID: "g-1", Symbol: "BTCUSDT", Side: "BUY", Qty: "0.5", StopPrice: "95", TargetPrice: "115", State: "watching"},
		{ID: "g-2", Symbol: "ETHUSDT", Side: "BUY", Qty: "2", StopPrice: "2800", TargetPrice: "3400", State: "watching"},
		{ID: "g-3", Symbol: "BTCUSDT", Side: "SELL", Qty: "0.1", StopPrice: "70000", TargetPrice: "60000", State: "closed"},
	}
	for _, g := range groups {
		if err := database.SaveOcoGroup(ctx, g); err != nil {
			t.Fatalf("SaveOcoGroup %s: %v", g.ID, err)
		}
	}

	watching, err := database.ListOcoGroupsByState(ctx, "watching")
	if err != nil {
		t.Fatalf("ListOcoGroupsByState: %v", err)
	}
	if len(watching) != 2 {
		t.Fatalf("expected 2 watching groups, got %d", len(watching))
	}

	// Escalate one group and verify the transition persists.
	watching[0].State = "failed"
	watching[0].CloseFailures = 3
	if err := database.SaveOcoGroup(ctx, watching[0]); err != nil {
		t.Fatalf("SaveOcoGroup escalate: %v", err)
	}
	failed, err := database.ListOcoGroupsByState(ctx, "failed")
	if err != nil {
		t.Fatalf("ListOcoGroupsByState failed: %v", err)
	}
	if len(failed) != 1 || failed[0].CloseFailures != 3 {
		t.Errorf("expected 1 failed group with 3 close failures, got %+v", failed)
	}
}
