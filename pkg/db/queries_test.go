package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testDB(t *testing.T) *Database {
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

func TestSaveSessionUpsert(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	s := Session{
		ID:             "s1",
		AccountID:      "acct-1",
		BaseAmount:     5,
		GaleLimit:      2,
		GaleMultiplier: 2.0,
		StopLoss:       100,
		State:          "idle",
		CreatedAt:      time.Now(),
	}
	if err := database.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession insert: %v", err)
	}

	s.State = "active"
	s.NetProfit = 12.5
	s.TotalTrades = 3
	s.WonTrades = 2
	s.LostTrades = 1
	if err := database.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}

	got, err := database.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != "active" || got.NetProfit != 12.5 || got.TotalTrades != 3 {
		t.Fatalf("upsert did not apply: %+v", got)
	}
	if got.BaseAmount != 5 || got.GaleLimit != 2 {
		t.Fatalf("configuration columns changed on upsert: %+v", got)
	}

	all, err := database.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("upsert created %d rows, expected 1", len(all))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	database := testDB(t)
	if _, err := database.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSettleTradeExactlyOnce(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	trade := Trade{
		ID:        "t1",
		SessionID: "s1",
		Asset:     "EURUSD_otc",
		Direction: "up",
		Amount:    5,
		SignalID:  "sig-1",
		OpenTime:  time.Now(),
	}
	if err := database.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	pending, err := database.CountPendingTrades(ctx, "s1")
	if err != nil {
		t.Fatalf("CountPendingTrades: %v", err)
	}
	if pending != 1 {
		t.Fatalf("pending=%d, expected 1", pending)
	}

	if err := database.SettleTrade(ctx, "t1", "won", 4); err != nil {
		t.Fatalf("SettleTrade: %v", err)
	}

	// A second settlement of the same trade must be rejected.
	if err := database.SettleTrade(ctx, "t1", "lost", -5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double settle: expected ErrNotFound, got %v", err)
	}

	trades, err := database.ListTradesBySession(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("ListTradesBySession: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades, expected 1", len(trades))
	}
	if trades[0].Result != "won" || trades[0].ProfitLoss != 4 {
		t.Fatalf("first settlement overwritten: %+v", trades[0])
	}
	if trades[0].CloseTime == nil {
		t.Fatalf("CloseTime not set on settlement")
	}
}

func TestSettleTradeUnknownID(t *testing.T) {
	database := testDB(t)
	if err := database.SettleTrade(context.Background(), "ghost", "won", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionProfitSumsSettledOnly(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	open := time.Now()
	rows := []struct {
		id     string
		result string
		pl     float64
	}{
		{"t1", "won", 4},
		{"t2", "lost", -5},
		{"t3", "lost", -10},
		{"t4", "won", 16},
		{"t5", "pending", 0},
	}
	for _, r := range rows {
		if err := database.CreateTrade(ctx, Trade{
			ID: r.id, SessionID: "s1", Asset: "EURUSD_otc",
			Direction: "up", Amount: 5, SignalID: "sig", OpenTime: open,
		}); err != nil {
			t.Fatalf("CreateTrade %s: %v", r.id, err)
		}
		if r.result != "pending" {
			if err := database.SettleTrade(ctx, r.id, r.result, r.pl); err != nil {
				t.Fatalf("SettleTrade %s: %v", r.id, err)
			}
		}
	}

	sum, err := database.SessionProfit(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionProfit: %v", err)
	}
	if sum != 5 {
		t.Fatalf("SessionProfit=%v, expected 5", sum)
	}
}
