package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func dial(t *testing.T, d *PaperDialer, login, secret string) Conn {
	t.Helper()
	conn, err := d.Dial(context.Background(), Credentials{AccountID: "a", Login: login, Secret: secret})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func TestDialAuthentication(t *testing.T) {
	d := NewPaperDialer(DefaultPaperConfig())
	d.Fund("user", "pw", 100)

	if _, err := d.Dial(context.Background(), Credentials{Login: "user", Secret: "wrong"}); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("wrong secret: expected ErrAuthentication, got %v", err)
	}
	if _, err := d.Dial(context.Background(), Credentials{Login: "nobody", Secret: "pw"}); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("unknown login: expected ErrAuthentication, got %v", err)
	}
	dial(t, d, "user", "pw").Close()
}

func TestOpenInsufficientBalance(t *testing.T) {
	d := NewPaperDialer(DefaultPaperConfig())
	d.Fund("user", "pw", 10)
	conn := dial(t, d, "user", "pw")

	_, err := conn.Open(context.Background(), Order{Asset: "EURUSD_otc", Direction: Up, Amount: 50, Expiry: time.Minute})
	if !errors.Is(err, ErrInsufficient) {
		t.Fatalf("expected ErrInsufficient, got %v", err)
	}
}

func TestScriptedSettlementAdjustsBalance(t *testing.T) {
	d := NewPaperDialer(DefaultPaperConfig())
	d.Fund("user", "pw", 100)
	d.Script(Won, Lost, Void)
	conn := dial(t, d, "user", "pw")
	ctx := context.Background()

	ord := Order{Asset: "EURUSD_otc", Direction: Up, Amount: 10, Expiry: time.Minute}
	wantBalances := []float64{108, 98, 98}
	wantProfit := []float64{8, -10, 0}

	for i := range wantBalances {
		ticket, err := conn.Open(ctx, ord)
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
		s, err := conn.Await(ctx, ticket)
		if err != nil {
			t.Fatalf("Await %d: %v", i, err)
		}
		if s.Profit != wantProfit[i] {
			t.Fatalf("settlement %d profit=%v, expected %v", i, s.Profit, wantProfit[i])
		}
		bal, err := conn.Balance(ctx)
		if err != nil {
			t.Fatalf("Balance %d: %v", i, err)
		}
		if bal != wantBalances[i] {
			t.Fatalf("balance after trade %d=%v, expected %v", i, bal, wantBalances[i])
		}
	}
}

func TestRecentSurfacesUnawaitedTickets(t *testing.T) {
	d := NewPaperDialer(DefaultPaperConfig())
	d.Fund("user", "pw", 100)
	d.Script(Lost)
	conn := dial(t, d, "user", "pw")
	ctx := context.Background()

	ticket, err := conn.Open(ctx, Order{Asset: "EURUSD_otc", Direction: Down, Amount: 5, Expiry: time.Minute})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	recent, err := conn.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].TicketID != ticket.ID || recent[0].Outcome != Lost {
		t.Fatalf("Recent=%+v, expected the unawaited ticket", recent)
	}

	// Once flushed to history, Await can no longer settle it.
	if _, err := conn.Await(ctx, ticket); !errors.Is(err, ErrConnection) {
		t.Fatalf("Await after flush: expected ErrConnection, got %v", err)
	}
}
