package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"gale-core/pkg/broker"
)

// flakyDialer fails the first failN dials, then succeeds.
type flakyDialer struct {
	dials atomic.Int32
	failN int32
	auth  bool // fail with ErrAuthentication instead of ErrConnection
	bal   float64
}

func (d *flakyDialer) Dial(ctx context.Context, creds broker.Credentials) (broker.Conn, error) {
	n := d.dials.Add(1)
	if n <= d.failN {
		if d.auth {
			return nil, fmt.Errorf("dial: %w", broker.ErrAuthentication)
		}
		return nil, fmt.Errorf("dial: %w", broker.ErrConnection)
	}
	return &stubConn{bal: d.bal}, nil
}

type stubConn struct {
	bal      float64
	balCalls atomic.Int32
	pingErr  error
}

func (c *stubConn) Open(ctx context.Context, ord broker.Order) (broker.Ticket, error) {
	return broker.Ticket{ID: "t", Asset: ord.Asset, OpenedAt: time.Now(), Expiry: ord.Expiry}, nil
}

func (c *stubConn) Await(ctx context.Context, t broker.Ticket) (broker.Settlement, error) {
	return broker.Settlement{TicketID: t.ID, Outcome: broker.Won}, nil
}

func (c *stubConn) Balance(ctx context.Context) (float64, error) {
	c.balCalls.Add(1)
	return c.bal, nil
}

func (c *stubConn) Recent(ctx context.Context, n int) ([]broker.Settlement, error) {
	return nil, nil
}

func (c *stubConn) Ping(ctx context.Context) error { return c.pingErr }
func (c *stubConn) Close() error                   { return nil }

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 3
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.Cooldown = 50 * time.Millisecond
	cfg.BalanceTTL = 50 * time.Millisecond
	return cfg
}

func TestAcquireUnknownAccount(t *testing.T) {
	p := New(&flakyDialer{}, nil, fastConfig())
	if _, err := p.Acquire(context.Background(), "ghost"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestAcquireRetriesThenSucceeds(t *testing.T) {
	d := &flakyDialer{failN: 2}
	p := New(d, nil, fastConfig())
	p.Register(broker.Credentials{AccountID: "a1", Login: "u", Secret: "s"})

	lease, err := p.Acquire(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release()

	if got := d.dials.Load(); got != 3 {
		t.Fatalf("dials=%d, expected 3", got)
	}
}

func TestAcquireExhaustionEntersCooldown(t *testing.T) {
	d := &flakyDialer{failN: 100}
	cfg := fastConfig()
	p := New(d, nil, cfg)
	p.Register(broker.Credentials{AccountID: "a1", Login: "u", Secret: "s"})

	_, err := p.Acquire(context.Background(), "a1")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if got := d.dials.Load(); got != int32(cfg.RetryAttempts) {
		t.Fatalf("dials=%d, expected %d", got, cfg.RetryAttempts)
	}
	if p.Healthy("a1") {
		t.Fatalf("account should be unhealthy during cooldown")
	}

	// During cooldown Acquire fails fast without dialing again.
	_, err = p.Acquire(context.Background(), "a1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable during cooldown, got %v", err)
	}
	if got := d.dials.Load(); got != int32(cfg.RetryAttempts) {
		t.Fatalf("cooldown acquire dialed anyway: dials=%d", got)
	}

	// After the cooldown the account becomes eligible again.
	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	d.failN = 0
	d.dials.Store(0)
	lease, err := p.Acquire(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Acquire after cooldown: %v", err)
	}
	lease.Release()
}

func TestAcquireAuthenticationNotRetried(t *testing.T) {
	d := &flakyDialer{failN: 100, auth: true}
	p := New(d, nil, fastConfig())
	p.Register(broker.Credentials{AccountID: "a1", Login: "u", Secret: "bad"})

	_, err := p.Acquire(context.Background(), "a1")
	if !errors.Is(err, broker.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if got := d.dials.Load(); got != 1 {
		t.Fatalf("auth failure retried: dials=%d, expected 1", got)
	}
}

func TestBalanceTTLCache(t *testing.T) {
	d := &flakyDialer{bal: 500}
	cfg := fastConfig()
	p := New(d, nil, cfg)
	p.Register(broker.Credentials{AccountID: "a1", Login: "u", Secret: "s"})
	ctx := context.Background()

	bal, err := p.Balance(ctx, "a1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 500 {
		t.Fatalf("balance=%v, expected 500", bal)
	}

	// Grab the live connection to count broker-side balance calls.
	lease, err := p.Acquire(ctx, "a1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	conn := lease.conn.(*stubConn)
	lease.Release()
	before := conn.balCalls.Load()

	// Within the TTL the cached value is served.
	if _, err := p.Balance(ctx, "a1"); err != nil {
		t.Fatalf("Balance cached: %v", err)
	}
	if got := conn.balCalls.Load(); got != before {
		t.Fatalf("cached read hit the broker: calls %d -> %d", before, got)
	}

	// Invalidation forces a refresh.
	p.InvalidateBalance("a1")
	if _, err := p.Balance(ctx, "a1"); err != nil {
		t.Fatalf("Balance after invalidate: %v", err)
	}
	if got := conn.balCalls.Load(); got != before+1 {
		t.Fatalf("invalidated read did not hit the broker: calls %d -> %d", before, got)
	}
}

func TestCachedBalanceNeverDials(t *testing.T) {
	d := &flakyDialer{failN: 100}
	p := New(d, nil, fastConfig())
	p.Register(broker.Credentials{AccountID: "a1", Login: "u", Secret: "s"})

	bal, at := p.CachedBalance("a1")
	if bal != 0 || !at.IsZero() {
		t.Fatalf("expected zero cache, got %v at %v", bal, at)
	}
	if got := d.dials.Load(); got != 0 {
		t.Fatalf("CachedBalance dialed the broker: %d", got)
	}
}

func TestLeaseSerializesOrders(t *testing.T) {
	d := &flakyDialer{bal: 1000}
	cfg := fastConfig()
	cfg.SerializeOrders = true
	cfg.Rate = 1000
	cfg.Burst = 1000
	p := New(d, nil, cfg)
	p.Register(broker.Credentials{AccountID: "a1", Login: "u", Secret: "s"})
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "a1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l2, err := p.Acquire(ctx, "a1")
	if err != nil {
		t.Fatalf("Acquire second lease: %v", err)
	}

	ord := broker.Order{Asset: "EURUSD_otc", Direction: broker.Up, Amount: 1, Expiry: time.Minute}
	if _, err := l1.Open(ctx, ord); err != nil {
		t.Fatalf("Open l1: %v", err)
	}
	if _, err := l2.Open(ctx, ord); err != nil {
		t.Fatalf("Open l2: %v", err)
	}
	l1.Release()
	l2.Release()
}

func TestReleasedLeaseRefusesUse(t *testing.T) {
	d := &flakyDialer{bal: 1000}
	p := New(d, nil, fastConfig())
	p.Register(broker.Credentials{AccountID: "a1", Login: "u", Secret: "s"})

	lease, err := p.Acquire(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release()

	_, err = lease.Open(context.Background(), broker.Order{Asset: "x", Direction: broker.Up, Amount: 1})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on released lease, got %v", err)
	}
	if _, err := lease.Await(context.Background(), broker.Ticket{ID: "t1"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Await on released lease: expected ErrUnavailable, got %v", err)
	}
	if _, err := lease.Balance(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Balance on released lease: expected ErrUnavailable, got %v", err)
	}
}
