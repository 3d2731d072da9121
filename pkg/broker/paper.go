package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	Payout       float64       // payout fraction on wins, e.g. 0.80
	WinRate      float64       // probability a random settlement wins
	VoidRate     float64       // probability the broker voids a position
	Latency      time.Duration // simulated network latency per call
	InstantClose bool          // settle at Await time instead of waiting out the expiry
}

// DefaultPaperConfig mirrors the typical fixed-payout venue.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		Payout:       0.80,
		WinRate:      0.5,
		VoidRate:     0,
		InstantClose: true,
	}
}

// PaperDialer is an in-process simulated brokerage. Accounts are keyed by
// Credentials.Login; unknown logins fail authentication, so tests can drive
// both paths.
type PaperDialer struct {
	cfg PaperConfig

	mu       sync.Mutex
	accounts map[string]*paperAccount
	rng      *rand.Rand

	// Script, when non-empty, forces settlement outcomes in FIFO order
	// across all connections instead of sampling WinRate.
	script []Outcome
}

type paperAccount struct {
	secret  string
	balance float64
}

func NewPaperDialer(cfg PaperConfig) *PaperDialer {
	if cfg.Payout <= 0 {
		cfg.Payout = 0.80
	}
	return &PaperDialer{
		cfg:      cfg,
		accounts: make(map[string]*paperAccount),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Fund registers an account with an opening balance.
func (d *PaperDialer) Fund(login, secret string, balance float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[login] = &paperAccount{secret: secret, balance: balance}
}

// Script queues forced outcomes for the next settlements.
func (d *PaperDialer) Script(outcomes ...Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, outcomes...)
}

func (d *PaperDialer) nextOutcome() Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.script) > 0 {
		out := d.script[0]
		d.script = d.script[1:]
		return out
	}
	r := d.rng.Float64()
	if r < d.cfg.VoidRate {
		return Void
	}
	if d.rng.Float64() < d.cfg.WinRate {
		return Won
	}
	return Lost
}

func (d *PaperDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	if d.cfg.Latency > 0 {
		select {
		case <-time.After(d.cfg.Latency):
		case <-ctx.Done():
			return nil, fmt.Errorf("dial: %w", ctx.Err())
		}
	}

	d.mu.Lock()
	acct, ok := d.accounts[creds.Login]
	d.mu.Unlock()
	if !ok || acct.secret != creds.Secret {
		return nil, fmt.Errorf("dial %s: %w", creds.Login, ErrAuthentication)
	}

	return &paperConn{dialer: d, acct: acct, open: make(map[string]Settlement)}, nil
}

// paperConn settles each ticket the moment it is opened and replays the
// result from Await, which keeps tests deterministic while still exercising
// the open/await split.
type paperConn struct {
	dialer *PaperDialer
	acct   *paperAccount

	mu      sync.Mutex
	open    map[string]Settlement
	history []Settlement
	closed  bool
}

func (c *paperConn) Open(ctx context.Context, ord Order) (Ticket, error) {
	if err := c.alive(ctx); err != nil {
		return Ticket{}, err
	}
	if ord.Amount <= 0 {
		return Ticket{}, fmt.Errorf("open %s: non-positive amount", ord.Asset)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ord.Amount > c.acct.balance {
		return Ticket{}, fmt.Errorf("open %s amount %.2f: %w", ord.Asset, ord.Amount, ErrInsufficient)
	}

	t := Ticket{
		ID:       uuid.NewString(),
		Asset:    ord.Asset,
		OpenedAt: time.Now(),
		Expiry:   ord.Expiry,
	}

	s := Settlement{TicketID: t.ID, Outcome: c.dialer.nextOutcome()}
	switch s.Outcome {
	case Won:
		s.Profit = ord.Amount * c.dialer.cfg.Payout
	case Lost:
		s.Profit = -ord.Amount
	case Void:
		s.Profit = 0
	}
	c.acct.balance += s.Profit
	c.open[t.ID] = s
	return t, nil
}

func (c *paperConn) Await(ctx context.Context, t Ticket) (Settlement, error) {
	if err := c.alive(ctx); err != nil {
		return Settlement{}, err
	}

	if !c.dialer.cfg.InstantClose {
		wait := time.Until(t.OpenedAt.Add(t.Expiry))
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Settlement{}, fmt.Errorf("await %s: %w", t.ID, ctx.Err())
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.open[t.ID]
	if !ok {
		return Settlement{}, fmt.Errorf("await %s: unknown ticket: %w", t.ID, ErrConnection)
	}
	delete(c.open, t.ID)
	s.ClosedAt = time.Now()
	c.history = append([]Settlement{s}, c.history...)
	return s, nil
}

func (c *paperConn) Balance(ctx context.Context) (float64, error) {
	if err := c.alive(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acct.balance, nil
}

func (c *paperConn) Recent(ctx context.Context, n int) ([]Settlement, error) {
	if err := c.alive(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// Anything still marked open has in fact settled at the venue; surface
	// it here so reconciliation can find interrupted awaits.
	for id, s := range c.open {
		s.ClosedAt = time.Now()
		c.history = append([]Settlement{s}, c.history...)
		delete(c.open, id)
	}
	if n > len(c.history) {
		n = len(c.history)
	}
	out := make([]Settlement, n)
	copy(out, c.history[:n])
	return out, nil
}

func (c *paperConn) Ping(ctx context.Context) error {
	return c.alive(ctx)
}

func (c *paperConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *paperConn) alive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.dialer.cfg.Latency > 0 {
		select {
		case <-time.After(c.dialer.cfg.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed: %w", ErrConnection)
	}
	return nil
}
