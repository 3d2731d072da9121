// Package pool owns the live broker connections, one logical connection per
// account, shared by every session trading on that account.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gale-core/internal/events"
	"gale-core/pkg/broker"
)

var (
	ErrUnknownAccount = errors.New("account not registered")
	ErrUnavailable    = errors.New("account unavailable")
	ErrExhausted      = errors.New("connection attempts exhausted")
)

// Config holds pool tuning knobs.
type Config struct {
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	Cooldown         time.Duration // how long an exhausted account stays unavailable
	HealthInterval   time.Duration
	FailureThreshold int
	BalanceTTL       time.Duration
	SerializeOrders  bool // forbid concurrent opens on one account
	Rate             float64
	Burst            int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetryAttempts:    3,
		RetryBaseDelay:   500 * time.Millisecond,
		RetryMaxDelay:    10 * time.Second,
		Cooldown:         time.Minute,
		HealthInterval:   time.Minute,
		FailureThreshold: 3,
		BalanceTTL:       10 * time.Second,
		SerializeOrders:  true,
		Rate:             5,
		Burst:            10,
	}
}

type account struct {
	creds   broker.Credentials
	limiter *rate.Limiter

	mu             sync.Mutex
	conn           broker.Conn
	failures       int
	unhealthyUntil time.Time

	orderMu sync.Mutex // serializes Open calls when SerializeOrders is set

	balMu     sync.Mutex
	balance   float64
	balanceAt time.Time
}

// Pool multiplexes broker connections across sessions.
type Pool struct {
	dialer broker.Dialer
	cfg    Config
	bus    *events.Bus

	mu       sync.RWMutex
	accounts map[string]*account

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool. bus may be nil.
func New(dialer broker.Dialer, bus *events.Bus, cfg Config) *Pool {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &Pool{
		dialer:   dialer,
		cfg:      cfg,
		bus:      bus,
		accounts: make(map[string]*account),
		stopCh:   make(chan struct{}),
	}
}

// Register makes an account's credentials known to the pool. The connection
// itself is established lazily on first Acquire.
func (p *Pool) Register(creds broker.Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[creds.AccountID]; ok {
		return
	}
	p.accounts[creds.AccountID] = &account{
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(p.cfg.Rate), p.cfg.Burst),
	}
}

// Known reports whether an account is registered.
func (p *Pool) Known(accountID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.accounts[accountID]
	return ok
}

// Healthy reports whether an account currently has no open cooldown.
func (p *Pool) Healthy(accountID string) bool {
	acct, err := p.lookup(accountID)
	if err != nil {
		return false
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return time.Now().After(acct.unhealthyUntil)
}

func (p *Pool) lookup(accountID string) (*account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	acct, ok := p.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrUnknownAccount)
	}
	return acct, nil
}

// Acquire returns a lease on the account's connection, dialing it if needed.
// Dial failures retry with exponential backoff up to RetryAttempts; after
// exhaustion the account enters a cooldown during which Acquire fails fast.
func (p *Pool) Acquire(ctx context.Context, accountID string) (*Lease, error) {
	acct, err := p.lookup(accountID)
	if err != nil {
		return nil, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if until := acct.unhealthyUntil; time.Now().Before(until) {
		return nil, fmt.Errorf("account %s cooling down until %s: %w",
			accountID, until.Format(time.RFC3339), ErrUnavailable)
	}

	if acct.conn == nil {
		conn, err := p.dialLocked(ctx, acct)
		if err != nil {
			return nil, err
		}
		acct.conn = conn
	}

	return &Lease{pool: p, acct: acct, conn: acct.conn}, nil
}

// dialLocked dials with bounded exponential backoff. Caller holds acct.mu.
func (p *Pool) dialLocked(ctx context.Context, acct *account) (broker.Conn, error) {
	delay := p.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		conn, err := p.dialer.Dial(ctx, acct.creds)
		if err == nil {
			acct.failures = 0
			return conn, nil
		}
		if errors.Is(err, broker.ErrAuthentication) {
			// Bad credentials will not get better with retries.
			return nil, err
		}
		lastErr = err
		log.Printf("pool: dial %s attempt %d/%d failed: %v",
			acct.creds.AccountID, attempt, p.cfg.RetryAttempts, err)

		if attempt == p.cfg.RetryAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", acct.creds.AccountID, ctx.Err())
		}
		delay *= 2
		if p.cfg.RetryMaxDelay > 0 && delay > p.cfg.RetryMaxDelay {
			delay = p.cfg.RetryMaxDelay
		}
	}

	acct.unhealthyUntil = time.Now().Add(p.cfg.Cooldown)
	if p.bus != nil {
		p.bus.Publish(events.EventAccountUnhealthy, acct.creds.AccountID)
	}
	return nil, fmt.Errorf("account %s: %v: %w", acct.creds.AccountID, lastErr, ErrExhausted)
}

// Balance returns the account balance, cached with a short TTL.
func (p *Pool) Balance(ctx context.Context, accountID string) (float64, error) {
	acct, err := p.lookup(accountID)
	if err != nil {
		return 0, err
	}

	acct.balMu.Lock()
	if time.Since(acct.balanceAt) < p.cfg.BalanceTTL {
		bal := acct.balance
		acct.balMu.Unlock()
		return bal, nil
	}
	acct.balMu.Unlock()

	lease, err := p.Acquire(ctx, accountID)
	if err != nil {
		return 0, err
	}
	defer lease.Release()

	bal, err := lease.Balance(ctx)
	if err != nil {
		return 0, err
	}

	acct.balMu.Lock()
	acct.balance = bal
	acct.balanceAt = time.Now()
	acct.balMu.Unlock()
	return bal, nil
}

// CachedBalance returns the last observed balance without touching the
// broker. The zero time means no balance has been observed yet.
func (p *Pool) CachedBalance(accountID string) (float64, time.Time) {
	acct, err := p.lookup(accountID)
	if err != nil {
		return 0, time.Time{}
	}
	acct.balMu.Lock()
	defer acct.balMu.Unlock()
	return acct.balance, acct.balanceAt
}

// InvalidateBalance drops the cached balance so the next read refreshes.
// Called after every settled trade on the account.
func (p *Pool) InvalidateBalance(accountID string) {
	if acct, err := p.lookup(accountID); err == nil {
		acct.balMu.Lock()
		acct.balanceAt = time.Time{}
		acct.balMu.Unlock()
	}
}

// Start launches the background health checker.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		interval := p.cfg.HealthInterval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.healthCheckAll(ctx)
			}
		}
	}()
}

// Stop shuts down the health checker and closes all connections.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, acct := range p.accounts {
		acct.mu.Lock()
		if acct.conn != nil {
			_ = acct.conn.Close()
			acct.conn = nil
		}
		acct.mu.Unlock()
	}
}

func (p *Pool) healthCheckAll(ctx context.Context) {
	p.mu.RLock()
	accts := make([]*account, 0, len(p.accounts))
	for _, a := range p.accounts {
		accts = append(accts, a)
	}
	p.mu.RUnlock()

	for _, acct := range accts {
		p.healthCheck(ctx, acct)
	}
}

// healthCheck probes a live connection and redials out of band when it has
// failed past the threshold, so callers never pay for the reconnect.
func (p *Pool) healthCheck(ctx context.Context, acct *account) {
	acct.mu.Lock()
	conn := acct.conn
	acct.mu.Unlock()
	if conn == nil {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := conn.Ping(pingCtx)
	cancel()

	acct.mu.Lock()
	defer acct.mu.Unlock()
	if err == nil {
		acct.failures = 0
		return
	}

	acct.failures++
	log.Printf("pool: health check failed for %s (%d/%d): %v",
		acct.creds.AccountID, acct.failures, p.cfg.FailureThreshold, err)
	if acct.failures < p.cfg.FailureThreshold {
		return
	}

	_ = acct.conn.Close()
	acct.conn = nil
	acct.failures = 0

	redialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	conn, dialErr := p.dialLocked(redialCtx, acct)
	if dialErr != nil {
		log.Printf("pool: background reconnect for %s failed: %v", acct.creds.AccountID, dialErr)
		return
	}
	acct.conn = conn
	log.Printf("pool: reconnected %s", acct.creds.AccountID)
}

// reportFailure counts a connection-level error observed through a lease.
// The dead connection is dropped so the next Acquire redials.
func (p *Pool) reportFailure(acct *account) {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.failures++
	if acct.conn != nil && acct.failures >= p.cfg.FailureThreshold {
		_ = acct.conn.Close()
		acct.conn = nil
		acct.failures = 0
	}
}
