package pool

import (
	"context"
	"errors"
	"fmt"

	"gale-core/pkg/broker"
)

// Lease is a transient claim on an account's pooled connection for the
// duration of one trade operation. It is not safe for concurrent use.
type Lease struct {
	pool     *Pool
	acct     *account
	conn     broker.Conn
	released bool
}

// AccountID identifies the account the lease is bound to.
func (l *Lease) AccountID() string { return l.acct.creds.AccountID }

// Demo reports whether the underlying account is a practice account.
func (l *Lease) Demo() bool { return l.acct.creds.Demo }

// Open places an order through the leased connection. Opens on the same
// account are serialized when the pool's SerializeOrders flag is set, since
// some venues reject concurrent order placement.
func (l *Lease) Open(ctx context.Context, ord broker.Order) (broker.Ticket, error) {
	if err := l.wait(ctx); err != nil {
		return broker.Ticket{}, err
	}

	if l.pool.cfg.SerializeOrders {
		l.acct.orderMu.Lock()
		defer l.acct.orderMu.Unlock()
	}

	t, err := l.conn.Open(ctx, ord)
	l.observe(err)
	return t, err
}

// Await blocks until the ticket settles or ctx expires. Released leases are
// refused; the wait itself consumes no venue request budget, so it skips the
// rate limiter.
func (l *Lease) Await(ctx context.Context, t broker.Ticket) (broker.Settlement, error) {
	if l.released {
		return broker.Settlement{}, fmt.Errorf("lease already released: %w", ErrUnavailable)
	}
	s, err := l.conn.Await(ctx, t)
	l.observe(err)
	return s, err
}

// Balance fetches the live balance through the leased connection.
func (l *Lease) Balance(ctx context.Context) (float64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	bal, err := l.conn.Balance(ctx)
	l.observe(err)
	return bal, err
}

// Recent returns the account's most recently settled positions.
func (l *Lease) Recent(ctx context.Context, n int) ([]broker.Settlement, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	res, err := l.conn.Recent(ctx, n)
	l.observe(err)
	return res, err
}

// Release returns the lease. The underlying connection stays in the pool;
// healthy connections are never closed here.
func (l *Lease) Release() {
	l.released = true
}

func (l *Lease) wait(ctx context.Context) error {
	if l.released {
		return fmt.Errorf("lease already released: %w", ErrUnavailable)
	}
	if err := l.acct.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// observe feeds connection-level errors back into the account's health
// accounting so a dead connection gets replaced.
func (l *Lease) observe(err error) {
	if err == nil {
		l.acct.mu.Lock()
		l.acct.failures = 0
		l.acct.mu.Unlock()
		return
	}
	if errors.Is(err, broker.ErrConnection) {
		l.pool.reportFailure(l.acct)
	}
}
