// Package reconcile recovers the actual outcome of trades whose settlement
// wait was interrupted, by asking the broker rather than guessing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gale-core/internal/pool"
	"gale-core/pkg/broker"
)

// ErrUnresolved means the broker never reported the ticket within MaxWait.
var ErrUnresolved = errors.New("trade outcome unresolved")

// Resolver queries the broker's recent settlements for a specific ticket.
type Resolver struct {
	Pool         *pool.Pool
	Lookback     int           // how many recent settlements to search
	PollInterval time.Duration // delay between attempts while still open
	MaxWait      time.Duration // total budget before giving up
}

// NewResolver returns a resolver with defaults suited to fixed-expiry
// instruments.
func NewResolver(p *pool.Pool) *Resolver {
	return &Resolver{
		Pool:         p,
		Lookback:     20,
		PollInterval: 5 * time.Second,
		MaxWait:      2 * time.Minute,
	}
}

// Resolve returns the broker-reported settlement for ticketID. It acquires a
// fresh lease each attempt, so a dropped connection at await time does not
// prevent recovery. A gale sequence must not continue until this returns.
func (r *Resolver) Resolve(ctx context.Context, accountID, ticketID string) (broker.Settlement, error) {
	deadline := time.Now().Add(r.MaxWait)

	for {
		s, err := r.lookup(ctx, accountID, ticketID)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return broker.Settlement{}, fmt.Errorf("reconcile %s: %w", ticketID, ctx.Err())
		}
		if time.Now().After(deadline) {
			return broker.Settlement{}, fmt.Errorf("reconcile %s after %s: %w", ticketID, r.MaxWait, ErrUnresolved)
		}

		log.Printf("reconcile: ticket %s not settled yet: %v", ticketID, err)
		select {
		case <-time.After(r.PollInterval):
		case <-ctx.Done():
			return broker.Settlement{}, fmt.Errorf("reconcile %s: %w", ticketID, ctx.Err())
		}
	}
}

func (r *Resolver) lookup(ctx context.Context, accountID, ticketID string) (broker.Settlement, error) {
	lease, err := r.Pool.Acquire(ctx, accountID)
	if err != nil {
		return broker.Settlement{}, err
	}
	defer lease.Release()

	recent, err := lease.Recent(ctx, r.Lookback)
	if err != nil {
		return broker.Settlement{}, err
	}
	for _, s := range recent {
		if s.TicketID == ticketID {
			return s, nil
		}
	}
	return broker.Settlement{}, fmt.Errorf("ticket %s not in last %d settlements", ticketID, r.Lookback)
}
