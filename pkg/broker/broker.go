// Package broker defines the capability interfaces the engine uses to talk
// to a brokerage. Concrete wire protocols live behind Dialer/Conn so the
// engine stays testable against a fake venue.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAuthentication = errors.New("broker authentication failed")
	ErrConnection     = errors.New("broker connection error")
	ErrInsufficient   = errors.New("insufficient balance")
)

// Direction of a binary position.
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
)

// Credentials is an opaque credential handle for one brokerage account.
// The engine never inspects Secret; it only forwards the handle to Dial.
type Credentials struct {
	AccountID string
	Login     string
	Secret    string
	Demo      bool
}

// Order is a request to open one fixed-expiry position.
type Order struct {
	Asset     string
	Direction Direction
	Amount    float64
	Expiry    time.Duration
}

// Ticket identifies an open position at the broker.
type Ticket struct {
	ID       string
	Asset    string
	OpenedAt time.Time
	Expiry   time.Duration
}

// Outcome of a settled position.
type Outcome string

const (
	Won  Outcome = "won"
	Lost Outcome = "lost"
	Void Outcome = "void"
)

// Settlement is the broker's final word on one ticket.
// Profit is signed: positive payout on a win, negative stake on a loss,
// zero for void.
type Settlement struct {
	TicketID string
	Outcome  Outcome
	Profit   float64
	ClosedAt time.Time
}

// Dialer authenticates credentials and produces a live connection.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one authenticated connection to a brokerage account.
// Await blocks until the ticket settles or ctx expires. Recent returns the
// most recently settled positions, newest first; it is the reconciliation
// path for tickets whose Await was interrupted.
type Conn interface {
	Open(ctx context.Context, ord Order) (Ticket, error)
	Await(ctx context.Context, t Ticket) (Settlement, error)
	Balance(ctx context.Context) (float64, error)
	Recent(ctx context.Context, n int) ([]Settlement, error)
	Ping(ctx context.Context) error
	Close() error
}
