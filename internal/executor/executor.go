// Package executor drives the per-trade and per-gale-sequence state machine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"gale-core/internal/events"
	"gale-core/internal/pool"
	"gale-core/internal/reconcile"
	"gale-core/internal/risk"
	"gale-core/internal/signal"
	"gale-core/pkg/broker"
	"gale-core/pkg/db"
)

// Task is the executor's view of one session, handed over by the session's
// owning goroutine for the duration of one signal cycle. GaleStep is owned
// by that goroutine; the executor mutates it only while running on it.
type Task struct {
	SessionID string
	AccountID string
	Limits    risk.Limits
	Stats     *risk.Stats
	GaleStep  *int

	// ForceStopped is polled after every settlement; when it reports true
	// the pending gale retry is cancelled and the step counter reset.
	ForceStopped func() bool

	// OnStep, when set, is called from the executor's goroutine with the
	// step about to be traded, so status reads see the live step while the
	// sequence is still running.
	OnStep func(step int)
}

// Executor opens trades through the pool, awaits settlement, and applies the
// martingale recovery policy within the session's risk limits.
type Executor struct {
	Pool     *pool.Pool
	DB       *db.Database
	Bus      *events.Bus
	Resolver *reconcile.Resolver

	// MaxSettleWait bounds the settlement wait beyond the instrument's
	// expiry. A wait past the bound is treated as a connection failure and
	// goes through reconciliation.
	MaxSettleWait time.Duration
}

func New(p *pool.Pool, database *db.Database, bus *events.Bus, res *reconcile.Resolver) *Executor {
	return &Executor{
		Pool:          p,
		DB:            database,
		Bus:           bus,
		Resolver:      res,
		MaxSettleWait: 6 * time.Minute,
	}
}

// Run processes one signal for one session: risk pre-check, open, await
// settlement, and on loss re-enter with the amplified amount until the gale
// limit or a stop threshold ends the sequence. Strictly sequential; the
// session never has two open trades. The returned verdict is risk.Continue
// unless a stop threshold was breached.
func (e *Executor) Run(ctx context.Context, t *Task, sig signal.Signal) (risk.Verdict, error) {
	for {
		step := *t.GaleStep
		if t.OnStep != nil {
			t.OnStep(step)
		}
		amount := t.Limits.BaseAmount * math.Pow(t.Limits.GaleMultiplier, float64(step))

		balance, err := e.Pool.Balance(ctx, t.AccountID)
		if err != nil {
			return risk.Continue, fmt.Errorf("balance check: %w", err)
		}
		if err := risk.Check(t.Limits, t.Stats, amount, balance); err != nil {
			// Rejected signals do not penalize the session: no step change.
			return risk.Continue, err
		}

		settlement, trade, err := e.tradeOnce(ctx, t, sig, amount, step)
		if err != nil {
			// Cycle aborted, gale step unchanged; session stays Active.
			return risk.Continue, err
		}

		e.Pool.InvalidateBalance(t.AccountID)

		if settlement.Outcome == broker.Void {
			// Broker-cancelled: a no-op retry candidate, not a loss.
			log.Printf("executor: session %s trade %s voided, retrying step %d", t.SessionID, trade.ID, step)
			if t.ForceStopped() {
				return risk.Continue, nil
			}
			continue
		}

		summary := risk.TradeSummary{
			TradeID:   trade.ID,
			Asset:     trade.Asset,
			Direction: trade.Direction,
			Amount:    trade.Amount,
			GaleStep:  step,
			Result:    string(settlement.Outcome),
			Profit:    settlement.Profit,
			ClosedAt:  settlement.ClosedAt,
		}

		switch settlement.Outcome {
		case broker.Won:
			t.Stats.RecordWin(settlement.Profit, summary)
			*t.GaleStep = 0
		case broker.Lost:
			t.Stats.RecordLoss(-settlement.Profit, summary)
		}

		// Threshold evaluation takes precedence over continuing the gale
		// sequence, even mid-sequence.
		if verdict := risk.EvaluateThresholds(t.Stats.NetProfit(), t.Limits); verdict != risk.Continue {
			t.Stats.MarkBreached()
			*t.GaleStep = 0
			return verdict, nil
		}

		if settlement.Outcome == broker.Won {
			return risk.Continue, nil
		}

		// Lost, not breached.
		if t.ForceStopped() {
			*t.GaleStep = 0
			return risk.Continue, nil
		}
		if step < t.Limits.GaleLimit {
			*t.GaleStep = step + 1
			continue
		}
		// Gale limit reached: the loss sequence ends here. Informational,
		// not an error; the next signal starts a fresh sequence.
		log.Printf("executor: session %s gale limit %d reached, sequence ends", t.SessionID, t.Limits.GaleLimit)
		*t.GaleStep = 0
		return risk.Continue, nil
	}
}

// tradeOnce opens one trade and brings it to a settlement. Acquisition and
// open failures are retried once immediately; a second failure aborts the
// cycle. An interrupted settlement wait is resolved through the reconciler,
// never assumed won or lost.
func (e *Executor) tradeOnce(ctx context.Context, t *Task, sig signal.Signal, amount float64, step int) (broker.Settlement, db.Trade, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		s, trade, opened, err := e.attempt(ctx, t, sig, amount, step)
		if err == nil {
			return s, trade, nil
		}
		lastErr = err
		// Once an order reached the broker, retrying would risk a duplicate
		// position; only failures before the open qualify for the retry.
		if opened || !retryable(err) {
			break
		}
		log.Printf("executor: session %s open attempt failed, retrying once: %v", t.SessionID, err)
	}
	log.Printf("executor: session %s trade cycle aborted: %v", t.SessionID, lastErr)
	return broker.Settlement{}, db.Trade{}, lastErr
}

func (e *Executor) attempt(ctx context.Context, t *Task, sig signal.Signal, amount float64, step int) (broker.Settlement, db.Trade, bool, error) {
	lease, err := e.Pool.Acquire(ctx, t.AccountID)
	if err != nil {
		return broker.Settlement{}, db.Trade{}, false, fmt.Errorf("acquire lease: %w", err)
	}
	defer lease.Release()

	ticket, err := lease.Open(ctx, broker.Order{
		Asset:     sig.Asset,
		Direction: sig.Direction,
		Amount:    amount,
		Expiry:    sig.Expiry,
	})
	if err != nil {
		return broker.Settlement{}, db.Trade{}, false, fmt.Errorf("open trade: %w", err)
	}

	signalID := sig.ID
	if sig.Manual {
		signalID = db.ManualSignalID
	}
	trade := db.Trade{
		ID:        uuid.NewString(),
		SessionID: t.SessionID,
		Asset:     sig.Asset,
		Direction: string(sig.Direction),
		Amount:    amount,
		GaleStep:  step,
		SignalID:  signalID,
		OpenTime:  ticket.OpenedAt,
	}
	if e.DB != nil {
		// The position is live at the broker; a persistence failure must
		// not abandon it, so log and carry on.
		if err := e.DB.CreateTrade(ctx, trade); err != nil {
			log.Printf("executor: store trade %s: %v", trade.ID, err)
		}
	}
	if e.Bus != nil {
		e.Bus.Publish(events.EventTradeOpened, trade)
	}

	settlement, err := e.settle(ctx, lease, t, ticket, sig.Expiry)
	if err != nil {
		return broker.Settlement{}, trade, true, err
	}

	if e.DB != nil {
		if err := e.DB.SettleTrade(ctx, trade.ID, string(settlement.Outcome), settlement.Profit); err != nil {
			log.Printf("executor: settle trade %s: %v", trade.ID, err)
		}
	}
	trade.Result = string(settlement.Outcome)
	trade.ProfitLoss = settlement.Profit
	closed := settlement.ClosedAt
	if closed.IsZero() {
		closed = time.Now()
	}
	trade.CloseTime = &closed
	if e.Bus != nil {
		e.Bus.Publish(events.EventTradeSettled, trade)
	}
	return settlement, trade, true, nil
}

// settle awaits the ticket within a bounded window; an interrupted or timed
// out wait falls back to querying the broker for the actual outcome.
func (e *Executor) settle(ctx context.Context, lease *pool.Lease, t *Task, ticket broker.Ticket, expiry time.Duration) (broker.Settlement, error) {
	bound := e.MaxSettleWait
	if min := expiry + 30*time.Second; bound < min {
		bound = min
	}
	awaitCtx, cancel := context.WithTimeout(ctx, bound)
	settlement, err := lease.Await(awaitCtx, ticket)
	cancel()
	if err == nil {
		return settlement, nil
	}

	log.Printf("executor: session %s await interrupted (%v), reconciling ticket %s", t.SessionID, err, ticket.ID)
	if e.Resolver == nil {
		return broker.Settlement{}, fmt.Errorf("await %s: %v: %w", ticket.ID, err, broker.ErrConnection)
	}
	settlement, rerr := e.Resolver.Resolve(ctx, t.AccountID, ticket.ID)
	if rerr != nil {
		return broker.Settlement{}, fmt.Errorf("await %s unconfirmed: %w", ticket.ID, rerr)
	}
	return settlement, nil
}

// retryable reports whether an open failure qualifies for the single
// immediate retry. Exhausted or cooling-down accounts fail fast instead,
// since the pool already performed its own bounded retries.
func retryable(err error) bool {
	if errors.Is(err, pool.ErrExhausted) || errors.Is(err, pool.ErrUnavailable) {
		return false
	}
	return errors.Is(err, broker.ErrConnection) || errors.Is(err, broker.ErrInsufficient)
}
