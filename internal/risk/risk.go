// Package risk validates trade requests against balance and configured
// limits, and owns the per-session financial statistics that status reads.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLimitExceeded is the base error for every risk rejection. Callers match
// it with errors.Is; the wrapped message carries the reason.
var ErrLimitExceeded = errors.New("risk limit exceeded")

// Limits holds the per-session risk configuration. StopProfit/StopLoss of 0
// mean unbounded.
type Limits struct {
	BaseAmount     float64
	GaleLimit      int
	GaleMultiplier float64
	StopProfit     float64
	StopLoss       float64
	MaxTradeAmount float64 // global per-trade ceiling, 0 = none
}

// TradeSummary is the last settled trade, as shown in status.
type TradeSummary struct {
	TradeID   string
	Asset     string
	Direction string
	Amount    float64
	GaleStep  int
	Result    string
	Profit    float64
	ClosedAt  time.Time
}

// Snapshot is a consistent copy of a session's statistics.
type Snapshot struct {
	NetProfit   float64
	TotalTrades int
	WonTrades   int
	LostTrades  int
	WinRate     float64
	Breached    bool
	LastTrade   TradeSummary
}

// Stats tracks one session's counters and net profit. Writes come only from
// the session's owning goroutine; the mutex exists so Snapshot can be read
// from any goroutine without blocking the owner for long.
type Stats struct {
	mu          sync.RWMutex
	netProfit   float64
	totalTrades int
	wonTrades   int
	lostTrades  int
	breached    bool
	lastTrade   TradeSummary
}

// RecordWin applies a winning settlement.
func (s *Stats) RecordWin(profit float64, last TradeSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalTrades++
	s.wonTrades++
	s.netProfit += profit
	s.lastTrade = last
}

// RecordLoss applies a losing settlement. loss is the positive stake lost.
func (s *Stats) RecordLoss(loss float64, last TradeSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalTrades++
	s.lostTrades++
	s.netProfit -= loss
	s.lastTrade = last
}

// MarkBreached flags the session as having hit a stop threshold.
func (s *Stats) MarkBreached() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breached = true
}

// ClearBreach resets the breach flag after an operator reset.
func (s *Stats) ClearBreach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breached = false
}

// NetProfit returns the running sum of settled profit/loss.
func (s *Stats) NetProfit() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.netProfit
}

// Snapshot returns a consistent copy for status reads.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		NetProfit:   s.netProfit,
		TotalTrades: s.totalTrades,
		WonTrades:   s.wonTrades,
		LostTrades:  s.lostTrades,
		Breached:    s.breached,
		LastTrade:   s.lastTrade,
	}
	if s.totalTrades > 0 {
		snap.WinRate = float64(s.wonTrades) / float64(s.totalTrades)
	}
	return snap
}

// Check validates a proposed trade amount before the executor opens it.
// Rejections never penalize the session; the caller just discards the signal.
func Check(lim Limits, stats *Stats, amount, balance float64) error {
	if stats != nil {
		snap := stats.Snapshot()
		if snap.Breached {
			return fmt.Errorf("session breached: %w", ErrLimitExceeded)
		}
	}
	if amount <= 0 {
		return fmt.Errorf("non-positive amount %.2f: %w", amount, ErrLimitExceeded)
	}
	if amount > balance {
		return fmt.Errorf("amount %.2f exceeds balance %.2f: %w", amount, balance, ErrLimitExceeded)
	}
	if lim.MaxTradeAmount > 0 && amount > lim.MaxTradeAmount {
		return fmt.Errorf("amount %.2f exceeds per-trade ceiling %.2f: %w", amount, lim.MaxTradeAmount, ErrLimitExceeded)
	}
	return nil
}

// Verdict is the result of evaluating stop thresholds after a settlement.
type Verdict int

const (
	Continue Verdict = iota
	BreachProfit
	BreachLoss
)

// EvaluateThresholds compares net profit against the session's stop
// thresholds. Pure function; called by the executor after every settlement.
func EvaluateThresholds(netProfit float64, lim Limits) Verdict {
	if lim.StopProfit > 0 && netProfit >= lim.StopProfit {
		return BreachProfit
	}
	if lim.StopLoss > 0 && netProfit <= -lim.StopLoss {
		return BreachLoss
	}
	return Continue
}
