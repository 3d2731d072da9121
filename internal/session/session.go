// Package session owns the lifecycle of trading sessions: creation, the
// per-session concurrency unit, and the control surface management layers
// consume.
package session

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gale-core/internal/risk"
	"gale-core/internal/signal"
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrInvalidConfig      = errors.New("invalid session configuration")
	ErrAlreadyActive      = errors.New("session already active")
	ErrNotActive          = errors.New("session not active")
	ErrBusy               = errors.New("session busy")
	ErrAccountUnavailable = errors.New("account unavailable")
)

// State is a session's lifecycle state.
type State string

const (
	Idle     State = "idle"
	Active   State = "active"
	Stopped  State = "stopped"
	Breached State = "breached" // terminal until an explicit reset
)

// StopMode selects how a session winds down.
type StopMode string

const (
	// StopGraceful lets the in-flight trade, including any pending gale
	// retry, settle before the session stops.
	StopGraceful StopMode = "graceful"
	// StopForce cancels the pending gale retry as soon as the current
	// trade settles and discards queued signals.
	StopForce StopMode = "force"
)

// Config is the operator-supplied session configuration. StopProfit and
// StopLoss of 0 mean unbounded.
type Config struct {
	AccountID      string
	BaseAmount     float64
	GaleLimit      int
	GaleMultiplier float64
	StopProfit     float64
	StopLoss       float64
	Sources        []string // signal source tags; empty = all
}

func (c Config) validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("account reference required: %w", ErrInvalidConfig)
	}
	if c.BaseAmount <= 0 || math.IsNaN(c.BaseAmount) || math.IsInf(c.BaseAmount, 0) {
		return fmt.Errorf("base amount must be positive: %w", ErrInvalidConfig)
	}
	if c.GaleLimit < 0 {
		return fmt.Errorf("gale limit must not be negative: %w", ErrInvalidConfig)
	}
	if c.GaleMultiplier <= 0 || math.IsNaN(c.GaleMultiplier) || math.IsInf(c.GaleMultiplier, 0) {
		return fmt.Errorf("gale multiplier must be positive: %w", ErrInvalidConfig)
	}
	for name, v := range map[string]float64{"stop profit": c.StopProfit, "stop loss": c.StopLoss} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be finite and positive, or 0 for unbounded: %w", name, ErrInvalidConfig)
		}
	}
	return nil
}

// Snapshot is a consistent, non-blocking read model of one session.
type Snapshot struct {
	ID          string
	AccountID   string
	State       State
	Degraded    bool
	GaleStep    int
	NetProfit   float64
	TotalTrades int
	WonTrades   int
	LostTrades  int
	WinRate     float64
	LastTrade   risk.TradeSummary
	Balance     float64 // last observed account balance
	BalanceAt   time.Time
	CreatedAt   time.Time
	StartedAt   time.Time
	Uptime      time.Duration
}

// command is an entry in a session's ordered inbox.
type cmdSignal struct {
	sig signal.Signal
}

type cmdStop struct {
	mode StopMode
}

// session is one managed trading session. Mutable trading state (gale step,
// stats) is written only by the owning runner goroutine; the mutex guards
// the lifecycle fields the manager and snapshots touch.
type session struct {
	id    string
	cfg   Config
	stats *risk.Stats

	mu        sync.Mutex
	state     State
	starting  bool // activation claimed, connection check in flight
	deleted   bool
	degraded  bool
	startedAt time.Time
	createdAt time.Time
	galeStep  int // runner-published view, for snapshots

	// inbox carries signals under the backpressure policy; ctl carries
	// stop commands and is never dropped. The runner drains ctl first.
	inbox     chan cmdSignal
	ctl       chan cmdStop
	done      chan struct{}
	forceStop atomic.Bool
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) setDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}

func (s *session) publishGaleStep(step int) {
	s.mu.Lock()
	s.galeStep = step
	s.mu.Unlock()
}

func (s *session) limits(maxTradeAmount float64) risk.Limits {
	return risk.Limits{
		BaseAmount:     s.cfg.BaseAmount,
		GaleLimit:      s.cfg.GaleLimit,
		GaleMultiplier: s.cfg.GaleMultiplier,
		StopProfit:     s.cfg.StopProfit,
		StopLoss:       s.cfg.StopLoss,
		MaxTradeAmount: maxTradeAmount,
	}
}
