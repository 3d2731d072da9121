package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"gale-core/internal/events"
	"gale-core/internal/executor"
	"gale-core/internal/pool"
	"gale-core/internal/risk"
	"gale-core/internal/signal"
	"gale-core/pkg/broker"
	"gale-core/pkg/db"
)

// Options tunes manager-wide behavior.
type Options struct {
	QueueDepth         int
	BackpressurePolicy string // "drop-oldest" (default) or "drop-newest"
	MaxTradeAmount     float64
	StopWait           time.Duration // how long StopAll waits per session
}

// Manager owns session lifecycle and is the entry point for the management
// layer. Every mutating call is safe for concurrent use.
type Manager struct {
	pool *pool.Pool
	proc *signal.Processor
	exec *executor.Executor
	bus  *events.Bus
	db   *db.Database

	queueDepth     int
	policy         string
	maxTradeAmount float64
	stopWait       time.Duration

	ctx context.Context

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewManager wires a manager. ctx bounds every runner the manager spawns.
func NewManager(ctx context.Context, p *pool.Pool, proc *signal.Processor, exec *executor.Executor, bus *events.Bus, database *db.Database, opts Options) *Manager {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 8
	}
	if opts.BackpressurePolicy == "" {
		opts.BackpressurePolicy = "drop-oldest"
	}
	if opts.StopWait <= 0 {
		opts.StopWait = 30 * time.Second
	}
	return &Manager{
		pool:           p,
		proc:           proc,
		exec:           exec,
		bus:            bus,
		db:             database,
		queueDepth:     opts.QueueDepth,
		policy:         opts.BackpressurePolicy,
		maxTradeAmount: opts.MaxTradeAmount,
		stopWait:       opts.StopWait,
		ctx:            ctx,
		sessions:       make(map[string]*session),
	}
}

// Create validates the configuration and registers a new Idle session.
func (m *Manager) Create(cfg Config) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	if !m.pool.Known(cfg.AccountID) {
		return "", fmt.Errorf("account %s: %w", cfg.AccountID, ErrAccountUnavailable)
	}

	s := &session{
		id:        uuid.NewString(),
		cfg:       cfg,
		stats:     &risk.Stats{},
		state:     Idle,
		createdAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.persist(s)
	log.Printf("session %s: created (account %s, base %.2f, gale %d x%.1f)",
		s.id, cfg.AccountID, cfg.BaseAmount, cfg.GaleLimit, cfg.GaleMultiplier)
	return s.id, nil
}

// Start transitions a session from Idle/Stopped to Active: verifies the
// account has a healthy connection, registers with the signal processor and
// spawns the session's concurrency unit.
func (m *Manager) Start(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	// Claim the transition before the connection check so a concurrent
	// Start or Delete cannot slip past the state switch while the check
	// holds no lock.
	s.mu.Lock()
	switch {
	case s.deleted:
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	case s.starting || s.state == Active:
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, ErrAlreadyActive)
	case s.state == Breached:
		s.mu.Unlock()
		return fmt.Errorf("session %s breached, reset required: %w", id, ErrBusy)
	}
	s.starting = true
	s.mu.Unlock()

	// Verify a connection can actually be leased before going active.
	leaseCtx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	lease, err := m.pool.Acquire(leaseCtx, s.cfg.AccountID)
	cancel()
	if err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		return fmt.Errorf("session %s: %v: %w", id, err, ErrAccountUnavailable)
	}
	lease.Release()

	s.mu.Lock()
	s.starting = false
	s.state = Active
	s.degraded = false
	s.startedAt = time.Now()
	s.galeStep = 0
	s.inbox = make(chan cmdSignal, m.queueDepth)
	s.ctl = make(chan cmdStop, 2)
	s.done = make(chan struct{})
	s.forceStop.Store(false)
	s.mu.Unlock()

	m.proc.Subscribe(s.id, s.cfg.Sources, func(sig signal.Signal) bool {
		return s.deliver(sig, m.policy)
	})
	go m.run(s)

	m.persist(s)
	if m.bus != nil {
		m.bus.Publish(events.EventSessionStarted, s.id)
	}
	log.Printf("session %s: started", s.id)
	return nil
}

// Stop asks an Active session to wind down. It enqueues the stop command
// and returns immediately; the transition happens at the runner's next
// inbox boundary, after any in-flight trade has settled.
func (m *Manager) Stop(id string, mode StopMode) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if s.currentState() != Active {
		return fmt.Errorf("session %s: %w", id, ErrNotActive)
	}

	if mode == StopForce {
		s.forceStop.Store(true)
	}
	select {
	case s.ctl <- cmdStop{mode: mode}:
	default:
		// A stop is already queued; nothing more to do.
	}
	return nil
}

// Status returns a consistent snapshot. It reads only materialized
// in-memory state and the pool's cached balance; it never waits on network
// I/O or on the session's in-flight trade.
func (m *Manager) Status(id string) (Snapshot, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return m.snapshot(s), nil
}

// List returns snapshots of every managed session.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, m.snapshot(s))
	}
	return out
}

func (m *Manager) snapshot(s *session) Snapshot {
	stats := s.stats.Snapshot()
	bal, balAt := m.pool.CachedBalance(s.cfg.AccountID)

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:          s.id,
		AccountID:   s.cfg.AccountID,
		State:       s.state,
		Degraded:    s.degraded,
		GaleStep:    s.galeStep,
		NetProfit:   stats.NetProfit,
		TotalTrades: stats.TotalTrades,
		WonTrades:   stats.WonTrades,
		LostTrades:  stats.LostTrades,
		WinRate:     stats.WinRate,
		LastTrade:   stats.LastTrade,
		Balance:     bal,
		BalanceAt:   balAt,
		CreatedAt:   s.createdAt,
		StartedAt:   s.startedAt,
	}
	if s.state == Active && !s.startedAt.IsZero() {
		snap.Uptime = time.Since(s.startedAt)
	}
	return snap
}

// Delete removes an inactive session and archives it. Active sessions must
// be stopped first.
func (m *Manager) Delete(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.starting {
		s.mu.Unlock()
		return fmt.Errorf("session %s is starting: %w", id, ErrBusy)
	}
	if s.state != Stopped && s.state != Idle {
		s.mu.Unlock()
		return fmt.Errorf("session %s is %s: %w", id, s.state, ErrBusy)
	}
	s.deleted = true
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.archive(s)
	log.Printf("session %s: deleted", id)
	return nil
}

// Reset returns a Breached session to Idle so an operator can restart it.
func (m *Manager) Reset(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != Breached {
		s.mu.Unlock()
		return fmt.Errorf("session %s is %s, only breached sessions reset: %w", id, s.state, ErrBusy)
	}
	s.state = Idle
	s.galeStep = 0
	s.mu.Unlock()

	s.stats.ClearBreach()
	m.persist(s)
	log.Printf("session %s: reset to idle", id)
	return nil
}

// Manual queues an operator-initiated trade on an Active session. It goes
// through the same inbox and executor path as a feed signal.
func (m *Manager) Manual(id, asset string, dir broker.Direction, expiry time.Duration) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if s.currentState() != Active {
		return fmt.Errorf("session %s: %w", id, ErrNotActive)
	}

	sig := signal.Signal{
		ID:        uuid.NewString(),
		Asset:     asset,
		Direction: dir,
		Expiry:    expiry,
		Source:    db.ManualSignalID,
		At:        time.Now(),
		Manual:    true,
	}
	if !s.deliver(sig, m.policy) {
		return fmt.Errorf("session %s inbox full: %w", id, ErrBusy)
	}
	return nil
}

// StopAll gracefully stops every active session and waits for the runners
// to finish, bounded by StopWait each. Used during shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		if s.currentState() != Active {
			continue
		}
		if err := m.Stop(s.id, StopGraceful); err != nil {
			continue
		}
		select {
		case <-s.done:
		case <-time.After(m.stopWait):
			log.Printf("session %s: still settling after %s, abandoning wait", s.id, m.stopWait)
		}
	}
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// persist writes the session's configuration and running stats. Persistence
// failures are logged, never fatal to trading.
func (m *Manager) persist(s *session) {
	if m.db == nil {
		return
	}
	if err := m.db.SaveSession(context.Background(), m.row(s, nil)); err != nil {
		log.Printf("session %s: persist: %v", s.id, err)
	}
}

func (m *Manager) archive(s *session) {
	if m.db == nil {
		return
	}
	now := time.Now()
	if err := m.db.SaveSession(context.Background(), m.row(s, &now)); err != nil {
		log.Printf("session %s: archive: %v", s.id, err)
	}
}

func (m *Manager) row(s *session, archivedAt *time.Time) db.Session {
	stats := s.stats.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	row := db.Session{
		ID:             s.id,
		AccountID:      s.cfg.AccountID,
		BaseAmount:     s.cfg.BaseAmount,
		GaleLimit:      s.cfg.GaleLimit,
		GaleMultiplier: s.cfg.GaleMultiplier,
		StopProfit:     s.cfg.StopProfit,
		StopLoss:       s.cfg.StopLoss,
		State:          string(s.state),
		NetProfit:      stats.NetProfit,
		TotalTrades:    stats.TotalTrades,
		WonTrades:      stats.WonTrades,
		LostTrades:     stats.LostTrades,
		CreatedAt:      s.createdAt,
		ArchivedAt:     archivedAt,
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		row.StartedAt = &started
	}
	return row
}
