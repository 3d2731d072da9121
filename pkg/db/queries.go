package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Session queries
// ----------------------------------------

// SaveSession inserts or replaces a session row.
func (d *Database) SaveSession(ctx context.Context, s Session) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO sessions (
			id, account_id, base_amount, gale_limit, gale_multiplier,
			stop_profit, stop_loss, state, net_profit,
			total_trades, won_trades, lost_trades,
			created_at, started_at, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			net_profit = excluded.net_profit,
			total_trades = excluded.total_trades,
			won_trades = excluded.won_trades,
			lost_trades = excluded.lost_trades,
			started_at = excluded.started_at,
			archived_at = excluded.archived_at
	`,
		s.ID, s.AccountID, s.BaseAmount, s.GaleLimit, s.GaleMultiplier,
		s.StopProfit, s.StopLoss, s.State, s.NetProfit,
		s.TotalTrades, s.WonTrades, s.LostTrades,
		s.CreatedAt, s.StartedAt, s.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession returns one session row by id.
func (d *Database) GetSession(ctx context.Context, id string) (*Session, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, account_id, base_amount, gale_limit, gale_multiplier,
		       stop_profit, stop_loss, state, net_profit,
		       total_trades, won_trades, lost_trades,
		       created_at, started_at, archived_at
		FROM sessions WHERE id = ?
	`, id)

	var s Session
	err := row.Scan(
		&s.ID, &s.AccountID, &s.BaseAmount, &s.GaleLimit, &s.GaleMultiplier,
		&s.StopProfit, &s.StopLoss, &s.State, &s.NetProfit,
		&s.TotalTrades, &s.WonTrades, &s.LostTrades,
		&s.CreatedAt, &s.StartedAt, &s.ArchivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// ListSessions returns all session rows, newest first.
func (d *Database) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, base_amount, gale_limit, gale_multiplier,
		       stop_profit, stop_loss, state, net_profit,
		       total_trades, won_trades, lost_trades,
		       created_at, started_at, archived_at
		FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(
			&s.ID, &s.AccountID, &s.BaseAmount, &s.GaleLimit, &s.GaleMultiplier,
			&s.StopProfit, &s.StopLoss, &s.State, &s.NetProfit,
			&s.TotalTrades, &s.WonTrades, &s.LostTrades,
			&s.CreatedAt, &s.StartedAt, &s.ArchivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Trade queries
// ----------------------------------------

// CreateTrade stores a newly opened trade in 'pending' state.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, session_id, asset, direction, amount, gale_step,
			result, profit_loss, signal_id, open_time
		) VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)
	`, t.ID, t.SessionID, t.Asset, t.Direction, t.Amount, t.GaleStep, t.SignalID, t.OpenTime)
	if err != nil {
		return fmt.Errorf("create trade: %w", err)
	}
	return nil
}

// SettleTrade writes the result fields of a pending trade exactly once.
func (d *Database) SettleTrade(ctx context.Context, id, result string, profitLoss float64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades
		SET result = ?, profit_loss = ?, close_time = CURRENT_TIMESTAMP
		WHERE id = ? AND result = 'pending'
	`, result, profitLoss, id)
	if err != nil {
		return fmt.Errorf("settle trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle trade: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("settle trade %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListTradesBySession returns up to limit trades for a session, newest first.
func (d *Database) ListTradesBySession(ctx context.Context, sessionID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, session_id, asset, direction, amount, gale_step,
		       result, profit_loss, signal_id, open_time, close_time
		FROM trades
		WHERE session_id = ?
		ORDER BY open_time DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(
			&t.ID, &t.SessionID, &t.Asset, &t.Direction, &t.Amount, &t.GaleStep,
			&t.Result, &t.ProfitLoss, &t.SignalID, &t.OpenTime, &t.CloseTime,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountPendingTrades returns the number of unsettled trades for a session.
func (d *Database) CountPendingTrades(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades WHERE session_id = ? AND result = 'pending'
	`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending trades: %w", err)
	}
	return n, nil
}

// SessionProfit sums settled profit/loss for a session straight from the
// trade rows. Used to cross-check the in-memory accounting.
func (d *Database) SessionProfit(ctx context.Context, sessionID string) (float64, error) {
	var sum float64
	err := d.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(profit_loss), 0) FROM trades
		WHERE session_id = ? AND result != 'pending'
	`, sessionID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("session profit: %w", err)
	}
	return sum, nil
}
