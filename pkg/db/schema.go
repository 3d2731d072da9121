package db

import (
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    base_amount REAL NOT NULL,
    gale_limit INTEGER NOT NULL,
    gale_multiplier REAL NOT NULL,
    stop_profit REAL NOT NULL DEFAULT 0,
    stop_loss REAL NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    net_profit REAL NOT NULL DEFAULT 0,
    total_trades INTEGER NOT NULL DEFAULT 0,
    won_trades INTEGER NOT NULL DEFAULT 0,
    lost_trades INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    started_at DATETIME,
    archived_at DATETIME
);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    asset TEXT NOT NULL,
    direction TEXT NOT NULL,
    amount REAL NOT NULL,
    gale_step INTEGER NOT NULL DEFAULT 0,
    result TEXT NOT NULL DEFAULT 'pending',
    profit_loss REAL NOT NULL DEFAULT 0,
    signal_id TEXT NOT NULL,
    open_time DATETIME NOT NULL,
    close_time DATETIME,
    FOREIGN KEY(session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_trades_session ON trades(session_id, open_time);
CREATE INDEX IF NOT EXISTS idx_trades_result ON trades(result);
`

// ApplyMigrations creates the schema if it does not exist yet.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
