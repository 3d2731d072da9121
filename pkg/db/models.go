package db

import "time"

// ManualSignalID marks trades placed by an operator rather than the feed.
const ManualSignalID = "manual"

// Session is the persisted form of one trading session: configuration at
// creation time plus the final statistics written on terminal transitions.
type Session struct {
	ID             string
	AccountID      string
	BaseAmount     float64
	GaleLimit      int
	GaleMultiplier float64
	StopProfit     float64 // 0 = unbounded
	StopLoss       float64 // 0 = unbounded
	State          string
	NetProfit      float64
	TotalTrades    int
	WonTrades      int
	LostTrades     int
	CreatedAt      time.Time
	StartedAt      *time.Time
	ArchivedAt     *time.Time
}

// Trade is one executed order. Result fields are written exactly once when
// the position settles; rows stay 'pending' in between.
type Trade struct {
	ID         string
	SessionID  string
	Asset      string
	Direction  string
	Amount     float64
	GaleStep   int
	Result     string // pending, won, lost, void
	ProfitLoss float64
	SignalID   string
	OpenTime   time.Time
	CloseTime  *time.Time
}
