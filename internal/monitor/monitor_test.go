package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"gale-core/internal/events"
	"gale-core/pkg/db"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Send(message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestMonitorCountsEvents(t *testing.T) {
	bus := events.NewBus()
	mon := New(bus)
	mon.Interval = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)

	close1 := time.Now()
	bus.Publish(events.EventTradeOpened, db.Trade{ID: "t1"})
	bus.Publish(events.EventTradeSettled, db.Trade{ID: "t1", Result: "won", OpenTime: close1.Add(-time.Minute), CloseTime: &close1})
	bus.Publish(events.EventTradeOpened, db.Trade{ID: "t2"})
	bus.Publish(events.EventTradeSettled, db.Trade{ID: "t2", Result: "lost"})
	bus.Publish(events.EventSignalDropped, "sig")
	bus.Publish(events.EventSessionStarted, "s1")

	waitFor(t, func() bool {
		m := mon.Snapshot()
		return m.TradesOpened == 2 && m.TradesWon == 1 && m.TradesLost == 1 &&
			m.SignalsDropped == 1 && m.SessionsStarted == 1
	}, "counters to settle")

	m := mon.Snapshot()
	if m.SettleLatency.Count != 1 || m.SettleLatency.Max < 59 {
		t.Fatalf("settle latency not recorded: %+v", m.SettleLatency)
	}
}

func TestMonitorAlertsOnBreachAndUnhealthy(t *testing.T) {
	bus := events.NewBus()
	mon := New(bus)
	mon.Interval = 0
	sink := &captureSink{}
	mon.Sink = sink

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)

	bus.Publish(events.EventSessionBreached, "s1")
	bus.Publish(events.EventAccountUnhealthy, "acct-1")

	waitFor(t, func() bool { return sink.count() == 2 }, "both alerts")

	m := mon.Snapshot()
	if m.SessionsBreached != 1 || m.AccountAlerts != 1 {
		t.Fatalf("alert counters wrong: %+v", m)
	}
}

func TestLatencyWindowStats(t *testing.T) {
	w := newLatencyWindow(5)
	for _, v := range []float64{1, 2, 3, 4, 100} {
		w.record(v)
	}

	s := w.stats()
	if s.Count != 5 || s.Min != 1 || s.Max != 100 || s.Mean != 22 {
		t.Fatalf("stats=%+v", s)
	}

	// Window slides: the oldest sample falls out.
	w.record(5)
	s = w.stats()
	if s.Count != 5 || s.Min != 2 {
		t.Fatalf("window did not slide: %+v", s)
	}
}
