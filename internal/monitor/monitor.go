// Package monitor aggregates engine events into counters and operator
// alerts, decoupled from the trading path through the event bus.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gale-core/internal/events"
	"gale-core/pkg/db"
)

// AlertSink is a pluggable alert delivery target.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("alert: %s", message)
	return nil
}

// Metrics is a point-in-time copy of the monitor counters.
type Metrics struct {
	TradesOpened     uint64
	TradesWon        uint64
	TradesLost       uint64
	TradesVoided     uint64
	SignalsDropped   uint64
	SessionsStarted  uint64
	SessionsStopped  uint64
	SessionsBreached uint64
	AccountAlerts    uint64
	SettleLatency    LatencyStats
	Since            time.Time
}

// Monitor consumes engine events and maintains run counters. Breaches and
// unhealthy accounts additionally fan out to the alert sink.
type Monitor struct {
	Bus      *events.Bus
	Sink     AlertSink
	Interval time.Duration // summary log period, 0 disables

	mu      sync.Mutex
	m       Metrics
	latency *latencyWindow
}

func New(bus *events.Bus) *Monitor {
	return &Monitor{
		Bus:      bus,
		Sink:     LogSink{},
		Interval: 5 * time.Minute,
	}
}

// Start subscribes to the engine topics and runs until ctx is cancelled.
func (mon *Monitor) Start(ctx context.Context) {
	if mon.Bus == nil {
		log.Println("monitor: no bus configured, skipping")
		return
	}
	mon.mu.Lock()
	mon.m.Since = time.Now()
	mon.latency = newLatencyWindow(1000)
	mon.mu.Unlock()

	topics := []events.Event{
		events.EventTradeOpened,
		events.EventTradeSettled,
		events.EventSignalDropped,
		events.EventSessionStarted,
		events.EventSessionStopped,
		events.EventSessionBreached,
		events.EventAccountUnhealthy,
	}
	for _, topic := range topics {
		stream, unsub := mon.Bus.Subscribe(topic, 64)
		go func(topic events.Event, stream <-chan any, unsub func()) {
			<-ctx.Done()
			unsub()
		}(topic, stream, unsub)
		go func(topic events.Event, stream <-chan any) {
			for payload := range stream {
				mon.observe(topic, payload)
			}
		}(topic, stream)
	}

	if mon.Interval > 0 {
		go mon.summaryLoop(ctx)
	}
}

func (mon *Monitor) observe(topic events.Event, payload any) {
	mon.mu.Lock()
	switch topic {
	case events.EventTradeOpened:
		mon.m.TradesOpened++
	case events.EventTradeSettled:
		if t, ok := payload.(db.Trade); ok {
			switch t.Result {
			case "won":
				mon.m.TradesWon++
			case "lost":
				mon.m.TradesLost++
			case "void":
				mon.m.TradesVoided++
			}
			if t.CloseTime != nil {
				mon.latency.record(t.CloseTime.Sub(t.OpenTime).Seconds())
			}
		}
	case events.EventSignalDropped:
		mon.m.SignalsDropped++
	case events.EventSessionStarted:
		mon.m.SessionsStarted++
	case events.EventSessionStopped:
		mon.m.SessionsStopped++
	case events.EventSessionBreached:
		mon.m.SessionsBreached++
	case events.EventAccountUnhealthy:
		mon.m.AccountAlerts++
	}
	mon.mu.Unlock()

	switch topic {
	case events.EventSessionBreached:
		mon.alert(fmt.Sprintf("session %v hit its stop threshold", payload))
	case events.EventAccountUnhealthy:
		mon.alert(fmt.Sprintf("account %v marked unhealthy", payload))
	}
}

func (mon *Monitor) alert(message string) {
	if mon.Sink == nil {
		return
	}
	if err := mon.Sink.Send("[" + time.Now().Format(time.RFC3339) + "] " + message); err != nil {
		log.Printf("monitor: alert delivery failed: %v", err)
	}
}

// Snapshot returns a copy of the counters.
func (mon *Monitor) Snapshot() Metrics {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	out := mon.m
	if mon.latency != nil {
		out.SettleLatency = mon.latency.stats()
	}
	return out
}

func (mon *Monitor) summaryLoop(ctx context.Context) {
	t := time.NewTicker(mon.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m := mon.Snapshot()
			log.Printf("monitor: opened=%d won=%d lost=%d void=%d dropped=%d breached=%d settle_p95=%.1fs",
				m.TradesOpened, m.TradesWon, m.TradesLost, m.TradesVoided,
				m.SignalsDropped, m.SessionsBreached, m.SettleLatency.P95)
		}
	}
}
