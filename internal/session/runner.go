package session

import (
	"context"
	"errors"
	"log"

	"gale-core/internal/events"
	"gale-core/internal/executor"
	"gale-core/internal/pool"
	"gale-core/internal/reconcile"
	"gale-core/internal/risk"
	"gale-core/internal/signal"
	"gale-core/pkg/broker"
)

// seenLimit bounds the per-session duplicate-signal memory.
const seenLimit = 256

// deliver enqueues a signal for the session. Called from the signal
// processor's goroutine; never blocks. Returns false when the signal was
// discarded (inactive session, or queue overflow under drop-newest).
func (s *session) deliver(sig signal.Signal, policy string) bool {
	if s.currentState() != Active {
		return false
	}

	select {
	case s.inbox <- cmdSignal{sig: sig}:
		return true
	default:
	}

	if policy == "drop-newest" {
		return false
	}

	// drop-oldest: evict the head and try once more.
	select {
	case old := <-s.inbox:
		log.Printf("session %s: inbox full, dropping queued signal %s", s.id, old.sig.ID)
	default:
	}
	select {
	case s.inbox <- cmdSignal{sig: sig}:
		return true
	default:
		return false
	}
}

// run is the session's concurrency unit: the sole writer of its trading
// state. It processes the inbox strictly in arrival order; a gale retry is
// a continuation inside one signal's processing, not a new inbox item.
func (m *Manager) run(s *session) {
	defer close(s.done)

	galeStep := 0
	seen := make(map[string]bool, seenLimit)
	var seenOrder []string

	for {
		// Stop commands take priority over queued signals.
		select {
		case c := <-s.ctl:
			m.finishStop(s, c.mode)
			return
		default:
		}

		select {
		case <-m.ctx.Done():
			m.finishStop(s, StopGraceful)
			return
		case c := <-s.ctl:
			m.finishStop(s, c.mode)
			return
		case c := <-s.inbox:
			sig := c.sig

			// At-most-once per (signal, session): the feed may deliver
			// duplicates.
			if !sig.Manual {
				if seen[sig.ID] {
					log.Printf("session %s: duplicate signal %s ignored", s.id, sig.ID)
					continue
				}
				seen[sig.ID] = true
				seenOrder = append(seenOrder, sig.ID)
				if len(seenOrder) > seenLimit {
					delete(seen, seenOrder[0])
					seenOrder = seenOrder[1:]
				}
			}

			task := &executor.Task{
				SessionID:    s.id,
				AccountID:    s.cfg.AccountID,
				Limits:       s.limits(m.maxTradeAmount),
				Stats:        s.stats,
				GaleStep:     &galeStep,
				ForceStopped: s.forceStop.Load,
				OnStep:       s.publishGaleStep,
			}

			verdict, err := m.exec.Run(m.ctx, task, sig)
			s.publishGaleStep(galeStep)

			switch {
			case err == nil:
				s.setDegraded(false)
			case connectionDegraded(err):
				s.setDegraded(true)
				log.Printf("session %s: degraded: %v", s.id, err)
			case errors.Is(err, risk.ErrLimitExceeded):
				log.Printf("session %s: signal %s rejected: %v", s.id, sig.ID, err)
			default:
				log.Printf("session %s: trade cycle failed: %v", s.id, err)
			}

			if verdict != risk.Continue {
				m.finishBreach(s, verdict)
				return
			}
		}
	}
}

// finishStop transitions the session out of Active once its in-flight work
// has settled. Queued signals are discarded under both modes.
func (m *Manager) finishStop(s *session, mode StopMode) {
	m.proc.Unsubscribe(s.id)
	drained := 0
	for {
		select {
		case <-s.inbox:
			drained++
			continue
		default:
		}
		break
	}
	if drained > 0 {
		log.Printf("session %s: discarded %d queued signals on stop", s.id, drained)
	}

	s.setState(Stopped)
	s.publishGaleStep(0)
	m.persist(s)
	if m.bus != nil {
		m.bus.Publish(events.EventSessionStopped, s.id)
	}
	log.Printf("session %s: stopped (%s)", s.id, mode)
}

// finishBreach handles the automatic terminal transition after a stop
// threshold is hit. Breach is not an error; it is reported via status.
func (m *Manager) finishBreach(s *session, verdict risk.Verdict) {
	m.proc.Unsubscribe(s.id)
	s.setState(Breached)
	m.persist(s)
	if m.bus != nil {
		m.bus.Publish(events.EventSessionBreached, s.id)
	}
	reason := "stop profit"
	if verdict == risk.BreachLoss {
		reason = "stop loss"
	}
	log.Printf("session %s: breached (%s), net profit %.2f", s.id, reason, s.stats.NetProfit())
}

// connectionDegraded classifies errors that flag the session degraded while
// keeping it Active; it will try again on the next signal.
func connectionDegraded(err error) bool {
	return errors.Is(err, pool.ErrExhausted) ||
		errors.Is(err, pool.ErrUnavailable) ||
		errors.Is(err, broker.ErrConnection) ||
		errors.Is(err, reconcile.ErrUnresolved) ||
		errors.Is(err, context.DeadlineExceeded)
}
