package signal

import (
	"log"
	"sync"

	"gale-core/internal/events"
)

// DeliverFunc hands a signal to one session. It must not block; the return
// value reports whether the session accepted the signal.
type DeliverFunc func(Signal) bool

type subscription struct {
	sessionID string
	sources   map[string]bool // empty = all sources
	deliver   DeliverFunc
}

// Stats counts processor activity since start.
type Stats struct {
	Received   uint64
	Malformed  uint64
	Dispatched uint64
	Dropped    uint64
}

// Processor validates raw feed frames and fans signals out to every
// subscribed session. Eligibility beyond the source tag (lifecycle state,
// in-flight trades, duplicate ids) is the session's own concern.
type Processor struct {
	bus *events.Bus

	mu    sync.RWMutex
	subs  map[string]*subscription
	stats Stats
}

// NewProcessor creates a processor. bus may be nil.
func NewProcessor(bus *events.Bus) *Processor {
	return &Processor{
		bus:  bus,
		subs: make(map[string]*subscription),
	}
}

// Subscribe registers a session for signals from the given source tags.
// An empty sources list subscribes to everything.
func (p *Processor) Subscribe(sessionID string, sources []string, deliver DeliverFunc) {
	set := make(map[string]bool, len(sources))
	for _, s := range sources {
		set[s] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[sessionID] = &subscription{sessionID: sessionID, sources: set, deliver: deliver}
}

// Unsubscribe removes a session.
func (p *Processor) Unsubscribe(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, sessionID)
}

// HandleRaw parses one raw feed frame and dispatches it. Malformed frames
// are counted and dropped.
func (p *Processor) HandleRaw(raw []byte) {
	p.mu.Lock()
	p.stats.Received++
	p.mu.Unlock()

	sig, err := Parse(raw)
	if err != nil {
		p.mu.Lock()
		p.stats.Malformed++
		p.mu.Unlock()
		log.Printf("signal: dropping malformed frame: %v", err)
		return
	}
	p.Dispatch(sig)
}

// Dispatch fans a signal out to every subscription matching its source tag.
func (p *Processor) Dispatch(sig Signal) {
	p.mu.RLock()
	targets := make([]*subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		if len(sub.sources) == 0 || sub.sources[sig.Source] {
			targets = append(targets, sub)
		}
	}
	p.mu.RUnlock()

	if p.bus != nil {
		p.bus.Publish(events.EventSignalReceived, sig)
	}

	var dispatched, dropped uint64
	for _, sub := range targets {
		if sub.deliver(sig) {
			dispatched++
		} else {
			dropped++
			if p.bus != nil {
				p.bus.Publish(events.EventSignalDropped, sig)
			}
		}
	}

	p.mu.Lock()
	p.stats.Dispatched += dispatched
	p.stats.Dropped += dropped
	p.mu.Unlock()
}

// Stats returns a copy of the processor counters.
func (p *Processor) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}
