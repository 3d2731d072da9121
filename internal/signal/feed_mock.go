package signal

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"gale-core/pkg/broker"
)

// MockFeed generates synthetic signals for local development.
type MockFeed struct {
	Processor *Processor
	Assets    []string
	Source    string
	Interval  time.Duration
}

func (m *MockFeed) Start(ctx context.Context) {
	if m.Processor == nil {
		log.Println("mock feed: processor not set")
		return
	}
	if len(m.Assets) == 0 {
		m.Assets = []string{"EURUSD_otc"}
	}
	if m.Interval == 0 {
		m.Interval = 15 * time.Second
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				dir := broker.Up
				if rand.Intn(2) == 1 {
					dir = broker.Down
				}
				m.Processor.Dispatch(Signal{
					ID:        uuid.NewString(),
					Asset:     m.Assets[rand.Intn(len(m.Assets))],
					Direction: dir,
					Expiry:    time.Minute,
					Source:    m.Source,
					At:        time.Now(),
				})
			}
		}
	}()
}
