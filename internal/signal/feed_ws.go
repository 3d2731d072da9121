package signal

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WSFeed consumes JSON signal frames from a websocket endpoint and hands
// them to the processor. The feed is a lazy, infinite sequence; on read or
// dial errors it reconnects with backoff and keeps going until ctx ends.
type WSFeed struct {
	URL       string
	Processor *Processor

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	dialer        *websocket.Dialer
}

// NewWSFeed builds a feed client for the given endpoint.
func NewWSFeed(url string, proc *Processor) *WSFeed {
	return &WSFeed{
		URL:           url,
		Processor:     proc,
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
		dialer:        websocket.DefaultDialer,
	}
}

// Start runs the feed loop in a goroutine.
func (f *WSFeed) Start(ctx context.Context) {
	go f.run(ctx)
}

func (f *WSFeed) run(ctx context.Context) {
	delay := f.ReconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := f.dialer.DialContext(ctx, f.URL, nil)
		if err != nil {
			log.Printf("signal feed: dial %s: %v (retrying in %s)", f.URL, err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > f.ReconnectMax {
				delay = f.ReconnectMax
			}
			continue
		}

		log.Printf("signal feed: connected to %s", f.URL)
		delay = f.ReconnectBase
		f.readLoop(ctx, conn)
	}
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			log.Printf("signal feed: read error: %v", err)
			return
		}
		f.Processor.HandleRaw(msg)
	}
}
