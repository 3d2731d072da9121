// Package signal ingests directional trade instructions from an external
// feed and routes them to subscribed sessions.
package signal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gale-core/pkg/broker"
)

// Signal is one immutable trade instruction from the feed. Manual marks
// operator-initiated trade requests, which skip duplicate detection.
type Signal struct {
	ID        string
	Asset     string
	Direction broker.Direction
	Expiry    time.Duration
	Source    string
	At        time.Time
	Manual    bool
}

// ParseError describes a malformed feed message. Malformed input is dropped
// and counted, never fatal.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("signal parse error: %s", e.Reason)
}

// wireSignal is the JSON frame produced by the feed. Direction accepts the
// binary-options vocabulary (CALL/PUT) as well as UP/DOWN; expiry accepts a
// duration in seconds or the M1/M5 shorthand.
type wireSignal struct {
	ID        string `json:"id"`
	Asset     string `json:"asset"`
	Direction string `json:"direction"`
	Expiry    string `json:"expiry"`
	Source    string `json:"source"`
}

// Parse validates a raw feed frame and produces a Signal. Signals without an
// explicit id get a generated one, which disables duplicate detection for
// that frame but keeps it tradable.
func Parse(raw []byte) (Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(raw, &w); err != nil {
		return Signal{}, &ParseError{Reason: fmt.Sprintf("invalid json: %v", err)}
	}

	if w.Asset == "" {
		return Signal{}, &ParseError{Reason: "missing asset"}
	}

	var dir broker.Direction
	switch strings.ToUpper(w.Direction) {
	case "CALL", "UP":
		dir = broker.Up
	case "PUT", "DOWN":
		dir = broker.Down
	default:
		return Signal{}, &ParseError{Reason: fmt.Sprintf("unknown direction %q", w.Direction)}
	}

	expiry, err := parseExpiry(w.Expiry)
	if err != nil {
		return Signal{}, err
	}

	id := w.ID
	if id == "" {
		id = uuid.NewString()
	}

	return Signal{
		ID:        id,
		Asset:     w.Asset,
		Direction: dir,
		Expiry:    expiry,
		Source:    w.Source,
		At:        time.Now(),
	}, nil
}

func parseExpiry(s string) (time.Duration, error) {
	switch strings.ToUpper(s) {
	case "M1":
		return time.Minute, nil
	case "M5":
		return 5 * time.Minute, nil
	case "":
		return 0, &ParseError{Reason: "missing expiry"}
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, &ParseError{Reason: fmt.Sprintf("unsupported expiry %q", s)}
	}
	return d, nil
}
