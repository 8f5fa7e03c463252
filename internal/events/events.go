// Package events records service lifecycle history (starts, stops, exits)
// in a local database. Writes are best-effort from the supervisor's point
// of view; history must never fail an operation.
package events

import (
	"context"
	"time"
)

// Event types recorded by the supervisor.
const (
	EventStart = "start"
	EventStop  = "stop"
	EventExit  = "exit"
	EventReset = "reset"
)

// Record is one lifecycle event for one service.
type Record struct {
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	Event      string    `json:"event"`
	OccurredAt time.Time `json:"occurred_at"`
	// Detail carries an exit error or reset note; empty otherwise.
	Detail string `json:"detail,omitempty"`
}

// Store persists lifecycle records.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// Recent returns up to limit records, newest first, optionally filtered
	// by service (empty = all).
	Recent(ctx context.Context, service string, limit int) ([]Record, error)
	Close() error
}
