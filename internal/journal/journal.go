// Package journal records session lifecycle events.
package journal

import (
	"context"
	"time"
)

type EventType string

const (
	EventCreated       EventType = "created"
	EventPurged        EventType = "purged"
	EventReclaimed     EventType = "reclaimed"
	EventEnded         EventType = "ended"
	EventShutdown      EventType = "shutdown"
	EventDestroyFailed EventType = "destroy_failed"
)

type Event struct {
	Type       EventType
	Identity   string
	RuntimeRef string
	Detail     string
	OccurredAt time.Time
}

// Recorder persists events. Implementations must be safe for concurrent use;
// callers log and otherwise ignore the returned error.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

type nop struct{}

func (nop) Record(context.Context, Event) error { return nil }

// Nop discards every event.
var Nop Recorder = nop{}
