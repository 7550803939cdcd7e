package history

import "time"

// Kind labels what happened.
type Kind string

const (
	KindPark     Kind = "park"
	KindUnpark   Kind = "unpark"
	KindThrottle Kind = "throttle"
	KindRestore  Kind = "restore"
	KindRule     Kind = "rule"
)

// Event is one recorded action against a core or process.
type Event struct {
	Time   time.Time
	Kind   Kind
	PID    int
	Name   string
	Detail string
}

// Sink receives events. Implementations must be safe for concurrent use
// and must never block the caller on storage errors.
type Sink interface {
	Record(event Event)
}

// NopSink discards everything; used when history is disabled.
type NopSink struct{}

func (NopSink) Record(Event) {}
