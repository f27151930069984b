package audit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
	SeverityHigh Severity = "high"
)

// Event is a structured security-audit record. Delivery is fire-and-forget:
// a sink must never fail the request that produced the event.
type Event struct {
	Type        string
	Identity    string
	Description string
	Severity    Severity
	Timestamp   time.Time
}

type Sink interface {
	Record(event Event)
}

type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	fields := []zap.Field{
		zap.String("event_type", event.Type),
		zap.String("identity", event.Identity),
		zap.String("description", event.Description),
		zap.String("severity", string(event.Severity)),
		zap.Time("event_time", event.Timestamp),
	}

	switch event.Severity {
	case SeverityWarn, SeverityHigh:
		s.logger.Warn("security_event", fields...)
	default:
		s.logger.Info("security_event", fields...)
	}
}

// Recorder collects events in memory. Used by tests and as a buffer sink
// when no logger is wired.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) ByType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}
