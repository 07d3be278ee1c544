package trace

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// TraceLevel controls which records reach a sink.
type TraceLevel string

const (
	// TraceLevelNone disables tracing.
	TraceLevelNone TraceLevel = "none"
	// TraceLevelOutcomes keeps trip starts, completions and aborts.
	TraceLevelOutcomes TraceLevel = "outcomes"
	// TraceLevelEvents keeps every record.
	TraceLevelEvents TraceLevel = "events"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:     true,
	TraceLevelOutcomes: true,
	TraceLevelEvents:   true,
	"":                 true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// Admits reports whether a record of kind k passes level l.
func (l TraceLevel) Admits(k Kind) bool {
	switch l {
	case TraceLevelEvents:
		return true
	case TraceLevelOutcomes:
		return k == KindTripStarted || k == KindTripCompleted || k == KindTripAborted || k == KindAgentStranded
	}
	return false
}

// Sink consumes records. Emit must not block the caller for long and has no
// way to fail the run: errors are the sink's own business.
type Sink interface {
	Emit(Record)
}

// EventLog keeps every record in memory, in emission order.
type EventLog struct {
	Records []Record
}

// NewEventLog creates an empty log.
func NewEventLog() *EventLog {
	return &EventLog{Records: make([]Record, 0)}
}

// Emit appends r.
func (l *EventLog) Emit(r Record) { l.Records = append(l.Records, r) }

// OfKind returns the records of kind k, in order.
func (l *EventLog) OfKind(k Kind) []Record {
	var out []Record
	for _, r := range l.Records {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}

// LogSink forwards records to logrus at debug level.
type LogSink struct{}

// Emit logs r.
func (LogSink) Emit(r Record) {
	logrus.WithField("kind", string(r.Kind)).Debug(r.String())
}

// JSONLSink writes one JSON object per line. The first write error is kept
// and later records are dropped.
type JSONLSink struct {
	enc *json.Encoder
	err error
}

// NewJSONLSink writes to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w)}
}

// Emit encodes r.
func (s *JSONLSink) Emit(r Record) {
	if s.err != nil {
		return
	}
	if err := s.enc.Encode(r); err != nil {
		s.err = fmt.Errorf("writing trace record: %w", err)
		logrus.Warnf("trace sink disabled: %v", s.err)
	}
}

// Err returns the write error that disabled the sink, if any.
func (s *JSONLSink) Err() error { return s.err }

// ChannelSink hands records to a consumer goroutine without ever waiting:
// when the channel is full the record is dropped and counted.
type ChannelSink struct {
	C       chan Record
	dropped int
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{C: make(chan Record, buffer)}
}

// Emit sends r if there is room.
func (s *ChannelSink) Emit(r Record) {
	select {
	case s.C <- r:
	default:
		s.dropped++
	}
}

// Dropped is the number of records that did not fit.
func (s *ChannelSink) Dropped() int { return s.dropped }

// LevelSink passes through only the records its level admits.
type LevelSink struct {
	Level TraceLevel
	Next  Sink
}

// Emit forwards r when admitted.
func (s LevelSink) Emit(r Record) {
	if s.Level.Admits(r.Kind) {
		s.Next.Emit(r)
	}
}

// MultiSink fans records out to several sinks in order.
type MultiSink []Sink

// Emit forwards r to every sink.
func (m MultiSink) Emit(r Record) {
	for _, s := range m {
		s.Emit(r)
	}
}
