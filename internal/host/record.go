// Package host owns the execution contexts that keep warm copies of a hosted
// tool, and the pool that bounds and recycles them.
package host

// Severity classifies one log record produced by a hosted tool. Clients
// render records color-coded by severity as they arrive.
type Severity uint8

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// LogRecord is one line of hosted-tool output.
type LogRecord struct {
	Severity Severity
	Text     string
}

// Sink receives log records in production order, while the run is in flight.
type Sink interface {
	Emit(LogRecord)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(LogRecord)

func (f SinkFunc) Emit(rec LogRecord) {
	f(rec)
}

// DiscardSink drops every record.
var DiscardSink Sink = SinkFunc(func(LogRecord) {})
