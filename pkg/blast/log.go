package blast

import "fmt"

// Severity classifies messages sent to a LogSink.
type Severity int

// Severity levels, most severe first.
const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
	SeverityDebug
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	case SeverityDebug:
		return "debug"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// LogSink receives diagnostics from asset construction and actor splitting.
// origin names the operation that produced the message. A nil sink is silent.
type LogSink func(sev Severity, msg, origin string)

func (l LogSink) logf(sev Severity, origin, format string, args ...any) {
	if l == nil {
		return
	}
	l(sev, fmt.Sprintf(format, args...), origin)
}
