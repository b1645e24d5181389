package stats

import (
	"fmt"
	"time"
)

// Failure kinds recorded in Outcome.Err when the transport did not produce a
// usable response.
const (
	ErrTimeout   = "timeout"
	ErrTransport = "transport error"
	ErrTemplate  = "template error"
)

// Outcome is the record of one completed iteration. It is never modified
// after it is handed to Sink.Record.
type Outcome struct {
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`

	// StatusCode is 0 when no response was received.
	StatusCode int    `json:"status_code,omitempty"`
	Err        string `json:"error,omitempty"`
	Detail     string `json:"detail,omitempty"`

	VU        int    `json:"vu"`
	Iteration uint64 `json:"iteration"`
	Bytes     int64  `json:"bytes"`

	// Checks is the number of check predicates evaluated for this iteration.
	Checks       int      `json:"checks"`
	FailedChecks []string `json:"failed_checks,omitempty"`

	// Truncated marks an iteration abandoned by a forced shutdown. It is kept
	// in the log but excluded from every aggregate used for the verdict.
	Truncated bool `json:"truncated,omitempty"`
}

// HasStatus reports whether a response status was observed.
func (o Outcome) HasStatus() bool {
	return o.StatusCode != 0
}

// FailureKey groups failures for summaries, e.g. "HTTP 500" or "timeout".
func (o Outcome) FailureKey() string {
	switch {
	case o.Success:
		return ""
	case o.Err != "":
		return o.Err
	case len(o.FailedChecks) > 0:
		return fmt.Sprintf("HTTP %d (%s)", o.StatusCode, o.FailedChecks[0])
	default:
		return fmt.Sprintf("HTTP %d", o.StatusCode)
	}
}
