// Package loop drives the orchestration engine: one agent invocation per
// iteration, events routed between hats, termination checked on every
// pass.
package loop

import (
	"encoding/json"
	"fmt"
	"time"
)

// TerminationReason indicates why the loop terminated.
type TerminationReason int

const (
	ReasonNone                TerminationReason = iota // Loop still running.
	ReasonCancelled                                    // Cancellation promise detected; bypasses chain validation.
	ReasonInterrupted                                  // External interrupt signal.
	ReasonRestartRequested                             // External collaborator requested a restart.
	ReasonCompletionPromise                            // Completion promise honored with all required events seen.
	ReasonLoopStale                                    // Same topic three-plus times running, or a two-topic ping-pong (A B A B A).
	ReasonLoopThrashing                                // Same blocked topic redispatched past the threshold.
	ReasonConsecutiveFailures                          // Executor failed too many times in a row.
	ReasonMaxIterations                                // Hit the iteration cap.
	ReasonMaxRuntime                                   // Wall-clock budget exhausted.
	ReasonMaxCost                                      // Cost budget exhausted.
)

// String returns a stable label for the reason.
func (r TerminationReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonCancelled:
		return "cancelled"
	case ReasonInterrupted:
		return "interrupted"
	case ReasonRestartRequested:
		return "restart-requested"
	case ReasonCompletionPromise:
		return "completion-promise"
	case ReasonLoopStale:
		return "loop-stale"
	case ReasonLoopThrashing:
		return "loop-thrashing"
	case ReasonConsecutiveFailures:
		return "consecutive-failures"
	case ReasonMaxIterations:
		return "max-iterations"
	case ReasonMaxRuntime:
		return "max-runtime"
	case ReasonMaxCost:
		return "max-cost"
	default:
		return "unknown"
	}
}

// ExitCode returns the process exit code mandated for each reason.
func (r TerminationReason) ExitCode() int {
	switch r {
	case ReasonCompletionPromise, ReasonCancelled:
		return 0
	case ReasonInterrupted:
		return 130
	case ReasonRestartRequested:
		return 3
	case ReasonLoopStale, ReasonLoopThrashing, ReasonConsecutiveFailures:
		return 1
	case ReasonMaxIterations, ReasonMaxRuntime, ReasonMaxCost:
		return 2
	default:
		return 1
	}
}

// IsSuccess reports whether the loop completed its task. Only an honored
// completion promise counts; cancellation exits 0 but is not success.
func (r TerminationReason) IsSuccess() bool {
	return r == ReasonCompletionPromise
}

// MarshalJSON implements json.Marshaler.
func (r TerminationReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *TerminationReason) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for candidate := ReasonNone; candidate <= ReasonMaxCost; candidate++ {
		if candidate.String() == s {
			*r = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown TerminationReason: %s", s)
}

// Report is returned to the driver above the core when the loop ends.
type Report struct {
	Reason     TerminationReason `json:"reason"`
	Iterations int               `json:"iterations"`
	Duration   time.Duration     `json:"duration"`
	CostUSD    float64           `json:"cost_usd"`
	SeenTopics []string          `json:"seen_topics"`
}
