package loop

import (
	"time"

	"github.com/arjhun-personal/ralph-orchestrator/internal/config"
)

// Limits are the config-derived inputs to the termination check.
type Limits struct {
	MaxIterations           int
	MaxRuntime              time.Duration
	MaxCost                 float64
	ConsecutiveFailureLimit int
	StaleTopicThreshold     int
	ThrashingThreshold      int
	RequiredEvents          []string
	Persistent              bool
}

// LimitsFrom extracts Limits from a config snapshot.
func LimitsFrom(cfg *config.Config) Limits {
	return Limits{
		MaxIterations:           cfg.MaxIterations,
		MaxRuntime:              cfg.MaxRuntime.Std(),
		MaxCost:                 cfg.MaxCost,
		ConsecutiveFailureLimit: cfg.ConsecutiveFailureLimit,
		StaleTopicThreshold:     config.DefaultStaleTopicThreshold,
		ThrashingThreshold:      cfg.ThrashingThreshold,
		RequiredEvents:          cfg.RequiredEvents,
		Persistent:              cfg.Persistent,
	}
}

// Decision is the outcome of one termination check.
type Decision struct {
	Reason TerminationReason

	// MissingRequired is set when a completion promise was rejected because
	// required events are still unseen. The engine clears the request and
	// injects a task.resume event carrying this list.
	MissingRequired []string
}

// Terminate reports whether the decision ends the loop.
func (d Decision) Terminate() bool {
	return d.Reason != ReasonNone
}

// CheckTermination evaluates the multi-axis termination rules in priority
// order; the first matching rule wins and later rules never mask earlier
// ones. It is a pure predicate: the completion-rejection side effects are
// the engine's job, driven by MissingRequired.
func CheckTermination(st *State, lim Limits) Decision {
	if st.CancellationRequested {
		return Decision{Reason: ReasonCancelled}
	}
	if st.InterruptRequested {
		return Decision{Reason: ReasonInterrupted}
	}
	if st.RestartRequested {
		return Decision{Reason: ReasonRestartRequested}
	}

	if st.CompletionRequested {
		missing := st.MissingRequired(lim.RequiredEvents)
		switch {
		case len(missing) > 0:
			return Decision{MissingRequired: missing}
		case lim.Persistent:
			// Persistent loops log completion but keep running.
		default:
			return Decision{Reason: ReasonCompletionPromise}
		}
	}

	if st.StaleCycle(lim.StaleTopicThreshold) {
		return Decision{Reason: ReasonLoopStale}
	}
	if lim.ThrashingThreshold > 0 && st.MaxBlockedRepeat >= lim.ThrashingThreshold {
		return Decision{Reason: ReasonLoopThrashing}
	}
	if lim.ConsecutiveFailureLimit > 0 && st.ConsecutiveFailures >= lim.ConsecutiveFailureLimit {
		return Decision{Reason: ReasonConsecutiveFailures}
	}

	if lim.MaxIterations > 0 && st.Iteration >= lim.MaxIterations {
		return Decision{Reason: ReasonMaxIterations}
	}
	if lim.MaxRuntime > 0 && st.Elapsed() >= lim.MaxRuntime {
		return Decision{Reason: ReasonMaxRuntime}
	}
	if lim.MaxCost > 0 && st.CumulativeCost >= lim.MaxCost {
		return Decision{Reason: ReasonMaxCost}
	}

	return Decision{}
}
