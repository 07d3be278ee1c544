package sim

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderingViolation is returned when work is scheduled in the past.
	ErrOrderingViolation = errors.New("ordering violation: command scheduled before current time")
	// ErrHalted is wrapped by every call made after a fatal error stopped the run.
	ErrHalted = errors.New("simulation halted")
)

// ConsistencyError reports malformed input: a bad scenario or map
// reference, a path that does not match the map, or a bookkeeping call that
// contradicts component state (such as releasing a free parking spot).
type ConsistencyError struct {
	What   string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency error: %s: %s", e.What, e.Detail)
}

func consistencyErrorf(what, format string, args ...any) error {
	return &ConsistencyError{What: what, Detail: fmt.Sprintf(format, args...)}
}

// InvariantViolation is a logic bug caught at runtime. The run halts and
// reports the violating state instead of continuing.
type InvariantViolation struct {
	At     Time
	Rule   string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation at %v: %s: %s", e.At, e.Rule, e.Detail)
}

func invariantf(at Time, rule, format string, args ...any) error {
	return &InvariantViolation{At: at, Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// Invariant rule names.
const (
	RuleFollowingDistance = "following-distance"
	RuleConflictingGrants = "conflicting-grants"
	RuleDoubleGrant       = "double-grant"
	RuleParkingOccupancy  = "parking-occupancy"
	RuleMonotoneTime      = "monotone-time"
	RuleStrandedAgent     = "stranded-agent"
)

// IsFatal reports whether err must stop the run.
func IsFatal(err error) bool {
	var ce *ConsistencyError
	var iv *InvariantViolation
	return errors.As(err, &ce) || errors.As(err, &iv) || errors.Is(err, ErrOrderingViolation) || errors.Is(err, ErrHalted)
}
