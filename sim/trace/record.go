// Package trace provides the analytics event stream emitted by the kernel.
// It has no dependency on package sim and holds plain data only.
package trace

import "fmt"

// Kind identifies what a Record describes.
type Kind string

const (
	KindTripStarted     Kind = "trip_started"
	KindAgentSpawned    Kind = "agent_spawned"
	KindAgentDelayed    Kind = "agent_delayed"
	KindTurnGranted     Kind = "turn_granted"
	KindTurnDenied      Kind = "turn_denied"
	KindStageChanged    Kind = "stage_changed"
	KindCarParked       Kind = "car_parked"
	KindParkingRerouted Kind = "parking_rerouted"
	KindLegFinished     Kind = "leg_finished"
	KindTripCompleted   Kind = "trip_completed"
	KindTripAborted     Kind = "trip_aborted"
	KindHookFired       Kind = "hook_fired"
	// KindAgentStranded flags an agent on an unfinished trip that nothing
	// will ever wake again.
	KindAgentStranded Kind = "agent_stranded"
)

// Record is one discrete analytics event. Fields not relevant to Kind are
// left at their zero value (ids default to -1 where zero is a valid id).
type Record struct {
	Time         int64  `json:"time_ms"`
	Kind         Kind   `json:"kind"`
	Agent        string `json:"agent,omitempty"` // e.g. "car#3", "ped#7"
	Trip         int    `json:"trip"`
	Intersection int    `json:"intersection"`
	Turn         int    `json:"turn"`
	Lane         int    `json:"lane"`
	Spot         int    `json:"spot"`
	Cause        string `json:"cause,omitempty"`  // delay cause, e.g. "agent car#2"
	Reason       string `json:"reason,omitempty"` // abort reason
	Detail       string `json:"detail,omitempty"`
}

// New returns a Record of the given kind with every id field unset (-1).
func New(at int64, kind Kind) Record {
	return Record{Time: at, Kind: kind, Trip: -1, Intersection: -1, Turn: -1, Lane: -1, Spot: -1}
}

func (r Record) String() string {
	s := fmt.Sprintf("[%d] %s", r.Time, r.Kind)
	if r.Agent != "" {
		s += " " + r.Agent
	}
	if r.Trip >= 0 {
		s += fmt.Sprintf(" trip=%d", r.Trip)
	}
	if r.Intersection >= 0 {
		s += fmt.Sprintf(" i=%d", r.Intersection)
	}
	if r.Turn >= 0 {
		s += fmt.Sprintf(" turn=%d", r.Turn)
	}
	if r.Cause != "" {
		s += " cause=" + r.Cause
	}
	if r.Reason != "" {
		s += " reason=" + r.Reason
	}
	return s
}
