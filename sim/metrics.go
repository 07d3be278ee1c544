// Aggregates run-wide statistics for the headless report: trip outcomes,
// intersection activity, parking and scheduler bookkeeping.

package sim

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// TripStats summarizes how trips ended.
type TripStats struct {
	Total           int            `json:"total"`
	Completed       int            `json:"completed"`
	Aborted         int            `json:"aborted"`
	Unfinished      int            `json:"unfinished"`
	AbortedByReason map[string]int `json:"aborted_by_reason"`
	MeanDurationMs  float64        `json:"mean_duration_ms"` // over completed trips
}

// Report is what a headless run prints.
type Report struct {
	RunID           string    `json:"run_id"`
	Map             string    `json:"map"`
	Scenario        string    `json:"scenario"`
	Seed            int64     `json:"seed"`
	SimulatedMs     int64     `json:"simulated_ms"`
	Commands        int       `json:"commands_dispatched"`
	StaleCommands   int       `json:"stale_commands_discarded"`
	Trips           TripStats `json:"trips"`
	TurnGrants      int       `json:"turn_grants"`
	TurnDenials     int       `json:"turn_denials"`
	CarsParked      int       `json:"cars_parked"`
	ParkingReroutes int       `json:"parking_reroutes"`
	SinkFailures    int       `json:"sink_failures"`
	Stranded        []string  `json:"stranded,omitempty"`
	Halted          string    `json:"halted,omitempty"`
}

// Report gathers the current statistics. It can be called at any point,
// including after a fatal error.
func (s *Simulator) Report() *Report {
	tm := s.trips
	r := &Report{
		RunID:         s.runID.String(),
		Map:           s.m.Name,
		Scenario:      s.scenario,
		Seed:          s.seed,
		SimulatedMs:   int64(s.sched.Now()),
		Commands:      s.sched.Dispatched(),
		StaleCommands: s.sched.Stale(),
		Trips: TripStats{
			Total:     len(tm.trips),
			Completed: tm.completed,
			Aborted:   tm.aborted,
			AbortedByReason: lo.MapEntries(tm.abortedByReason, func(k AbortReason, v int) (string, int) {
				return string(k), v
			}),
		},
		TurnGrants:      s.ic.grants,
		TurnDenials:     s.ic.denials,
		CarsParked:      s.driving.parked,
		ParkingReroutes: s.driving.reroutes,
		SinkFailures:    s.sinkPanics,
	}
	r.Trips.Unfinished = r.Trips.Total - r.Trips.Completed - r.Trips.Aborted
	if r.Trips.Unfinished > 0 {
		r.Stranded = lo.Map(s.Stranded(), func(a AgentID, _ int) string { return a.String() })
	}
	if tm.completed > 0 {
		r.Trips.MeanDurationMs = float64(tm.totalDuration) / float64(tm.completed)
	}
	if s.halted != nil {
		r.Halted = s.halted.Error()
	}
	return r
}

// Print writes a human-readable summary of the report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Simulation Report ===")
	fmt.Fprintf(w, "Run                  : %s (seed %d)\n", r.RunID, r.Seed)
	fmt.Fprintf(w, "Simulated Time       : %v\n", Time(r.SimulatedMs))
	fmt.Fprintf(w, "Commands Dispatched  : %d (%d stale discarded)\n", r.Commands, r.StaleCommands)
	fmt.Fprintf(w, "Trips                : %d total, %d completed, %d aborted, %d unfinished\n",
		r.Trips.Total, r.Trips.Completed, r.Trips.Aborted, r.Trips.Unfinished)
	if r.Trips.Completed > 0 {
		fmt.Fprintf(w, "Mean Trip Duration   : %.2f s\n", r.Trips.MeanDurationMs/1000)
	}
	reasons := lo.Keys(r.Trips.AbortedByReason)
	slices.Sort(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(w, "  Aborted (%s) : %d\n", reason, r.Trips.AbortedByReason[reason])
	}
	fmt.Fprintf(w, "Turns                : %d granted, %d denied\n", r.TurnGrants, r.TurnDenials)
	fmt.Fprintf(w, "Parking              : %d parked, %d reroutes\n", r.CarsParked, r.ParkingReroutes)
	if len(r.Stranded) > 0 {
		fmt.Fprintf(w, "Stranded             : %s\n", strings.Join(r.Stranded, ", "))
	}
	if r.Halted != "" {
		fmt.Fprintf(w, "Halted               : %s\n", r.Halted)
	}
}
