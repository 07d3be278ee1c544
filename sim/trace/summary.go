package trace

// TraceSummary aggregates statistics from an EventLog.
type TraceSummary struct {
	TotalRecords          int
	TripsCompleted        int
	TripsAborted          int
	AbortedByReason       map[string]int
	Grants                int
	Denials               int
	DenialsByIntersection map[int]int
	DelaysByCause         map[string]int
	ParkingReroutes       int
	Stranded              []string
}

// Summarize computes aggregate statistics from an EventLog.
// Safe for nil or empty logs (returns zero-value fields).
func Summarize(log *EventLog) *TraceSummary {
	summary := &TraceSummary{
		AbortedByReason:       make(map[string]int),
		DenialsByIntersection: make(map[int]int),
		DelaysByCause:         make(map[string]int),
	}
	if log == nil {
		return summary
	}

	summary.TotalRecords = len(log.Records)
	for _, r := range log.Records {
		switch r.Kind {
		case KindTripCompleted:
			summary.TripsCompleted++
		case KindTripAborted:
			summary.TripsAborted++
			summary.AbortedByReason[r.Reason]++
		case KindTurnGranted:
			summary.Grants++
		case KindTurnDenied:
			summary.Denials++
			summary.DenialsByIntersection[r.Intersection]++
		case KindAgentDelayed:
			summary.DelaysByCause[r.Cause]++
		case KindParkingRerouted:
			summary.ParkingReroutes++
		case KindAgentStranded:
			summary.Stranded = append(summary.Stranded, r.Agent)
		}
	}
	return summary
}
