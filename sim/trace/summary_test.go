package trace

import "testing"

func TestSummarize_NilAndEmpty_ZeroValues(t *testing.T) {
	for _, log := range []*EventLog{nil, NewEventLog()} {
		summary := Summarize(log)
		if summary.TotalRecords != 0 || summary.TripsCompleted != 0 || summary.Denials != 0 {
			t.Errorf("expected zero counts, got %+v", summary)
		}
		if summary.AbortedByReason == nil || summary.DelaysByCause == nil || summary.DenialsByIntersection == nil {
			t.Error("expected non-nil maps")
		}
	}
}

func TestSummarize_PopulatedLog_CorrectCounts(t *testing.T) {
	// GIVEN a log with a mix of outcomes and control decisions
	log := NewEventLog()
	emit := func(k Kind, set func(*Record)) {
		r := New(0, k)
		if set != nil {
			set(&r)
		}
		log.Emit(r)
	}
	emit(KindTripStarted, nil)
	emit(KindTripCompleted, nil)
	emit(KindTripAborted, func(r *Record) { r.Reason = "no_route" })
	emit(KindTripAborted, func(r *Record) { r.Reason = "no_route" })
	emit(KindTripAborted, func(r *Record) { r.Reason = "parking_unavailable" })
	emit(KindTurnGranted, func(r *Record) { r.Intersection = 0 })
	emit(KindTurnDenied, func(r *Record) { r.Intersection = 0 })
	emit(KindTurnDenied, func(r *Record) { r.Intersection = 2 })
	emit(KindTurnDenied, func(r *Record) { r.Intersection = 2 })
	emit(KindAgentDelayed, func(r *Record) { r.Cause = "intersection 2" })
	emit(KindParkingRerouted, nil)
	emit(KindAgentStranded, func(r *Record) { r.Agent = "car#4" })

	// WHEN summarized
	s := Summarize(log)

	// THEN each counter reflects its records
	if s.TotalRecords != 12 {
		t.Errorf("expected 12 records, got %d", s.TotalRecords)
	}
	if s.TripsCompleted != 1 || s.TripsAborted != 3 {
		t.Errorf("expected 1 completed and 3 aborted, got %d and %d", s.TripsCompleted, s.TripsAborted)
	}
	if s.AbortedByReason["no_route"] != 2 || s.AbortedByReason["parking_unavailable"] != 1 {
		t.Errorf("unexpected abort reasons: %v", s.AbortedByReason)
	}
	if s.Grants != 1 || s.Denials != 3 {
		t.Errorf("expected 1 grant and 3 denials, got %d and %d", s.Grants, s.Denials)
	}
	if s.DenialsByIntersection[2] != 2 || s.DenialsByIntersection[0] != 1 {
		t.Errorf("unexpected denials by intersection: %v", s.DenialsByIntersection)
	}
	if s.DelaysByCause["intersection 2"] != 1 {
		t.Errorf("unexpected delays: %v", s.DelaysByCause)
	}
	if len(s.Stranded) != 1 || s.Stranded[0] != "car#4" {
		t.Errorf("unexpected stranded agents: %v", s.Stranded)
	}
	if s.ParkingReroutes != 1 {
		t.Errorf("expected 1 reroute, got %d", s.ParkingReroutes)
	}
}
