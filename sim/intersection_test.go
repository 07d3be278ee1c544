package sim

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citysim/microsim/sim/internal/testutil"
	"github.com/citysim/microsim/sim/network"
	"github.com/citysim/microsim/sim/trace"
)

const testRetry = 500 * Millisecond

func newTestIntersections(t *testing.T, m *network.Map) (*Intersections, *Scheduler, *trace.EventLog) {
	t.Helper()
	sched := NewScheduler()
	log := trace.NewEventLog()
	ic := NewIntersections(m, sched, testRetry, log.Emit)
	require.NoError(t, ic.start(0))
	return ic, sched, log
}

func mustRequest(t *testing.T, ic *Intersections, now Time, agent AgentID, turn network.TurnID) bool {
	t.Helper()
	ok, err := ic.RequestTurn(now, agent, turn)
	require.NoError(t, err)
	return ok
}

func TestIntersections_StopSign_FirstComerGoesFirst(t *testing.T) {
	// GIVEN a stop sign where car A asks for north-south one second before
	// car B asks for the conflicting east-west movement
	m := testutil.CrossMap(t, network.ControlStopSign)
	ic, _, log := newTestIntersections(t, m)
	a, b := CarAgent(0), CarAgent(1)
	ns := testutil.CrossTurn(testutil.North, testutil.South)
	ew := testutil.CrossTurn(testutil.East, testutil.West)
	require.True(t, m.Intersection(0).ConflictTable().Conflicts(ns, ew))

	// WHEN both poll, A clears its turn, and B polls again
	grantA := mustRequest(t, ic, 0, a, ns)
	grantB := mustRequest(t, ic, 1000, b, ew)
	require.NoError(t, ic.TurnFinished(1200, a, ns))
	grantBLater := mustRequest(t, ic, 1500, b, ew)

	// THEN A is granted first, B is denied, then granted after A clears
	assert.True(t, grantA)
	assert.False(t, grantB)
	assert.True(t, grantBLater)
	assert.Equal(t, 2, ic.grants)
	assert.Equal(t, 1, ic.denials)

	kinds := make([]trace.Kind, 0, len(log.Records))
	for _, r := range log.Records {
		kinds = append(kinds, r.Kind)
	}
	assert.Equal(t, []trace.Kind{trace.KindTurnGranted, trace.KindTurnDenied, trace.KindTurnGranted}, kinds)
	assert.Equal(t, "car#1", log.Records[1].Agent)
	assert.Equal(t, int(ew), log.Records[1].Turn)
}

func TestIntersections_WaitingPriority_ByControl(t *testing.T) {
	ns := testutil.CrossTurn(testutil.North, testutil.South)
	ew := testutil.CrossTurn(testutil.East, testutil.West)
	sn := testutil.CrossTurn(testutil.South, testutil.North)

	tests := []struct {
		name    string
		control network.ControlType
		at      Time
		want    bool
	}{
		// an earlier conflicting waiter holds back a later request
		{"stop sign defers to earlier waiter", network.ControlStopSign, 200, false},
		// uncontrolled intersections only look at accepted turns
		{"uncontrolled ignores waiters", network.ControlUncontrolled, 200, true},
		// the waiter stopped polling more than two retry delays ago
		{"stop sign forgets expired waiter", network.ControlStopSign, 100 + 2*Time(testRetry) + 1, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN car 0 holding north-south and car 1 waiting on east-west
			m := testutil.CrossMap(t, tc.control)
			ic, _, _ := newTestIntersections(t, m)
			require.True(t, mustRequest(t, ic, 0, CarAgent(0), ns))
			require.False(t, mustRequest(t, ic, 100, CarAgent(1), ew))

			// WHEN car 2 asks for south-north, which conflicts with east-west only
			got := mustRequest(t, ic, tc.at, CarAgent(2), sn)

			// THEN the control decides
			if got != tc.want {
				t.Errorf("%s: granted=%v, want %v", tc.name, got, tc.want)
			}
		})
	}
}

func TestIntersections_StopSign_RenewedWaiterKeepsPriority(t *testing.T) {
	ns := testutil.CrossTurn(testutil.North, testutil.South)
	ew := testutil.CrossTurn(testutil.East, testutil.West)
	sn := testutil.CrossTurn(testutil.South, testutil.North)
	late := 100 + 4*Time(testRetry)

	tests := []struct {
		name  string
		renew bool
		want  bool
	}{
		{"renewed request still holds back a later arrival", true, false},
		{"silent request expires", false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN car 1 denied east-west while car 0 holds north-south
			m := testutil.CrossMap(t, network.ControlStopSign)
			ic, _, _ := newTestIntersections(t, m)
			require.True(t, mustRequest(t, ic, 0, CarAgent(0), ns))
			require.False(t, mustRequest(t, ic, 100, CarAgent(1), ew))

			// AND car 1 then blocked by traffic beyond the intersection,
			// renewing every retry instead of asking
			if tc.renew {
				for at := 100 + Time(testRetry); at < late; at = at.Add(testRetry) {
					ic.Renew(at, CarAgent(1), ew)
				}
			}

			// WHEN car 2 asks for south-north long after car 1 last asked
			got := mustRequest(t, ic, late, CarAgent(2), sn)

			// THEN only a renewed request keeps car 1 ahead
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIntersections_Renew_NeverQueuesNewRequest(t *testing.T) {
	m := testutil.CrossMap(t, network.ControlStopSign)
	ic, _, _ := newTestIntersections(t, m)
	ns := testutil.CrossTurn(testutil.North, testutil.South)
	ew := testutil.CrossTurn(testutil.East, testutil.West)

	ic.Renew(0, CarAgent(1), ew)

	assert.True(t, mustRequest(t, ic, 10, CarAgent(2), ns), "a renewal alone is no request")
}

func TestIntersections_StopSign_SameTimeTieBreak_CarsBeforePedestrians(t *testing.T) {
	a := turnRequest{Agent: PedAgent(0), First: 100}
	b := turnRequest{Agent: CarAgent(5), First: 100}
	c := turnRequest{Agent: CarAgent(2), First: 100}
	d := turnRequest{Agent: PedAgent(9), First: 50}

	assert.True(t, b.before(a), "car before pedestrian")
	assert.True(t, c.before(b), "lower car id first")
	assert.True(t, d.before(c), "earlier request first")
}

func TestIntersections_RequestTurn_HoldingSameTurn_Granted(t *testing.T) {
	m := testutil.CrossMap(t, network.ControlStopSign)
	ic, _, _ := newTestIntersections(t, m)
	turn := testutil.CrossTurn(testutil.West, testutil.East)
	require.True(t, mustRequest(t, ic, 0, CarAgent(3), turn))

	assert.True(t, mustRequest(t, ic, 10, CarAgent(3), turn))
	assert.Equal(t, []network.TurnID{turn}, ic.Accepted(0))
}

func TestIntersections_RequestTurn_HoldingOtherTurn_DoubleGrant(t *testing.T) {
	// GIVEN a car holding a turn
	m := testutil.CrossMap(t, network.ControlUncontrolled)
	ic, _, _ := newTestIntersections(t, m)
	require.True(t, mustRequest(t, ic, 0, CarAgent(0), testutil.CrossTurn(testutil.North, testutil.South)))

	// WHEN it asks for a second turn
	_, err := ic.RequestTurn(5, CarAgent(0), testutil.CrossTurn(testutil.North, testutil.East))

	// THEN the double grant is an invariant violation
	var iv *InvariantViolation
	require.True(t, errors.As(err, &iv), "got %v", err)
	assert.Equal(t, RuleDoubleGrant, iv.Rule)
	assert.Equal(t, Time(5), iv.At)
}

func TestIntersections_TurnFinished_NotHeld_ConsistencyError(t *testing.T) {
	m := testutil.CrossMap(t, network.ControlUncontrolled)
	ic, _, _ := newTestIntersections(t, m)

	err := ic.TurnFinished(0, CarAgent(0), 0)

	var ce *ConsistencyError
	assert.True(t, errors.As(err, &ce), "got %v", err)
}

func TestIntersections_Forget_DropsGrantAndWaiting(t *testing.T) {
	// GIVEN car 0 holding a turn and car 1 waiting behind it
	m := testutil.CrossMap(t, network.ControlStopSign)
	ic, _, _ := newTestIntersections(t, m)
	ns := testutil.CrossTurn(testutil.North, testutil.South)
	ew := testutil.CrossTurn(testutil.East, testutil.West)
	require.True(t, mustRequest(t, ic, 0, CarAgent(0), ns))
	require.False(t, mustRequest(t, ic, 10, CarAgent(1), ew))

	// WHEN both are forgotten
	ic.Forget(CarAgent(0))
	ic.Forget(CarAgent(1))

	// THEN nothing is held or waiting
	_, held := ic.Held(CarAgent(0))
	assert.False(t, held)
	assert.Empty(t, ic.Accepted(0))
	assert.Empty(t, ic.states[0].waiting)
}

func TestIntersections_Signal_OnlyActiveStageGranted(t *testing.T) {
	// GIVEN a signal running north/south first
	m := testutil.CrossMap(t, network.ControlSignal)
	ic, sched, log := newTestIntersections(t, m)
	ns := testutil.CrossTurn(testutil.North, testutil.South)
	ew := testutil.CrossTurn(testutil.East, testutil.West)

	// WHEN east-west asks during the north/south stage
	deniedEW := mustRequest(t, ic, 0, CarAgent(1), ew)
	grantedNS := mustRequest(t, ic, 0, CarAgent(0), ns)
	require.NoError(t, ic.TurnFinished(2000, CarAgent(0), ns))

	// AND the stage changes when its time is up
	cmd, at, ok := sched.Next()
	require.True(t, ok)
	assert.Equal(t, UpdateIntersection(0), cmd)
	assert.Equal(t, Time(30000), at)
	require.NoError(t, ic.update(at, 0))
	grantedEW := mustRequest(t, ic, 30000, CarAgent(1), ew)

	// THEN east-west waits for its own stage
	assert.False(t, deniedEW)
	assert.True(t, grantedNS)
	assert.True(t, grantedEW)
	stage, until := ic.Stage(0)
	assert.Equal(t, 1, stage)
	assert.Equal(t, Time(60000), until)
	next, _ := sched.PeekTime()
	assert.Equal(t, Time(60000), next)
	assert.Len(t, log.OfKind(trace.KindStageChanged), 1)
}

func TestIntersections_Signal_VariableStageExtendsWhileDemandRemains(t *testing.T) {
	// GIVEN a line map whose signal can extend the car stage twice by 5 s
	m := testutil.LineMap(t, testutil.LineOptions{
		Signal:      true,
		CarVariable: &network.VariableTiming{ExtensionMs: 5000, MaxExtensions: 2},
	})
	ic, _, log := newTestIntersections(t, m)
	const carTurn, crosswalk = network.TurnID(0), network.TurnID(2)

	// A pedestrian crosses during the walk stage and is still on the
	// crosswalk when the car stage starts.
	require.NoError(t, ic.update(30000, 1))
	require.True(t, mustRequest(t, ic, 30000, PedAgent(0), crosswalk))
	require.NoError(t, ic.update(60000, 1))
	require.False(t, mustRequest(t, ic, 60000, CarAgent(0), carTurn))
	require.False(t, mustRequest(t, ic, 89800, CarAgent(0), carTurn))

	// WHEN the car stage ends with the car still asking
	require.NoError(t, ic.update(90000, 1))

	// THEN the stage is extended instead of advanced
	stage, until := ic.Stage(1)
	assert.Equal(t, 0, stage)
	assert.Equal(t, Time(95000), until)
	records := log.OfKind(trace.KindStageChanged)
	assert.True(t, strings.Contains(records[len(records)-1].Detail, "extended"))

	// WHEN the pedestrian clears, the car goes, and the extension runs out
	require.NoError(t, ic.TurnFinished(91000, PedAgent(0), crosswalk))
	require.True(t, mustRequest(t, ic, 91000, CarAgent(0), carTurn))
	require.NoError(t, ic.update(95000, 1))

	// THEN with no demand left the signal moves on
	stage, until = ic.Stage(1)
	assert.Equal(t, 1, stage)
	assert.Equal(t, Time(125000), until)
}

func TestIntersections_Signal_CornerTurnIgnoresStage(t *testing.T) {
	// GIVEN a signal whose only stage lists the car turn, plus a corner
	// between two sidewalks
	m := &network.Map{
		Name: "corner",
		Intersections: []network.Intersection{
			{ID: 0, Control: network.ControlBorder},
			{ID: 1, Control: network.ControlSignal, Stages: []network.Stage{{Turns: []network.TurnID{0}, DurationMs: 10000}}},
			{ID: 2, Control: network.ControlBorder},
		},
		Lanes: []network.Lane{
			{ID: 0, Kind: network.LaneDriving, Src: 0, Dst: 1, Length: 50, SpeedLimit: 10},
			{ID: 1, Kind: network.LaneDriving, Src: 1, Dst: 2, Length: 50, SpeedLimit: 10},
			{ID: 2, Kind: network.LaneSidewalk, Src: 0, Dst: 1, Length: 50, SpeedLimit: 2},
			{ID: 3, Kind: network.LaneSidewalk, Src: 1, Dst: 2, Length: 50, SpeedLimit: 2},
		},
		Turns: []network.Turn{
			{ID: 0, Intersection: 1, From: 0, To: 1, Kind: network.TurnStraight, Length: 10},
			{ID: 1, Intersection: 1, From: 2, To: 3, Kind: network.TurnCorner, Length: 3},
		},
	}
	require.NoError(t, m.Build())
	ic, _, _ := newTestIntersections(t, m)

	// WHEN a pedestrian asks for the corner
	// THEN it is granted though no stage lists it
	assert.True(t, mustRequest(t, ic, 0, PedAgent(0), 1))
}

func TestIntersections_CheckInvariants_ConflictingGrants(t *testing.T) {
	// GIVEN two conflicting turns granted together by corrupting state
	m := testutil.CrossMap(t, network.ControlUncontrolled)
	ic, _, _ := newTestIntersections(t, m)
	ns := testutil.CrossTurn(testutil.North, testutil.South)
	ew := testutil.CrossTurn(testutil.East, testutil.West)
	require.True(t, mustRequest(t, ic, 0, CarAgent(0), ns))
	ic.states[0].accepted = append(ic.states[0].accepted, acceptedTurn{Agent: CarAgent(1), Turn: ew})

	// WHEN invariants are checked
	err := ic.checkInvariants(0)

	// THEN the conflict is reported
	var iv *InvariantViolation
	require.True(t, errors.As(err, &iv), "got %v", err)
	assert.Equal(t, RuleConflictingGrants, iv.Rule)
}

func TestIntersections_RandomRequests_NeverGrantConflicts(t *testing.T) {
	for _, control := range []network.ControlType{network.ControlUncontrolled, network.ControlStopSign, network.ControlSignal} {
		t.Run(string(control), func(t *testing.T) {
			// GIVEN ten cars polling random turns and releasing them later
			m := testutil.CrossMap(t, control)
			ic, sched, _ := newTestIntersections(t, m)
			turns := m.Intersection(0).TurnIDs()
			heldUntil := make(map[int]Time)
			for step := 0; step < 400; step++ {
				now := Time(step * 250)
				for next, ok := sched.PeekTime(); ok && next <= now; next, ok = sched.PeekTime() {
					_, at, _ := sched.Next()
					require.NoError(t, ic.update(at, 0))
				}
				agent := (step * 7) % 10
				a := CarAgent(CarID(agent))
				if turn, ok := ic.Held(a); ok {
					if now >= heldUntil[agent] {
						require.NoError(t, ic.TurnFinished(now, a, turn))
					}
					continue
				}
				turn := turns[(step*5+agent)%len(turns)]
				if mustRequest(t, ic, now, a, turn) {
					heldUntil[agent] = now + 2000
				}

				// THEN the granted set never contains a conflicting pair
				require.NoError(t, ic.checkInvariants(now))
			}
			assert.Positive(t, ic.grants)
		})
	}
}
