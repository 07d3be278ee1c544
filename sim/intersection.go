package sim

import (
	"fmt"
	"slices"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/citysim/microsim/sim/network"
	"github.com/citysim/microsim/sim/trace"
)

// turnRequest is a denied request still waiting for its turn. First is the
// time of the agent's first poll and sets its stop-sign priority; Last is
// its latest poll.
type turnRequest struct {
	Agent AgentID
	Turn  network.TurnID
	First Time
	Last  Time
}

// before is the stop-sign priority order: earlier first request, then
// agent id (cars before pedestrians, then numeric id).
func (r turnRequest) before(o turnRequest) bool {
	if r.First != o.First {
		return r.First < o.First
	}
	return r.Agent.Less(o.Agent)
}

// acceptedTurn is a granted turn that has not been released yet.
type acceptedTurn struct {
	Agent AgentID
	Turn  network.TurnID
	At    Time
}

type heldTurn struct {
	intersection network.IntersectionID
	turn         network.TurnID
}

// intersectionState is the runtime state of one intersection.
type intersectionState struct {
	id        network.IntersectionID
	control   network.ControlType
	conflicts network.ConflictTable
	stages    []network.Stage

	stage      int
	stageEnd   Time
	extensions int

	accepted []acceptedTurn // grant order
	waiting  []turnRequest  // first-poll order
}

// Intersections arbitrates turn requests at every intersection of a map.
// Requests are polled: a denied agent is expected to ask again later.
type Intersections struct {
	m      *network.Map
	sched  *Scheduler
	emit   func(trace.Record)
	expiry Duration

	states []*intersectionState
	held   map[AgentID]heldTurn

	grants  int
	denials int
}

// NewIntersections builds controller state for every intersection of m.
// Waiting requests not renewed within two retry delays are forgotten.
func NewIntersections(m *network.Map, sched *Scheduler, retry Duration, emit func(trace.Record)) *Intersections {
	ic := &Intersections{
		m:      m,
		sched:  sched,
		emit:   emit,
		expiry: 2 * retry,
		held:   make(map[AgentID]heldTurn),
	}
	for i := range m.Intersections {
		in := &m.Intersections[i]
		ic.states = append(ic.states, &intersectionState{
			id:        in.ID,
			control:   in.Control,
			conflicts: in.ConflictTable(),
			stages:    in.Stages,
		})
	}
	return ic
}

// start schedules the first stage change of every signal.
func (ic *Intersections) start(now Time) error {
	for _, st := range ic.states {
		if st.control != network.ControlSignal || len(st.stages) == 0 {
			continue
		}
		st.stage = 0
		st.stageEnd = now.Add(Duration(st.stages[0].DurationMs))
		if err := ic.sched.Schedule(UpdateIntersection(st.id), st.stageEnd); err != nil {
			return err
		}
	}
	return nil
}

// RequestTurn asks for permission to enter turn. It returns true when the
// agent may go now (or already holds that turn). A denial records the
// request so that stop-sign priority and signal demand can see it.
func (ic *Intersections) RequestTurn(now Time, agent AgentID, turn network.TurnID) (bool, error) {
	if h, ok := ic.held[agent]; ok {
		if h.turn == turn {
			return true, nil
		}
		return false, invariantf(now, RuleDoubleGrant,
			"%v requests turn %d while holding turn %d at intersection %d", agent, turn, h.turn, h.intersection)
	}
	t := ic.m.Turn(turn)
	st := ic.states[t.Intersection]
	st.expire(now, ic.expiry)
	req := st.poll(agent, turn, now)

	if !st.admissible(ic.m, req) {
		ic.denials++
		r := trace.New(int64(now), trace.KindTurnDenied)
		r.Agent = agent.String()
		r.Intersection = int(st.id)
		r.Turn = int(turn)
		ic.emit(r)
		return false, nil
	}

	st.waiting = slices.DeleteFunc(st.waiting, func(w turnRequest) bool { return w.Agent == agent })
	st.accepted = append(st.accepted, acceptedTurn{Agent: agent, Turn: turn, At: now})
	ic.held[agent] = heldTurn{intersection: st.id, turn: turn}
	ic.grants++
	r := trace.New(int64(now), trace.KindTurnGranted)
	r.Agent = agent.String()
	r.Intersection = int(st.id)
	r.Turn = int(turn)
	ic.emit(r)
	return true, nil
}

// Renew keeps agent's waiting request for turn alive without asking for a
// grant: the agent still wants the turn but traffic beyond the
// intersection holds it back. It keeps its first-request time. An agent
// that never asked is not queued.
func (ic *Intersections) Renew(now Time, agent AgentID, turn network.TurnID) {
	st := ic.states[ic.m.Turn(turn).Intersection]
	for i := range st.waiting {
		if w := &st.waiting[i]; w.Agent == agent && w.Turn == turn {
			w.Last = now
		}
	}
}

// TurnFinished releases the agent's grant once it has left the turn.
func (ic *Intersections) TurnFinished(now Time, agent AgentID, turn network.TurnID) error {
	h, ok := ic.held[agent]
	if !ok || h.turn != turn {
		return consistencyErrorf("turn release", "%v does not hold turn %d at %v", agent, turn, now)
	}
	st := ic.states[h.intersection]
	st.accepted = slices.DeleteFunc(st.accepted, func(a acceptedTurn) bool { return a.Agent == agent })
	delete(ic.held, agent)
	return nil
}

// Forget drops any grant or waiting request of a despawned agent.
func (ic *Intersections) Forget(agent AgentID) {
	if h, ok := ic.held[agent]; ok {
		st := ic.states[h.intersection]
		st.accepted = slices.DeleteFunc(st.accepted, func(a acceptedTurn) bool { return a.Agent == agent })
		delete(ic.held, agent)
	}
	for _, st := range ic.states {
		st.waiting = slices.DeleteFunc(st.waiting, func(w turnRequest) bool { return w.Agent == agent })
	}
}

// update handles CmdUpdateIntersection: extend a variable stage while its
// turns still have demand, otherwise move to the next stage.
func (ic *Intersections) update(now Time, id network.IntersectionID) error {
	st := ic.states[id]
	if st.control != network.ControlSignal || len(st.stages) == 0 {
		return nil
	}
	st.expire(now, ic.expiry)
	cur := st.stages[st.stage]
	r := trace.New(int64(now), trace.KindStageChanged)
	r.Intersection = int(id)
	if v := cur.Variable; v != nil && st.extensions < v.MaxExtensions && st.hasDemand(cur) {
		st.extensions++
		st.stageEnd = now.Add(Duration(v.ExtensionMs))
		r.Detail = fmt.Sprintf("stage %d extended (%d/%d)", st.stage, st.extensions, v.MaxExtensions)
	} else {
		st.stage = (st.stage + 1) % len(st.stages)
		st.extensions = 0
		st.stageEnd = now.Add(Duration(st.stages[st.stage].DurationMs))
		r.Detail = fmt.Sprintf("stage %d", st.stage)
	}
	logrus.Debugf("[t %v] intersection %d: %s until %v", now, id, r.Detail, st.stageEnd)
	ic.emit(r)
	return ic.sched.Schedule(UpdateIntersection(id), st.stageEnd)
}

// Accepted lists the turns currently granted at id, in grant order.
func (ic *Intersections) Accepted(id network.IntersectionID) []network.TurnID {
	return lo.Map(ic.states[id].accepted, func(a acceptedTurn, _ int) network.TurnID { return a.Turn })
}

// Stage returns the active stage index of a signal and when it ends.
func (ic *Intersections) Stage(id network.IntersectionID) (int, Time) {
	st := ic.states[id]
	return st.stage, st.stageEnd
}

// Held returns the turn an agent currently holds, if any.
func (ic *Intersections) Held(agent AgentID) (network.TurnID, bool) {
	h, ok := ic.held[agent]
	return h.turn, ok
}

func (ic *Intersections) checkInvariants(now Time) error {
	for _, st := range ic.states {
		for i, a := range st.accepted {
			for _, b := range st.accepted[i+1:] {
				if st.conflicts.Conflicts(a.Turn, b.Turn) {
					return invariantf(now, RuleConflictingGrants,
						"intersection %d: turn %d (%v) and turn %d (%v) granted together", st.id, a.Turn, a.Agent, b.Turn, b.Agent)
				}
			}
		}
	}
	return nil
}

// poll records a request from agent, keeping its first-request time when it
// asks for the same turn again.
func (st *intersectionState) poll(agent AgentID, turn network.TurnID, now Time) turnRequest {
	for i := range st.waiting {
		w := &st.waiting[i]
		if w.Agent != agent {
			continue
		}
		if w.Turn != turn {
			w.Turn, w.First = turn, now
		}
		w.Last = now
		return *w
	}
	req := turnRequest{Agent: agent, Turn: turn, First: now, Last: now}
	st.waiting = append(st.waiting, req)
	return req
}

// expire forgets waiting requests that stopped polling.
func (st *intersectionState) expire(now Time, after Duration) {
	st.waiting = slices.DeleteFunc(st.waiting, func(w turnRequest) bool { return now.Sub(w.Last) > after })
}

func (st *intersectionState) conflictsAccepted(turn network.TurnID) bool {
	return lo.ContainsBy(st.accepted, func(a acceptedTurn) bool { return st.conflicts.Conflicts(a.Turn, turn) })
}

func (st *intersectionState) admissible(m *network.Map, req turnRequest) bool {
	if st.conflictsAccepted(req.Turn) {
		return false
	}
	switch st.control {
	case network.ControlStopSign:
		return !lo.ContainsBy(st.waiting, func(w turnRequest) bool {
			return w.Agent != req.Agent && st.conflicts.Conflicts(w.Turn, req.Turn) && w.before(req)
		})
	case network.ControlSignal:
		return st.inActiveStage(m, req.Turn)
	}
	return true
}

// inActiveStage reports whether turn may be granted under the current
// stage. Corner turns cross no traffic and are always allowed.
func (st *intersectionState) inActiveStage(m *network.Map, turn network.TurnID) bool {
	if len(st.stages) == 0 || m.Turn(turn).Kind == network.TurnCorner {
		return true
	}
	return lo.Contains(st.stages[st.stage].Turns, turn)
}

func (st *intersectionState) hasDemand(stage network.Stage) bool {
	return lo.ContainsBy(st.waiting, func(w turnRequest) bool { return lo.Contains(stage.Turns, w.Turn) })
}
