package sim

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/citysim/microsim/sim/network"
	"github.com/citysim/microsim/sim/scenario"
	"github.com/citysim/microsim/sim/trace"
)

// TripState is the trip lifecycle: NotStarted → OnLeg → (next leg |
// Completed), or OnLeg → Aborted.
type TripState uint8

const (
	TripNotStarted TripState = iota
	TripOnLeg
	TripCompleted
	TripAborted
)

func (s TripState) String() string {
	switch s {
	case TripNotStarted:
		return "not_started"
	case TripOnLeg:
		return "on_leg"
	case TripCompleted:
		return "completed"
	case TripAborted:
		return "aborted"
	}
	return fmt.Sprintf("TripState(%d)", uint8(s))
}

// Trip is one person's journey. Only the TripManager writes it.
type Trip struct {
	ID     TripID
	Person PersonID
	Legs   []scenario.LegSpec
	Depart Time
	Leg    int
	State  TripState
	Reason AbortReason
	Start  Time
	End    Time
}

// Terminal reports whether the trip has finished either way.
func (t *Trip) Terminal() bool { return t.State == TripCompleted || t.State == TripAborted }

type person struct {
	id     PersonID
	car    CarID // -1 without a vehicle
	active TripID
}

// TripManager sequences trip legs, spawns the agent for each leg and
// records how every trip ends.
type TripManager struct {
	m       *network.Map
	sched   *Scheduler
	router  *Router
	driving *DrivingState
	walking *WalkingState
	emit    func(trace.Record)
	retry   Duration

	trips  []*Trip // id order
	byID   map[TripID]*Trip
	people map[PersonID]*person

	completed       int
	aborted         int
	abortedByReason map[AbortReason]int
	totalDuration   Duration
}

// NewTripManager wires a TripManager to its collaborators.
func NewTripManager(m *network.Map, sched *Scheduler, router *Router, driving *DrivingState, walking *WalkingState, retry Duration, emit func(trace.Record)) *TripManager {
	return &TripManager{
		m:               m,
		sched:           sched,
		router:          router,
		driving:         driving,
		walking:         walking,
		emit:            emit,
		retry:           retry,
		byID:            make(map[TripID]*Trip),
		people:          make(map[PersonID]*person),
		abortedByReason: make(map[AbortReason]int),
	}
}

// Load creates people, their vehicles and trips from a validated scenario
// and schedules every departure.
func (tm *TripManager) Load(sc *scenario.Scenario) error {
	for _, ps := range sc.People {
		p := &person{id: PersonID(ps.ID), car: -1, active: -1}
		tm.people[p.id] = p
		if ps.Vehicle == nil {
			continue
		}
		p.car = tm.driving.AddCar(p.id, Vehicle{Class: ps.Vehicle.Class, Length: ps.Vehicle.Length, MaxSpeed: ps.Vehicle.MaxSpeed})
		if ps.ParkedAt == nil {
			continue
		}
		var owners []SpotOwner
		if b := ps.ParkedAt.Building; b != nil {
			owners = append(owners, BuildingOwner(*b), LaneOwner(tm.m.Building(*b).Lane))
		} else {
			owners = append(owners, LaneOwner(*ps.ParkedAt.Lane))
		}
		if err := tm.driving.ParkAt(p.car, owners...); err != nil {
			return fmt.Errorf("person %d parked at %v: %w", ps.ID, ps.ParkedAt, err)
		}
	}
	specs := append([]scenario.TripSpec(nil), sc.Trips...)
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	for _, ts := range specs {
		t := &Trip{
			ID:     TripID(ts.ID),
			Person: PersonID(ts.Person),
			Legs:   ts.Legs,
			Depart: Time(ts.DepartMs),
		}
		tm.trips = append(tm.trips, t)
		tm.byID[t.ID] = t
		if err := tm.sched.Schedule(StartTrip(t.ID), t.Depart); err != nil {
			return err
		}
	}
	return nil
}

// start handles CmdStartTrip. A person travels one trip at a time; a trip
// departing while its person is still out waits for them.
func (tm *TripManager) start(now Time, id TripID) error {
	t, ok := tm.byID[id]
	if !ok {
		return consistencyErrorf("trip", "unknown trip %d", id)
	}
	if t.State != TripNotStarted {
		return nil
	}
	p := tm.people[t.Person]
	if p.active >= 0 {
		logrus.Debugf("[t %v] trip %d waits for person %d (on trip %d)", now, id, p.id, p.active)
		return tm.sched.Reschedule(StartTrip(id), now.Add(tm.retry))
	}
	p.active = id
	t.State = TripOnLeg
	t.Leg = 0
	t.Start = now
	r := trace.New(int64(now), trace.KindTripStarted)
	r.Trip = int(id)
	tm.emit(r)
	return tm.startLeg(now, t)
}

func (tm *TripManager) startLeg(now Time, t *Trip) error {
	leg := t.Legs[t.Leg]
	class := network.ClassPedestrian
	switch leg.Mode {
	case scenario.ModeDrive:
		class = network.ClassCar
	case scenario.ModeBike:
		class = network.ClassBike
	}
	from, err := tm.router.Origin(leg.From, class)
	if err == nil {
		var to network.Position
		to, err = tm.router.Destination(leg.To, class)
		if err == nil {
			return tm.spawn(now, t, leg, class, from, to)
		}
	}
	if errors.Is(err, network.ErrNoRoute) {
		return tm.abort(now, t, AbortNoRoute)
	}
	return err
}

func (tm *TripManager) spawn(now Time, t *Trip, leg scenario.LegSpec, class network.VehicleClass, from, to network.Position) error {
	var out *legOutcome
	var err error
	if class == network.ClassPedestrian {
		_, out, err = tm.walking.Spawn(now, t.Person, t.ID, from, to)
	} else {
		goal := driveGoal{pos: to, building: -1, border: leg.To.Border != nil}
		if leg.To.Building != nil {
			goal.building = *leg.To.Building
		}
		out, err = tm.driving.StartLeg(now, tm.people[t.Person].car, t.ID, from, goal)
	}
	if err != nil || out == nil {
		return err
	}
	return tm.finishLeg(now, out)
}

// finishLeg moves a trip past a finished leg, or aborts it.
func (tm *TripManager) finishLeg(now Time, out *legOutcome) error {
	t, ok := tm.byID[out.trip]
	if !ok || t.State != TripOnLeg {
		return consistencyErrorf("trip", "leg outcome for trip %d which is not on a leg", out.trip)
	}
	if out.aborted {
		return tm.abort(now, t, out.reason)
	}
	r := trace.New(int64(now), trace.KindLegFinished)
	r.Trip = int(t.ID)
	r.Detail = fmt.Sprintf("leg %d (%s)", t.Leg, t.Legs[t.Leg].Mode)
	tm.emit(r)
	t.Leg++
	if t.Leg < len(t.Legs) {
		return tm.startLeg(now, t)
	}
	t.State = TripCompleted
	t.End = now
	tm.completed++
	tm.totalDuration += now.Sub(t.Start)
	tm.people[t.Person].active = -1
	r = trace.New(int64(now), trace.KindTripCompleted)
	r.Trip = int(t.ID)
	tm.emit(r)
	return nil
}

func (tm *TripManager) abort(now Time, t *Trip, reason AbortReason) error {
	t.State = TripAborted
	t.Reason = reason
	t.End = now
	tm.aborted++
	tm.abortedByReason[reason]++
	tm.people[t.Person].active = -1
	logrus.Warnf("[t %v] trip %d aborted on leg %d: %s", now, t.ID, t.Leg, reason)
	r := trace.New(int64(now), trace.KindTripAborted)
	r.Trip = int(t.ID)
	r.Reason = string(reason)
	tm.emit(r)
	return nil
}

// Trip returns trip id.
func (tm *TripManager) Trip(id TripID) (*Trip, bool) {
	t, ok := tm.byID[id]
	return t, ok
}

// Trips lists every trip in id order.
func (tm *TripManager) Trips() []*Trip { return tm.trips }

// Done reports whether every trip has finished, in constant time.
func (tm *TripManager) Done() bool { return tm.completed+tm.aborted == len(tm.trips) }
