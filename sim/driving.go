package sim

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"github.com/citysim/microsim/sim/network"
	"github.com/citysim/microsim/sim/trace"
)

// CarStatus is where a car is in its lifecycle.
type CarStatus uint8

const (
	// CarUnparked is off the map and not in a spot: idle, or waiting for
	// room to spawn when it has a trip.
	CarUnparked CarStatus = iota
	// CarMoving is crossing a lane or turn.
	CarMoving
	// CarQueued is stopped on the map: behind another car or at an
	// intersection.
	CarQueued
	// CarParked occupies a parking spot.
	CarParked
)

func (s CarStatus) String() string {
	switch s {
	case CarUnparked:
		return "unparked"
	case CarMoving:
		return "moving"
	case CarQueued:
		return "queued"
	case CarParked:
		return "parked"
	}
	return fmt.Sprintf("CarStatus(%d)", uint8(s))
}

// Vehicle is a car or bike's physical profile.
type Vehicle struct {
	Class    network.VehicleClass
	Length   float64 // meters
	MaxSpeed float64 // meters per second
}

// driveGoal is where a drive or bike leg ends.
type driveGoal struct {
	pos      network.Position
	building network.BuildingID // -1 unless the leg ends at a building
	border   bool
}

// car is one vehicle. Cars belong to a person and outlive trips: a parked
// car waits in its spot for its owner's next drive leg.
type car struct {
	id     CarID
	person PersonID
	veh    Vehicle
	status CarStatus
	trip   TripID
	spot   SpotID

	path   *network.Path
	step   int
	goal   driveGoal
	spawn  network.Position
	owners []SpotOwner        // where to try parking at the goal
	tried  map[SpotOwner]bool // owners already tried this leg
	near   orb.Point          // original destination, center of the parking search

	on        network.Traversable
	start     Time
	startDist float64
	target    float64
	speed     float64
	delay     *DelayCause
}

// freePos is where c would be at now with nothing in front of it.
func (c *car) freePos(now Time) float64 {
	p := c.startDist + c.speed*now.Sub(c.start).Seconds()
	return math.Min(p, c.target)
}

// legOutcome tells the trip manager a leg has ended.
type legOutcome struct {
	trip    TripID
	aborted bool
	reason  AbortReason
}

// DrivingState owns every car and the queues on lanes and turns.
type DrivingState struct {
	m       *network.Map
	sched   *Scheduler
	ic      *Intersections
	parking *ParkingState
	router  *Router
	emit    func(trace.Record)
	follow  float64
	retry   Duration

	cars       []*car
	laneQueues []carQueue
	turnQueues []carQueue

	parked   int
	reroutes int
}

// NewDrivingState creates empty queues for every lane and turn of m.
func NewDrivingState(m *network.Map, sched *Scheduler, ic *Intersections, parking *ParkingState, router *Router, cfg Config, emit func(trace.Record)) *DrivingState {
	d := &DrivingState{
		m:          m,
		sched:      sched,
		ic:         ic,
		parking:    parking,
		router:     router,
		emit:       emit,
		follow:     cfg.FollowingDistanceM,
		retry:      cfg.RetryDelay(),
		laneQueues: make([]carQueue, len(m.Lanes)),
		turnQueues: make([]carQueue, len(m.Turns)),
	}
	for i := range d.laneQueues {
		d.laneQueues[i].on = network.OnLane(network.LaneID(i))
	}
	for i := range d.turnQueues {
		d.turnQueues[i].on = network.OnTurn(network.TurnID(i))
	}
	return d
}

// AddCar registers a vehicle owned by person. It starts off the map.
func (d *DrivingState) AddCar(person PersonID, veh Vehicle) CarID {
	id := CarID(len(d.cars))
	d.cars = append(d.cars, &car{id: id, person: person, veh: veh, trip: -1, spot: -1})
	return id
}

// ParkAt puts an idle car into the first free spot among owners.
func (d *DrivingState) ParkAt(id CarID, owners ...SpotOwner) error {
	c := d.cars[id]
	if c.status != CarUnparked || c.trip >= 0 {
		return consistencyErrorf("parking", "%v is %v and cannot be parked", id, c.status)
	}
	for _, o := range owners {
		if spot, ok := d.parking.Allocate(o, id); ok {
			c.status, c.spot = CarParked, spot
			return nil
		}
	}
	return consistencyErrorf("parking", "no free spot for %v at %v", id, owners)
}

// StartLeg plans a path for car id and queues its spawn. A parked car
// leaves from its spot; an idle one from origin. A leg with no route ends
// at once with an abort outcome.
func (d *DrivingState) StartLeg(now Time, id CarID, trip TripID, origin network.Position, goal driveGoal) (*legOutcome, error) {
	c := d.cars[id]
	if c.trip >= 0 {
		return nil, consistencyErrorf("drive leg", "%v is already on trip %d", id, c.trip)
	}
	from := origin
	if c.status == CarParked {
		from = d.parking.Owner(c.spot).Position(d.m)
	}
	path, err := d.router.PlanLeg(from, goal.pos, c.veh.Class)
	if errors.Is(err, network.ErrNoRoute) {
		logrus.Debugf("[t %v] %v: %v", now, id, err)
		return &legOutcome{trip: trip, aborted: true, reason: AbortNoRoute}, nil
	}
	if err != nil {
		return nil, err
	}
	c.trip = trip
	c.path, c.step = path, 0
	c.goal = goal
	c.spawn = from
	c.tried = make(map[SpotOwner]bool)
	c.owners = c.owners[:0]
	if goal.building >= 0 {
		c.owners = append(c.owners, BuildingOwner(goal.building))
		c.near = d.m.Building(goal.building).Point
	} else {
		c.near = d.m.LanePoint(goal.pos.Lane)
	}
	c.owners = append(c.owners, LaneOwner(goal.pos.Lane))
	c.delay = nil
	return nil, d.sched.Reschedule(UpdateCar(id), now)
}

// update handles CmdUpdateCar.
func (d *DrivingState) update(now Time, id CarID) (*legOutcome, error) {
	c := d.cars[id]
	if c.trip < 0 {
		return nil, nil
	}
	switch c.status {
	case CarParked, CarUnparked:
		return nil, d.trySpawn(now, c)
	}

	q := d.queue(c.on)
	idx := q.indexOf(c.id)
	if idx < 0 {
		return nil, consistencyErrorf("queue", "%v is not on %v", c.id, c.on)
	}
	pos := d.positions(q, now)[idx]
	if pos < c.target-posEpsilon {
		if idx == 0 {
			// Nothing ahead: the wake-up was early. Resume from here.
			c.start, c.startDist = now, pos
			return nil, d.sched.Reschedule(UpdateCar(id), now.Add(travelTime(c.target-pos, c.speed)))
		}
		// Held back by the car ahead. The queue wakes this car again when
		// that car leaves.
		c.status = CarQueued
		d.setDelay(now, c, blockedByAgent(CarAgent(q.cars[idx-1])))
		return nil, nil
	}

	if c.step == c.path.Len()-1 {
		return d.arrive(now, c, pos)
	}
	if c.on.IsLane() {
		return nil, d.tryEnterTurn(now, c)
	}
	return nil, d.tryLeaveTurn(now, c)
}

// trySpawn places c on its first lane if there is following-distance room
// at its spawn position, and otherwise retries later.
func (d *DrivingState) trySpawn(now Time, c *car) error {
	at := c.spawn
	q := &d.laneQueues[at.Lane]
	pos := d.positions(q, now)
	idx := 0
	for idx < len(pos) && pos[idx] >= at.Dist {
		idx++
	}
	if idx > 0 {
		lead := d.cars[q.cars[idx-1]]
		if pos[idx-1]-lead.veh.Length-at.Dist < d.follow-posEpsilon {
			return d.wait(now, c, blockedByAgent(CarAgent(lead.id)))
		}
	}
	if idx < len(pos) {
		if at.Dist-c.veh.Length-pos[idx] < d.follow-posEpsilon {
			return d.wait(now, c, blockedByAgent(CarAgent(q.cars[idx])))
		}
	}

	if c.status == CarParked {
		if err := d.parking.Release(c.spot); err != nil {
			return err
		}
		c.spot = -1
	}
	q.insertAt(idx, c.id)
	c.on = network.OnLane(at.Lane)
	c.status = CarMoving
	c.delay = nil
	r := trace.New(int64(now), trace.KindAgentSpawned)
	r.Agent = c.id.String()
	r.Trip = int(c.trip)
	r.Lane = int(at.Lane)
	d.emit(r)
	if err := d.beginCrossing(now, c, at.Dist); err != nil {
		return err
	}
	return d.reflow(now, slices.Clone(q.cars[idx+1:]), pos[idx:])
}

// beginCrossing starts c across its current step from dist.
func (d *DrivingState) beginCrossing(now Time, c *car, dist float64) error {
	c.start, c.startDist = now, dist
	c.target = d.m.Length(c.on)
	if c.step == c.path.Len()-1 {
		c.target = c.goal.pos.Dist
	}
	c.speed = math.Min(c.veh.MaxSpeed, d.m.SpeedLimit(c.on))
	return d.sched.Reschedule(UpdateCar(c.id), now.Add(travelTime(c.target-dist, c.speed)))
}

// tryEnterTurn moves c from the end of its lane onto the next turn once
// the lane beyond has room, the turn has entry room and the intersection
// grants the turn.
func (d *DrivingState) tryEnterTurn(now Time, c *car) error {
	turn := c.path.Step(c.step + 1).Turn()
	next := c.path.Step(c.step + 2).Lane()
	if blocker, blocked := d.boxBlocked(turn, next, c); blocked {
		d.ic.Renew(now, CarAgent(c.id), turn)
		return d.wait(now, c, blockedByAgent(CarAgent(blocker)))
	}
	if blocker, ok := d.entryRoom(network.OnTurn(turn), now); !ok {
		d.ic.Renew(now, CarAgent(c.id), turn)
		return d.wait(now, c, blockedByAgent(CarAgent(blocker)))
	}
	granted, err := d.ic.RequestTurn(now, CarAgent(c.id), turn)
	if err != nil {
		return err
	}
	if !granted {
		return d.wait(now, c, blockedByIntersection(d.m.Turn(turn).Intersection))
	}
	if err := d.leave(now, c); err != nil {
		return err
	}
	c.on = network.OnTurn(turn)
	c.step++
	d.queue(c.on).pushBack(c.id)
	c.status = CarMoving
	c.delay = nil
	return d.beginCrossing(now, c, 0)
}

// tryLeaveTurn moves c from the end of its turn onto the next lane and
// releases the grant.
func (d *DrivingState) tryLeaveTurn(now Time, c *car) error {
	turn := c.on.Turn()
	next := network.OnLane(c.path.Step(c.step + 1).Lane())
	if blocker, ok := d.entryRoom(next, now); !ok {
		return d.wait(now, c, blockedByAgent(CarAgent(blocker)))
	}
	if err := d.leave(now, c); err != nil {
		return err
	}
	if err := d.ic.TurnFinished(now, CarAgent(c.id), turn); err != nil {
		return err
	}
	c.on = next
	c.step++
	d.queue(c.on).pushBack(c.id)
	c.status = CarMoving
	c.delay = nil
	return d.beginCrossing(now, c, 0)
}

// arrive handles c reaching the end of its path at pos.
func (d *DrivingState) arrive(now Time, c *car, pos float64) (*legOutcome, error) {
	if c.goal.border || c.veh.Class == network.ClassBike {
		return d.finish(now, c)
	}
	for _, o := range c.owners {
		c.tried[o] = true
		spot, ok := d.parking.Allocate(o, c.id)
		if !ok {
			continue
		}
		if err := d.leave(now, c); err != nil {
			return nil, err
		}
		c.status, c.spot = CarParked, spot
		d.parked++
		r := trace.New(int64(now), trace.KindCarParked)
		r.Agent = c.id.String()
		r.Trip = int(c.trip)
		r.Spot = int(spot)
		r.Lane = int(c.on.Lane())
		d.emit(r)
		return d.endLeg(c, false, "")
	}

	from := network.Position{Lane: c.on.Lane(), Dist: pos}
	path, owner, ok, err := d.router.ReplanParking(from, c.near, c.tried)
	if err != nil {
		return nil, err
	}
	if !ok {
		logrus.Debugf("[t %v] %v: no parking within reach of %v", now, c.id, c.goal.pos)
		if err := d.leave(now, c); err != nil {
			return nil, err
		}
		c.status = CarUnparked
		return d.endLeg(c, true, AbortParkingUnavailable)
	}

	d.reroutes++
	r := trace.New(int64(now), trace.KindParkingRerouted)
	r.Agent = c.id.String()
	r.Trip = int(c.trip)
	r.Lane = int(owner.Position(d.m).Lane)
	r.Detail = owner.String()
	d.emit(r)

	q := d.queue(c.on)
	before := d.positions(q, now)
	idx := q.indexOf(c.id)
	c.path, c.step = path, 0
	c.goal = driveGoal{pos: owner.Position(d.m), building: -1}
	c.owners = []SpotOwner{owner}
	c.status = CarMoving
	c.delay = nil
	if err := d.beginCrossing(now, c, pos); err != nil {
		return nil, err
	}
	return nil, d.reflow(now, slices.Clone(q.cars[idx+1:]), before[idx+1:])
}

// finish takes c off the map without parking: borders and bikes.
func (d *DrivingState) finish(now Time, c *car) (*legOutcome, error) {
	if err := d.leave(now, c); err != nil {
		return nil, err
	}
	c.status = CarUnparked
	return d.endLeg(c, false, "")
}

func (d *DrivingState) endLeg(c *car, aborted bool, reason AbortReason) (*legOutcome, error) {
	out := &legOutcome{trip: c.trip, aborted: aborted, reason: reason}
	c.trip = -1
	c.path = nil
	c.delay = nil
	d.sched.Cancel(UpdateCar(c.id))
	return out, nil
}

// stranded lists the cars on a trip that nothing will move again. A held
// car is only as stuck as the chain of cars in front of it.
func (d *DrivingState) stranded() []CarID {
	var out []CarID
	for _, c := range d.cars {
		if c.trip >= 0 && d.isStranded(c) {
			out = append(out, c.id)
		}
	}
	return out
}

func (d *DrivingState) isStranded(c *car) bool {
	for {
		if d.sched.Pending(UpdateCar(c.id)) {
			return false
		}
		if c.status != CarQueued || c.delay == nil || c.delay.Kind != DelayAgent || c.delay.Agent.Kind != AgentCar {
			return true
		}
		q := d.queue(c.on)
		idx := q.indexOf(c.id)
		if idx <= 0 || q.cars[idx-1] != CarID(c.delay.Agent.ID) {
			return true
		}
		c = d.cars[q.cars[idx-1]]
	}
}

// wait parks c in place until the next retry.
func (d *DrivingState) wait(now Time, c *car, cause DelayCause) error {
	if c.status == CarMoving {
		c.status = CarQueued
	}
	d.setDelay(now, c, cause)
	return d.sched.Reschedule(UpdateCar(c.id), now.Add(d.retry))
}

// setDelay records why c is not moving, emitting a record when the cause
// changes.
func (d *DrivingState) setDelay(now Time, c *car, cause DelayCause) {
	if c.delay != nil && *c.delay == cause {
		return
	}
	c.delay = &cause
	r := trace.New(int64(now), trace.KindAgentDelayed)
	r.Agent = c.id.String()
	r.Trip = int(c.trip)
	r.Cause = cause.String()
	if c.status != CarUnparked && c.status != CarParked && c.on.IsLane() {
		r.Lane = c.on.ID
	}
	if cause.Kind == DelayIntersection {
		r.Intersection = int(cause.Intersection)
	}
	d.emit(r)
}

func (d *DrivingState) checkInvariants(now Time) error {
	for i := range d.laneQueues {
		if err := d.checkQueue(&d.laneQueues[i], now); err != nil {
			return err
		}
	}
	for i := range d.turnQueues {
		if err := d.checkQueue(&d.turnQueues[i], now); err != nil {
			return err
		}
	}
	seen := make(map[SpotID]CarID)
	for _, c := range d.cars {
		if c.status != CarParked {
			continue
		}
		if other, dup := seen[c.spot]; dup {
			return invariantf(now, RuleParkingOccupancy, "%v and %v both parked in spot %d", other, c.id, c.spot)
		}
		seen[c.spot] = c.id
		if occ, ok := d.parking.Occupant(c.spot); !ok || occ != c.id {
			return invariantf(now, RuleParkingOccupancy, "%v thinks it is in spot %d which holds %v (occupied=%v)", c.id, c.spot, occ, ok)
		}
	}
	for i := 0; i < d.parking.Len(); i++ {
		spot := SpotID(i)
		if occ, ok := d.parking.Occupant(spot); ok && seen[spot] != occ {
			return invariantf(now, RuleParkingOccupancy, "spot %d holds %v which is not parked there", spot, occ)
		}
	}
	return nil
}
