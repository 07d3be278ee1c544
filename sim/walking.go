package sim

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/citysim/microsim/sim/network"
	"github.com/citysim/microsim/sim/trace"
)

// PedStatus is what a pedestrian is doing.
type PedStatus uint8

const (
	PedWalking PedStatus = iota
	// PedWaiting is stopped at a crossing without a grant.
	PedWaiting
)

func (s PedStatus) String() string {
	if s == PedWaiting {
		return "waiting"
	}
	return "walking"
}

// pedestrian lives for exactly one walking leg.
type pedestrian struct {
	id     PedestrianID
	person PersonID
	trip   TripID
	alive  bool
	status PedStatus
	speed  float64
	path   *network.Path
	step   int
	goal   network.Position

	on        network.Traversable
	start     Time
	startDist float64
	target    float64
	delay     *DelayCause
}

func (p *pedestrian) pos(now Time) float64 {
	return min(p.startDist+p.speed*now.Sub(p.start).Seconds(), p.target)
}

// WalkingState moves pedestrians along sidewalks and through crossings.
// Pedestrians pass through one another; only crossings need a grant.
type WalkingState struct {
	m      *network.Map
	sched  *Scheduler
	ic     *Intersections
	router *Router
	rng    *PersonRNG
	emit   func(trace.Record)
	retry  Duration
	speed  float64
	jitter float64

	peds []*pedestrian
	live int
}

// NewWalkingState wires a WalkingState to its collaborators.
func NewWalkingState(m *network.Map, sched *Scheduler, ic *Intersections, router *Router, rng *PersonRNG, cfg Config, emit func(trace.Record)) *WalkingState {
	return &WalkingState{
		m:      m,
		sched:  sched,
		ic:     ic,
		router: router,
		rng:    rng,
		emit:   emit,
		retry:  cfg.RetryDelay(),
		speed:  cfg.WalkSpeedMps,
		jitter: cfg.WalkSpeedJitter,
	}
}

// walkSpeed draws a speed for person from their own stream, so it does not
// depend on how many other people walked first.
func (w *WalkingState) walkSpeed(person PersonID) float64 {
	u := w.rng.For(person).Float64()
	v := w.speed * (1 + w.jitter*(2*u-1))
	return lo.Clamp(v, w.speed*(1-w.jitter), w.speed*(1+w.jitter))
}

// Spawn starts a walking leg. A leg with no route ends at once with an
// abort outcome.
func (w *WalkingState) Spawn(now Time, person PersonID, trip TripID, from, to network.Position) (PedestrianID, *legOutcome, error) {
	path, err := w.router.PlanLeg(from, to, network.ClassPedestrian)
	if errors.Is(err, network.ErrNoRoute) {
		logrus.Debugf("[t %v] person %d: %v", now, person, err)
		return -1, &legOutcome{trip: trip, aborted: true, reason: AbortNoRoute}, nil
	}
	if err != nil {
		return -1, nil, err
	}
	p := &pedestrian{
		id:     PedestrianID(len(w.peds)),
		person: person,
		trip:   trip,
		alive:  true,
		speed:  w.walkSpeed(person),
		path:   path,
		goal:   to,
		on:     network.OnLane(from.Lane),
	}
	w.peds = append(w.peds, p)
	w.live++
	r := trace.New(int64(now), trace.KindAgentSpawned)
	r.Agent = p.id.String()
	r.Trip = int(trip)
	r.Lane = int(from.Lane)
	w.emit(r)
	return p.id, nil, w.beginCrossing(now, p, from.Dist)
}

func (w *WalkingState) beginCrossing(now Time, p *pedestrian, dist float64) error {
	p.start, p.startDist = now, dist
	p.target = w.m.Length(p.on)
	if p.step == p.path.Len()-1 {
		p.target = p.goal.Dist
	}
	return w.sched.Reschedule(UpdatePed(p.id), now.Add(travelTime(p.target-dist, p.speed)))
}

// update handles CmdUpdatePed.
func (w *WalkingState) update(now Time, id PedestrianID) (*legOutcome, error) {
	p := w.peds[id]
	if !p.alive {
		return nil, nil
	}
	if pos := p.pos(now); pos < p.target-posEpsilon {
		return nil, w.sched.Reschedule(UpdatePed(id), now.Add(travelTime(p.target-pos, p.speed)))
	}

	if p.step == p.path.Len()-1 {
		p.alive = false
		w.live--
		w.sched.Cancel(UpdatePed(id))
		w.ic.Forget(PedAgent(id))
		return &legOutcome{trip: p.trip}, nil
	}

	if p.on.IsLane() {
		turn := p.path.Step(p.step + 1).Turn()
		granted, err := w.ic.RequestTurn(now, PedAgent(id), turn)
		if err != nil {
			return nil, err
		}
		if !granted {
			p.status = PedWaiting
			w.setDelay(now, p, blockedByIntersection(w.m.Turn(turn).Intersection))
			return nil, w.sched.Reschedule(UpdatePed(id), now.Add(w.retry))
		}
		p.on = network.OnTurn(turn)
	} else {
		if err := w.ic.TurnFinished(now, PedAgent(id), p.on.Turn()); err != nil {
			return nil, err
		}
		p.on = p.path.Step(p.step + 1)
	}
	p.step++
	p.status = PedWalking
	p.delay = nil
	return nil, w.beginCrossing(now, p, 0)
}

func (w *WalkingState) setDelay(now Time, p *pedestrian, cause DelayCause) {
	if p.delay != nil && *p.delay == cause {
		return
	}
	p.delay = &cause
	r := trace.New(int64(now), trace.KindAgentDelayed)
	r.Agent = p.id.String()
	r.Trip = int(p.trip)
	r.Cause = cause.String()
	r.Intersection = int(cause.Intersection)
	if p.on.IsLane() {
		r.Lane = p.on.ID
	}
	w.emit(r)
}

// Live is the number of pedestrians currently on the map.
func (w *WalkingState) Live() int { return w.live }

// stranded lists live pedestrians with nothing scheduled to move them.
func (w *WalkingState) stranded() []PedestrianID {
	var out []PedestrianID
	for _, p := range w.peds {
		if p.alive && !w.sched.Pending(UpdatePed(p.id)) {
			out = append(out, p.id)
		}
	}
	return out
}

func (p *pedestrian) String() string {
	return fmt.Sprintf("%v on %v (%v)", p.id, p.on, p.status)
}
