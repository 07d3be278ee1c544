package sim

import (
	"math"

	"github.com/citysim/microsim/sim/network"
)

// AgentSnapshot is a read-only view of one agent between commands.
type AgentSnapshot struct {
	Agent  AgentID
	Trip   TripID // -1 when the car is idle
	Status string
	On     network.Traversable
	Dist   float64 // meters from the start of On
	Speed  float64 // meters per second
	Delay  *DelayCause
	OnMap  bool
}

// SignalSnapshot is the active stage of a signal.
type SignalSnapshot struct {
	Intersection network.IntersectionID
	Stage        int
	Until        Time
	Accepted     []network.TurnID
}

// Snapshot is the state of every agent on the map at Time.
type Snapshot struct {
	Time    Time
	Agents  []AgentSnapshot // cars first, then pedestrians, by id
	Signals []SignalSnapshot
}

// Snapshot captures every car and pedestrian on the map. Parked and idle
// cars are left out; use Agent to look one up.
func (s *Simulator) Snapshot() Snapshot {
	now := s.sched.Now()
	snap := Snapshot{Time: now}
	for _, c := range s.driving.cars {
		if c.status == CarMoving || c.status == CarQueued {
			snap.Agents = append(snap.Agents, s.carSnapshot(c, now))
		}
	}
	for _, p := range s.walking.peds {
		if p.alive {
			snap.Agents = append(snap.Agents, pedSnapshot(p, now))
		}
	}
	for _, in := range s.m.Intersections {
		if in.Control != network.ControlSignal || len(in.Stages) == 0 {
			continue
		}
		stage, until := s.ic.Stage(in.ID)
		snap.Signals = append(snap.Signals, SignalSnapshot{
			Intersection: in.ID,
			Stage:        stage,
			Until:        until,
			Accepted:     s.ic.Accepted(in.ID),
		})
	}
	return snap
}

// Agent looks up one agent. Cars are always known; a pedestrian is known
// only while its leg lasts.
func (s *Simulator) Agent(id AgentID) (AgentSnapshot, bool) {
	now := s.sched.Now()
	switch id.Kind {
	case AgentCar:
		if id.ID < 0 || id.ID >= len(s.driving.cars) {
			return AgentSnapshot{}, false
		}
		return s.carSnapshot(s.driving.cars[id.ID], now), true
	case AgentPedestrian:
		if id.ID < 0 || id.ID >= len(s.walking.peds) || !s.walking.peds[id.ID].alive {
			return AgentSnapshot{}, false
		}
		return pedSnapshot(s.walking.peds[id.ID], now), true
	}
	return AgentSnapshot{}, false
}

func (s *Simulator) carSnapshot(c *car, now Time) AgentSnapshot {
	a := AgentSnapshot{
		Agent:  CarAgent(c.id),
		Trip:   c.trip,
		Status: c.status.String(),
		Delay:  copyDelay(c.delay),
	}
	switch c.status {
	case CarParked:
		pos := s.parking.Owner(c.spot).Position(s.m)
		a.On, a.Dist = network.OnLane(pos.Lane), pos.Dist
	case CarMoving, CarQueued:
		a.OnMap = true
		a.On = c.on
		a.Dist, a.Speed = s.driving.kinematics(c, now)
	}
	return a
}

func pedSnapshot(p *pedestrian, now Time) AgentSnapshot {
	a := AgentSnapshot{
		Agent:  PedAgent(p.id),
		Trip:   p.trip,
		Status: p.status.String(),
		On:     p.on,
		Dist:   p.pos(now),
		Delay:  copyDelay(p.delay),
		OnMap:  true,
	}
	if p.status == PedWalking && a.Dist < p.target-posEpsilon {
		a.Speed = p.speed
	}
	return a
}

func copyDelay(d *DelayCause) *DelayCause {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// kinematics is the position and speed of c at now. A car held back by the
// car ahead moves at that car's speed.
func (d *DrivingState) kinematics(c *car, now Time) (float64, float64) {
	q := d.queue(c.on)
	pos := d.positions(q, now)
	speed := 0.0
	for i, id := range q.cars {
		o := d.cars[id]
		free := o.freePos(now)
		switch {
		case pos[i] < free-posEpsilon:
			speed = math.Min(speed, o.speed) // capped by the car ahead
		case free < o.target-posEpsilon:
			speed = o.speed
		default:
			speed = 0
		}
		if id == c.id {
			return pos[i], speed
		}
	}
	return c.freePos(now), 0
}
