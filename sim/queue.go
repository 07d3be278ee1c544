// Implements the per-traversable car queues. Each lane and turn keeps the
// cars on it ordered front first; cars never overtake, so queue order is
// position order.

package sim

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/citysim/microsim/sim/network"
)

// posEpsilon absorbs float error when comparing positions.
const posEpsilon = 1e-6

// carQueue holds the cars on one lane or turn, front first.
type carQueue struct {
	on   network.Traversable
	cars []CarID
}

func (q *carQueue) String() string {
	var sb strings.Builder
	sb.WriteString(q.on.String())
	sb.WriteString("[")
	for i, id := range q.cars {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(id.String())
	}
	sb.WriteString("]")
	return sb.String()
}

// Len returns the number of cars on the traversable.
func (q *carQueue) Len() int { return len(q.cars) }

func (q *carQueue) indexOf(id CarID) int { return slices.Index(q.cars, id) }

// last returns the car furthest back.
func (q *carQueue) last() (CarID, bool) {
	if len(q.cars) == 0 {
		return 0, false
	}
	return q.cars[len(q.cars)-1], true
}

func (q *carQueue) pushBack(id CarID) { q.cars = append(q.cars, id) }

func (q *carQueue) insertAt(i int, id CarID) { q.cars = slices.Insert(q.cars, i, id) }

// removeAt drops the car at index i. Callers reflow the cars behind it.
func (q *carQueue) removeAt(i int) {
	if i < 0 || i >= len(q.cars) {
		panic(fmt.Sprintf("removeAt: index %d out of range for %v", i, q))
	}
	q.cars = slices.Delete(q.cars, i, i+1)
}

// queue returns the queue of traversable t.
func (d *DrivingState) queue(t network.Traversable) *carQueue {
	if t.IsLane() {
		return &d.laneQueues[t.ID]
	}
	return &d.turnQueues[t.ID]
}

// positions computes where every car of q is at now: its free-flow
// position, capped at the following distance behind the car ahead.
func (d *DrivingState) positions(q *carQueue, now Time) []float64 {
	out := make([]float64, len(q.cars))
	for i, id := range q.cars {
		c := d.cars[id]
		p := c.freePos(now)
		if i > 0 {
			lead := d.cars[q.cars[i-1]]
			if limit := out[i-1] - lead.veh.Length - d.follow; limit < p {
				p = limit
			}
		}
		out[i] = p
	}
	return out
}

// position is where car c is at now.
func (d *DrivingState) position(c *car, now Time) float64 {
	q := d.queue(c.on)
	idx := q.indexOf(c.id)
	if idx < 0 {
		return c.freePos(now)
	}
	return d.positions(q, now)[idx]
}

// entryRoom reports whether a car can enter t at distance zero. When it
// cannot, blocker is the car in the way.
func (d *DrivingState) entryRoom(t network.Traversable, now Time) (blocker CarID, ok bool) {
	q := d.queue(t)
	last, found := q.last()
	if !found {
		return 0, true
	}
	pos := d.positions(q, now)
	back := pos[len(pos)-1] - d.cars[last].veh.Length
	return last, back >= d.follow-posEpsilon
}

// boxBlocked reports whether lane has too little free length for c once
// the cars already on it and on turns into it are counted. An empty lane
// always admits a car.
func (d *DrivingState) boxBlocked(turn network.TurnID, lane network.LaneID, c *car) (blocker CarID, blocked bool) {
	footprint := func(id CarID) float64 { return d.cars[id].veh.Length + d.follow }
	lq := &d.laneQueues[lane]
	used := lo.SumBy(lq.cars, footprint)
	var lastOnTurn CarID
	foundTurnCar := false
	in := d.m.Intersection(d.m.Turn(turn).Intersection)
	for _, tid := range in.TurnIDs() {
		if d.m.Turn(tid).To != lane {
			continue
		}
		tq := &d.turnQueues[tid]
		used += lo.SumBy(tq.cars, footprint)
		if id, ok := tq.last(); ok && !foundTurnCar {
			lastOnTurn, foundTurnCar = id, true
		}
	}
	if used == 0 || d.m.Lane(lane).Length-used >= footprint(c.id)-posEpsilon {
		return 0, false
	}
	if id, ok := lq.last(); ok {
		return id, true
	}
	return lastOnTurn, true
}

// reflow restarts the cars behind a queue change. prev holds their
// positions just before the change: a car that was held back by the
// following-distance cap starts again from where it actually was, so it
// never moves faster than its own speed once the car ahead goes away.
// A held car that crept up to its target behind a slow leader has no
// wake-up of its own and is woken at once.
func (d *DrivingState) reflow(now Time, ids []CarID, prev []float64) error {
	for i, id := range ids {
		c := d.cars[id]
		p := prev[i]
		at := now.Add(travelTime(c.target-p, c.speed))
		switch {
		case p >= c.target-posEpsilon:
			if c.status != CarQueued || d.sched.Pending(UpdateCar(id)) {
				continue
			}
			at = now
		case c.status == CarMoving && p >= c.freePos(now)-posEpsilon:
			continue
		}
		c.start, c.startDist = now, p
		c.status = CarMoving
		c.delay = nil
		if err := d.sched.Reschedule(UpdateCar(id), at); err != nil {
			return err
		}
	}
	return nil
}

// leave removes c from its queue and reflows the cars behind it.
func (d *DrivingState) leave(now Time, c *car) error {
	q := d.queue(c.on)
	idx := q.indexOf(c.id)
	if idx < 0 {
		return consistencyErrorf("queue", "%v is not on %v", c.id, c.on)
	}
	pos := d.positions(q, now)
	q.removeAt(idx)
	behind := slices.Clone(q.cars[idx:])
	return d.reflow(now, behind, pos[idx+1:])
}

// checkQueue verifies the committed state of q rather than the capped
// positions, which hold the following distance by construction. A car's
// start point must keep the gap to where its leader's current trajectory
// had it at that moment, nobody may be pushed behind the start of the
// traversable, and every car needs a pending wake-up unless it is held
// behind the car directly ahead.
func (d *DrivingState) checkQueue(q *carQueue, now Time) error {
	pos := d.positions(q, now)
	for i, id := range q.cars {
		c := d.cars[id]
		if c.on != q.on {
			return invariantf(now, RuleFollowingDistance, "%v is queued on %v but thinks it is on %v", id, q.on, c.on)
		}
		if pos[i] < -posEpsilon {
			return invariantf(now, RuleFollowingDistance, "on %v %v is squeezed to %.3fm", q.on, id, pos[i])
		}
		held := false
		if i > 0 {
			lead := d.cars[q.cars[i-1]]
			if lead.start <= c.start {
				room := lead.freePos(c.start) - lead.veh.Length - c.startDist
				if room < d.follow-posEpsilon {
					return invariantf(now, RuleFollowingDistance,
						"on %v %v started at %.3fm only %.3fm behind %v (minimum %.3fm)", q.on, id, c.startDist, room, lead.id, d.follow)
				}
			}
			held = c.status == CarQueued && c.delay != nil && *c.delay == blockedByAgent(CarAgent(lead.id))
		}
		if !held && !d.sched.Pending(UpdateCar(id)) {
			return invariantf(now, RuleStrandedAgent, "%v is %v on %v with no wake-up pending", id, c.status, q.on)
		}
	}
	return nil
}
