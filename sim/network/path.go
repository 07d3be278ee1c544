package network

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// ErrNoRoute is returned by a Pathfinder when the destination is unreachable.
var ErrNoRoute = errors.New("no route found")

// VehicleClass selects which lanes a path may use.
type VehicleClass string

const (
	ClassCar        VehicleClass = "car"
	ClassBike       VehicleClass = "bike"
	ClassPedestrian VehicleClass = "pedestrian"
)

// LaneKind is the kind of lane the class travels on.
func (c VehicleClass) LaneKind() LaneKind {
	if c == ClassPedestrian {
		return LaneSidewalk
	}
	return LaneDriving
}

// StepKind tags a Traversable.
type StepKind uint8

const (
	StepLane StepKind = iota
	StepTurn
)

// Traversable is either a lane or a turn: anything an agent can be on.
type Traversable struct {
	Kind StepKind
	ID   int
}

// OnLane wraps a lane id.
func OnLane(id LaneID) Traversable { return Traversable{Kind: StepLane, ID: int(id)} }

// OnTurn wraps a turn id.
func OnTurn(id TurnID) Traversable { return Traversable{Kind: StepTurn, ID: int(id)} }

// IsLane reports whether t is a lane.
func (t Traversable) IsLane() bool { return t.Kind == StepLane }

// Lane returns the lane id; only meaningful when IsLane.
func (t Traversable) Lane() LaneID { return LaneID(t.ID) }

// Turn returns the turn id; only meaningful when !IsLane.
func (t Traversable) Turn() TurnID { return TurnID(t.ID) }

func (t Traversable) String() string {
	if t.IsLane() {
		return fmt.Sprintf("lane#%d", t.ID)
	}
	return fmt.Sprintf("turn#%d", t.ID)
}

// Length of the traversable in meters.
func (m *Map) Length(t Traversable) float64 {
	if t.IsLane() {
		return m.Lane(t.Lane()).Length
	}
	return m.Turn(t.Turn()).Length
}

// SpeedLimit of the traversable in meters per second.
func (m *Map) SpeedLimit(t Traversable) float64 {
	if t.IsLane() {
		return m.Lane(t.Lane()).SpeedLimit
	}
	return m.TurnSpeedLimit(t.Turn())
}

// Path is an immutable ordered sequence of steps, alternating lanes and
// turns, starting and ending on a lane.
type Path struct {
	steps []Traversable
}

// NewPath copies steps into a new Path.
func NewPath(steps ...Traversable) *Path {
	return &Path{steps: slices.Clone(steps)}
}

// Len is the number of steps.
func (p *Path) Len() int { return len(p.steps) }

// Step returns step i.
func (p *Path) Step(i int) Traversable { return p.steps[i] }

// Steps returns a copy of all steps.
func (p *Path) Steps() []Traversable { return slices.Clone(p.steps) }

// Last returns the final step.
func (p *Path) Last() Traversable { return p.steps[len(p.steps)-1] }

func (p *Path) String() string {
	parts := make([]string, len(p.steps))
	for i, s := range p.steps {
		parts[i] = s.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// PathRequest asks for a route between two lane positions.
type PathRequest struct {
	Start Position
	End   Position
	Class VehicleClass
}

// Pathfinder computes routes. The kernel only ever consumes paths through
// this interface; it never recomputes or edits one.
type Pathfinder interface {
	PathFor(req PathRequest) (*Path, error)
}

// Dijkstra is a shortest-distance Pathfinder over the lane graph. Ties are
// broken by lane id so results are reproducible.
type Dijkstra struct {
	Map *Map
}

// NewDijkstra returns a pathfinder over m.
func NewDijkstra(m *Map) *Dijkstra { return &Dijkstra{Map: m} }

type laneItem struct {
	lane LaneID
	cost float64
}

type lanePQ []laneItem

func (q lanePQ) Len() int { return len(q) }
func (q lanePQ) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	return q[i].lane < q[j].lane
}
func (q lanePQ) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *lanePQ) Push(x any)   { *q = append(*q, x.(laneItem)) }
func (q *lanePQ) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// PathFor implements Pathfinder.
func (d *Dijkstra) PathFor(req PathRequest) (*Path, error) {
	m := d.Map
	if !m.HasLane(req.Start.Lane) || !m.HasLane(req.End.Lane) {
		return nil, fmt.Errorf("path request %v -> %v: %w", req.Start, req.End, ErrNoRoute)
	}
	kind := req.Class.LaneKind()
	if m.Lane(req.Start.Lane).Kind != kind || m.Lane(req.End.Lane).Kind != kind {
		return nil, fmt.Errorf("path request %v -> %v for %s: %w", req.Start, req.End, req.Class, ErrNoRoute)
	}
	if req.Start.Lane == req.End.Lane && req.End.Dist >= req.Start.Dist {
		return NewPath(OnLane(req.Start.Lane)), nil
	}

	dist := make(map[LaneID]float64)
	via := make(map[LaneID]TurnID)
	pq := &lanePQ{}
	heap.Init(pq)
	// The start lane is re-entered only through a loop, so it starts unvisited.
	startRest := m.Lane(req.Start.Lane).Length - req.Start.Dist
	for _, tid := range m.TurnsFrom(req.Start.Lane) {
		t := m.Turn(tid)
		c := startRest + t.Length
		if old, ok := dist[t.To]; !ok || c < old || (c == old && tid < via[t.To]) {
			dist[t.To] = c
			via[t.To] = tid
			heap.Push(pq, laneItem{lane: t.To, cost: c})
		}
	}
	done := make(map[LaneID]bool)
	for pq.Len() > 0 {
		it := heap.Pop(pq).(laneItem)
		if done[it.lane] || it.cost > dist[it.lane] {
			continue
		}
		done[it.lane] = true
		if it.lane == req.End.Lane {
			break
		}
		base := it.cost + m.Lane(it.lane).Length
		for _, tid := range m.TurnsFrom(it.lane) {
			t := m.Turn(tid)
			c := base + t.Length
			if old, ok := dist[t.To]; !ok || c < old || (c == old && tid < via[t.To]) {
				dist[t.To] = c
				via[t.To] = tid
				heap.Push(pq, laneItem{lane: t.To, cost: c})
			}
		}
	}
	if _, ok := dist[req.End.Lane]; !ok || math.IsInf(dist[req.End.Lane], 1) {
		return nil, fmt.Errorf("path request %v -> %v: %w", req.Start, req.End, ErrNoRoute)
	}

	var rev []Traversable
	cur := req.End.Lane
	for {
		rev = append(rev, OnLane(cur))
		tid := via[cur]
		rev = append(rev, OnTurn(tid))
		prev := m.Turn(tid).From
		if prev == req.Start.Lane {
			rev = append(rev, OnLane(prev))
			break
		}
		cur = prev
	}
	slices.Reverse(rev)
	return NewPath(rev...), nil
}
