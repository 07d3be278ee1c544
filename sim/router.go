package sim

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/samber/lo"

	"github.com/citysim/microsim/sim/network"
	"github.com/citysim/microsim/sim/scenario"
)

// AbortReason says why a trip stopped before its last leg finished.
type AbortReason string

const (
	AbortNoRoute            AbortReason = "no_route"
	AbortParkingUnavailable AbortReason = "parking_unavailable"
)

// Router turns trip endpoints into lane positions, asks the Pathfinder for
// paths and checks them against the map before agents use them. It also
// finds somewhere else to park when a destination is full.
type Router struct {
	m       *network.Map
	pf      network.Pathfinder
	parking *ParkingState
	radius  float64
}

// NewRouter wires a Router to its collaborators.
func NewRouter(m *network.Map, pf network.Pathfinder, parking *ParkingState, radius float64) *Router {
	return &Router{m: m, pf: pf, parking: parking, radius: radius}
}

// PlanLeg requests a path from one position to another. A missing route
// wraps network.ErrNoRoute; a path that does not fit the request or the map
// is a ConsistencyError.
func (r *Router) PlanLeg(from, to network.Position, class network.VehicleClass) (*network.Path, error) {
	path, err := r.pf.PathFor(network.PathRequest{Start: from, End: to, Class: class})
	if err != nil {
		if errors.Is(err, network.ErrNoRoute) {
			return nil, err
		}
		return nil, consistencyErrorf("pathfinder", "%v -> %v: %v", from, to, err)
	}
	if err := r.validatePath(path, from, to, class); err != nil {
		return nil, err
	}
	return path, nil
}

func (r *Router) validatePath(p *network.Path, from, to network.Position, class network.VehicleClass) error {
	bad := func(format string, args ...any) error {
		return consistencyErrorf("path", "%v -> %v for %s: %s", from, to, class, fmt.Sprintf(format, args...))
	}
	if p == nil || p.Len() == 0 {
		return bad("empty path")
	}
	if p.Len()%2 == 0 {
		return bad("path %v must start and end on a lane", p)
	}
	first, last := p.Step(0), p.Last()
	if !first.IsLane() || first.Lane() != from.Lane {
		return bad("path %v does not start on lane %d", p, from.Lane)
	}
	if !last.IsLane() || last.Lane() != to.Lane {
		return bad("path %v does not end on lane %d", p, to.Lane)
	}
	if p.Len() == 1 && to.Dist < from.Dist {
		return bad("single-lane path runs backwards")
	}
	kind := class.LaneKind()
	for i := 0; i < p.Len(); i++ {
		s := p.Step(i)
		if i%2 == 0 {
			if !s.IsLane() || !r.m.HasLane(s.Lane()) {
				return bad("step %d: %v is not a lane of the map", i, s)
			}
			if r.m.Lane(s.Lane()).Kind != kind {
				return bad("step %d: %v is not a %s lane", i, s, kind)
			}
			continue
		}
		if s.IsLane() || s.ID < 0 || s.ID >= len(r.m.Turns) {
			return bad("step %d: %v is not a turn of the map", i, s)
		}
		t := r.m.Turn(s.Turn())
		if t.From != p.Step(i-1).Lane() || t.To != p.Step(i+1).Lane() {
			return bad("step %d: turn %d does not join %v and %v", i, t.ID, p.Step(i-1), p.Step(i+1))
		}
		walking := t.Kind == network.TurnCrosswalk || t.Kind == network.TurnCorner
		if walking != (class == network.ClassPedestrian) {
			return bad("step %d: %s turn %d not usable by %s", i, t.Kind, t.ID, class)
		}
	}
	return nil
}

// Origin resolves where a leg starts for the given class.
func (r *Router) Origin(e scenario.Endpoint, class network.VehicleClass) (network.Position, error) {
	switch {
	case e.Building != nil:
		return r.buildingPosition(*e.Building, class), nil
	case e.Border != nil:
		lanes := r.lanesOfKind(r.m.LanesFrom(*e.Border), class.LaneKind())
		if len(lanes) == 0 {
			return network.Position{}, fmt.Errorf("no %s lane leaves border %d: %w", class.LaneKind(), *e.Border, network.ErrNoRoute)
		}
		return network.Position{Lane: lanes[0]}, nil
	case e.Lane != nil:
		return network.Position{Lane: *e.Lane, Dist: e.Dist}, nil
	}
	return network.Position{}, consistencyErrorf("endpoint", "%v names no place", e)
}

// Destination resolves where a leg ends for the given class.
func (r *Router) Destination(e scenario.Endpoint, class network.VehicleClass) (network.Position, error) {
	if e.Border != nil {
		lanes := r.lanesOfKind(r.m.LanesInto(*e.Border), class.LaneKind())
		if len(lanes) == 0 {
			return network.Position{}, fmt.Errorf("no %s lane enters border %d: %w", class.LaneKind(), *e.Border, network.ErrNoRoute)
		}
		return network.Position{Lane: lanes[0], Dist: r.m.Lane(lanes[0]).Length}, nil
	}
	return r.Origin(e, class)
}

func (r *Router) buildingPosition(id network.BuildingID, class network.VehicleClass) network.Position {
	b := r.m.Building(id)
	if class == network.ClassPedestrian {
		return network.Position{Lane: b.Sidewalk, Dist: b.SidewalkOffset}
	}
	return network.Position{Lane: b.Lane, Dist: b.Offset}
}

func (r *Router) lanesOfKind(ids []network.LaneID, kind network.LaneKind) []network.LaneID {
	return lo.Filter(ids, func(id network.LaneID, _ int) bool { return r.m.Lane(id).Kind == kind })
}

// ReplanParking looks for the nearest owner with a free spot within the
// search radius of near, skipping owners already tried, and plans a car
// path to it from from. Owners that cannot be reached are marked tried.
// ok is false when nothing is left.
func (r *Router) ReplanParking(from network.Position, near orb.Point, tried map[SpotOwner]bool) (path *network.Path, owner SpotOwner, ok bool, err error) {
	type candidate struct {
		owner SpotOwner
		dist  float64
	}
	var cands []candidate
	for _, o := range r.parking.Owners() {
		if tried[o] || !r.parking.HasFree(o) {
			continue
		}
		if d := planar.Distance(o.Point(r.m), near); d <= r.radius {
			cands = append(cands, candidate{owner: o, dist: d})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		if cands[i].owner.Kind != cands[j].owner.Kind {
			return cands[i].owner.Kind > cands[j].owner.Kind // off-street first
		}
		return cands[i].owner.ID < cands[j].owner.ID
	})
	for _, c := range cands {
		p, err := r.PlanLeg(from, c.owner.Position(r.m), network.ClassCar)
		if errors.Is(err, network.ErrNoRoute) {
			tried[c.owner] = true
			continue
		}
		if err != nil {
			return nil, SpotOwner{}, false, err
		}
		return p, c.owner, true, nil
	}
	return nil, SpotOwner{}, false, nil
}
