package testutil

import (
	"testing"

	"github.com/paulmach/orb"

	"github.com/citysim/microsim/sim/network"
)

// LineOptions shapes a LineMap. Zero fields take the defaults noted.
type LineOptions struct {
	Lanes         int     // driving lanes in a row; default 3
	LaneLength    float64 // default 100 m
	TurnLength    float64 // default 10 m
	SpeedLimit    float64 // default 10 m/s
	LaneSpots     int     // on-street spots per driving lane
	BuildingSpots int     // off-street spots per building
	// Control applies to every interior intersection; default uncontrolled.
	Control network.ControlType
	// Signal makes intersection 1 a two-stage signal: stage 0 lets cars
	// through (turn 0), stage 1 lets pedestrians cross (the first crosswalk).
	Signal      bool
	StageMs     int64 // default 30000
	CarVariable *network.VariableTiming
}

// LineMap builds a straight road: driving lanes 0..n-1, lane i running from
// intersection i to i+1, joined by straight turns 0..n-2 (turn i enters
// lane i+1). Intersections 0 and n are borders. Sidewalk lanes n..2n-1 run
// alongside, joined by crosswalk turns n-1..2n-3; crosswalk n-1+i conflicts
// with car turn i. Building i fronts lane i and sidewalk n+i at mid-length.
func LineMap(t testing.TB, opts LineOptions) *network.Map {
	t.Helper()
	n := defaultInt(opts.Lanes, 3)
	length := defaultFloat(opts.LaneLength, 100)
	turnLen := defaultFloat(opts.TurnLength, 10)
	speed := defaultFloat(opts.SpeedLimit, 10)
	control := opts.Control
	if control == "" {
		control = network.ControlUncontrolled
	}

	m := &network.Map{Name: "line"}
	for i := 0; i <= n; i++ {
		c := control
		if i == 0 || i == n {
			c = network.ControlBorder
		}
		m.Intersections = append(m.Intersections, network.Intersection{
			ID:      network.IntersectionID(i),
			Control: c,
			Point:   orb.Point{float64(i) * length, 0},
		})
	}
	for i := 0; i < n; i++ {
		x0, x1 := float64(i)*length, float64(i+1)*length
		m.Lanes = append(m.Lanes, network.Lane{
			ID:           network.LaneID(i),
			Kind:         network.LaneDriving,
			Src:          network.IntersectionID(i),
			Dst:          network.IntersectionID(i + 1),
			SpeedLimit:   speed,
			ParkingSpots: opts.LaneSpots,
			Geometry:     orb.LineString{{x0, 0}, {x1, 0}},
		})
	}
	for i := 0; i < n; i++ {
		x0, x1 := float64(i)*length, float64(i+1)*length
		m.Lanes = append(m.Lanes, network.Lane{
			ID:         network.LaneID(n + i),
			Kind:       network.LaneSidewalk,
			Src:        network.IntersectionID(i),
			Dst:        network.IntersectionID(i + 1),
			SpeedLimit: 2,
			Geometry:   orb.LineString{{x0, -5}, {x1, -5}},
		})
	}
	for i := 0; i < n-1; i++ {
		m.Turns = append(m.Turns, network.Turn{
			ID:           network.TurnID(i),
			Intersection: network.IntersectionID(i + 1),
			From:         network.LaneID(i),
			To:           network.LaneID(i + 1),
			Kind:         network.TurnStraight,
			Length:       turnLen,
		})
	}
	for i := 0; i < n-1; i++ {
		id := network.TurnID(n - 1 + i)
		m.Turns = append(m.Turns, network.Turn{
			ID:           id,
			Intersection: network.IntersectionID(i + 1),
			From:         network.LaneID(n + i),
			To:           network.LaneID(n + i + 1),
			Kind:         network.TurnCrosswalk,
			Length:       turnLen,
		})
		in := &m.Intersections[i+1]
		in.Conflicts = append(in.Conflicts, [2]network.TurnID{network.TurnID(i), id})
	}
	if opts.Signal && n > 1 {
		stage := opts.StageMs
		if stage == 0 {
			stage = 30000
		}
		in := &m.Intersections[1]
		in.Control = network.ControlSignal
		in.Stages = []network.Stage{
			{Turns: []network.TurnID{0}, DurationMs: stage, Variable: opts.CarVariable},
			{Turns: []network.TurnID{network.TurnID(n - 1)}, DurationMs: stage},
		}
	}
	for i := 0; i < n; i++ {
		m.Buildings = append(m.Buildings, network.Building{
			ID:             network.BuildingID(i),
			Lane:           network.LaneID(i),
			Offset:         length / 2,
			Sidewalk:       network.LaneID(n + i),
			SidewalkOffset: length / 2,
			ParkingSpots:   opts.BuildingSpots,
			Point:          orb.Point{float64(i)*length + length/2, 10},
		})
	}
	if err := m.Build(); err != nil {
		t.Fatalf("building line map: %v", err)
	}
	return m
}

// Cross approaches, in lane order.
const (
	North = iota
	East
	South
	West
)

// CrossMap builds a four-way intersection 0 with border intersections 1..4
// (north, east, south, west). Lane a (0..3) enters the center from
// approach a; lane 4+a leaves toward it. Every lane is 100 m, every turn
// 20 m. Turns from different approaches conflict unless both are right
// turns or they come from opposite approaches and neither turns left.
func CrossMap(t testing.TB, control network.ControlType) *network.Map {
	t.Helper()
	const length, turnLen, speed = 100.0, 20.0, 10.0
	dirs := []orb.Point{{0, length}, {length, 0}, {0, -length}, {-length, 0}}
	m := &network.Map{Name: "cross"}
	m.Intersections = append(m.Intersections, network.Intersection{ID: 0, Control: control})
	for a, p := range dirs {
		m.Intersections = append(m.Intersections, network.Intersection{
			ID: network.IntersectionID(a + 1), Control: network.ControlBorder, Point: p,
		})
	}
	for a, p := range dirs {
		m.Lanes = append(m.Lanes, network.Lane{
			ID: network.LaneID(a), Kind: network.LaneDriving,
			Src: network.IntersectionID(a + 1), Dst: 0, SpeedLimit: speed,
			Geometry: orb.LineString{p, {0, 0}},
		})
	}
	for a, p := range dirs {
		m.Lanes = append(m.Lanes, network.Lane{
			ID: network.LaneID(4 + a), Kind: network.LaneDriving,
			Src: 0, Dst: network.IntersectionID(a + 1), SpeedLimit: speed,
			Geometry: orb.LineString{{0, 0}, p},
		})
	}
	type move struct{ from, to int }
	var moves []move
	for a := 0; a < 4; a++ {
		for b := 0; b < 4; b++ {
			if a == b {
				continue
			}
			moves = append(moves, move{a, b})
			m.Turns = append(m.Turns, network.Turn{
				ID:           network.TurnID(len(m.Turns)),
				Intersection: 0,
				From:         network.LaneID(a),
				To:           network.LaneID(4 + b),
				Kind:         crossTurnKind(a, b),
				Length:       turnLen,
			})
		}
	}
	center := &m.Intersections[0]
	for i, x := range moves {
		for j := i + 1; j < len(moves); j++ {
			y := moves[j]
			if crossConflict(x.from, x.to, y.from, y.to) {
				center.Conflicts = append(center.Conflicts, [2]network.TurnID{network.TurnID(i), network.TurnID(j)})
			}
		}
	}
	if control == network.ControlSignal {
		var ns, ew []network.TurnID
		for i, x := range moves {
			if x.from == North || x.from == South {
				ns = append(ns, network.TurnID(i))
			} else {
				ew = append(ew, network.TurnID(i))
			}
		}
		center.Stages = []network.Stage{{Turns: ns, DurationMs: 30000}, {Turns: ew, DurationMs: 30000}}
	}
	if err := m.Build(); err != nil {
		t.Fatalf("building cross map: %v", err)
	}
	return m
}

// CrossTurn returns the turn of a CrossMap from approach a to exit b.
func CrossTurn(a, b int) network.TurnID {
	id := a * 3
	if b > a {
		id += b - 1
	} else {
		id += b
	}
	return network.TurnID(id)
}

func crossTurnKind(a, b int) network.TurnKind {
	switch b {
	case (a + 2) % 4:
		return network.TurnStraight
	case (a + 3) % 4:
		return network.TurnRight
	}
	return network.TurnLeft
}

func crossConflict(a1, b1, a2, b2 int) bool {
	if a1 == a2 {
		return false
	}
	k1, k2 := crossTurnKind(a1, b1), crossTurnKind(a2, b2)
	if k1 == network.TurnRight && k2 == network.TurnRight {
		return false
	}
	if a2 == (a1+2)%4 && k1 != network.TurnLeft && k2 != network.TurnLeft {
		return false
	}
	return true
}

func defaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func defaultFloat(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}
