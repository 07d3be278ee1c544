package sim

import (
	"fmt"

	"github.com/paulmach/orb"

	"github.com/citysim/microsim/sim/network"
)

// OwnerKind says whether spots line a lane or sit inside a building.
type OwnerKind uint8

const (
	OnStreet OwnerKind = iota
	OffStreet
)

// SpotOwner is the lane (on-street) or building (off-street) a spot belongs to.
type SpotOwner struct {
	Kind OwnerKind
	ID   int
}

// LaneOwner is the on-street owner for lane id.
func LaneOwner(id network.LaneID) SpotOwner { return SpotOwner{Kind: OnStreet, ID: int(id)} }

// BuildingOwner is the off-street owner for building id.
func BuildingOwner(id network.BuildingID) SpotOwner { return SpotOwner{Kind: OffStreet, ID: int(id)} }

func (o SpotOwner) String() string {
	if o.Kind == OnStreet {
		return fmt.Sprintf("lane %d", o.ID)
	}
	return fmt.Sprintf("building %d", o.ID)
}

// Position is where a car stops to use the owner's spots.
func (o SpotOwner) Position(m *network.Map) network.Position {
	if o.Kind == OnStreet {
		l := m.Lane(network.LaneID(o.ID))
		return network.Position{Lane: l.ID, Dist: l.Length / 2}
	}
	b := m.Building(network.BuildingID(o.ID))
	return network.Position{Lane: b.Lane, Dist: b.Offset}
}

// Point anchors the owner for proximity searches.
func (o SpotOwner) Point(m *network.Map) orb.Point {
	if o.Kind == OnStreet {
		return m.LanePoint(network.LaneID(o.ID))
	}
	return m.Building(network.BuildingID(o.ID)).Point
}

type parkingSpot struct {
	owner    SpotOwner
	occupant CarID
	occupied bool
}

// ParkingState is the spot inventory. Spot ids are dense: on-street spots of
// every lane in lane order, then off-street spots in building order.
type ParkingState struct {
	spots   []parkingSpot
	byOwner map[SpotOwner][]SpotID
	owners  []SpotOwner // owners with at least one spot, in id order
}

// NewParkingState creates every spot the map declares, all free.
func NewParkingState(m *network.Map) *ParkingState {
	ps := &ParkingState{byOwner: make(map[SpotOwner][]SpotID)}
	add := func(owner SpotOwner, n int) {
		if n <= 0 {
			return
		}
		ps.owners = append(ps.owners, owner)
		for i := 0; i < n; i++ {
			ps.byOwner[owner] = append(ps.byOwner[owner], SpotID(len(ps.spots)))
			ps.spots = append(ps.spots, parkingSpot{owner: owner})
		}
	}
	for _, l := range m.Lanes {
		if l.Kind == network.LaneDriving {
			add(LaneOwner(l.ID), l.ParkingSpots)
		}
	}
	for _, b := range m.Buildings {
		add(BuildingOwner(b.ID), b.ParkingSpots)
	}
	return ps
}

// Allocate gives car the first free spot of owner, in spot id order.
func (ps *ParkingState) Allocate(owner SpotOwner, car CarID) (SpotID, bool) {
	for _, id := range ps.byOwner[owner] {
		s := &ps.spots[id]
		if !s.occupied {
			s.occupied, s.occupant = true, car
			return id, true
		}
	}
	return -1, false
}

// Release frees spot. Releasing a spot that is already free is a
// consistency error.
func (ps *ParkingState) Release(spot SpotID) error {
	if spot < 0 || int(spot) >= len(ps.spots) {
		return consistencyErrorf("parking release", "unknown spot %d", spot)
	}
	s := &ps.spots[spot]
	if !s.occupied {
		return consistencyErrorf("parking release", "spot %d of %v is already free", spot, s.owner)
	}
	s.occupied, s.occupant = false, 0
	return nil
}

// HasFree reports whether owner has a free spot.
func (ps *ParkingState) HasFree(owner SpotOwner) bool {
	return ps.FreeCount(owner) > 0
}

// FreeCount is the number of free spots of owner.
func (ps *ParkingState) FreeCount(owner SpotOwner) int {
	n := 0
	for _, id := range ps.byOwner[owner] {
		if !ps.spots[id].occupied {
			n++
		}
	}
	return n
}

// Occupant returns the car in spot, if any.
func (ps *ParkingState) Occupant(spot SpotID) (CarID, bool) {
	s := ps.spots[spot]
	return s.occupant, s.occupied
}

// Owner returns the owner of spot.
func (ps *ParkingState) Owner(spot SpotID) SpotOwner { return ps.spots[spot].owner }

// Spots lists the spots of owner in id order.
func (ps *ParkingState) Spots(owner SpotOwner) []SpotID { return ps.byOwner[owner] }

// Owners lists every owner that has spots: lanes first, then buildings.
func (ps *ParkingState) Owners() []SpotOwner { return ps.owners }

// Len is the total number of spots.
func (ps *ParkingState) Len() int { return len(ps.spots) }
