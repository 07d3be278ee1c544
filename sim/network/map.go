// Package network holds the read-only road network the kernel moves agents
// over: lanes, turns, intersections with their conflict tables and signal
// stages, and buildings. Maps are produced by an external importer; this
// package only loads, validates and indexes them.
package network

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Identity types. Each is the index of the entity in its Map slice.
type (
	LaneID         int
	TurnID         int
	IntersectionID int
	BuildingID     int
)

// LaneKind distinguishes car lanes from sidewalks.
type LaneKind string

const (
	LaneDriving  LaneKind = "driving"
	LaneSidewalk LaneKind = "sidewalk"
)

// TurnKind classifies a movement through an intersection.
type TurnKind string

const (
	TurnStraight  TurnKind = "straight"
	TurnLeft      TurnKind = "left"
	TurnRight     TurnKind = "right"
	TurnUTurn     TurnKind = "uturn"
	TurnCrosswalk TurnKind = "crosswalk"
	// TurnCorner connects two sidewalks around a corner without crossing traffic.
	TurnCorner TurnKind = "corner"
)

// ControlType is how an intersection arbitrates turn requests.
type ControlType string

const (
	ControlUncontrolled ControlType = "uncontrolled"
	ControlStopSign     ControlType = "stop_sign"
	ControlSignal       ControlType = "signal"
	ControlBorder       ControlType = "border"
)

// Lane is a directed lane from Src to Dst.
type Lane struct {
	ID         LaneID         `yaml:"id"`
	Kind       LaneKind       `yaml:"kind"`
	Src        IntersectionID `yaml:"src"`
	Dst        IntersectionID `yaml:"dst"`
	Length     float64        `yaml:"length,omitempty"` // meters; derived from Geometry when zero
	SpeedLimit float64        `yaml:"speed_limit"`      // meters per second
	// ParkingSpots is the number of on-street spots along the lane.
	ParkingSpots int            `yaml:"parking_spots,omitempty"`
	Geometry     orb.LineString `yaml:"geometry,omitempty"`
}

// Turn is a movement through Intersection from lane From to lane To.
type Turn struct {
	ID           TurnID         `yaml:"id"`
	Intersection IntersectionID `yaml:"intersection"`
	From         LaneID         `yaml:"from"`
	To           LaneID         `yaml:"to"`
	Kind         TurnKind       `yaml:"kind"`
	Length       float64        `yaml:"length"`
	SpeedLimit   float64        `yaml:"speed_limit,omitempty"` // defaults to the destination lane's limit
}

// VariableTiming lets a signal stage extend itself while demand remains.
type VariableTiming struct {
	ExtensionMs   int64 `yaml:"extension_ms"`
	MaxExtensions int   `yaml:"max_extensions"`
}

// Stage is one signal phase: the set of turns that may be granted while it
// is active.
type Stage struct {
	Turns      []TurnID        `yaml:"turns"`
	DurationMs int64           `yaml:"duration_ms"`
	Variable   *VariableTiming `yaml:"variable,omitempty"`
}

// Intersection joins lanes. Conflicts lists unordered pairs of turns that
// must never be granted at the same time.
type Intersection struct {
	ID        IntersectionID `yaml:"id"`
	Control   ControlType    `yaml:"control"`
	Point     orb.Point      `yaml:"point"`
	Conflicts [][2]TurnID    `yaml:"conflicts,omitempty"`
	Stages    []Stage        `yaml:"stages,omitempty"`

	turns     []TurnID
	conflicts ConflictTable
}

// Building is a trip endpoint with optional off-street parking.
type Building struct {
	ID             BuildingID `yaml:"id"`
	Lane           LaneID     `yaml:"lane"` // driving lane the building fronts
	Offset         float64    `yaml:"offset"`
	Sidewalk       LaneID     `yaml:"sidewalk"`
	SidewalkOffset float64    `yaml:"sidewalk_offset"`
	ParkingSpots   int        `yaml:"parking_spots,omitempty"`
	Point          orb.Point  `yaml:"point"`
}

// Map is the full network. Build one with Load or New; both validate and
// index it.
type Map struct {
	Name          string         `yaml:"name"`
	Lanes         []Lane         `yaml:"lanes"`
	Turns         []Turn         `yaml:"turns"`
	Intersections []Intersection `yaml:"intersections"`
	Buildings     []Building     `yaml:"buildings,omitempty"`

	turnsFrom map[LaneID][]TurnID
	lanesFrom map[IntersectionID][]LaneID
	lanesInto map[IntersectionID][]LaneID
}

// Lane returns the lane with the given id. Callers pass ids taken from the
// map itself or validated against it.
func (m *Map) Lane(id LaneID) *Lane { return &m.Lanes[id] }

// Turn returns the turn with the given id.
func (m *Map) Turn(id TurnID) *Turn { return &m.Turns[id] }

// Intersection returns the intersection with the given id.
func (m *Map) Intersection(id IntersectionID) *Intersection { return &m.Intersections[id] }

// Building returns the building with the given id.
func (m *Map) Building(id BuildingID) *Building { return &m.Buildings[id] }

// HasLane reports whether id names a lane of m.
func (m *Map) HasLane(id LaneID) bool { return id >= 0 && int(id) < len(m.Lanes) }

// HasBuilding reports whether id names a building of m.
func (m *Map) HasBuilding(id BuildingID) bool { return id >= 0 && int(id) < len(m.Buildings) }

// HasIntersection reports whether id names an intersection of m.
func (m *Map) HasIntersection(id IntersectionID) bool {
	return id >= 0 && int(id) < len(m.Intersections)
}

// TurnsFrom lists the turns leaving lane id, in id order.
func (m *Map) TurnsFrom(id LaneID) []TurnID { return m.turnsFrom[id] }

// LanesFrom lists lanes whose source is intersection id, in id order.
func (m *Map) LanesFrom(id IntersectionID) []LaneID { return m.lanesFrom[id] }

// LanesInto lists lanes whose destination is intersection id, in id order.
func (m *Map) LanesInto(id IntersectionID) []LaneID { return m.lanesInto[id] }

// TurnIDs lists the turns through the intersection, in id order.
func (i *Intersection) TurnIDs() []TurnID { return i.turns }

// ConflictTable returns the precomputed pairwise conflict table.
func (i *Intersection) ConflictTable() ConflictTable { return i.conflicts }

// TurnSpeedLimit is the speed limit while crossing t.
func (m *Map) TurnSpeedLimit(t TurnID) float64 {
	turn := m.Turn(t)
	if turn.SpeedLimit > 0 {
		return turn.SpeedLimit
	}
	return m.Lane(turn.To).SpeedLimit
}

// LanePoint is the anchor point of a lane used for proximity searches: the
// center of its geometry bound, or the midpoint of its endpoints when the
// lane has no geometry.
func (m *Map) LanePoint(id LaneID) orb.Point {
	l := m.Lane(id)
	if len(l.Geometry) > 0 {
		return l.Geometry.Bound().Center()
	}
	src, dst := m.Intersection(l.Src).Point, m.Intersection(l.Dst).Point
	return orb.Point{(src[0] + dst[0]) / 2, (src[1] + dst[1]) / 2}
}

// Position is a point along a lane, measured in meters from its start.
type Position struct {
	Lane LaneID
	Dist float64
}

func (p Position) String() string {
	return fmt.Sprintf("lane %d @ %.1fm", p.Lane, p.Dist)
}
