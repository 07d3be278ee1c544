package network

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"github.com/paulmach/orb/planar"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML map file. Parsing is strict: unknown keys are rejected.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading map: %w", err)
	}
	var m Map
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing map: %w", err)
	}
	if err := m.Build(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Build validates m and computes its indices. It must be called once on a
// Map assembled in code before the Map is used.
func (m *Map) Build() error {
	if err := m.validateIDs(); err != nil {
		return err
	}
	for i := range m.Lanes {
		l := &m.Lanes[i]
		if l.Length == 0 && len(l.Geometry) > 1 {
			l.Length = planar.Length(l.Geometry)
		}
		if err := m.validateLane(l); err != nil {
			return err
		}
	}
	for i := range m.Turns {
		if err := m.validateTurn(&m.Turns[i]); err != nil {
			return err
		}
	}
	for i := range m.Buildings {
		if err := m.validateBuilding(&m.Buildings[i]); err != nil {
			return err
		}
	}

	m.turnsFrom = make(map[LaneID][]TurnID)
	m.lanesFrom = make(map[IntersectionID][]LaneID)
	m.lanesInto = make(map[IntersectionID][]LaneID)
	for _, l := range m.Lanes {
		m.lanesFrom[l.Src] = append(m.lanesFrom[l.Src], l.ID)
		m.lanesInto[l.Dst] = append(m.lanesInto[l.Dst], l.ID)
	}
	for i := range m.Intersections {
		m.Intersections[i].turns = nil
	}
	for _, t := range m.Turns {
		m.turnsFrom[t.From] = append(m.turnsFrom[t.From], t.ID)
		in := &m.Intersections[t.Intersection]
		in.turns = append(in.turns, t.ID)
	}
	for i := range m.Intersections {
		if err := m.validateIntersection(&m.Intersections[i]); err != nil {
			return err
		}
		m.Intersections[i].conflicts = newConflictTable(m.Intersections[i].Conflicts)
	}
	return nil
}

func (m *Map) validateIDs() error {
	for i, l := range m.Lanes {
		if int(l.ID) != i {
			return fmt.Errorf("lane[%d]: id %d must equal its index", i, l.ID)
		}
	}
	for i, t := range m.Turns {
		if int(t.ID) != i {
			return fmt.Errorf("turn[%d]: id %d must equal its index", i, t.ID)
		}
	}
	for i, in := range m.Intersections {
		if int(in.ID) != i {
			return fmt.Errorf("intersection[%d]: id %d must equal its index", i, in.ID)
		}
	}
	for i, b := range m.Buildings {
		if int(b.ID) != i {
			return fmt.Errorf("building[%d]: id %d must equal its index", i, b.ID)
		}
	}
	return nil
}

func (m *Map) validateLane(l *Lane) error {
	prefix := fmt.Sprintf("lane[%d]", l.ID)
	if l.Kind != LaneDriving && l.Kind != LaneSidewalk {
		return fmt.Errorf("%s: unknown kind %q; valid: driving, sidewalk", prefix, l.Kind)
	}
	if !m.HasIntersection(l.Src) || !m.HasIntersection(l.Dst) {
		return fmt.Errorf("%s: endpoints %d->%d reference unknown intersections", prefix, l.Src, l.Dst)
	}
	if l.Length <= 0 {
		return fmt.Errorf("%s: length must be positive (or geometry given), got %f", prefix, l.Length)
	}
	if l.SpeedLimit <= 0 {
		return fmt.Errorf("%s: speed_limit must be positive, got %f", prefix, l.SpeedLimit)
	}
	if l.ParkingSpots < 0 {
		return fmt.Errorf("%s: parking_spots must be non-negative, got %d", prefix, l.ParkingSpots)
	}
	if l.ParkingSpots > 0 && l.Kind != LaneDriving {
		return fmt.Errorf("%s: only driving lanes have on-street parking", prefix)
	}
	return nil
}

var validTurnKinds = map[TurnKind]bool{
	TurnStraight: true, TurnLeft: true, TurnRight: true, TurnUTurn: true, TurnCrosswalk: true, TurnCorner: true,
}

func (m *Map) validateTurn(t *Turn) error {
	prefix := fmt.Sprintf("turn[%d]", t.ID)
	if !validTurnKinds[t.Kind] {
		return fmt.Errorf("%s: unknown kind %q", prefix, t.Kind)
	}
	if !m.HasIntersection(t.Intersection) {
		return fmt.Errorf("%s: unknown intersection %d", prefix, t.Intersection)
	}
	if !m.HasLane(t.From) || !m.HasLane(t.To) {
		return fmt.Errorf("%s: lanes %d->%d unknown", prefix, t.From, t.To)
	}
	from, to := m.Lane(t.From), m.Lane(t.To)
	if from.Dst != t.Intersection || to.Src != t.Intersection {
		return fmt.Errorf("%s: lanes %d->%d do not meet at intersection %d", prefix, t.From, t.To, t.Intersection)
	}
	if from.Kind != to.Kind {
		return fmt.Errorf("%s: connects a %s lane to a %s lane", prefix, from.Kind, to.Kind)
	}
	pedestrian := t.Kind == TurnCrosswalk || t.Kind == TurnCorner
	if pedestrian != (from.Kind == LaneSidewalk) {
		return fmt.Errorf("%s: %s turn cannot connect %s lanes", prefix, t.Kind, from.Kind)
	}
	if t.Length <= 0 {
		return fmt.Errorf("%s: length must be positive, got %f", prefix, t.Length)
	}
	return nil
}

func (m *Map) validateBuilding(b *Building) error {
	prefix := fmt.Sprintf("building[%d]", b.ID)
	if !m.HasLane(b.Lane) || m.Lane(b.Lane).Kind != LaneDriving {
		return fmt.Errorf("%s: lane %d is not a driving lane", prefix, b.Lane)
	}
	if !m.HasLane(b.Sidewalk) || m.Lane(b.Sidewalk).Kind != LaneSidewalk {
		return fmt.Errorf("%s: sidewalk %d is not a sidewalk", prefix, b.Sidewalk)
	}
	if b.Offset < 0 || b.Offset > m.Lane(b.Lane).Length {
		return fmt.Errorf("%s: offset %f outside lane %d", prefix, b.Offset, b.Lane)
	}
	if b.SidewalkOffset < 0 || b.SidewalkOffset > m.Lane(b.Sidewalk).Length {
		return fmt.Errorf("%s: sidewalk_offset %f outside lane %d", prefix, b.SidewalkOffset, b.Sidewalk)
	}
	if b.ParkingSpots < 0 {
		return fmt.Errorf("%s: parking_spots must be non-negative, got %d", prefix, b.ParkingSpots)
	}
	return nil
}

var validControls = map[ControlType]bool{
	ControlUncontrolled: true, ControlStopSign: true, ControlSignal: true, ControlBorder: true,
}

func (m *Map) validateIntersection(in *Intersection) error {
	prefix := fmt.Sprintf("intersection[%d]", in.ID)
	if !validControls[in.Control] {
		return fmt.Errorf("%s: unknown control %q; valid: uncontrolled, stop_sign, signal, border", prefix, in.Control)
	}
	own := func(t TurnID) bool { return slices.Contains(in.turns, t) }
	for _, pair := range in.Conflicts {
		if !own(pair[0]) || !own(pair[1]) {
			return fmt.Errorf("%s: conflict %v references a turn of another intersection", prefix, pair)
		}
		if pair[0] == pair[1] {
			return fmt.Errorf("%s: turn %d cannot conflict with itself", prefix, pair[0])
		}
	}
	if dups := lo.FindDuplicatesBy(in.Conflicts, func(p [2]TurnID) [2]TurnID { return orderedPair(p[0], p[1]) }); len(dups) > 0 {
		return fmt.Errorf("%s: conflict %v listed twice", prefix, dups[0])
	}
	if in.Control != ControlSignal {
		if len(in.Stages) > 0 {
			return fmt.Errorf("%s: stages given for a %s intersection", prefix, in.Control)
		}
		return nil
	}
	if len(in.Stages) == 0 {
		return fmt.Errorf("%s: signal needs at least one stage", prefix)
	}
	for si, st := range in.Stages {
		if st.DurationMs <= 0 {
			return fmt.Errorf("%s.stages[%d]: duration_ms must be positive, got %d", prefix, si, st.DurationMs)
		}
		for _, t := range st.Turns {
			if !own(t) {
				return fmt.Errorf("%s.stages[%d]: turn %d belongs to another intersection", prefix, si, t)
			}
		}
		if v := st.Variable; v != nil && (v.ExtensionMs <= 0 || v.MaxExtensions < 0) {
			return fmt.Errorf("%s.stages[%d]: variable timing needs positive extension_ms and non-negative max_extensions", prefix, si)
		}
	}
	return nil
}
