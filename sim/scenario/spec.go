// Package scenario loads the read-only demand a run starts from: people,
// their vehicles and where those are parked, and the trips they take.
package scenario

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/citysim/microsim/sim/network"
)

// Mode is the way a leg is travelled.
type Mode string

const (
	ModeWalk  Mode = "walk"
	ModeDrive Mode = "drive"
	ModeBike  Mode = "bike"
)

// Scenario is the top-level demand file.
type Scenario struct {
	Version string       `yaml:"version"`
	Name    string       `yaml:"name"`
	Seed    *int64       `yaml:"seed,omitempty"` // overrides the config seed when set
	People  []PersonSpec `yaml:"people"`
	Trips   []TripSpec   `yaml:"trips"`
}

// PersonSpec is one person and the vehicle they own, if any.
type PersonSpec struct {
	ID       int          `yaml:"id"`
	Vehicle  *VehicleSpec `yaml:"vehicle,omitempty"`
	ParkedAt *Endpoint    `yaml:"parked_at,omitempty"` // building or lane where the car starts parked
}

// VehicleSpec is a vehicle's physical profile.
type VehicleSpec struct {
	Class    network.VehicleClass `yaml:"class"`
	Length   float64              `yaml:"length"`    // meters
	MaxSpeed float64              `yaml:"max_speed"` // meters per second
}

// TripSpec is an ordered list of legs that starts at DepartMs.
type TripSpec struct {
	ID       int       `yaml:"id"`
	Person   int       `yaml:"person"`
	DepartMs int64     `yaml:"depart_ms"`
	Legs     []LegSpec `yaml:"legs"`
}

// LegSpec is a single-mode segment of a trip.
type LegSpec struct {
	Mode Mode     `yaml:"mode"`
	From Endpoint `yaml:"from"`
	To   Endpoint `yaml:"to"`
}

// Endpoint names exactly one of: a building, a border intersection, or a
// raw lane position.
type Endpoint struct {
	Building *network.BuildingID     `yaml:"building,omitempty"`
	Border   *network.IntersectionID `yaml:"border,omitempty"`
	Lane     *network.LaneID         `yaml:"lane,omitempty"`
	Dist     float64                 `yaml:"dist,omitempty"`
}

func (e Endpoint) String() string {
	switch {
	case e.Building != nil:
		return fmt.Sprintf("building %d", *e.Building)
	case e.Border != nil:
		return fmt.Sprintf("border %d", *e.Border)
	case e.Lane != nil:
		return fmt.Sprintf("lane %d @ %.1fm", *e.Lane, e.Dist)
	}
	return "nowhere"
}

var validModes = map[Mode]bool{ModeWalk: true, ModeDrive: true, ModeBike: true}

// Load reads and parses a YAML scenario file. Unknown keys are rejected.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if sc.Version == "" {
		logrus.Warnf("scenario %q has no version; assuming \"1\"", sc.Name)
		sc.Version = "1"
	}
	return &sc, nil
}

// Validate checks the scenario on its own and against the map it will run on.
func (s *Scenario) Validate(m *network.Map) error {
	if s.Version != "1" {
		return fmt.Errorf("unsupported scenario version %q", s.Version)
	}
	if dups := lo.FindDuplicatesBy(s.People, func(p PersonSpec) int { return p.ID }); len(dups) > 0 {
		return fmt.Errorf("person id %d listed twice", dups[0].ID)
	}
	if dups := lo.FindDuplicatesBy(s.Trips, func(t TripSpec) int { return t.ID }); len(dups) > 0 {
		return fmt.Errorf("trip id %d listed twice", dups[0].ID)
	}
	people := lo.SliceToMap(s.People, func(p PersonSpec) (int, PersonSpec) { return p.ID, p })
	for i, p := range s.People {
		if err := validatePerson(&p, i, m); err != nil {
			return err
		}
	}
	for i, t := range s.Trips {
		if err := validateTrip(&t, i, people, m); err != nil {
			return err
		}
	}
	return nil
}

func validatePerson(p *PersonSpec, idx int, m *network.Map) error {
	prefix := fmt.Sprintf("people[%d]", idx)
	if p.ID < 0 {
		return fmt.Errorf("%s: id must be non-negative, got %d", prefix, p.ID)
	}
	if p.Vehicle == nil {
		if p.ParkedAt != nil {
			return fmt.Errorf("%s: parked_at given without a vehicle", prefix)
		}
		return nil
	}
	v := p.Vehicle
	if v.Class != network.ClassCar && v.Class != network.ClassBike {
		return fmt.Errorf("%s.vehicle: unknown class %q; valid: car, bike", prefix, v.Class)
	}
	if err := validateFinitePositive(prefix+".vehicle.length", v.Length); err != nil {
		return err
	}
	if err := validateFinitePositive(prefix+".vehicle.max_speed", v.MaxSpeed); err != nil {
		return err
	}
	if p.ParkedAt == nil {
		return nil
	}
	if v.Class != network.ClassCar {
		return fmt.Errorf("%s: only cars can start parked", prefix)
	}
	e := p.ParkedAt
	switch {
	case e.Building != nil && e.Lane == nil && e.Border == nil:
		if !m.HasBuilding(*e.Building) {
			return fmt.Errorf("%s.parked_at: unknown building %d", prefix, *e.Building)
		}
	case e.Lane != nil && e.Building == nil && e.Border == nil:
		if !m.HasLane(*e.Lane) || m.Lane(*e.Lane).Kind != network.LaneDriving {
			return fmt.Errorf("%s.parked_at: lane %d is not a driving lane", prefix, *e.Lane)
		}
	default:
		return fmt.Errorf("%s.parked_at: must name exactly one building or lane", prefix)
	}
	return nil
}

func validateTrip(t *TripSpec, idx int, people map[int]PersonSpec, m *network.Map) error {
	prefix := fmt.Sprintf("trips[%d]", idx)
	if t.ID < 0 {
		return fmt.Errorf("%s: id must be non-negative, got %d", prefix, t.ID)
	}
	p, ok := people[t.Person]
	if !ok {
		return fmt.Errorf("%s: unknown person %d", prefix, t.Person)
	}
	if t.DepartMs < 0 {
		return fmt.Errorf("%s: depart_ms must be non-negative, got %d", prefix, t.DepartMs)
	}
	if len(t.Legs) == 0 {
		return fmt.Errorf("%s: at least one leg required", prefix)
	}
	for li, leg := range t.Legs {
		lp := fmt.Sprintf("%s.legs[%d]", prefix, li)
		if !validModes[leg.Mode] {
			return fmt.Errorf("%s: unknown mode %q; valid: walk, drive, bike", lp, leg.Mode)
		}
		switch leg.Mode {
		case ModeDrive:
			if p.Vehicle == nil || p.Vehicle.Class != network.ClassCar {
				return fmt.Errorf("%s: person %d has no car", lp, p.ID)
			}
		case ModeBike:
			if p.Vehicle == nil || p.Vehicle.Class != network.ClassBike {
				return fmt.Errorf("%s: person %d has no bike", lp, p.ID)
			}
		}
		kind := network.LaneDriving
		if leg.Mode == ModeWalk {
			kind = network.LaneSidewalk
		}
		if err := validateEndpoint(lp+".from", leg.From, kind, m); err != nil {
			return err
		}
		if err := validateEndpoint(lp+".to", leg.To, kind, m); err != nil {
			return err
		}
	}
	return nil
}

func validateEndpoint(prefix string, e Endpoint, kind network.LaneKind, m *network.Map) error {
	n := 0
	for _, set := range []bool{e.Building != nil, e.Border != nil, e.Lane != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%s: must name exactly one of building, border, lane", prefix)
	}
	switch {
	case e.Building != nil:
		if !m.HasBuilding(*e.Building) {
			return fmt.Errorf("%s: unknown building %d", prefix, *e.Building)
		}
	case e.Border != nil:
		if !m.HasIntersection(*e.Border) || m.Intersection(*e.Border).Control != network.ControlBorder {
			return fmt.Errorf("%s: intersection %d is not a border", prefix, *e.Border)
		}
	case e.Lane != nil:
		if !m.HasLane(*e.Lane) || m.Lane(*e.Lane).Kind != kind {
			return fmt.Errorf("%s: lane %d is not a %s lane", prefix, *e.Lane, kind)
		}
		if e.Dist < 0 || e.Dist > m.Lane(*e.Lane).Length {
			return fmt.Errorf("%s: dist %f outside lane %d", prefix, e.Dist, *e.Lane)
		}
	}
	return nil
}

func validateFinitePositive(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, val)
	}
	if val <= 0 {
		return fmt.Errorf("%s must be positive, got %f", name, val)
	}
	return nil
}
