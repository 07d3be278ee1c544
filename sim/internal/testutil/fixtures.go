// Package testutil provides shared test infrastructure for the kernel:
// small fixture maps, scenario builders and assertion helpers used across
// sim/ and its subpackages.
package testutil

import (
	"math"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/citysim/microsim/sim/network"
	"github.com/citysim/microsim/sim/scenario"
)

// RepoPath resolves elems against the repository root.
// The path is resolved relative to this source file: sim/internal/testutil/ → repo root.
func RepoPath(t testing.TB, elems ...string) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	parts := append([]string{filepath.Dir(thisFile), "..", "..", ".."}, elems...)
	return filepath.Join(parts...)
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// AtBuilding is an endpoint at building id.
func AtBuilding(id network.BuildingID) scenario.Endpoint {
	return scenario.Endpoint{Building: Ptr(id)}
}

// AtBorder is an endpoint at border intersection id.
func AtBorder(id network.IntersectionID) scenario.Endpoint {
	return scenario.Endpoint{Border: Ptr(id)}
}

// AtLane is an endpoint dist meters along lane id.
func AtLane(id network.LaneID, dist float64) scenario.Endpoint {
	return scenario.Endpoint{Lane: Ptr(id), Dist: dist}
}

// Car is a 4.5 m car with a 15 m/s top speed.
func Car() *scenario.VehicleSpec {
	return &scenario.VehicleSpec{Class: network.ClassCar, Length: 4.5, MaxSpeed: 15}
}

// Drive is a one-leg driving trip.
func Drive(id, person int, departMs int64, from, to scenario.Endpoint) scenario.TripSpec {
	return scenario.TripSpec{
		ID: id, Person: person, DepartMs: departMs,
		Legs: []scenario.LegSpec{{Mode: scenario.ModeDrive, From: from, To: to}},
	}
}

// Walk is a one-leg walking trip.
func Walk(id, person int, departMs int64, from, to scenario.Endpoint) scenario.TripSpec {
	return scenario.TripSpec{
		ID: id, Person: person, DepartMs: departMs,
		Legs: []scenario.LegSpec{{Mode: scenario.ModeWalk, From: from, To: to}},
	}
}
