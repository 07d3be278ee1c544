package sim

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/citysim/microsim/sim/network"
	"github.com/citysim/microsim/sim/scenario"
	"github.com/citysim/microsim/sim/trace"
)

// testConfig is DefaultConfig with invariant checking after every command.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CheckInvariants = true
	return cfg
}

// testScenario bundles people and trips into a valid version-1 scenario.
func testScenario(people []scenario.PersonSpec, trips ...scenario.TripSpec) *scenario.Scenario {
	return &scenario.Scenario{Version: "1", Name: "test", People: people, Trips: trips}
}

// newTestSim builds a simulator over m using Dijkstra paths and an
// in-memory event log. mutate, when non-nil, adjusts the config first.
func newTestSim(t *testing.T, m *network.Map, sc *scenario.Scenario, mutate func(*Config)) (*Simulator, *trace.EventLog) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	log := trace.NewEventLog()
	s, err := New(m, sc, cfg, network.NewDijkstra(m), log)
	require.NoError(t, err)
	return s, log
}

// runToEnd runs the headless loop for up to an hour of simulated time.
func runToEnd(t *testing.T, s *Simulator) *Report {
	t.Helper()
	r, err := s.Run(Hour)
	require.NoError(t, err)
	return r
}

// agentsOf returns the Agent field of every record of kind k.
func agentsOf(log *trace.EventLog, k trace.Kind) []string {
	var out []string
	for _, r := range log.OfKind(k) {
		out = append(out, r.Agent)
	}
	return out
}
