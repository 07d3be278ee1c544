package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citysim/microsim/sim"
	"github.com/citysim/microsim/sim/trace"
)

// exampleOptions runs the bundled example for an hour of simulated time.
func exampleOptions() runOptions {
	cfg := sim.DefaultConfig()
	cfg.CheckInvariants = true
	return runOptions{
		mapPath:      filepath.Join("..", "examples", "map.yaml"),
		scenarioPath: filepath.Join("..", "examples", "scenario.yaml"),
		cfg:          cfg,
		duration:     sim.Hour,
		traceLevel:   trace.TraceLevelEvents,
		jsonReport:   true,
	}
}

func decodeReport(t *testing.T, out []byte) runOutput {
	t.Helper()
	var doc runOutput
	require.NoError(t, json.Unmarshal(out, &doc), "output: %s", out)
	require.NotNil(t, doc.Report)
	return doc
}

func TestRunSimulation_Example_JSONReport(t *testing.T) {
	// GIVEN the bundled example with an events file and a summary
	opts := exampleOptions()
	opts.eventsPath = filepath.Join(t.TempDir(), "events.jsonl")
	opts.withSummary = true
	var out bytes.Buffer

	// WHEN it runs
	err := runSimulation(opts, &out)

	// THEN the report accounts for every trip and the events file holds one
	// record per line
	require.NoError(t, err)
	doc := decodeReport(t, out.Bytes())
	assert.Equal(t, "main-street", doc.Map)
	assert.Equal(t, "morning", doc.Scenario)
	assert.Equal(t, 6, doc.Trips.Total)
	assert.Equal(t, doc.Trips.Total, doc.Trips.Completed+doc.Trips.Aborted+doc.Trips.Unfinished)
	assert.Empty(t, doc.Halted)
	require.NotNil(t, doc.Summary)
	assert.Equal(t, doc.Trips.Completed, doc.Summary.TripsCompleted)

	f, err := os.Open(opts.eventsPath)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r trace.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		lines++
	}
	assert.Equal(t, doc.Summary.TotalRecords, lines)
}

func TestRunSimulation_OutcomesTraceLevel_FiltersEvents(t *testing.T) {
	opts := exampleOptions()
	opts.eventsPath = filepath.Join(t.TempDir(), "events.jsonl")
	opts.traceLevel = trace.TraceLevelOutcomes

	require.NoError(t, runSimulation(opts, &bytes.Buffer{}))

	data, err := os.ReadFile(opts.eventsPath)
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var r trace.Record
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		if !trace.TraceLevelOutcomes.Admits(r.Kind) {
			t.Errorf("unexpected %s record at outcomes level", r.Kind)
		}
	}
}

func TestRunSimulation_SeedFlag_OverridesScenario(t *testing.T) {
	// GIVEN two runs of the same inputs
	run := func(seed *int64) *sim.Report {
		opts := exampleOptions()
		opts.seed = seed
		var out bytes.Buffer
		require.NoError(t, runSimulation(opts, &out))
		return decodeReport(t, out.Bytes()).Report
	}
	seed := int64(99)

	// WHEN one sets --seed
	plain, seeded := run(nil), run(&seed)

	// THEN only that run reports the flag's seed and a different run id
	assert.Equal(t, int64(42), plain.Seed)
	assert.Equal(t, int64(99), seeded.Seed)
	assert.NotEqual(t, plain.RunID, seeded.RunID)
	assert.Equal(t, plain.RunID, run(nil).RunID, "same inputs give the same run id")
}

func TestRunSimulation_TextReport(t *testing.T) {
	opts := exampleOptions()
	opts.jsonReport = false
	opts.withSummary = true
	var out bytes.Buffer

	require.NoError(t, runSimulation(opts, &out))

	assert.Contains(t, out.String(), "=== Simulation Report ===")
	assert.Contains(t, out.String(), "=== Event Summary ===")
}

func TestRunSimulation_ShortDuration_LeavesTripsUnfinished(t *testing.T) {
	opts := exampleOptions()
	opts.duration = 10 * sim.Second
	var out bytes.Buffer

	require.NoError(t, runSimulation(opts, &out))

	doc := decodeReport(t, out.Bytes())
	assert.Greater(t, doc.Trips.Unfinished, 0)
	assert.LessOrEqual(t, doc.SimulatedMs, int64(10000))
}

func TestRunSimulation_InputErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*runOptions)
		wantErr string
	}{
		{"missing map", func(o *runOptions) { o.mapPath = "nope.yaml" }, "reading map"},
		{"missing scenario", func(o *runOptions) { o.scenarioPath = "nope.yaml" }, "reading scenario"},
		{"bad config", func(o *runOptions) { o.cfg.RetryDelayMs = 0 }, "retry_delay_ms"},
		{"events dir missing", func(o *runOptions) { o.eventsPath = filepath.Join("no", "such", "dir", "e.jsonl") }, "creating events file"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := exampleOptions()
			tc.mutate(&opts)
			var out bytes.Buffer

			err := runSimulation(opts, &out)

			assert.ErrorContains(t, err, tc.wantErr)
			assert.Empty(t, out.String(), "nothing is reported when loading fails")
		})
	}
}

func TestProgressLogger_CountsFinishedTrips(t *testing.T) {
	// GIVEN a progress logger fed a mix of records
	p := newProgressLogger(2)
	for _, k := range []trace.Kind{trace.KindTripStarted, trace.KindTripCompleted, trace.KindTripAborted, trace.KindTripCompleted} {
		p.sink.Emit(trace.New(0, k))
	}

	// WHEN it is finished
	p.finish()

	// THEN nothing was dropped
	assert.Equal(t, 0, p.sink.Dropped())
}

func TestRunCmd_Flags(t *testing.T) {
	for _, name := range []string{"map", "scenario", "config", "seed", "duration", "events", "trace-level", "log", "json", "summary", "progress", "check-invariants"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "flag --%s", name)
	}
	assert.Equal(t, "24h0m0s", runCmd.Flags().Lookup("duration").DefValue)
}
