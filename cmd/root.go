package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/citysim/microsim/sim"
	"github.com/citysim/microsim/sim/network"
	"github.com/citysim/microsim/sim/scenario"
	"github.com/citysim/microsim/sim/trace"
)

var (
	// CLI flags for the run command
	mapPath         string        // Road network YAML
	scenarioPath    string        // Demand YAML
	configPath      string        // Optional kernel tunables YAML
	seed            int64         // Overrides config and scenario seeds when set
	duration        time.Duration // Simulated time limit
	eventsPath      string        // JSONL trace output
	traceLevel      string        // Which records reach the events file
	logLevel        string        // Log verbosity level
	checkInvariants bool          // Re-verify invariants after every command
	jsonReport      bool          // Print the report as JSON
	withSummary     bool          // Attach an event summary to the report
	progressEvery   int           // Log every Nth finished trip; 0 disables
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "microsim",
	Short: "Discrete-event traffic microsimulation",
}

// runOptions is everything runSimulation needs, resolved from flags.
type runOptions struct {
	mapPath      string
	scenarioPath string
	cfg          sim.Config
	seed         *int64
	duration     sim.Duration
	eventsPath   string
	traceLevel   trace.TraceLevel
	jsonReport   bool
	withSummary  bool
	progress     int
	interrupt    <-chan os.Signal
}

// runOutput is the JSON document printed with --json.
type runOutput struct {
	*sim.Report
	Summary *trace.TraceSummary `json:"summary,omitempty"`
}

// runCmd executes the simulation using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario headless and print a report",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if mapPath == "" || scenarioPath == "" {
			logrus.Fatalf("--map and --scenario are required")
		}
		if !trace.IsValidTraceLevel(traceLevel) {
			logrus.Fatalf("Invalid trace level: %s (valid: none, outcomes, events)", traceLevel)
		}

		cfg := sim.DefaultConfig()
		if configPath != "" {
			cfg, err = sim.LoadConfig(configPath)
			if err != nil {
				logrus.Fatalf("%v", err)
			}
		}
		if cmd.Flags().Changed("check-invariants") {
			cfg.CheckInvariants = checkInvariants
		}
		opts := runOptions{
			mapPath:      mapPath,
			scenarioPath: scenarioPath,
			cfg:          cfg,
			duration:     sim.Duration(duration.Milliseconds()),
			eventsPath:   eventsPath,
			traceLevel:   trace.TraceLevel(traceLevel),
			jsonReport:   jsonReport,
			withSummary:  withSummary,
			progress:     progressEvery,
		}
		if cmd.Flags().Changed("seed") {
			opts.seed = &seed
		}
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		defer signal.Stop(sigs)
		opts.interrupt = sigs

		startTime := time.Now()
		if err := runSimulation(opts, os.Stdout); err != nil {
			logrus.WithFields(logrus.Fields{
				"map":      mapPath,
				"scenario": scenarioPath,
			}).Fatalf("simulation failed: %v", err)
		}
		logrus.Infof("Simulation complete in %v.", time.Since(startTime).Round(time.Millisecond))
	},
}

// runSimulation loads the inputs, runs to completion or the time limit and
// writes the report to out. A run that halts still writes its report.
func runSimulation(opts runOptions, out io.Writer) error {
	m, err := network.Load(opts.mapPath)
	if err != nil {
		return err
	}
	sc, err := scenario.Load(opts.scenarioPath)
	if err != nil {
		return err
	}
	cfg := opts.cfg
	if opts.seed != nil {
		cfg.Seed = *opts.seed
		sc.Seed = opts.seed // the command line beats the scenario file
	}

	var sinks trace.MultiSink
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		sinks = append(sinks, trace.LogSink{})
	}
	var events *trace.JSONLSink
	if opts.eventsPath != "" {
		f, err := os.Create(opts.eventsPath)
		if err != nil {
			return fmt.Errorf("creating events file: %w", err)
		}
		defer f.Close()
		w := bufio.NewWriter(f)
		defer func() {
			if err := w.Flush(); err != nil {
				logrus.Warnf("flushing events file: %v", err)
			}
		}()
		events = trace.NewJSONLSink(w)
		sinks = append(sinks, trace.LevelSink{Level: opts.traceLevel, Next: events})
	}
	var log *trace.EventLog
	if opts.withSummary {
		log = trace.NewEventLog()
		sinks = append(sinks, log)
	}
	var progress *progressLogger
	if opts.progress > 0 {
		progress = newProgressLogger(opts.progress)
		sinks = append(sinks, trace.LevelSink{Level: trace.TraceLevelOutcomes, Next: progress.sink})
	}

	s, err := sim.New(m, sc, cfg, network.NewDijkstra(m), sinks)
	if err != nil {
		if progress != nil {
			progress.finish()
		}
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	if opts.interrupt != nil {
		go func() {
			select {
			case <-opts.interrupt:
				logrus.Warn("interrupted; stopping at the next command boundary")
				s.Pause()
			case <-stop:
			}
		}()
	}

	report, runErr := s.Run(opts.duration)
	if progress != nil {
		progress.finish()
	}
	if report == nil {
		return runErr
	}
	if events != nil && events.Err() != nil {
		logrus.Warnf("events file incomplete: %v", events.Err())
	}

	if opts.jsonReport {
		doc := runOutput{Report: report}
		if log != nil {
			doc.Summary = trace.Summarize(log)
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		fmt.Fprintln(out, string(data))
	} else {
		report.Print(out)
		if log != nil {
			printSummary(out, trace.Summarize(log))
		}
	}
	return runErr
}

func printSummary(w io.Writer, s *trace.TraceSummary) {
	fmt.Fprintln(w, "=== Event Summary ===")
	fmt.Fprintf(w, "Records              : %d\n", s.TotalRecords)
	intersections := lo.Keys(s.DenialsByIntersection)
	slices.Sort(intersections)
	for _, i := range intersections {
		fmt.Fprintf(w, "  Denials at %d : %d\n", i, s.DenialsByIntersection[i])
	}
	causes := lo.Keys(s.DelaysByCause)
	slices.Sort(causes)
	for _, cause := range causes {
		fmt.Fprintf(w, "  Delays (%s) : %d\n", cause, s.DelaysByCause[cause])
	}
	if len(s.Stranded) > 0 {
		fmt.Fprintf(w, "Stranded alerts      : %s\n", strings.Join(s.Stranded, ", "))
	}
}

// progressLogger drains trip outcomes on its own goroutine so logging never
// holds up the kernel. Records that do not fit the buffer are dropped.
type progressLogger struct {
	sink  *trace.ChannelSink
	every int
	wg    sync.WaitGroup
}

func newProgressLogger(every int) *progressLogger {
	p := &progressLogger{sink: trace.NewChannelSink(1024), every: every}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		finished := 0
		for r := range p.sink.C {
			if r.Kind != trace.KindTripCompleted && r.Kind != trace.KindTripAborted {
				continue
			}
			finished++
			if finished%p.every == 0 {
				logrus.WithField("sim_ms", r.Time).Infof("%d trips finished", finished)
			}
		}
	}()
	return p
}

// finish must be called once the run has stopped emitting.
func (p *progressLogger) finish() {
	close(p.sink.C)
	p.wg.Wait()
	if n := p.sink.Dropped(); n > 0 {
		logrus.Debugf("progress: %d records dropped", n)
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&mapPath, "map", "", "Road network YAML file")
	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario YAML file")
	runCmd.Flags().StringVar(&configPath, "config", "", "Kernel tunables YAML file (defaults when empty)")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for pedestrian speeds; overrides the config and scenario seeds")
	runCmd.Flags().DurationVar(&duration, "duration", 24*time.Hour, "Simulated time limit")
	runCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().BoolVar(&checkInvariants, "check-invariants", false, "Re-verify invariants after every command")

	// Output
	runCmd.Flags().StringVar(&eventsPath, "events", "", "Write trace records as JSON lines to this file")
	runCmd.Flags().StringVar(&traceLevel, "trace-level", string(trace.TraceLevelEvents), "Records written to --events (none, outcomes, events)")
	runCmd.Flags().BoolVar(&jsonReport, "json", true, "Print the report as JSON (--json=false for a text table)")
	runCmd.Flags().BoolVar(&withSummary, "summary", false, "Attach a summary of trace records to the report")
	runCmd.Flags().IntVar(&progressEvery, "progress", 0, "Log every Nth finished trip (0 disables)")

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
