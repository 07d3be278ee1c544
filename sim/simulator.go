package sim

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/citysim/microsim/sim/network"
	"github.com/citysim/microsim/sim/scenario"
	"github.com/citysim/microsim/sim/trace"
)

// HookFunc is an injected callback, fired by the Scheduler like any other
// command. Hooks may read snapshots, schedule further hooks and pause the
// run; they must not step the simulator themselves. An error halts the run.
type HookFunc func(s *Simulator, now Time) error

// Simulator owns the Scheduler and every component, and is the only thing
// that dispatches commands. It is not safe for concurrent use, except for
// Pause and Resume.
type Simulator struct {
	cfg      Config
	m        *network.Map
	scenario string
	seed     int64
	runID    uuid.UUID

	sched   *Scheduler
	rng     *PersonRNG
	ic      *Intersections
	parking *ParkingState
	router  *Router
	driving *DrivingState
	walking *WalkingState
	trips   *TripManager

	sink       trace.Sink
	sinkPanics int

	hooks       []HookFunc
	hookFirings []HookID // firing instance -> hook

	paused   atomic.Bool
	halted   error
	lastTime Time
	alerted  map[AgentID]bool // stranded agents already reported
}

// New builds a simulator for sc on m. The scenario is validated against the
// map first; any load problem is a *ConsistencyError and nothing runs. The
// scenario's seed, when set, overrides cfg.Seed. sink may be nil.
func New(m *network.Map, sc *scenario.Scenario, cfg Config, pf network.Pathfinder, sink trace.Sink) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConsistencyError{What: "config", Detail: err.Error()}
	}
	if err := sc.Validate(m); err != nil {
		return nil, &ConsistencyError{What: "scenario", Detail: err.Error()}
	}
	seed := cfg.Seed
	if sc.Seed != nil {
		seed = *sc.Seed
	}
	s := &Simulator{
		cfg:      cfg,
		m:        m,
		scenario: sc.Name,
		seed:     seed,
		runID:    uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("microsim/%s/%s/%d", m.Name, sc.Name, seed))),
		sched:    NewScheduler(),
		rng:      NewPersonRNG(seed),
		sink:     sink,
		alerted:  make(map[AgentID]bool),
	}
	emit := s.emit
	s.ic = NewIntersections(m, s.sched, cfg.RetryDelay(), emit)
	s.parking = NewParkingState(m)
	s.router = NewRouter(m, pf, s.parking, cfg.ParkingSearchRadiusM)
	s.driving = NewDrivingState(m, s.sched, s.ic, s.parking, s.router, cfg, emit)
	s.walking = NewWalkingState(m, s.sched, s.ic, s.router, s.rng, cfg, emit)
	s.trips = NewTripManager(m, s.sched, s.router, s.driving, s.walking, cfg.RetryDelay(), emit)

	if err := s.trips.Load(sc); err != nil {
		return nil, err
	}
	if err := s.ic.start(0); err != nil {
		return nil, err
	}
	logrus.Infof("run %s: map %q, scenario %q, seed %d, %d trips", s.runID, m.Name, sc.Name, seed, len(s.trips.Trips()))
	return s, nil
}

// emit hands r to the sink. Sinks cannot stop the run: a panicking sink is
// logged and counted.
func (s *Simulator) emit(r trace.Record) {
	if s.sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.sinkPanics++
			logrus.Warnf("trace sink panicked on %s record: %v", r.Kind, p)
		}
	}()
	s.sink.Emit(r)
}

// Now is the current simulated time.
func (s *Simulator) Now() Time { return s.sched.Now() }

// RunID identifies the run; it is derived from map, scenario and seed.
func (s *Simulator) RunID() uuid.UUID { return s.runID }

// Halted returns the fatal error that stopped the run, if any.
func (s *Simulator) Halted() error { return s.halted }

// Pause makes a running RunUntil, RunFor or Run return before its next
// command. Safe to call from another goroutine.
func (s *Simulator) Pause() { s.paused.Store(true) }

// Resume clears Pause.
func (s *Simulator) Resume() { s.paused.Store(false) }

// Paused reports whether the simulator is paused.
func (s *Simulator) Paused() bool { return s.paused.Load() }

// RunUntil dispatches every command due at or before t, then moves the
// clock to t. It returns early, without moving the clock, when paused.
func (s *Simulator) RunUntil(t Time) (int, error) {
	return s.RunFor(t, math.MaxInt)
}

// Step dispatches at most n commands regardless of their time. It ignores
// Pause so a paused UI can single-step.
func (s *Simulator) Step(n int) (int, error) {
	if err := s.checkHalted(); err != nil {
		return 0, err
	}
	done := 0
	for done < n {
		ok, err := s.dispatchNext()
		if err != nil || !ok {
			return done, err
		}
		done++
	}
	return done, nil
}

// RunFor dispatches commands due at or before t, stopping after n of them.
// The clock moves to t only when every command up to t has run.
func (s *Simulator) RunFor(t Time, n int) (int, error) {
	if err := s.checkHalted(); err != nil {
		return 0, err
	}
	done := 0
	for done < n {
		if s.paused.Load() {
			return done, nil
		}
		next, ok := s.sched.PeekTime()
		if !ok || next > t {
			if t > s.sched.Now() {
				return done, s.sched.AdvanceTo(t)
			}
			return done, nil
		}
		if _, err := s.dispatchNext(); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// Run is the headless surface: it runs until every trip has finished or d
// of simulated time has passed, and reports. Signals cycle forever, so an
// empty queue is not the stopping condition.
func (s *Simulator) Run(d Duration) (*Report, error) {
	if err := s.checkHalted(); err != nil {
		return nil, err
	}
	horizon := Time(0).Add(d)
	logrus.Infof("[t %v] simulation started, horizon %v", s.Now(), horizon)
	for !s.trips.Done() && !s.paused.Load() {
		next, ok := s.sched.PeekTime()
		if !ok || next > horizon {
			break
		}
		if _, err := s.dispatchNext(); err != nil {
			return s.Report(), err
		}
	}
	if !s.trips.Done() && !s.paused.Load() {
		s.reportStranded()
	}
	logrus.Infof("[t %v] simulation ended", s.Now())
	return s.Report(), nil
}

// Stranded lists the agents on an unfinished trip that no pending command
// will ever move, cars first.
func (s *Simulator) Stranded() []AgentID {
	var out []AgentID
	for _, id := range s.driving.stranded() {
		out = append(out, CarAgent(id))
	}
	for _, id := range s.walking.stranded() {
		out = append(out, PedAgent(id))
	}
	return out
}

// reportStranded warns about a run that stopped short of finishing its
// trips and emits one record per newly stranded agent.
func (s *Simulator) reportStranded() {
	now := s.Now()
	unfinished := len(s.trips.Trips()) - s.trips.completed - s.trips.aborted
	stranded := s.Stranded()
	if _, ok := s.sched.PeekTime(); !ok || len(stranded) > 0 {
		logrus.Warnf("[t %v] %d trips unfinished, %d agents stranded: %v", now, unfinished, len(stranded), stranded)
	}
	for _, a := range stranded {
		if s.alerted[a] {
			continue
		}
		s.alerted[a] = true
		r := trace.New(int64(now), trace.KindAgentStranded)
		r.Agent = a.String()
		if a.Kind == AgentCar {
			c := s.driving.cars[a.ID]
			r.Trip = int(c.trip)
			if c.delay != nil {
				r.Cause = c.delay.String()
			}
		} else {
			r.Trip = int(s.walking.peds[a.ID].trip)
		}
		s.emit(r)
	}
}

func (s *Simulator) checkHalted() error {
	if s.halted != nil {
		return fmt.Errorf("%w: %w", ErrHalted, s.halted)
	}
	return nil
}

// dispatchNext pops and runs one command. Any error is fatal: the
// simulator keeps it and refuses further work.
func (s *Simulator) dispatchNext() (bool, error) {
	cmd, at, ok := s.sched.Next()
	if !ok {
		return false, nil
	}
	err := s.dispatch(at, cmd)
	if err == nil && s.cfg.CheckInvariants {
		err = s.CheckInvariants()
	}
	if err != nil {
		s.halted = err
		logrus.Errorf("[t %v] halting after %v: %v", at, cmd, err)
		return true, err
	}
	return true, nil
}

func (s *Simulator) dispatch(now Time, cmd Command) error {
	if now < s.lastTime {
		return invariantf(now, RuleMonotoneTime, "%v dispatched after time %v", cmd, s.lastTime)
	}
	s.lastTime = now
	logrus.Debugf("[t %v] %v", now, cmd)

	var out *legOutcome
	var err error
	switch cmd.Kind {
	case CmdStartTrip:
		return s.trips.start(now, TripID(cmd.ID))
	case CmdUpdateIntersection:
		return s.ic.update(now, network.IntersectionID(cmd.ID))
	case CmdUpdateCar:
		out, err = s.driving.update(now, CarID(cmd.ID))
	case CmdUpdatePed:
		out, err = s.walking.update(now, PedestrianID(cmd.ID))
	case CmdHook:
		return s.fireHook(now, cmd.ID)
	default:
		return consistencyErrorf("command", "unknown command %v", cmd)
	}
	if err != nil || out == nil {
		return err
	}
	return s.trips.finishLeg(now, out)
}

// RegisterHook adds fn and returns the id used to schedule it.
func (s *Simulator) RegisterHook(fn HookFunc) HookID {
	s.hooks = append(s.hooks, fn)
	return HookID(len(s.hooks) - 1)
}

// ScheduleHook fires hook id at time at. It may be called from inside a
// hook to make it periodic.
func (s *Simulator) ScheduleHook(id HookID, at Time) error {
	if id < 0 || int(id) >= len(s.hooks) {
		return fmt.Errorf("unknown hook %d", id)
	}
	instance := len(s.hookFirings)
	if err := s.sched.Schedule(RunHook(instance), at); err != nil {
		return err
	}
	s.hookFirings = append(s.hookFirings, id)
	return nil
}

func (s *Simulator) fireHook(now Time, instance int) error {
	id := s.hookFirings[instance]
	r := trace.New(int64(now), trace.KindHookFired)
	r.Detail = fmt.Sprintf("hook %d", id)
	s.emit(r)
	if err := s.hooks[id](s, now); err != nil {
		return fmt.Errorf("hook %d at %v: %w", id, now, err)
	}
	return nil
}

// CheckInvariants verifies following distances, intersection grants and
// parking occupancy at the current time.
func (s *Simulator) CheckInvariants() error {
	now := s.sched.Now()
	if err := s.driving.checkInvariants(now); err != nil {
		return err
	}
	return s.ic.checkInvariants(now)
}

// Trips returns a copy of every trip, in id order.
func (s *Simulator) Trips() []Trip {
	out := make([]Trip, 0, len(s.trips.Trips()))
	for _, t := range s.trips.Trips() {
		out = append(out, *t)
	}
	return out
}

// Trip returns a copy of trip id.
func (s *Simulator) Trip(id TripID) (Trip, bool) {
	t, ok := s.trips.Trip(id)
	if !ok {
		return Trip{}, false
	}
	return *t, true
}

// Map is the network being simulated.
func (s *Simulator) Map() *network.Map { return s.m }

// Parking exposes the spot inventory for read-only queries.
func (s *Simulator) Parking() *ParkingState { return s.parking }

// Intersections exposes intersection state for read-only queries.
func (s *Simulator) Intersections() *Intersections { return s.ic }
