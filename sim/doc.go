// Package sim provides the discrete-event traffic microsimulation kernel.
//
// # Reading Guide
//
// Start with these three files to understand the kernel:
//   - scheduler.go: the command queue, the only clock, and lazy cancellation
//   - driving.go: the car state machine (spawn, cross, turn, park)
//   - simulator.go: the dispatch loop, stepping API, pause/resume and hooks
//
// # Architecture
//
// A Simulator owns one component per concern and dispatches every Command
// to the component that owns its target:
//   - Scheduler: commands ordered by (time, kind, id, insertion order)
//   - Intersections: turn arbitration for uncontrolled, border, stop-sign
//     and signalized intersections
//   - ParkingState: on-street and off-street spots, first-fit allocation
//   - DrivingState: per-lane and per-turn car queues with following distance
//   - WalkingState: pedestrians on sidewalks and crossings
//   - Router: endpoint resolution, path checks, parking replans
//   - TripManager: the trip and leg state machine
//
// Components refer to each other's entities by integer id only. Map data
// and the stand-in pathfinder live in sim/network, demand in sim/scenario,
// and the analytics record stream in sim/trace.
package sim
