package sim

import (
	"fmt"

	"github.com/citysim/microsim/sim/network"
)

// CommandKind is the closed set of work the Scheduler dispatches. The
// ordinal is the first tie-break between commands due at the same time.
type CommandKind uint8

const (
	// CmdStartTrip begins a trip whose departure time has come.
	CmdStartTrip CommandKind = iota
	// CmdUpdateIntersection advances a signal to its next stage.
	CmdUpdateIntersection
	// CmdUpdateCar wakes a car: arrival at the end of its current target,
	// a retry after a denial, or a spawn attempt.
	CmdUpdateCar
	// CmdUpdatePed wakes a pedestrian.
	CmdUpdatePed
	// CmdHook runs an injected callback.
	CmdHook
)

var commandKindNames = [...]string{
	CmdStartTrip:          "StartTrip",
	CmdUpdateIntersection: "UpdateIntersection",
	CmdUpdateCar:          "UpdateCar",
	CmdUpdatePed:          "UpdatePed",
	CmdHook:               "Hook",
}

func (k CommandKind) String() string {
	if int(k) < len(commandKindNames) {
		return commandKindNames[k]
	}
	return fmt.Sprintf("CommandKind(%d)", uint8(k))
}

// Command targets one entity. The target's identity doubles as the key for
// lazy cancellation: cancelling a Command invalidates every pending copy of
// it.
type Command struct {
	Kind CommandKind
	ID   int
}

// StartTrip returns the command that starts trip id.
func StartTrip(id TripID) Command { return Command{Kind: CmdStartTrip, ID: int(id)} }

// UpdateIntersection returns the stage-change command of intersection id.
func UpdateIntersection(id network.IntersectionID) Command {
	return Command{Kind: CmdUpdateIntersection, ID: int(id)}
}

// UpdateCar returns the wake-up command of car id.
func UpdateCar(id CarID) Command { return Command{Kind: CmdUpdateCar, ID: int(id)} }

// UpdatePed returns the wake-up command of pedestrian id.
func UpdatePed(id PedestrianID) Command { return Command{Kind: CmdUpdatePed, ID: int(id)} }

// RunHook returns the command for one scheduled hook firing.
func RunHook(instance int) Command { return Command{Kind: CmdHook, ID: instance} }

// Before is the tie-break between commands due at the same time.
func (c Command) Before(o Command) bool {
	if c.Kind != o.Kind {
		return c.Kind < o.Kind
	}
	return c.ID < o.ID
}

func (c Command) String() string {
	return fmt.Sprintf("%s(%d)", c.Kind, c.ID)
}
