package sim

import (
	"fmt"

	"github.com/citysim/microsim/sim/network"
)

// Identity types for entities owned by the kernel. Each indexes a
// component-owned table; components never hold pointers into one another.
type (
	CarID        int
	PedestrianID int
	PersonID     int
	TripID       int
	SpotID       int
	HookID       int
)

func (id CarID) String() string        { return fmt.Sprintf("car#%d", int(id)) }
func (id PedestrianID) String() string { return fmt.Sprintf("ped#%d", int(id)) }

// AgentKind orders agent ids: cars before pedestrians.
type AgentKind uint8

const (
	AgentCar AgentKind = iota
	AgentPedestrian
)

// AgentID names a live car or pedestrian.
type AgentID struct {
	Kind AgentKind
	ID   int
}

// CarAgent wraps a car id.
func CarAgent(id CarID) AgentID { return AgentID{Kind: AgentCar, ID: int(id)} }

// PedAgent wraps a pedestrian id.
func PedAgent(id PedestrianID) AgentID { return AgentID{Kind: AgentPedestrian, ID: int(id)} }

// Less is the total order used to break ties between agents.
func (a AgentID) Less(b AgentID) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.ID < b.ID
}

func (a AgentID) String() string {
	if a.Kind == AgentCar {
		return CarID(a.ID).String()
	}
	return PedestrianID(a.ID).String()
}

// DelayCause says why an agent is not moving. Exactly one of Agent and
// Intersection is meaningful, chosen by Kind.
type DelayCause struct {
	Kind         DelayKind
	Agent        AgentID
	Intersection network.IntersectionID
}

// DelayKind tags a DelayCause.
type DelayKind uint8

const (
	DelayAgent DelayKind = iota
	DelayIntersection
)

func blockedByAgent(a AgentID) DelayCause { return DelayCause{Kind: DelayAgent, Agent: a} }

func blockedByIntersection(i network.IntersectionID) DelayCause {
	return DelayCause{Kind: DelayIntersection, Intersection: i}
}

func (c DelayCause) String() string {
	if c.Kind == DelayAgent {
		return "agent " + c.Agent.String()
	}
	return fmt.Sprintf("intersection %d", c.Intersection)
}
