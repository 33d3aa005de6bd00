package model

import "fmt"

type SystemID string

const (
	PowerGrid               SystemID = "power_grid"
	WaterSystem             SystemID = "water_system"
	CommunicationNetwork    SystemID = "communication_network"
	TransportNetwork        SystemID = "transport_network"
	EmergencyServices       SystemID = "emergency_services"
	DigitalInfrastructure   SystemID = "digital_infrastructure"
	PumpingStations         SystemID = "pumping_stations"
	FloodBarriers           SystemID = "flood_barriers"
	SensorNetwork           SystemID = "sensor_network"
	EmergencyCommunications SystemID = "emergency_communications"
	PublicWifi              SystemID = "public_wifi"
	CellularNetwork         SystemID = "cellular_network"
)

// DefaultSystems is the built-in system set, in table order.
var DefaultSystems = []SystemID{
	PowerGrid,
	WaterSystem,
	CommunicationNetwork,
	TransportNetwork,
	EmergencyServices,
	DigitalInfrastructure,
	PumpingStations,
	FloodBarriers,
	SensorNetwork,
	EmergencyCommunications,
	PublicWifi,
	CellularNetwork,
}

type SystemNode struct {
	ID    SystemID `json:"id"`
	Level float64  `json:"level"`
}

type DependencyType string

const (
	DepFunctional DependencyType = "functional"
	DepCyber      DependencyType = "cyber"
	DepPhysical   DependencyType = "physical"
	DepLogical    DependencyType = "logical"
)

func (t DependencyType) Valid() bool {
	switch t {
	case DepFunctional, DepCyber, DepPhysical, DepLogical:
		return true
	}
	return false
}

// Interdependency is static configuration: degradation of SystemA below FailureThreshold
// propagates to SystemB after Delay ticks.
type Interdependency struct {
	ID               string         `json:"id"`
	SystemA          SystemID       `json:"system_a"`
	SystemB          SystemID       `json:"system_b"`
	Type             DependencyType `json:"type"`
	Coupling         float64        `json:"coupling_strength"`
	FailureThreshold float64        `json:"failure_threshold"`
	Delay            int            `json:"propagation_delay"`
	Bidirectional    bool           `json:"bidirectional"`
}

func (d Interdependency) Validate(known func(SystemID) bool) error {
	if d.ID == "" {
		return fmt.Errorf("interdependency %s->%s: missing id", d.SystemA, d.SystemB)
	}
	if !known(d.SystemA) {
		return fmt.Errorf("interdependency %s: unknown system_a %q", d.ID, d.SystemA)
	}
	if !known(d.SystemB) {
		return fmt.Errorf("interdependency %s: unknown system_b %q", d.ID, d.SystemB)
	}
	if d.SystemA == d.SystemB {
		return fmt.Errorf("interdependency %s: self edge on %s", d.ID, d.SystemA)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("interdependency %s: bad type %q", d.ID, d.Type)
	}
	if d.Coupling < 0 || d.Coupling > 1 {
		return fmt.Errorf("interdependency %s: coupling_strength %v out of [0,1]", d.ID, d.Coupling)
	}
	if d.FailureThreshold < 0 || d.FailureThreshold > 1 {
		return fmt.Errorf("interdependency %s: failure_threshold %v out of [0,1]", d.ID, d.FailureThreshold)
	}
	if d.Delay < 0 {
		return fmt.Errorf("interdependency %s: propagation_delay %d < 0", d.ID, d.Delay)
	}
	return nil
}
