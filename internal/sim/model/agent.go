package model

import (
	"fmt"
	"sort"
	"strings"
)

type Sector string

const (
	SectorHeritage  Sector = "heritage"
	SectorTransport Sector = "transport"
	SectorHealth    Sector = "health"
	SectorOther     Sector = "other"
)

func ParseSector(s string) (Sector, error) {
	switch Sector(strings.ToLower(strings.TrimSpace(s))) {
	case SectorHeritage:
		return SectorHeritage, nil
	case SectorTransport:
		return SectorTransport, nil
	case SectorHealth:
		return SectorHealth, nil
	case SectorOther, "":
		return SectorOther, nil
	}
	return "", fmt.Errorf("unknown sector %q", s)
}

// Status is ordered: a larger value is a more severe state.
type Status uint8

const (
	StatusNormal Status = iota
	StatusAlert
	StatusCritical
	StatusEmergency
)

var statusNames = [...]string{"normal", "alert", "critical", "emergency"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func ParseStatus(s string) (Status, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for i, n := range statusNames {
		if n == v {
			return Status(i), nil
		}
	}
	return StatusNormal, fmt.Errorf("unknown status %q", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Urgency maps a status onto [0,1] for request payloads and priority scoring.
func (s Status) Urgency() float64 {
	switch s {
	case StatusAlert:
		return 0.5
	case StatusCritical:
		return 0.75
	case StatusEmergency:
		return 1.0
	default:
		return 0.25
	}
}

type CommProfile struct {
	BroadcastThreshold Status
	RedundancyFactor   int
	ResponseDelay      int
}

// Persona is the immutable part of an agent, loaded once at start.
type Persona struct {
	ID            string
	Name          string
	Sector        Sector
	Capabilities  []string // sorted, unique
	InitialNeeds  []string // ordered as loaded
	Vulnerability float64
	Exposure      float64
	Priority      float64
	Escalation    map[int]Status
	Comm          CommProfile
}

func (p *Persona) HasCapability(c string) bool {
	i := sort.SearchStrings(p.Capabilities, c)
	return i < len(p.Capabilities) && p.Capabilities[i] == c
}

func (p *Persona) HasAnyCapability(cs []string) bool {
	for _, c := range cs {
		if p.HasCapability(c) {
			return true
		}
	}
	return false
}

// HighPriority reports whether envelopes from this agent get redundant delivery attempts.
func (p *Persona) HighPriority(threshold float64) bool {
	return p.Priority >= threshold
}

// AgentState is the mutable per-tick state. Values are copied between buffers by the scheduler.
type AgentState struct {
	Status    Status
	Active    bool
	Disrupted bool // broadcast dependency below disruption threshold this tick

	// Needs keeps emission order stable: first-added need is requested first.
	Needs []string
	// Entered records statuses that already contributed escalation needs.
	Entered uint8
	// LastRequested maps need -> tick of the most recent request_support.
	LastRequested map[string]uint64
	// FirstRequested maps need -> tick of the first request_support, for response times.
	FirstRequested map[string]uint64
}

func (s *AgentState) HasNeed(n string) bool {
	for _, x := range s.Needs {
		if x == n {
			return true
		}
	}
	return false
}

func (s *AgentState) HasEntered(st Status) bool { return s.Entered&(1<<st) != 0 }
func (s *AgentState) MarkEntered(st Status)     { s.Entered |= 1 << st }

// Clone returns a deep copy so the next buffer never aliases the committed one.
func (s AgentState) Clone() AgentState {
	out := s
	out.Needs = append([]string(nil), s.Needs...)
	out.LastRequested = cloneTicks(s.LastRequested)
	out.FirstRequested = cloneTicks(s.FirstRequested)
	return out
}

func cloneTicks(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Agent pairs a persona with one buffer's state. Snapshots hand these out by value.
type Agent struct {
	*Persona
	State AgentState
}
