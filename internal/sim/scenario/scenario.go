// Package scenario loads and validates experiment definitions: hazard timeline, primary
// cascade events, outages and the global messaging/circuit-breaker settings.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"floodmesh.ai/internal/sim/hazard"
	"floodmesh.ai/internal/sim/model"
)

type Scenario struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
	Seed        int64  `yaml:"seed"`
	Ticks       uint64 `yaml:"ticks"`

	// Messaging.
	PFail             float64                    `yaml:"p_fail"`
	MaxPFail          float64                    `yaml:"max_p_fail"`
	PriorityThreshold float64                    `yaml:"priority_threshold"`
	EquityWeight      float64                    `yaml:"equity_weight"`
	ReceiverCapacity  int                        `yaml:"receiver_capacity"`
	RequestMinStatus  model.Status               `yaml:"request_min_status"`
	RoutingHints      RoutingHints               `yaml:"routing_hints,omitempty"`
	DisruptionWeights map[model.SystemID]float64 `yaml:"disruption_weights,omitempty"`

	// Disruption override for broadcasting.
	BroadcastSystem     model.SystemID `yaml:"broadcast_system"`
	DisruptionThreshold float64        `yaml:"disruption_threshold"`

	// Circuit breaker.
	MaxCascadeEvents    int `yaml:"max_cascade_events"`
	MaxConcurrentEvents int `yaml:"max_concurrent_events"`
	SecondaryDuration   int `yaml:"secondary_duration"`

	// CouplingScale multiplies an edge's coupling strength (edge id -> factor in [0,1]).
	CouplingScale map[string]float64 `yaml:"coupling_scale,omitempty"`

	HighVulnerability float64 `yaml:"high_vulnerability_threshold"`
	Evaluator         string  `yaml:"evaluator"`

	Hazard  hazard.Config `yaml:"hazard"`
	Events  []EventSpec   `yaml:"events,omitempty"`
	Outages []Outage      `yaml:"outages,omitempty"`
}

type RoutingHints struct {
	ByNeed  map[string][]string `yaml:"by_need,omitempty"`
	ByAgent map[string][]string `yaml:"by_agent,omitempty"`
}

// EventSpec is a primary cascade event. Systems overrides the hazard's impact table.
type EventSpec struct {
	ID       string                     `yaml:"id"`
	Kind     string                     `yaml:"kind,omitempty"`
	Hazard   string                     `yaml:"hazard"`
	Tick     uint64                     `yaml:"tick"`
	Duration int                        `yaml:"duration"`
	Severity float64                    `yaml:"severity"`
	Systems  map[model.SystemID]float64 `yaml:"systems,omitempty"`
	Agents   []string                   `yaml:"agents,omitempty"`
}

// Outage disables agents for ticks in [From, To).
type Outage struct {
	Agents []string `yaml:"agents"`
	From   uint64   `yaml:"from"`
	To     uint64   `yaml:"to"`
}

const (
	EvaluatorRules = "rules"
	EvaluatorLLM   = "llm"
)

func Load(path string) (Scenario, error) {
	s := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	name := filepath.Base(path)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	// The file name identifies the run unless the file sets its own id.
	s.ID = stem
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return s, fmt.Errorf("%s: %w", name, err)
	}
	if strings.TrimSpace(s.ID) == "" {
		s.ID = stem
	}
	s.Normalize()
	return s, nil
}

// Defaults mirrors the baseline study: 120 ticks, 10% message loss, redundancy for
// priority >= 8, at most 5 concurrently active cascade events.
func Defaults() Scenario {
	return Scenario{
		ID:                  "baseline",
		Seed:                42,
		Ticks:               120,
		PFail:               0.1,
		MaxPFail:            0.8,
		PriorityThreshold:   8,
		EquityWeight:        0,
		ReceiverCapacity:    10,
		RequestMinStatus:    model.StatusAlert,
		BroadcastSystem:     model.CommunicationNetwork,
		DisruptionThreshold: 0.3,
		MaxCascadeEvents:    200,
		MaxConcurrentEvents: 5,
		SecondaryDuration:   20,
		HighVulnerability:   0.6,
		Evaluator:           EvaluatorRules,
		Hazard:              hazard.Config{Kind: "steps"},
	}
}

func (s *Scenario) Normalize() {
	s.ID = strings.TrimSpace(s.ID)
	s.Evaluator = strings.ToLower(strings.TrimSpace(s.Evaluator))
	if s.Evaluator == "" {
		s.Evaluator = EvaluatorRules
	}
	s.Hazard.Kind = strings.ToLower(strings.TrimSpace(s.Hazard.Kind))
	for i := range s.Events {
		e := &s.Events[i]
		e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
		if e.Kind == "" {
			e.Kind = string(model.EventPrimary)
		}
		e.Hazard = strings.ToLower(strings.TrimSpace(e.Hazard))
		if e.Duration <= 0 {
			e.Duration = 1
		}
	}
	// Stable order: by trigger tick, then id.
	sort.SliceStable(s.Events, func(i, j int) bool {
		if s.Events[i].Tick != s.Events[j].Tick {
			return s.Events[i].Tick < s.Events[j].Tick
		}
		return s.Events[i].ID < s.Events[j].ID
	})
}

// Timeline builds the hazard timeline for this scenario's seed.
func (s *Scenario) Timeline() (hazard.Timeline, error) {
	return hazard.New(s.Hazard, s.Seed)
}

// Inactive reports whether agentID is in an outage window at tick t.
func (s *Scenario) Inactive(agentID string, t uint64) bool {
	for _, o := range s.Outages {
		if t < o.From || t >= o.To {
			continue
		}
		for _, id := range o.Agents {
			if id == agentID {
				return true
			}
		}
	}
	return false
}
