package scenario

import (
	"fmt"
	"sort"

	"floodmesh.ai/internal/sim/catalogs"
	"floodmesh.ai/internal/sim/hazard"
	"floodmesh.ai/internal/sim/model"
)

// Validate checks the scenario against the loaded catalogues. It is the last gate before a
// run starts: any error here is a *model.ConfigError and no tick is executed.
func (s *Scenario) Validate(c *catalogs.Catalogs) error {
	src := "scenario " + s.ID
	bad := func(field, format string, args ...any) error {
		return model.ConfigErrorf(src, field, format, args...)
	}

	if s.Ticks == 0 {
		return bad("ticks", "must be > 0")
	}
	if s.PFail < 0 || s.PFail > 1 {
		return bad("p_fail", "%v out of [0,1]", s.PFail)
	}
	if s.MaxPFail < s.PFail || s.MaxPFail > 1 {
		return bad("max_p_fail", "%v must be in [p_fail,1]", s.MaxPFail)
	}
	if s.PriorityThreshold < 0 {
		return bad("priority_threshold", "%v < 0", s.PriorityThreshold)
	}
	if s.EquityWeight < 0 {
		return bad("equity_weight", "%v < 0", s.EquityWeight)
	}
	if s.ReceiverCapacity < 1 {
		return bad("receiver_capacity", "must be >= 1")
	}
	if s.MaxCascadeEvents < 1 {
		return bad("max_cascade_events", "must be >= 1")
	}
	if s.MaxConcurrentEvents < 1 {
		return bad("max_concurrent_events", "must be >= 1")
	}
	if s.SecondaryDuration < 1 {
		return bad("secondary_duration", "must be >= 1")
	}
	if s.DisruptionThreshold < 0 || s.DisruptionThreshold > 1 {
		return bad("disruption_threshold", "%v out of [0,1]", s.DisruptionThreshold)
	}
	if s.HighVulnerability < 0 || s.HighVulnerability > 1 {
		return bad("high_vulnerability_threshold", "%v out of [0,1]", s.HighVulnerability)
	}
	if s.Evaluator != EvaluatorRules && s.Evaluator != EvaluatorLLM {
		return bad("evaluator", "unknown evaluator %q", s.Evaluator)
	}
	if !c.Infra.Known(s.BroadcastSystem) {
		return bad("broadcast_system", "unknown system %q", s.BroadcastSystem)
	}
	for sys, w := range s.DisruptionWeights {
		if !c.Infra.Known(sys) {
			return bad("disruption_weights", "unknown system %q", sys)
		}
		if w < 0 {
			return bad("disruption_weights", "%s weight %v < 0", sys, w)
		}
	}
	for id, f := range s.CouplingScale {
		if _, ok := c.Graph.ByID[id]; !ok {
			return bad("coupling_scale", "unknown interdependency %q", id)
		}
		if f < 0 || f > 1 {
			return bad("coupling_scale", "%s factor %v out of [0,1]", id, f)
		}
	}

	agentKnown := func(id string) bool {
		_, ok := c.Personas.ByID[id]
		return ok
	}
	for need, ids := range s.RoutingHints.ByNeed {
		for _, id := range ids {
			if !agentKnown(id) {
				return bad("routing_hints.by_need."+need, "unknown agent %q", id)
			}
		}
	}
	for from, ids := range s.RoutingHints.ByAgent {
		if !agentKnown(from) {
			return bad("routing_hints.by_agent", "unknown agent %q", from)
		}
		for _, id := range ids {
			if !agentKnown(id) {
				return bad("routing_hints.by_agent."+from, "unknown agent %q", id)
			}
		}
	}
	for i, o := range s.Outages {
		if o.To <= o.From {
			return bad(fmt.Sprintf("outages[%d]", i), "empty window [%d,%d)", o.From, o.To)
		}
		for _, id := range o.Agents {
			if !agentKnown(id) {
				return bad(fmt.Sprintf("outages[%d]", i), "unknown agent %q", id)
			}
		}
	}

	seen := map[string]bool{}
	for i, e := range s.Events {
		field := fmt.Sprintf("events[%d]", i)
		if e.ID == "" {
			return bad(field, "missing id")
		}
		if seen[e.ID] {
			return bad(field, "duplicate id %q", e.ID)
		}
		seen[e.ID] = true
		if e.Kind != string(model.EventPrimary) && e.Kind != string(model.EventRecovery) {
			return bad(field, "kind %q must be primary or recovery", e.Kind)
		}
		if e.Severity < 0 || e.Severity > 1 {
			return bad(field, "severity %v out of [0,1]", e.Severity)
		}
		if len(e.Systems) == 0 {
			if _, ok := c.Infra.HazardImpacts[e.Hazard]; !ok {
				return bad(field, "hazard %q has no impact table and no systems listed", e.Hazard)
			}
		}
		for sys, w := range e.Systems {
			if !c.Infra.Known(sys) {
				return bad(field, "unknown system %q", sys)
			}
			if w < 0 || w > 1 {
				return bad(field, "system %s weight %v out of [0,1]", sys, w)
			}
		}
		for _, id := range e.Agents {
			if !agentKnown(id) {
				return bad(field, "unknown agent %q", id)
			}
		}
	}

	tl, err := s.Timeline()
	if err != nil {
		return bad("hazard", "%v", err)
	}
	return checkEscalation(src, tl, s.Ticks, c.Personas.List)
}

// checkEscalation rejects personas lacking a status for any stage the timeline reaches.
func checkEscalation(src string, tl hazard.Timeline, ticks uint64, personas []*model.Persona) error {
	stages := hazard.Reachable(tl, ticks)
	for _, p := range personas {
		for _, st := range stages {
			if _, ok := p.Escalation[st]; !ok {
				return model.ConfigErrorf(src, "escalation", "agent %s has no status for reachable hazard stage %d", p.ID, st)
			}
		}
	}
	return nil
}

// PrimaryEvents resolves event specs into cascade events. Impacts are listed in system
// table order; affected agents default to those whose capabilities depend on a hit system.
func (s *Scenario) PrimaryEvents(c *catalogs.Catalogs) []model.CascadeEvent {
	out := make([]model.CascadeEvent, 0, len(s.Events))
	for _, e := range s.Events {
		weights := e.Systems
		if len(weights) == 0 {
			weights = c.Infra.HazardImpacts[e.Hazard]
		}
		ev := model.CascadeEvent{
			ID:          fmt.Sprintf("%s@%d", e.ID, e.Tick),
			Kind:        model.EventKind(e.Kind),
			Cause:       e.Hazard,
			TriggerTick: e.Tick,
			Duration:    e.Duration,
			Severity:    e.Severity,
			ScheduledAt: 0,
		}
		hit := map[model.SystemID]bool{}
		for _, sys := range c.Infra.Systems {
			w, ok := weights[sys]
			if !ok {
				continue
			}
			ev.Impacts = append(ev.Impacts, model.Impact{System: sys, Amount: w * e.Severity})
			hit[sys] = true
		}
		if len(e.Agents) > 0 {
			ev.Agents = append([]string(nil), e.Agents...)
		} else {
			ev.Agents = AgentsForSystems(c, hit)
		}
		out = append(out, ev)
	}
	return out
}

// AgentsForSystems lists, in persona order, agents with a capability tied to any system in set.
func AgentsForSystems(c *catalogs.Catalogs, set map[model.SystemID]bool) []string {
	if len(set) == 0 {
		return nil
	}
	var caps []string
	for sys := range set {
		caps = append(caps, c.Infra.SystemCapabilities[sys]...)
	}
	sort.Strings(caps)
	var out []string
	for _, p := range c.Personas.List {
		if p.HasAnyCapability(caps) {
			out = append(out, p.ID)
		}
	}
	return out
}
