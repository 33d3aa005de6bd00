package registry

import (
	"floodmesh.ai/internal/sim/catalogs"
	"floodmesh.ai/internal/sim/model"
)

// Env is the read-only input to a status recompute. Levels must not change while
// recomputes are in flight.
type Env struct {
	Tick                uint64
	Stage               int
	Levels              map[model.SystemID]float64
	BroadcastSystem     model.SystemID
	DisruptionThreshold float64
	Inactive            func(agentID string, t uint64) bool
	Sectors             *catalogs.SectorCatalog
}

// Change describes what a recompute did to one agent.
type Change struct {
	Agent      int
	Prev, Next model.Status
	Added      []string
	WasActive  bool
	Active     bool
	Disrupted  bool
}

func (c Change) StatusChanged() bool { return c.Prev != c.Next }

// StatusFor maps a hazard stage onto the persona's escalation table. A stage without an
// entry falls back to the closest lower stage; with none, the agent is treated as in
// emergency.
func StatusFor(p *model.Persona, stage int) model.Status {
	if s, ok := p.Escalation[stage]; ok {
		return s
	}
	best := -1
	var status model.Status
	for st, s := range p.Escalation {
		if st < stage && st > best {
			best, status = st, s
		}
	}
	if best < 0 {
		return model.StatusEmergency
	}
	return status
}

// Recompute derives agent i's status for env.Tick. It writes only agent i's state, so
// distinct agents may be recomputed concurrently on the same Registry.
func (r *Registry) Recompute(i int, env *Env) Change {
	p := r.personas[i]
	st := &r.states[i]
	ch := Change{Agent: i, Prev: st.Status, WasActive: st.Active}

	next := StatusFor(p, env.Stage)
	st.Status = next
	ch.Next = next

	// Entering a status for the first time also enters every milder non-normal status it
	// skipped, so an agent jumping straight to emergency still gains alert needs.
	for s := model.StatusAlert; s <= next; s++ {
		if st.HasEntered(s) {
			continue
		}
		st.MarkEntered(s)
		if env.Sectors == nil {
			continue
		}
		for _, need := range env.Sectors.EscalationNeedsFor(p.Sector, s) {
			if !st.HasNeed(need) {
				st.Needs = append(st.Needs, need)
				ch.Added = append(ch.Added, need)
			}
		}
	}

	st.Active = env.Inactive == nil || !env.Inactive(p.ID, env.Tick)
	ch.Active = st.Active

	st.Disrupted = false
	if lvl, ok := env.Levels[env.BroadcastSystem]; ok && lvl < env.DisruptionThreshold {
		st.Disrupted = true
	}
	ch.Disrupted = st.Disrupted
	return ch
}

// MarkRequested records a request_support for need at tick t.
func (r *Registry) MarkRequested(i int, need string, t uint64) {
	st := &r.states[i]
	st.LastRequested[need] = t
	if _, ok := st.FirstRequested[need]; !ok {
		st.FirstRequested[need] = t
	}
}

// DueForRequest reports whether agent i should (re)request need at tick t: the agent is
// active, at least minStatus, and either never asked or waited its response delay.
func (r *Registry) DueForRequest(i int, need string, t uint64, minStatus model.Status) bool {
	st := &r.states[i]
	if !st.Active || st.Status < minStatus {
		return false
	}
	last, ok := st.LastRequested[need]
	if !ok {
		return true
	}
	wait := uint64(r.personas[i].Comm.ResponseDelay)
	if wait < 1 {
		wait = 1
	}
	return t >= last+wait
}

// Fulfill removes need from agent i. It reports the tick of the first request for the
// need and whether the need was present; a need is only ever removed once.
func (r *Registry) Fulfill(i int, need string) (firstRequested uint64, removed bool) {
	st := &r.states[i]
	idx := -1
	for k, n := range st.Needs {
		if n == need {
			idx = k
			break
		}
	}
	if idx < 0 {
		return 0, false
	}
	st.Needs = append(st.Needs[:idx], st.Needs[idx+1:]...)
	firstRequested = st.FirstRequested[need]
	delete(st.FirstRequested, need)
	delete(st.LastRequested, need)
	return firstRequested, true
}
