// Package registry owns every agent in a run: the immutable personas loaded at start and
// one buffer of mutable per-tick state. The scheduler keeps a committed Registry and a
// working clone; nothing else mutates either.
package registry

import (
	"floodmesh.ai/internal/sim/catalogs"
	"floodmesh.ai/internal/sim/model"
)

type Registry struct {
	personas []*model.Persona
	index    map[string]int
	deps     [][]model.SystemID
	states   []model.AgentState
}

// New builds the registry in persona order. That order is the insertion order used for
// every tie-break in the run.
func New(personas []*model.Persona, infra *catalogs.InfraCatalog) *Registry {
	r := &Registry{
		personas: personas,
		index:    make(map[string]int, len(personas)),
		deps:     make([][]model.SystemID, len(personas)),
		states:   make([]model.AgentState, len(personas)),
	}
	for i, p := range personas {
		r.index[p.ID] = i
		if infra != nil {
			r.deps[i] = infra.SystemsFor(p.Capabilities)
		}
		r.states[i] = model.AgentState{
			Status:         model.StatusNormal,
			Active:         true,
			Needs:          append([]string(nil), p.InitialNeeds...),
			LastRequested:  map[string]uint64{},
			FirstRequested: map[string]uint64{},
		}
	}
	return r
}

// Clone deep-copies the mutable state; personas and dependency lists are shared.
func (r *Registry) Clone() *Registry {
	out := &Registry{
		personas: r.personas,
		index:    r.index,
		deps:     r.deps,
		states:   make([]model.AgentState, len(r.states)),
	}
	for i := range r.states {
		out.states[i] = r.states[i].Clone()
	}
	return out
}

func (r *Registry) Len() int { return len(r.personas) }

func (r *Registry) Lookup(id string) (int, bool) {
	i, ok := r.index[id]
	return i, ok
}

func (r *Registry) Persona(i int) *model.Persona { return r.personas[i] }

// State returns the mutable state of agent i in this buffer.
func (r *Registry) State(i int) *model.AgentState { return &r.states[i] }

// Dependencies lists the systems agent i's capabilities rely on, in system table order.
func (r *Registry) Dependencies(i int) []model.SystemID { return r.deps[i] }

// Snapshot returns agent i with a private copy of its state.
func (r *Registry) Snapshot(i int) model.Agent {
	return model.Agent{Persona: r.personas[i], State: r.states[i].Clone()}
}

func (r *Registry) IDs() []string {
	out := make([]string, len(r.personas))
	for i, p := range r.personas {
		out[i] = p.ID
	}
	return out
}

// UnmetNeeds counts outstanding needs across all agents, split by vulnerability.
// An agent counts as high vulnerability when its vulnerability exceeds threshold.
func (r *Registry) UnmetNeeds(threshold float64) (total, high, low int) {
	for i, p := range r.personas {
		n := len(r.states[i].Needs)
		total += n
		if p.Vulnerability > threshold {
			high += n
		} else {
			low += n
		}
	}
	return total, high, low
}
