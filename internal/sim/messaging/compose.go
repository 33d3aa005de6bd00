package messaging

import (
	"sort"

	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/registry"
)

// Compose builds the tick's envelopes in registry order: a status_update broadcast when an
// agent's status changed to at least its broadcast threshold, then at most one
// request_support per unmet need that is due. Requests are marked on the working registry.
// A request with no eligible partner gets an empty receiver and resolves as no_partner.
func (b *Bus) Compose(st *State, in *Tick) []model.Envelope {
	var out []model.Envelope
	reg := in.Reg
	changed := make(map[int]registry.Change, len(in.Changes))
	for _, ch := range in.Changes {
		changed[ch.Agent] = ch
	}
	for i := 0; i < reg.Len(); i++ {
		p, s := reg.Persona(i), reg.State(i)
		if !s.Active {
			continue
		}
		if ch, ok := changed[i]; ok && ch.StatusChanged() && ch.Next >= p.Comm.BroadcastThreshold {
			st.Seq++
			out = append(out, model.Envelope{
				Seq:      st.Seq,
				Tick:     in.Tick,
				Sender:   p.ID,
				Receiver: model.Broadcast,
				Intent:   model.IntentStatusUpdate,
				Payload:  model.Payload{Urgency: s.Status.Urgency(), Context: s.Status.String()},
			})
		}
		for _, need := range append([]string(nil), s.Needs...) {
			if !reg.DueForRequest(i, need, in.Tick, b.cfg.RequestMinStatus) {
				continue
			}
			receiver := ""
			if cands := b.Partners(st, reg, i, need); len(cands) > 0 {
				receiver = reg.Persona(cands[0]).ID
			}
			st.Seq++
			out = append(out, model.Envelope{
				Seq:      st.Seq,
				Tick:     in.Tick,
				Sender:   p.ID,
				Receiver: receiver,
				Intent:   model.IntentRequestSupport,
				Payload:  model.Payload{Need: need, Urgency: s.Status.Urgency(), Context: string(p.Sector)},
			})
			reg.MarkRequested(i, need, in.Tick)
		}
	}
	return out
}

// Partners lists active agents able to serve need for requester i, best first: routing
// hints for the requester, then hints for the need, then the remaining candidates by the
// partnership strength of their most recent decision with the requester (unknown pairs
// count as 0.5), ties broken by registry order. The order never involves a random draw.
func (b *Bus) Partners(st *State, reg *registry.Registry, i int, need string) []int {
	caps := b.capabilitiesFor(need)
	requester := reg.Persona(i).ID
	eligible := func(j int) bool {
		return j != i && reg.State(j).Active && reg.Persona(j).HasAnyCapability(caps)
	}

	var out []int
	taken := map[int]bool{}
	for _, hints := range [][]string{b.cfg.HintsByAgent[requester], b.cfg.HintsByNeed[need]} {
		for _, id := range hints {
			j, ok := reg.Lookup(id)
			if !ok || taken[j] || !eligible(j) {
				continue
			}
			taken[j] = true
			out = append(out, j)
		}
	}

	var rest []int
	for j := 0; j < reg.Len(); j++ {
		if !taken[j] && eligible(j) {
			rest = append(rest, j)
		}
	}
	strength := make(map[int]float64, len(rest))
	for _, j := range rest {
		v, ok := st.Memory.Get(requester, reg.Persona(j).ID)
		if !ok {
			v = 0.5
		}
		strength[j] = v
	}
	sort.SliceStable(rest, func(a, c int) bool { return strength[rest[a]] > strength[rest[c]] })
	return append(out, rest...)
}

func (b *Bus) capabilitiesFor(need string) []string {
	if b.sectors == nil {
		return []string{need}
	}
	return b.sectors.CapabilitiesFor(need)
}
