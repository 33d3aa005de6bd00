// Package cascade propagates infrastructure degradation over the interdependency graph.
//
// Events live in an arena keyed by a deterministic dedup key; propagation is an explicit
// work queue rather than recursion, and a global plus per-tick circuit breaker bounds the
// number of secondary events, so cyclic graphs always terminate.
package cascade

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"floodmesh.ai/internal/sim/model"
)

type Config struct {
	MaxEvents         int
	MaxConcurrent     int
	SecondaryDuration int
	CouplingScale     map[string]float64
	// AgentsBySystem lists agents whose capabilities depend on a system; secondary events
	// copy it into their affected agent list.
	AgentsBySystem map[model.SystemID][]string
}

type directedEdge struct {
	key       string // edge id, with a "~rev" suffix for the reverse direction of a bidirectional edge
	edgeID    string
	from, to  model.SystemID
	coupling  float64
	threshold float64
	delay     int
}

type Engine struct {
	cfg      Config
	systems  []model.SystemID
	outgoing map[model.SystemID][]directedEdge
}

// Record is one cascade log line.
type Record struct {
	Tick     uint64              `json:"tick"`
	Action   string              `json:"action"` // scheduled | applied | suppressed | deduplicated
	EventID  string              `json:"event_id,omitempty"`
	Edge     string              `json:"edge,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Event    *model.CascadeEvent `json:"event,omitempty"`
	Deltas   []model.Impact      `json:"deltas,omitempty"`
	Overflow bool                `json:"overflow,omitempty"`
}

const (
	ActionScheduled    = "scheduled"
	ActionApplied      = "applied"
	ActionSuppressed   = "suppressed"
	ActionDeduplicated = "deduplicated"

	ReasonGlobalCap = "global_cap"
	ReasonTickCap   = "tick_cap"
)

func New(cfg Config, systems []model.SystemID, edges []model.Interdependency) *Engine {
	e := &Engine{
		cfg:      cfg,
		systems:  append([]model.SystemID(nil), systems...),
		outgoing: map[model.SystemID][]directedEdge{},
	}
	for _, d := range edges {
		coupling := d.Coupling
		if f, ok := cfg.CouplingScale[d.ID]; ok {
			coupling *= f
		}
		fwd := directedEdge{key: d.ID, edgeID: d.ID, from: d.SystemA, to: d.SystemB, coupling: coupling, threshold: d.FailureThreshold, delay: d.Delay}
		e.outgoing[d.SystemA] = append(e.outgoing[d.SystemA], fwd)
		if d.Bidirectional {
			rev := fwd
			rev.key = d.ID + "~rev"
			rev.from, rev.to = d.SystemB, d.SystemA
			e.outgoing[d.SystemB] = append(e.outgoing[d.SystemB], rev)
		}
	}
	for sys := range e.outgoing {
		list := e.outgoing[sys]
		sort.Slice(list, func(i, j int) bool { return list[i].key < list[j].key })
	}
	return e
}

func (e *Engine) NewState() *State { return NewState(e.systems) }

// DedupKey hashes (edge key, scheduling tick).
func DedupKey(edgeKey string, tick uint64) string {
	h := sha256.New()
	h.Write([]byte(edgeKey))
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], tick)
	h.Write(tmp[:])
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// AddPrimary registers a scenario event. Primary events are never suppressed, but they
// count toward the global total.
func (e *Engine) AddPrimary(st *State, ev model.CascadeEvent) error {
	if _, dup := st.index[ev.ID]; dup {
		return fmt.Errorf("cascade: duplicate event id %q", ev.ID)
	}
	if ev.Kind != model.EventRecovery {
		ev.Kind = model.EventPrimary
	}
	ev.DedupKey = DedupKey("event:"+ev.ID, ev.TriggerTick)
	e.insert(st, ev)
	return nil
}

func (e *Engine) insert(st *State, ev model.CascadeEvent) int {
	idx := len(st.arena)
	st.arena = append(st.arena, slot{ev: ev})
	st.index[ev.ID] = idx
	st.dedup[ev.DedupKey] = ev.ID
	st.pending[ev.TriggerTick] = append(st.pending[ev.TriggerTick], idx)
	st.Counters.Created++
	switch ev.Kind {
	case model.EventPrimary:
		st.Counters.Primary++
	case model.EventSecondary:
		st.Counters.Secondary++
	case model.EventRecovery:
		st.Counters.Recovery++
	}
	return idx
}

// Activate applies every event whose trigger tick is t, in creation order. Threshold
// crossings are queued for the propagation scan.
func (e *Engine) Activate(st *State, t uint64) []Record {
	var recs []Record
	due := st.pending[t]
	delete(st.pending, t)
	for _, idx := range due {
		recs = append(recs, e.apply(st, idx, t))
	}
	e.notePeak(st, t)
	return recs
}

// Propagate drains queued crossings, scheduling secondary events at t+delay. Events due
// at t itself (zero delay) are applied immediately and may queue further crossings; the
// dedup key and the breaker bound the loop.
func (e *Engine) Propagate(st *State, t uint64) []Record {
	var recs []Record
	for len(st.crossings) > 0 {
		c := st.crossings[0]
		st.crossings = st.crossings[1:]

		trigger := t + uint64(c.edge.delay)
		key := DedupKey(c.edge.key, t)
		if _, dup := st.dedup[key]; dup {
			st.Counters.Deduplicated++
			recs = append(recs, Record{Tick: t, Action: ActionDeduplicated, Edge: c.edge.key, EventID: st.dedup[key]})
			continue
		}
		if reason := e.breaker(st, t); reason != "" {
			first := !st.Counters.Overflow
			st.Counters.Suppressed++
			if first {
				st.Counters.Overflow = true
				st.Counters.OverflowTick = t
			}
			recs = append(recs, Record{Tick: t, Action: ActionSuppressed, Edge: c.edge.key, Reason: reason, Overflow: first})
			continue
		}

		pred := st.arena[c.pred].ev
		sev := clamp01(c.edge.coupling * pred.Severity)
		ev := model.CascadeEvent{
			ID:           fmt.Sprintf("cascade_%s_%d", c.edge.key, t),
			Kind:         model.EventSecondary,
			Cause:        fmt.Sprintf("%s->%s", c.edge.from, c.edge.to),
			Edge:         c.edge.key,
			TriggerTick:  trigger,
			Duration:     e.cfg.SecondaryDuration,
			Severity:     sev,
			Impacts:      []model.Impact{{System: c.edge.to, Amount: sev}},
			Agents:       append([]string(nil), e.cfg.AgentsBySystem[c.edge.to]...),
			Predecessors: []string{pred.ID},
			DedupKey:     key,
			ScheduledAt:  t,
		}
		idx := e.insert(st, ev)
		evCopy := ev
		recs = append(recs, Record{Tick: t, Action: ActionScheduled, EventID: ev.ID, Edge: c.edge.key, Event: &evCopy})

		if trigger == t {
			st.pending[t] = removeSlot(st.pending[t], idx)
			if len(st.pending[t]) == 0 {
				delete(st.pending, t)
			}
			recs = append(recs, e.apply(st, idx, t))
			e.notePeak(st, t)
		}
	}
	return recs
}

func (e *Engine) breaker(st *State, t uint64) string {
	if e.cfg.MaxEvents > 0 && st.Counters.Created >= e.cfg.MaxEvents {
		return ReasonGlobalCap
	}
	if e.cfg.MaxConcurrent > 0 && st.activeCount(t) >= e.cfg.MaxConcurrent {
		return ReasonTickCap
	}
	return ""
}

func (e *Engine) apply(st *State, idx int, t uint64) Record {
	sl := &st.arena[idx]
	sl.applied = true
	st.Counters.Applied++
	ev := sl.ev
	rec := Record{Tick: t, Action: ActionApplied, EventID: ev.ID, Edge: ev.Edge}
	for _, im := range ev.Impacts {
		before, ok := st.Levels[im.System]
		if !ok {
			continue
		}
		var after float64
		if ev.Kind == model.EventRecovery {
			after = clamp01(before + im.Amount)
		} else {
			after = clamp01(before - im.Amount)
		}
		st.Levels[im.System] = after
		if after < st.MinLevels[im.System] {
			st.MinLevels[im.System] = after
		}
		rec.Deltas = append(rec.Deltas, model.Impact{System: im.System, Amount: after - before})
		if after >= before {
			continue
		}
		for _, de := range e.outgoing[im.System] {
			if before >= de.threshold && after < de.threshold {
				st.crossings = append(st.crossings, crossing{edge: de, pred: idx})
			}
		}
	}
	return rec
}

func (e *Engine) notePeak(st *State, t uint64) {
	if n := st.activeCount(t); n > st.Counters.PeakActive {
		st.Counters.PeakActive = n
	}
}

func removeSlot(list []int, idx int) []int {
	out := list[:0]
	for _, v := range list {
		if v != idx {
			out = append(out, v)
		}
	}
	return out
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
