package cascade

import (
	"sort"

	"floodmesh.ai/internal/sim/model"
)

// State is one buffer of infrastructure state: system levels plus the event arena.
// The scheduler clones the committed State at the start of a tick and commits the clone
// at the tick boundary.
type State struct {
	Levels    map[model.SystemID]float64
	MinLevels map[model.SystemID]float64

	arena   []slot
	index   map[string]int    // event id -> arena slot
	dedup   map[string]string // dedup key -> event id
	pending map[uint64][]int  // trigger tick -> arena slots not yet applied

	// crossings found since the last propagation scan; transient within a tick.
	crossings []crossing

	Counters Counters
}

type slot struct {
	ev      model.CascadeEvent
	applied bool
}

type crossing struct {
	edge directedEdge
	pred int // arena slot of the event whose application caused the crossing
}

type Counters struct {
	Created      int    `json:"created"`
	Primary      int    `json:"primary"`
	Secondary    int    `json:"secondary"`
	Recovery     int    `json:"recovery"`
	Applied      int    `json:"applied"`
	Suppressed   int    `json:"suppressed"`
	Deduplicated int    `json:"deduplicated"`
	Overflow     bool   `json:"overflow"`
	OverflowTick uint64 `json:"overflow_tick,omitempty"`
	PeakActive   int    `json:"peak_active"`
}

func NewState(systems []model.SystemID) *State {
	s := &State{
		Levels:    make(map[model.SystemID]float64, len(systems)),
		MinLevels: make(map[model.SystemID]float64, len(systems)),
		index:     map[string]int{},
		dedup:     map[string]string{},
		pending:   map[uint64][]int{},
	}
	for _, id := range systems {
		s.Levels[id] = 1.0
		s.MinLevels[id] = 1.0
	}
	return s
}

// Clone copies everything mutable. Events themselves are immutable and shared by value.
func (s *State) Clone() *State {
	out := &State{
		Levels:    make(map[model.SystemID]float64, len(s.Levels)),
		MinLevels: make(map[model.SystemID]float64, len(s.MinLevels)),
		arena:     append([]slot(nil), s.arena...),
		index:     make(map[string]int, len(s.index)),
		dedup:     make(map[string]string, len(s.dedup)),
		pending:   make(map[uint64][]int, len(s.pending)),
		Counters:  s.Counters,
	}
	for k, v := range s.Levels {
		out.Levels[k] = v
	}
	for k, v := range s.MinLevels {
		out.MinLevels[k] = v
	}
	for k, v := range s.index {
		out.index[k] = v
	}
	for k, v := range s.dedup {
		out.dedup[k] = v
	}
	for k, v := range s.pending {
		out.pending[k] = append([]int(nil), v...)
	}
	return out
}

func (s *State) Level(id model.SystemID) float64 { return s.Levels[id] }

// MeanDegradation is the average of (1 - level) over all systems.
func (s *State) MeanDegradation() float64 {
	if len(s.Levels) == 0 {
		return 0
	}
	var sum float64
	for _, id := range s.SortedSystems() {
		sum += 1 - s.Levels[id]
	}
	return sum / float64(len(s.Levels))
}

// Events returns all created events in creation order.
func (s *State) Events() []model.CascadeEvent {
	out := make([]model.CascadeEvent, len(s.arena))
	for i := range s.arena {
		out[i] = s.arena[i].ev
	}
	return out
}

// Event looks up an event by id.
func (s *State) Event(id string) (model.CascadeEvent, bool) {
	i, ok := s.index[id]
	if !ok {
		return model.CascadeEvent{}, false
	}
	return s.arena[i].ev, true
}

// ActiveAt returns the ids of applied events whose window covers tick t, sorted.
func (s *State) ActiveAt(t uint64) []string {
	var out []string
	for i := range s.arena {
		if s.arena[i].applied && s.arena[i].ev.ActiveAt(t) {
			out = append(out, s.arena[i].ev.ID)
		}
	}
	sort.Strings(out)
	return out
}

func (s *State) activeCount(t uint64) int {
	n := 0
	for i := range s.arena {
		if s.arena[i].applied && s.arena[i].ev.ActiveAt(t) {
			n++
		}
	}
	return n
}

// SortedSystems returns level keys in lexical order, for digests and logs.
func (s *State) SortedSystems() []model.SystemID {
	ids := make([]model.SystemID, 0, len(s.Levels))
	for id := range s.Levels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
