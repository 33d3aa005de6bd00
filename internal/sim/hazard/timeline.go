// Package hazard maps simulation ticks onto flood stages.
package hazard

import (
	"fmt"
	"sort"
)

// Timeline is a pure tick -> stage function. Implementations hold no mutable state.
type Timeline interface {
	Stage(tick uint64) int
	MaxStage() int
}

// DefaultStageTicks is four 30-tick stages (0..3) over a 120-tick run.
var DefaultStageTicks = []int{30, 30, 30, 30}

// Config selects and parameterizes a timeline. Kind is one of steps|table|oscillate|noise.
type Config struct {
	Kind string `yaml:"kind" json:"kind"`

	// steps: ticks spent in stage i; the last stage persists.
	StageTicks []int `yaml:"stage_ticks,omitempty" json:"stage_ticks,omitempty"`
	// table: explicit stage per tick; the last entry persists.
	Table []int `yaml:"table,omitempty" json:"table,omitempty"`
	// oscillate: stages visited in order, each held for Hold ticks, then repeated.
	Cycle []int `yaml:"cycle,omitempty" json:"cycle,omitempty"`
	Hold  int   `yaml:"hold,omitempty" json:"hold,omitempty"`
	// noise: simplex noise sampled every tick and quantized into 0..Stages-1.
	Stages    int     `yaml:"stages,omitempty" json:"stages,omitempty"`
	Frequency float64 `yaml:"frequency,omitempty" json:"frequency,omitempty"`
	Bias      float64 `yaml:"bias,omitempty" json:"bias,omitempty"`
}

func New(cfg Config, seed int64) (Timeline, error) {
	switch cfg.Kind {
	case "", "steps":
		st := cfg.StageTicks
		if len(st) == 0 {
			st = DefaultStageTicks
		}
		return NewSteps(st)
	case "table":
		return NewTable(cfg.Table)
	case "oscillate":
		return NewOscillating(cfg.Cycle, cfg.Hold)
	case "noise":
		return NewNoise(seed, cfg.Stages, cfg.Frequency, cfg.Bias)
	default:
		return nil, fmt.Errorf("unknown timeline kind %q", cfg.Kind)
	}
}

// Steps is the default monotonic schedule.
type Steps struct {
	bounds []uint64 // bounds[i] = first tick of stage i+1
}

func NewSteps(stageTicks []int) (*Steps, error) {
	if len(stageTicks) == 0 {
		return nil, fmt.Errorf("steps timeline: no stages")
	}
	s := &Steps{}
	var acc uint64
	for i, n := range stageTicks {
		if n <= 0 {
			return nil, fmt.Errorf("steps timeline: stage %d has %d ticks", i, n)
		}
		acc += uint64(n)
		s.bounds = append(s.bounds, acc)
	}
	return s, nil
}

func (s *Steps) Stage(tick uint64) int {
	i := sort.Search(len(s.bounds), func(i int) bool { return tick < s.bounds[i] })
	if i >= len(s.bounds) {
		return len(s.bounds) - 1
	}
	return i
}

func (s *Steps) MaxStage() int { return len(s.bounds) - 1 }

type Table struct {
	stages []int
	max    int
}

func NewTable(stages []int) (*Table, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("table timeline: empty table")
	}
	t := &Table{stages: append([]int(nil), stages...)}
	for i, s := range stages {
		if s < 0 {
			return nil, fmt.Errorf("table timeline: negative stage at tick %d", i)
		}
		if s > t.max {
			t.max = s
		}
	}
	return t, nil
}

func (t *Table) Stage(tick uint64) int {
	if tick >= uint64(len(t.stages)) {
		return t.stages[len(t.stages)-1]
	}
	return t.stages[tick]
}

func (t *Table) MaxStage() int { return t.max }

// Oscillating repeats a stage cycle, e.g. 0,1,2,3,2,1 for a surge that recedes and returns.
type Oscillating struct {
	cycle []int
	hold  uint64
	max   int
}

func NewOscillating(cycle []int, hold int) (*Oscillating, error) {
	if len(cycle) == 0 {
		return nil, fmt.Errorf("oscillate timeline: empty cycle")
	}
	if hold <= 0 {
		return nil, fmt.Errorf("oscillate timeline: hold must be > 0")
	}
	o := &Oscillating{cycle: append([]int(nil), cycle...), hold: uint64(hold)}
	for _, s := range cycle {
		if s < 0 {
			return nil, fmt.Errorf("oscillate timeline: negative stage")
		}
		if s > o.max {
			o.max = s
		}
	}
	return o, nil
}

func (o *Oscillating) Stage(tick uint64) int {
	return o.cycle[(tick/o.hold)%uint64(len(o.cycle))]
}

func (o *Oscillating) MaxStage() int { return o.max }

// Reachable returns the sorted set of stages produced over ticks [0, ticks).
func Reachable(t Timeline, ticks uint64) []int {
	seen := map[int]bool{}
	for i := uint64(0); i < ticks; i++ {
		seen[t.Stage(i)] = true
	}
	out := make([]int, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}
