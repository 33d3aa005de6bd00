// Package messaging is the stochastic message bus: it composes each agent's envelopes for
// a tick, resolves delivery with keyed draws, orders support requests for equity, and
// applies the decision oracle to every delivered request.
package messaging

import (
	"errors"

	"floodmesh.ai/internal/sim/catalogs"
	"floodmesh.ai/internal/sim/decision"
	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/registry"
	"floodmesh.ai/internal/sim/scenario"
	"floodmesh.ai/internal/sim/tuning"
)

// ErrOracleBudgetExceeded aborts a run after too many consecutive oracle failures.
var ErrOracleBudgetExceeded = errors.New("oracle consecutive failure budget exceeded")

type Config struct {
	Seed              int64
	PFail             float64
	MaxPFail          float64
	PriorityThreshold float64
	EquityWeight      float64
	ReceiverCapacity  int
	RequestMinStatus  model.Status
	DisruptionWeights map[model.SystemID]float64
	HintsByNeed       map[string][]string
	HintsByAgent      map[string][]string

	Success       tuning.Success
	FailureBudget int
	Workers       int
}

func ConfigFrom(s *scenario.Scenario, t tuning.Tuning) Config {
	return Config{
		Seed:              s.Seed,
		PFail:             s.PFail,
		MaxPFail:          s.MaxPFail,
		PriorityThreshold: s.PriorityThreshold,
		EquityWeight:      s.EquityWeight,
		ReceiverCapacity:  s.ReceiverCapacity,
		RequestMinStatus:  s.RequestMinStatus,
		DisruptionWeights: s.DisruptionWeights,
		HintsByNeed:       s.RoutingHints.ByNeed,
		HintsByAgent:      s.RoutingHints.ByAgent,
		Success:           t.Success,
		FailureBudget:     t.Oracle.ConsecutiveFailures,
		Workers:           t.Workers,
	}
}

// Bus holds immutable configuration; everything that changes lives in State.
type Bus struct {
	cfg     Config
	sectors *catalogs.SectorCatalog
	oracle  decision.Oracle
}

func New(cfg Config, sectors *catalogs.SectorCatalog, oracle decision.Oracle) *Bus {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ReceiverCapacity < 1 {
		cfg.ReceiverCapacity = 1
	}
	return &Bus{cfg: cfg, sectors: sectors, oracle: oracle}
}

func (b *Bus) Config() Config { return b.cfg }

// State is the bus's share of a simulation buffer.
type State struct {
	Seq                 uint64
	Memory              *Memory
	ConsecutiveFailures int
}

func NewState(memoryPairs int) *State {
	return &State{Memory: NewMemory(memoryPairs)}
}

func (s *State) Clone() *State {
	return &State{Seq: s.Seq, Memory: s.Memory.Clone(), ConsecutiveFailures: s.ConsecutiveFailures}
}

// Tick is the read-mostly view of one tick handed to Compose and Resolve. Reg is the
// working buffer; the bus mutates it only from sequential code.
type Tick struct {
	Tick    uint64
	Reg     *registry.Registry
	Changes []registry.Change
	Levels  map[model.SystemID]float64
	Crisis  decision.Crisis
}

// EffectivePFail raises the base loss rate by the degradation of the systems agent i
// depends on, capped at MaxPFail.
func (b *Bus) EffectivePFail(reg *registry.Registry, i int, levels map[model.SystemID]float64) float64 {
	p := b.cfg.PFail
	for _, sys := range reg.Dependencies(i) {
		w := b.cfg.DisruptionWeights[sys]
		if w == 0 {
			continue
		}
		lvl, ok := levels[sys]
		if !ok {
			continue
		}
		p += w * (1 - lvl)
	}
	if p > b.cfg.MaxPFail {
		p = b.cfg.MaxPFail
	}
	if p < 0 {
		p = 0
	}
	return p
}

// attempts is the number of independent delivery attempts for envelopes from agent i.
func (b *Bus) attempts(reg *registry.Registry, i int) int {
	p := reg.Persona(i)
	if p.HighPriority(b.cfg.PriorityThreshold) && p.Comm.RedundancyFactor > 1 {
		return p.Comm.RedundancyFactor
	}
	return 1
}
