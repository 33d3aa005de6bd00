// Package scheduler runs the tick loop. Each tick is computed on clones of the committed
// buffers and committed as a whole at the tick boundary; a tick that fails leaves the
// committed state untouched.
//
// Phase order per tick: hazard stage, activation of due cascade events, agent status
// recompute (parallel), envelope composition, bus resolution with decisions, cascade
// propagation scan, metrics snapshot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"floodmesh.ai/internal/sim/cascade"
	"floodmesh.ai/internal/sim/catalogs"
	"floodmesh.ai/internal/sim/decision"
	"floodmesh.ai/internal/sim/digest"
	"floodmesh.ai/internal/sim/hazard"
	"floodmesh.ai/internal/sim/messaging"
	"floodmesh.ai/internal/sim/metrics"
	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/registry"
	"floodmesh.ai/internal/sim/scenario"
	"floodmesh.ai/internal/sim/tuning"
)

var (
	ErrOracleBudgetExceeded = messaging.ErrOracleBudgetExceeded
	ErrRunComplete          = errors.New("run complete")
)

// TickRecord is everything a committed tick produced.
type TickRecord struct {
	Tick     uint64
	Stage    int
	Messages []model.Delivery
	Cascade  []cascade.Record
	Snapshot metrics.TickSnapshot
}

// Sink receives committed ticks in order.
type Sink interface {
	WriteTick(TickRecord) error
}

// SummarySink is implemented by sinks that also record the final metrics.
type SummarySink interface {
	WriteSummary(metrics.Summary) error
}

type Options struct {
	Logger *log.Logger
	Sinks  []Sink
}

type Sim struct {
	scn  *scenario.Scenario
	cats *catalogs.Catalogs
	tun  tuning.Tuning

	timeline  hazard.Timeline
	engine    *cascade.Engine
	bus       *messaging.Bus
	collector *metrics.Collector
	logger    *log.Logger
	sinks     []Sink

	// Committed buffers.
	tick   uint64
	reg    *registry.Registry
	cs     *cascade.State
	bs     *messaging.State
	digest string

	overflowLogged bool
}

// New validates the configuration and builds the tick-0 state. A nil oracle selects the
// rule-based evaluator.
func New(scn *scenario.Scenario, cats *catalogs.Catalogs, tun tuning.Tuning, oracle decision.Oracle, opts Options) (*Sim, error) {
	if err := tun.Validate(); err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}
	if err := scn.Validate(cats); err != nil {
		return nil, err
	}
	tl, err := scn.Timeline()
	if err != nil {
		return nil, err
	}
	if oracle == nil {
		oracle = decision.NewRules(tun)
	}

	bySystem := make(map[model.SystemID][]string, len(cats.Infra.Systems))
	for _, sys := range cats.Infra.Systems {
		bySystem[sys] = scenario.AgentsForSystems(cats, map[model.SystemID]bool{sys: true})
	}
	engine := cascade.New(cascade.Config{
		MaxEvents:         scn.MaxCascadeEvents,
		MaxConcurrent:     scn.MaxConcurrentEvents,
		SecondaryDuration: scn.SecondaryDuration,
		CouplingScale:     scn.CouplingScale,
		AgentsBySystem:    bySystem,
	}, cats.Infra.Systems, cats.Graph.Edges)
	cs := engine.NewState()
	for _, ev := range scn.PrimaryEvents(cats) {
		if err := engine.AddPrimary(cs, ev); err != nil {
			return nil, model.ConfigErrorf("scenario "+scn.ID, "events", "%v", err)
		}
	}

	return &Sim{
		scn:       scn,
		cats:      cats,
		tun:       tun,
		timeline:  tl,
		engine:    engine,
		bus:       messaging.New(messaging.ConfigFrom(scn, tun), &cats.Sectors, oracle),
		collector: metrics.NewCollector(scn.HighVulnerability),
		logger:    opts.Logger,
		sinks:     opts.Sinks,
		reg:       registry.New(cats.Personas.List, &cats.Infra),
		cs:        cs,
		bs:        messaging.NewState(tun.Partnership.MemoryPairs),
	}, nil
}

func (s *Sim) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Tick is the next tick to run, which equals the number of committed ticks.
func (s *Sim) Tick() uint64                 { return s.tick }
func (s *Sim) Digest() string               { return s.digest }
func (s *Sim) Registry() *registry.Registry { return s.reg }
func (s *Sim) Cascade() *cascade.State      { return s.cs }
func (s *Sim) Scenario() *scenario.Scenario { return s.scn }

func (s *Sim) Summary() metrics.Summary {
	return s.collector.Summary(s.scn.ID, s.scn.Seed, s.cs)
}

// Run steps until the scenario's tick count, ctx cancellation, or a fatal error.
// Cancellation is honoured only between ticks; results up to the last committed tick
// stay valid and are summarised either way.
func (s *Sim) Run(ctx context.Context) (metrics.Summary, error) {
	s.logf("run start scenario=%s seed=%d ticks=%d agents=%d", s.scn.ID, s.scn.Seed, s.scn.Ticks, s.reg.Len())
	tickCtx := context.WithoutCancel(ctx)
	var runErr error
	for s.tick < s.scn.Ticks {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if _, err := s.StepOnce(tickCtx); err != nil {
			runErr = err
			break
		}
	}

	sum := s.Summary()
	if runErr != nil {
		sum.Aborted = true
		sum.AbortReason = runErr.Error()
		s.logf("run stopped at tick %d: %v", s.tick, runErr)
	} else {
		s.logf("run complete ticks=%d delivery_ratio=%.3f unmet=%d equity_gap=%d", sum.TicksCompleted, sum.DeliveryRatio, sum.UnmetNeeds, sum.EquityGap)
	}
	for _, sk := range s.sinks {
		if ss, ok := sk.(SummarySink); ok {
			if err := ss.WriteSummary(sum); err != nil {
				s.logf("summary sink: %v", err)
			}
		}
	}
	return sum, runErr
}

// StepOnce runs and commits exactly one tick.
func (s *Sim) StepOnce(ctx context.Context) (TickRecord, error) {
	if s.tick >= s.scn.Ticks {
		return TickRecord{}, ErrRunComplete
	}
	t := s.tick
	reg, cs, bs := s.reg.Clone(), s.cs.Clone(), s.bs.Clone()

	// 1. Hazard stage.
	stage := s.timeline.Stage(t)

	// 2. Scheduled cascade events.
	crecs := s.engine.Activate(cs, t)

	// 3. Agent status, one worker per agent index.
	changes := make([]registry.Change, reg.Len())
	env := &registry.Env{
		Tick:                t,
		Stage:               stage,
		Levels:              cs.Levels,
		BroadcastSystem:     s.scn.BroadcastSystem,
		DisruptionThreshold: s.scn.DisruptionThreshold,
		Inactive:            s.scn.Inactive,
		Sectors:             &s.cats.Sectors,
	}
	g := new(errgroup.Group)
	g.SetLimit(s.tun.Workers)
	for i := 0; i < reg.Len(); i++ {
		i := i
		g.Go(func() error {
			changes[i] = reg.Recompute(i, env)
			return nil
		})
	}
	_ = g.Wait()

	// 4-5. Envelopes and their resolution.
	in := &messaging.Tick{
		Tick:    t,
		Reg:     reg,
		Changes: changes,
		Levels:  cs.Levels,
		Crisis: decision.Crisis{
			Tick:            t,
			Stage:           stage,
			ActiveEvents:    cs.ActiveAt(t),
			MeanDegradation: cs.MeanDegradation(),
			Levels:          cs.Levels,
		},
	}
	envs := s.bus.Compose(bs, in)
	res, err := s.bus.Resolve(ctx, bs, in, envs)
	if err != nil {
		if errors.Is(err, ErrOracleBudgetExceeded) {
			s.logf("tick %d discarded: %v", t, err)
		}
		return TickRecord{}, fmt.Errorf("tick %d: %w", t, err)
	}
	for _, d := range res.Deliveries {
		if d.OracleError != "" {
			s.logf("tick %d oracle failure seq=%d %s->%s: %s", t, d.Envelope.Seq, d.Envelope.Sender, d.Envelope.Receiver, d.OracleError)
		}
	}

	// 6. Propagation scan.
	crecs = append(crecs, s.engine.Propagate(cs, t)...)
	if cs.Counters.Overflow && !s.overflowLogged {
		s.overflowLogged = true
		s.logf("cascade overflow at tick %d: created=%d suppressed=%d", cs.Counters.OverflowTick, cs.Counters.Created, cs.Counters.Suppressed)
	}

	// 7. Metrics snapshot, then commit.
	d := digest.State(t, stage, reg, cs, bs, res.Deliveries)
	snap := s.collector.Observe(metrics.TickInput{Tick: t, Stage: stage, Digest: d, Reg: reg, Cascade: cs, Bus: res})
	s.reg, s.cs, s.bs, s.digest = reg, cs, bs, d
	s.tick++

	rec := TickRecord{Tick: t, Stage: stage, Messages: res.Deliveries, Cascade: crecs, Snapshot: snap}
	for _, sk := range s.sinks {
		if err := sk.WriteTick(rec); err != nil {
			s.logf("tick %d sink: %v", t, err)
		}
	}
	return rec, nil
}
