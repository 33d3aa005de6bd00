package messaging

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"floodmesh.ai/internal/sim/catalogs"
	"floodmesh.ai/internal/sim/decision"
	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/registry"
	"floodmesh.ai/internal/sim/tuning"
)

var allAlert = map[string]string{"0": "alert"}

func fixture(t *testing.T, defs ...catalogs.PersonaDef) (*catalogs.Catalogs, *registry.Registry) {
	t.Helper()
	c, err := catalogs.Build(defs, nil, catalogs.InfraDef{
		SystemCapabilities: map[model.SystemID][]string{model.PowerGrid: {"pumping"}},
	}, catalogs.SectorDef{
		NeedCapabilities: map[string][]string{"drainage": {"pumping"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	reg := registry.New(c.Personas.List, &c.Infra)
	return c, reg
}

func recompute(reg *registry.Registry, c *catalogs.Catalogs, tick uint64) []registry.Change {
	env := &registry.Env{
		Tick:                tick,
		Levels:              map[model.SystemID]float64{model.CommunicationNetwork: 1, model.PowerGrid: 1},
		BroadcastSystem:     model.CommunicationNetwork,
		DisruptionThreshold: 0.3,
		Sectors:             &c.Sectors,
	}
	var out []registry.Change
	for i := 0; i < reg.Len(); i++ {
		out = append(out, reg.Recompute(i, env))
	}
	return out
}

func baseConfig() Config {
	return Config{
		Seed:              7,
		PFail:             0,
		MaxPFail:          1,
		PriorityThreshold: 8,
		ReceiverCapacity:  10,
		RequestMinStatus:  model.StatusAlert,
		Success:           tuning.Defaults().Success,
		FailureBudget:     5,
		Workers:           4,
	}
}

func sure(kind model.DecisionType) decision.Oracle {
	return decision.OracleFunc(func(_ context.Context, req decision.Request) (model.DecisionRecord, error) {
		return model.DecisionRecord{Type: kind, Confidence: 1, Reasoning: strings.Repeat("r", 80), Priority: 1, Partnership: 0.9}, nil
	})
}

func step(t *testing.T, b *Bus, st *State, reg *registry.Registry, c *catalogs.Catalogs, tick uint64) Result {
	t.Helper()
	in := &Tick{Tick: tick, Reg: reg, Changes: recompute(reg, c, tick), Levels: map[model.SystemID]float64{model.PowerGrid: 1}}
	envs := b.Compose(st, in)
	res, err := b.Resolve(context.Background(), st, in, envs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return res
}

func TestRealizedCommitRemovesNeedOnce(t *testing.T) {
	c, reg := fixture(t,
		catalogs.PersonaDef{ID: "museum", Sector: "heritage", Needs: []string{"drainage"}, Vulnerability: 0.9, Priority: 5, Escalation: allAlert},
		catalogs.PersonaDef{ID: "pumps", Sector: "other", Capabilities: []string{"pumping"}, Priority: 5, Escalation: allAlert},
	)
	b := New(baseConfig(), &c.Sectors, sure(model.DecisionCommit))
	st := NewState(16)

	res := step(t, b, st, reg, c, 0)
	if res.Stats.Realized != 1 || len(res.Responses) != 1 || res.Responses[0].Ticks != 0 {
		t.Fatalf("stats=%+v responses=%+v", res.Stats, res.Responses)
	}
	if reg.State(0).HasNeed("drainage") {
		t.Fatalf("need not removed")
	}
	var intents []model.Intent
	for _, d := range res.Deliveries {
		intents = append(intents, d.Envelope.Intent)
	}
	want := []model.Intent{model.IntentRequestSupport, model.IntentCommit}
	if !reflect.DeepEqual(intents, want) {
		t.Fatalf("intents=%v want %v", intents, want)
	}
	if v, ok := st.Memory.Get("pumps", "museum"); !ok || v != 0.9 {
		t.Fatalf("partnership memory=%v,%v", v, ok)
	}

	res = step(t, b, st, reg, c, 1)
	if res.Stats.Realized != 0 || res.Stats.OracleAttempts != 0 {
		t.Fatalf("need requested again: %+v", res.Stats)
	}
}

func TestLossAndRedundancy(t *testing.T) {
	c, reg := fixture(t,
		catalogs.PersonaDef{ID: "hospital", Sector: "health", Needs: []string{"drainage"}, Priority: 10, Escalation: allAlert,
			Comm: &catalogs.CommDef{BroadcastThreshold: "alert", RedundancyFactor: 3}},
		catalogs.PersonaDef{ID: "pumps", Sector: "other", Capabilities: []string{"pumping"}, Priority: 2, Escalation: allAlert},
	)
	cfg := baseConfig()
	cfg.PFail = 1
	b := New(cfg, &c.Sectors, sure(model.DecisionCommit))
	res := step(t, b, NewState(16), reg, c, 0)

	for _, d := range res.Deliveries {
		if d.Delivered {
			t.Fatalf("delivered with p_fail=1: %+v", d)
		}
		if d.Envelope.Sender == "hospital" && d.Attempts != 3 {
			t.Fatalf("hospital attempts=%d want 3", d.Attempts)
		}
		if d.Envelope.Sender == "pumps" && d.Attempts != 1 {
			t.Fatalf("pumps attempts=%d want 1", d.Attempts)
		}
	}
	if res.Stats.DeliveredUnits != 0 || res.Stats.Units != 2 || res.Stats.Failed != 2 {
		t.Fatalf("stats=%+v", res.Stats)
	}
	if !reg.State(0).HasNeed("drainage") {
		t.Fatalf("failed delivery removed the need")
	}
}

func TestDisruptedBroadcastSuppressed(t *testing.T) {
	c, reg := fixture(t,
		catalogs.PersonaDef{ID: "a", Sector: "transport", Escalation: allAlert},
		catalogs.PersonaDef{ID: "b", Sector: "transport", Escalation: allAlert},
	)
	b := New(baseConfig(), &c.Sectors, sure(model.DecisionCommit))
	env := &registry.Env{
		Levels:              map[model.SystemID]float64{model.CommunicationNetwork: 0.1},
		BroadcastSystem:     model.CommunicationNetwork,
		DisruptionThreshold: 0.3,
	}
	var changes []registry.Change
	for i := 0; i < reg.Len(); i++ {
		changes = append(changes, reg.Recompute(i, env))
	}
	in := &Tick{Reg: reg, Changes: changes}
	st := NewState(4)
	res, err := b.Resolve(context.Background(), st, in, b.Compose(st, in))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Stats.Suppressed != 2 || res.Stats.Failed != 0 || res.Stats.Units != 0 {
		t.Fatalf("stats=%+v", res.Stats)
	}
}

func TestEquityOrderingUnderCapacity(t *testing.T) {
	c, reg := fixture(t,
		catalogs.PersonaDef{ID: "office", Sector: "other", Needs: []string{"drainage"}, Vulnerability: 0.2, Priority: 5, Escalation: allAlert},
		catalogs.PersonaDef{ID: "church", Sector: "heritage", Needs: []string{"drainage"}, Vulnerability: 0.9, Priority: 5, Escalation: allAlert},
		catalogs.PersonaDef{ID: "pumps", Sector: "other", Capabilities: []string{"pumping"}, Priority: 1, Escalation: allAlert},
	)
	run := func(weight float64) []string {
		cfg := baseConfig()
		cfg.ReceiverCapacity = 1
		cfg.EquityWeight = weight
		b := New(cfg, &c.Sectors, sure(model.DecisionCommit))
		res := step(t, b, NewState(16), reg.Clone(), c, 0)
		var served []string
		for _, d := range res.Deliveries {
			if d.Envelope.Intent == model.IntentRequestSupport && d.Outcome == model.OutcomeDelivered {
				served = append(served, d.Envelope.Sender)
			}
		}
		return served
	}
	if got := run(0); !reflect.DeepEqual(got, []string{"office"}) {
		t.Fatalf("unweighted served=%v", got)
	}
	if got := run(1); !reflect.DeepEqual(got, []string{"church"}) {
		t.Fatalf("weighted served=%v", got)
	}
}

func TestPartnerOrdering(t *testing.T) {
	c, reg := fixture(t,
		catalogs.PersonaDef{ID: "req", Sector: "heritage", Escalation: allAlert},
		catalogs.PersonaDef{ID: "p1", Sector: "other", Capabilities: []string{"pumping"}, Escalation: allAlert},
		catalogs.PersonaDef{ID: "p2", Sector: "other", Capabilities: []string{"pumping"}, Escalation: allAlert},
		catalogs.PersonaDef{ID: "p3", Sector: "other", Capabilities: []string{"drainage"}, Escalation: allAlert},
		catalogs.PersonaDef{ID: "nope", Sector: "other", Capabilities: []string{"bread"}, Escalation: allAlert},
	)
	ids := func(js []int) []string {
		var out []string
		for _, j := range js {
			out = append(out, reg.Persona(j).ID)
		}
		return out
	}
	st := NewState(16)
	b := New(baseConfig(), &c.Sectors, nil)
	if got := ids(b.Partners(st, reg, 0, "drainage")); !reflect.DeepEqual(got, []string{"p1", "p2", "p3"}) {
		t.Fatalf("insertion order=%v", got)
	}

	st.Memory.Put("req", "p1", 0.2)
	st.Memory.Put("p3", "req", 0.8)
	if got := ids(b.Partners(st, reg, 0, "drainage")); !reflect.DeepEqual(got, []string{"p3", "p2", "p1"}) {
		t.Fatalf("memory order=%v", got)
	}

	cfg := baseConfig()
	cfg.HintsByAgent = map[string][]string{"req": {"nope", "p1"}}
	cfg.HintsByNeed = map[string][]string{"drainage": {"p2"}}
	b = New(cfg, &c.Sectors, nil)
	if got := ids(b.Partners(st, reg, 0, "drainage")); !reflect.DeepEqual(got, []string{"p1", "p2", "p3"}) {
		t.Fatalf("hinted order=%v", got)
	}
}

func TestOracleBudgetExceeded(t *testing.T) {
	c, reg := fixture(t,
		catalogs.PersonaDef{ID: "a", Sector: "other", Needs: []string{"drainage"}, Escalation: allAlert},
		catalogs.PersonaDef{ID: "b", Sector: "other", Needs: []string{"drainage"}, Escalation: allAlert},
		catalogs.PersonaDef{ID: "pumps", Sector: "other", Capabilities: []string{"pumping"}, Escalation: allAlert},
	)
	cfg := baseConfig()
	cfg.FailureBudget = 1
	failing := decision.OracleFunc(func(context.Context, decision.Request) (model.DecisionRecord, error) {
		return model.DecisionRecord{}, decision.ErrOracleTimeout
	})
	b := New(cfg, &c.Sectors, failing)
	st := NewState(4)
	in := &Tick{Reg: reg, Changes: recompute(reg, c, 0)}
	res, err := b.Resolve(context.Background(), st, in, b.Compose(st, in))
	if !errors.Is(err, ErrOracleBudgetExceeded) {
		t.Fatalf("want budget error, got %v", err)
	}
	if res.Stats.OracleFailures != 2 || st.ConsecutiveFailures != 2 {
		t.Fatalf("failures=%d consecutive=%d", res.Stats.OracleFailures, st.ConsecutiveFailures)
	}
	for _, d := range res.Deliveries {
		if d.Decision != nil || d.Realized {
			t.Fatalf("failed attempt produced a decision: %+v", d)
		}
	}
	if !reg.State(0).HasNeed("drainage") || !reg.State(1).HasNeed("drainage") {
		t.Fatalf("needs removed despite oracle failures")
	}
}

func TestResolveDeterministic(t *testing.T) {
	c, reg := fixture(t,
		catalogs.PersonaDef{ID: "a", Sector: "heritage", Needs: []string{"drainage"}, Vulnerability: 0.7, Priority: 9, Escalation: allAlert,
			Comm: &catalogs.CommDef{BroadcastThreshold: "alert", RedundancyFactor: 2}},
		catalogs.PersonaDef{ID: "b", Sector: "transport", Needs: []string{"drainage"}, Vulnerability: 0.4, Priority: 3, Escalation: allAlert},
		catalogs.PersonaDef{ID: "pumps", Sector: "other", Capabilities: []string{"pumping"}, Escalation: allAlert},
	)
	cfg := baseConfig()
	cfg.PFail = 0.4
	cfg.DisruptionWeights = map[model.SystemID]float64{model.PowerGrid: 0.5}
	run := func() Result {
		b := New(cfg, &c.Sectors, decision.NewRules(tuning.Defaults()))
		return step(t, b, NewState(8), reg.Clone(), c, 0)
	}
	a, z := run(), run()
	if !reflect.DeepEqual(a, z) {
		t.Fatalf("resolution not deterministic")
	}
}

func TestEffectivePFail(t *testing.T) {
	c, reg := fixture(t, catalogs.PersonaDef{ID: "pumps", Sector: "other", Capabilities: []string{"pumping"}})
	cfg := baseConfig()
	cfg.PFail, cfg.MaxPFail = 0.1, 0.5
	cfg.DisruptionWeights = map[model.SystemID]float64{model.PowerGrid: 0.5}
	b := New(cfg, &c.Sectors, nil)
	if got := b.EffectivePFail(reg, 0, map[model.SystemID]float64{model.PowerGrid: 0.6}); got < 0.2999 || got > 0.3001 {
		t.Fatalf("p=%v want 0.3", got)
	}
	if got := b.EffectivePFail(reg, 0, map[model.SystemID]float64{model.PowerGrid: 0}); got != 0.5 {
		t.Fatalf("p=%v want cap 0.5", got)
	}
}

func TestMemoryCloneKeepsEvictionOrder(t *testing.T) {
	m := NewMemory(2)
	m.Put("a", "b", 0.1)
	m.Put("a", "c", 0.2)
	cp := m.Clone()
	m.Put("a", "d", 0.3)
	cp.Put("a", "d", 0.3)
	for _, mm := range []*Memory{m, cp} {
		if _, ok := mm.Get("b", "a"); ok {
			t.Fatalf("oldest pair not evicted")
		}
		if v, ok := mm.Get("c", "a"); !ok || v != 0.2 {
			t.Fatalf("pair a|c=%v,%v", v, ok)
		}
	}
}
