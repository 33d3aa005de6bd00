package cascade

import (
	"math"
	"reflect"
	"testing"

	"floodmesh.ai/internal/sim/model"
)

func edge(id string, a, b model.SystemID, coupling, threshold float64, delay int, bidi bool) model.Interdependency {
	return model.Interdependency{
		ID: id, SystemA: a, SystemB: b, Type: model.DepPhysical,
		Coupling: coupling, FailureThreshold: threshold, Delay: delay, Bidirectional: bidi,
	}
}

func primary(id string, tick uint64, sev float64, sys model.SystemID) model.CascadeEvent {
	return model.CascadeEvent{
		ID: id, Cause: "test", TriggerTick: tick, Duration: 3, Severity: sev,
		Impacts: []model.Impact{{System: sys, Amount: sev}},
	}
}

func run(e *Engine, st *State, from, to uint64) []Record {
	var recs []Record
	for t := from; t <= to; t++ {
		recs = append(recs, e.Activate(st, t)...)
		recs = append(recs, e.Propagate(st, t)...)
	}
	return recs
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPropagation_DelayedSecondary(t *testing.T) {
	e := New(Config{MaxEvents: 100, MaxConcurrent: 10, SecondaryDuration: 4},
		[]model.SystemID{"x", "y"},
		[]model.Interdependency{edge("x_y", "x", "y", 0.9, 0.5, 2, false)})
	st := e.NewState()
	if err := e.AddPrimary(st, primary("p@5", 5, 0.95, "x")); err != nil {
		t.Fatalf("add: %v", err)
	}

	run(e, st, 0, 6)
	if !near(st.Level("x"), 0.05) || st.Level("y") != 1 {
		t.Fatalf("before delay: x=%v y=%v", st.Level("x"), st.Level("y"))
	}
	sec, ok := st.Event("cascade_x_y_5")
	if !ok {
		t.Fatalf("secondary not scheduled: %+v", st.Events())
	}
	if sec.TriggerTick != 7 || !near(sec.Severity, 0.855) || sec.Kind != model.EventSecondary {
		t.Fatalf("secondary: %+v", sec)
	}
	if !reflect.DeepEqual(sec.Predecessors, []string{"p@5"}) {
		t.Fatalf("predecessors: %v", sec.Predecessors)
	}

	run(e, st, 7, 7)
	if !near(st.Level("y"), 0.145) {
		t.Fatalf("y=%v want 0.145", st.Level("y"))
	}
	if !near(st.MinLevels["y"], 0.145) {
		t.Fatalf("min y=%v", st.MinLevels["y"])
	}
}

func TestPropagation_GlobalCapSuppresses(t *testing.T) {
	e := New(Config{MaxEvents: 3, SecondaryDuration: 5},
		[]model.SystemID{"a", "b", "c", "d", "e"},
		[]model.Interdependency{
			edge("a_b", "a", "b", 1, 0.5, 0, false),
			edge("b_c", "b", "c", 1, 0.5, 0, false),
			edge("c_d", "c", "d", 1, 0.5, 0, false),
			edge("d_e", "d", "e", 1, 0.5, 0, false),
		})
	st := e.NewState()
	_ = e.AddPrimary(st, primary("p@1", 1, 0.9, "a"))

	recs := run(e, st, 0, 5)
	c := st.Counters
	if c.Created != 3 || c.Primary != 1 || c.Secondary != 2 {
		t.Fatalf("counters: %+v", c)
	}
	if c.Suppressed != 1 || !c.Overflow || c.OverflowTick != 1 {
		t.Fatalf("breaker: %+v", c)
	}
	if st.Level("d") != 1 || st.Level("e") != 1 {
		t.Fatalf("suppressed systems degraded: d=%v e=%v", st.Level("d"), st.Level("e"))
	}
	var suppressed int
	for _, r := range recs {
		if r.Action == ActionSuppressed {
			suppressed++
			if r.Reason != ReasonGlobalCap || r.Edge != "c_d" {
				t.Fatalf("suppressed record: %+v", r)
			}
		}
	}
	if suppressed != 1 {
		t.Fatalf("suppressed records=%d", suppressed)
	}
}

func TestPropagation_TickCapSuppresses(t *testing.T) {
	e := New(Config{MaxEvents: 100, MaxConcurrent: 1, SecondaryDuration: 5},
		[]model.SystemID{"a", "b"},
		[]model.Interdependency{edge("a_b", "a", "b", 1, 0.5, 1, false)})
	st := e.NewState()
	_ = e.AddPrimary(st, primary("p@0", 0, 0.9, "a"))

	recs := run(e, st, 0, 3)
	if st.Counters.Secondary != 0 || st.Counters.Suppressed != 1 {
		t.Fatalf("counters: %+v", st.Counters)
	}
	found := false
	for _, r := range recs {
		if r.Action == ActionSuppressed && r.Reason == ReasonTickCap {
			found = true
		}
	}
	if !found {
		t.Fatalf("no tick_cap record in %+v", recs)
	}
}

func TestPropagation_CycleTerminates(t *testing.T) {
	e := New(Config{MaxEvents: 50, MaxConcurrent: 50, SecondaryDuration: 2},
		[]model.SystemID{"a", "b"},
		[]model.Interdependency{edge("a_b", "a", "b", 1, 0.5, 1, true)})
	st := e.NewState()
	_ = e.AddPrimary(st, primary("p@0", 0, 0.9, "a"))

	run(e, st, 0, 20)
	if st.Counters.Secondary != 2 {
		t.Fatalf("secondary=%d events=%+v", st.Counters.Secondary, st.Events())
	}
	if _, ok := st.Event("cascade_a_b~rev_1"); !ok {
		t.Fatalf("reverse edge event missing: %+v", st.Events())
	}
}

func TestPropagation_ZeroDelayCycleBounded(t *testing.T) {
	var systems []model.SystemID
	var edges []model.Interdependency
	names := []model.SystemID{"a", "b", "c", "d"}
	systems = append(systems, names...)
	for i, from := range names {
		to := names[(i+1)%len(names)]
		edges = append(edges, edge(string(from)+"_"+string(to), from, to, 0.6, 0.99, 0, true))
	}
	e := New(Config{MaxEvents: 6, MaxConcurrent: 100, SecondaryDuration: 1}, systems, edges)
	st := e.NewState()
	_ = e.AddPrimary(st, primary("p@0", 0, 0.5, "a"))

	run(e, st, 0, 10)
	if st.Counters.Created > 6 {
		t.Fatalf("created=%d exceeds cap", st.Counters.Created)
	}
	for id, v := range st.Levels {
		if v < 0 || v > 1 {
			t.Fatalf("level %s out of range: %v", id, v)
		}
	}
}

func TestPropagation_DuplicateCrossingDeduplicated(t *testing.T) {
	e := New(Config{MaxEvents: 100, MaxConcurrent: 100, SecondaryDuration: 2},
		[]model.SystemID{"x", "y"},
		[]model.Interdependency{edge("x_y", "x", "y", 0.5, 0.5, 1, false)})
	st := e.NewState()
	_ = e.AddPrimary(st, primary("drop1@3", 3, 0.6, "x"))
	rec := primary("recover@3", 3, 0.5, "x")
	rec.Kind = model.EventRecovery
	_ = e.AddPrimary(st, rec)
	_ = e.AddPrimary(st, primary("drop2@3", 3, 0.6, "x"))

	run(e, st, 0, 6)
	if st.Counters.Secondary != 1 || st.Counters.Deduplicated != 1 {
		t.Fatalf("counters: %+v", st.Counters)
	}
	if st.Counters.Recovery != 1 {
		t.Fatalf("recovery counter: %+v", st.Counters)
	}
	if !near(st.Level("x"), 0.3) {
		t.Fatalf("x=%v", st.Level("x"))
	}
}

func TestRecoveryClampsAtOne(t *testing.T) {
	e := New(Config{}, []model.SystemID{"x"}, nil)
	st := e.NewState()
	ev := primary("r@0", 0, 0.5, "x")
	ev.Kind = model.EventRecovery
	_ = e.AddPrimary(st, ev)
	run(e, st, 0, 0)
	if st.Level("x") != 1 {
		t.Fatalf("x=%v", st.Level("x"))
	}
}

func TestAddPrimary_DuplicateID(t *testing.T) {
	e := New(Config{}, []model.SystemID{"x"}, nil)
	st := e.NewState()
	if err := e.AddPrimary(st, primary("p@0", 0, 0.1, "x")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := e.AddPrimary(st, primary("p@0", 0, 0.1, "x")); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestCouplingScale(t *testing.T) {
	e := New(Config{MaxEvents: 10, MaxConcurrent: 10, CouplingScale: map[string]float64{"x_y": 0.5}},
		[]model.SystemID{"x", "y"},
		[]model.Interdependency{edge("x_y", "x", "y", 0.8, 0.5, 0, false)})
	st := e.NewState()
	_ = e.AddPrimary(st, primary("p@0", 0, 1, "x"))
	run(e, st, 0, 0)
	if !near(st.Level("y"), 0.6) {
		t.Fatalf("y=%v want 0.6", st.Level("y"))
	}
}

func TestClone_Independent(t *testing.T) {
	e := New(Config{MaxEvents: 10, MaxConcurrent: 10, SecondaryDuration: 2},
		[]model.SystemID{"x", "y"},
		[]model.Interdependency{edge("x_y", "x", "y", 1, 0.5, 1, false)})
	st := e.NewState()
	_ = e.AddPrimary(st, primary("p@0", 0, 0.9, "x"))
	snap := st.Clone()
	run(e, st, 0, 2)
	if snap.Level("x") != 1 || len(snap.Events()) != 1 || snap.Counters.Applied != 0 {
		t.Fatalf("clone mutated: levels=%v events=%d", snap.Levels, len(snap.Events()))
	}
	run(e, snap, 0, 2)
	if !reflect.DeepEqual(snap.Events(), st.Events()) || !reflect.DeepEqual(snap.Levels, st.Levels) {
		t.Fatalf("replay from clone diverged")
	}
}

func TestDedupKeyStable(t *testing.T) {
	a := DedupKey("x_y", 7)
	if a != DedupKey("x_y", 7) || a == DedupKey("x_y", 8) || a == DedupKey("x_y~rev", 7) || len(a) != 16 {
		t.Fatalf("dedup key: %q", a)
	}
}

func TestMeanDegradation_SortedOrderBitStable(t *testing.T) {
	var ids []model.SystemID
	for _, name := range []string{
		"power_grid", "water_system", "communication_network", "transport_network",
		"emergency_services", "digital_infrastructure", "pumping_stations", "flood_barriers",
		"sensor_network", "emergency_communications", "public_wifi", "cellular_network",
	} {
		ids = append(ids, model.SystemID(name))
	}
	st := NewState(ids)
	for i, id := range ids {
		st.Levels[id] = 1 - float64(i+1)*0.0731
	}

	var want float64
	for _, id := range st.SortedSystems() {
		want += 1 - st.Levels[id]
	}
	want /= float64(len(ids))

	for i := 0; i < 200; i++ {
		if got := st.MeanDegradation(); math.Float64bits(got) != math.Float64bits(want) {
			t.Fatalf("call %d: MeanDegradation=%v want %v", i, got, want)
		}
	}
}
