package catalogs

import (
	"errors"
	"reflect"
	"testing"

	"floodmesh.ai/internal/sim/model"
)

func TestLoad_RepoConfigs(t *testing.T) {
	c, err := Load("../../../configs")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Personas.List) != 20 {
		t.Fatalf("personas=%d", len(c.Personas.List))
	}
	if len(c.Infra.Systems) != 12 {
		t.Fatalf("systems=%d", len(c.Infra.Systems))
	}
	if len(c.Graph.Edges) != 11 {
		t.Fatalf("edges=%d", len(c.Graph.Edges))
	}
	for _, d := range []string{c.Personas.Digest, c.Graph.Digest, c.Infra.Digest, c.Sectors.Digest} {
		if len(d) != 64 {
			t.Fatalf("bad digest %q", d)
		}
	}
	hosp := c.Personas.ByID["venice_011"]
	if hosp == nil || hosp.Sector != model.SectorHealth || hosp.Comm.RedundancyFactor != 3 {
		t.Fatalf("hospital persona: %+v", hosp)
	}
	if e := c.Graph.ByID["cyber_pumps"]; !e.Bidirectional || e.Delay != 3 {
		t.Fatalf("cyber_pumps edge: %+v", e)
	}
}

func TestLoad_DigestsStable(t *testing.T) {
	a, err := Load("../../../configs")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, _ := Load("../../../configs")
	if a.Graph.Digest != b.Graph.Digest || a.Personas.Digest != b.Personas.Digest || a.Infra.Digest != b.Infra.Digest {
		t.Fatalf("digests differ between loads")
	}
}

func TestPersonaDefaults(t *testing.T) {
	c, err := Build([]PersonaDef{
		{ID: "a", Sector: "heritage", Vulnerability: 0.7, Priority: 9},
		{ID: "b", Sector: "transport", Vulnerability: 0.3, Priority: 2, Capabilities: []string{"z", "a", "a"}},
	}, nil, InfraDef{}, SectorDef{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a := c.Personas.ByID["a"]
	if a.Escalation[1] != model.StatusAlert || a.Escalation[2] != model.StatusCritical || a.Escalation[3] != model.StatusEmergency {
		t.Fatalf("escalation a: %v", a.Escalation)
	}
	if a.Comm.RedundancyFactor != 2 || a.Comm.ResponseDelay != 2 || a.Comm.BroadcastThreshold != model.StatusCritical {
		t.Fatalf("comm a: %+v", a.Comm)
	}
	b := c.Personas.ByID["b"]
	if b.Escalation[1] != model.StatusNormal || b.Escalation[2] != model.StatusAlert {
		t.Fatalf("escalation b: %v", b.Escalation)
	}
	if b.Comm.BroadcastThreshold != model.StatusAlert || b.Comm.RedundancyFactor != 1 {
		t.Fatalf("comm b: %+v", b.Comm)
	}
	if !reflect.DeepEqual(b.Capabilities, []string{"a", "z"}) {
		t.Fatalf("caps b: %v", b.Capabilities)
	}
	if b.Name != "b" {
		t.Fatalf("name defaults to id, got %q", b.Name)
	}
}

func TestBuild_ConfigurationErrors(t *testing.T) {
	edge := model.Interdependency{ID: "e", SystemA: model.PowerGrid, SystemB: model.PumpingStations, Type: model.DepFunctional, Coupling: 0.5, FailureThreshold: 0.2}
	cases := []struct {
		name     string
		personas []PersonaDef
		edges    []model.Interdependency
		sectors  SectorDef
	}{
		{name: "dangling system", edges: []model.Interdependency{{ID: "x", SystemA: "atlantis", SystemB: model.PowerGrid, Type: model.DepCyber}}},
		{name: "negative coupling", edges: []model.Interdependency{func() model.Interdependency { e := edge; e.Coupling = -1; return e }()}},
		{name: "duplicate edge", edges: []model.Interdependency{edge, edge}},
		{name: "duplicate persona", personas: []PersonaDef{{ID: "a"}, {ID: "a"}}},
		{name: "vulnerability range", personas: []PersonaDef{{ID: "a", Vulnerability: 1.2}}},
		{name: "bad escalation", personas: []PersonaDef{{ID: "a", Escalation: map[string]string{"stage_0": "panic"}}}},
		{name: "bad redundancy", personas: []PersonaDef{{ID: "a", Comm: &CommDef{BroadcastThreshold: "alert", RedundancyFactor: 0}}}},
		{name: "bad sector", personas: []PersonaDef{{ID: "a", Sector: "casino"}}},
		{name: "normal escalation needs", sectors: SectorDef{EscalationNeeds: map[string]map[string][]string{"*": {"normal": {"x"}}}}},
	}
	for _, tc := range cases {
		_, err := Build(tc.personas, tc.edges, InfraDef{}, tc.sectors)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !errors.Is(err, model.ErrConfiguration) {
			t.Fatalf("%s: error %v is not a configuration error", tc.name, err)
		}
	}
}

func TestSectorLookups(t *testing.T) {
	c, err := Load("../../../configs")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.Sectors.CapabilitiesFor("drainage"); !reflect.DeepEqual(got, []string{"drainage", "emergency_response", "pumping"}) {
		t.Fatalf("drainage caps=%v", got)
	}
	if got := c.Sectors.CapabilitiesFor("climate_control"); !reflect.DeepEqual(got, []string{"climate_control"}) {
		t.Fatalf("unmapped need caps=%v", got)
	}
	if got := c.Sectors.EscalationNeedsFor(model.SectorHealth, model.StatusEmergency); !reflect.DeepEqual(got, []string{"evacuation", "emergency_response"}) {
		t.Fatalf("health emergency needs=%v", got)
	}
	if got := c.Sectors.EscalationNeedsFor(model.SectorHeritage, model.StatusCritical); !reflect.DeepEqual(got, []string{"protection"}) {
		t.Fatalf("heritage critical needs=%v", got)
	}
}

func TestInfraSystemsFor(t *testing.T) {
	c, err := Load("../../../configs")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := c.Infra.SystemsFor([]string{"monitoring", "pumping"})
	want := []model.SystemID{model.WaterSystem, model.DigitalInfrastructure, model.PumpingStations, model.SensorNetwork}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("systems=%v want %v", got, want)
	}
}
