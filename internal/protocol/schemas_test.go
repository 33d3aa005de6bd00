package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"floodmesh.ai/internal/protocol"
	"floodmesh.ai/internal/sim/cascade"
	"floodmesh.ai/internal/sim/messaging"
	"floodmesh.ai/internal/sim/metrics"
	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/schemas"
)

func compile(t *testing.T, name, src string) *jsonschema.Schema {
	t.Helper()
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
	s, err := c.Compile(name)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// asJSON round-trips v so the validator sees plain maps and json.Number-free floats.
func asJSON(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	tickSchema := compile(t, "observer_tick.schema.json", schemas.ObserverTick)
	subSchema := compile(t, "subscribe.schema.json", schemas.Subscribe)
	oracleSchema := compile(t, "oracle_response.schema.json", schemas.OracleResponse)

	snap := metrics.TickSnapshot{
		Tick:     12,
		Stage:    1,
		Digest:   strings.Repeat("ab", 32),
		Levels:   map[model.SystemID]float64{model.PowerGrid: 0.4, model.PumpingStations: 1},
		Statuses: map[string]model.Status{"venice_001": model.StatusAlert, "venice_002": model.StatusEmergency},
		Active:   []string{"surge", "cascade_power_pumps_12"},
		Bus:      messaging.Stats{Sent: 3, Delivered: 2, Failed: 1, Realized: 1},
		Cascade:  cascade.Counters{Created: 2, Primary: 1, Secondary: 1},
	}
	tick := asJSON(t, protocol.NewTickMsg("run-1", snap))
	if err := tickSchema.Validate(tick); err != nil {
		t.Fatalf("tick: %v", err)
	}

	empty := asJSON(t, protocol.NewTickMsg("run-1", metrics.TickSnapshot{
		Digest:   strings.Repeat("0", 64),
		Levels:   map[model.SystemID]float64{},
		Statuses: map[string]model.Status{},
	}))
	if err := tickSchema.Validate(empty); err != nil {
		t.Fatalf("empty tick: %v", err)
	}

	sub := asJSON(t, protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version, Every: 5})
	if err := subSchema.Validate(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var oracle any
	_ = json.Unmarshal([]byte(`{
	  "decision_type":"commit",
	  "confidence":0.8,
	  "reasoning":"Pumps at the station are available and the request is urgent.",
	  "priority_score":0.7,
	  "partnership_strength":0.5
	}`), &oracle)
	if err := oracleSchema.Validate(oracle); err != nil {
		t.Fatalf("oracle: %v", err)
	}
}

func TestSchemas_RejectBadSamples(t *testing.T) {
	tickSchema := compile(t, "observer_tick.schema.json", schemas.ObserverTick)
	subSchema := compile(t, "subscribe.schema.json", schemas.Subscribe)

	bad := asJSON(t, protocol.NewTickMsg("run-1", metrics.TickSnapshot{
		Digest:   "not-a-digest",
		Levels:   map[model.SystemID]float64{model.PowerGrid: 0.5},
		Statuses: map[string]model.Status{},
	}))
	if err := tickSchema.Validate(bad); err == nil {
		t.Fatalf("expected bad digest rejected")
	}

	var sub any
	_ = json.Unmarshal([]byte(`{"type":"HELLO","protocol_version":"1.0"}`), &sub)
	if err := subSchema.Validate(sub); err == nil {
		t.Fatalf("expected wrong type rejected")
	}
}

func TestDecodeBase(t *testing.T) {
	b, _ := json.Marshal(protocol.NewErrorMsg(protocol.ErrBusy, "too many observers"))
	m, err := protocol.DecodeBase(b)
	if err != nil || m.Type != protocol.TypeError || m.ProtocolVersion != protocol.Version {
		t.Fatalf("decode: %v %+v", err, m)
	}
}
