package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"floodmesh.ai/internal/sim/cascade"
	"floodmesh.ai/internal/sim/messaging"
	"floodmesh.ai/internal/sim/model"
)

func TestExporter_ObserveAndServe(t *testing.T) {
	e := NewExporter()
	snap := TickSnapshot{
		Tick:      3,
		Stage:     2,
		Levels:    map[model.SystemID]float64{model.PowerGrid: 0.25},
		Bus:       messaging.Stats{Units: 5, DeliveredUnits: 4, Delivered: 3, Deferred: 1, Failed: 1, Decisions: map[model.DecisionType]int{model.DecisionReject: 2}},
		Cascade:   cascade.Counters{Primary: 1, Secondary: 3, Suppressed: 2, Overflow: true},
		UnmetHigh: 4,
		UnmetLow:  1,
		EquityGap: 3,
	}
	e.Observe(snap)
	e.Observe(snap)

	families, err := e.Registry().Gather()
	require.NoError(t, err)
	byName := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "|" + lp.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				byName[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				byName[key] = m.GetGauge().GetValue()
			}
		}
	}
	require.Equal(t, 2.0, byName["floodmesh_ticks_total"])
	require.Equal(t, 10.0, byName["floodmesh_delivery_units_total"])
	require.Equal(t, 4.0, byName["floodmesh_deliveries_total|delivered"])
	require.Equal(t, 2.0, byName["floodmesh_deliveries_total|deferred"])
	require.Equal(t, 4.0, byName["floodmesh_decisions_total|reject"])
	require.Equal(t, 3.0, byName["floodmesh_cascade_events|secondary"])
	require.Equal(t, 1.0, byName["floodmesh_cascade_overflow"])
	require.Equal(t, 0.25, byName["floodmesh_system_level|power_grid"])

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "floodmesh_equity_gap 3")
}
