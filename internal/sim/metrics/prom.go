package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter mirrors committed tick snapshots into Prometheus metrics on a private registry.
type Exporter struct {
	reg *prometheus.Registry

	Ticks          prometheus.Counter
	Stage          prometheus.Gauge
	Deliveries     *prometheus.CounterVec
	Units          prometheus.Counter
	DeliveredUnits prometheus.Counter
	Unmet          *prometheus.GaugeVec
	EquityGap      prometheus.Gauge
	SystemLevel    *prometheus.GaugeVec
	CascadeEvents  *prometheus.GaugeVec
	Overflow       prometheus.Gauge
	OracleAttempts prometheus.Counter
	OracleFailures prometheus.Counter
	Decisions      *prometheus.CounterVec
	Realized       prometheus.Counter
}

func NewExporter() *Exporter {
	reg := prometheus.NewRegistry()
	f := func(c prometheus.Collector) { reg.MustRegister(c) }
	e := &Exporter{
		reg: reg,
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "floodmesh_ticks_total",
			Help: "Committed simulation ticks",
		}),
		Stage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "floodmesh_hazard_stage",
			Help: "Hazard stage of the last committed tick",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floodmesh_deliveries_total",
			Help: "Envelopes resolved by the bus, by outcome",
		}, []string{"outcome"}),
		Units: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "floodmesh_delivery_units_total",
			Help: "Delivery units attempted (broadcast recipients plus direct envelopes)",
		}),
		DeliveredUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "floodmesh_delivered_units_total",
			Help: "Delivery units that arrived",
		}),
		Unmet: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "floodmesh_unmet_needs",
			Help: "Outstanding needs, by vulnerability group",
		}, []string{"group"}),
		EquityGap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "floodmesh_equity_gap",
			Help: "Unmet needs of high-vulnerability agents minus those of low-vulnerability agents",
		}),
		SystemLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "floodmesh_system_level",
			Help: "Operational level of an infrastructure system",
		}, []string{"system"}),
		CascadeEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "floodmesh_cascade_events",
			Help: "Cascade events created so far, by kind",
		}, []string{"kind"}),
		Overflow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "floodmesh_cascade_overflow",
			Help: "1 once the cascade circuit breaker has suppressed an event",
		}),
		OracleAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "floodmesh_oracle_attempts_total",
			Help: "Decision oracle calls",
		}),
		OracleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "floodmesh_oracle_failures_total",
			Help: "Decision oracle calls that produced no usable record",
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floodmesh_decisions_total",
			Help: "Decision records, by decision type",
		}, []string{"type"}),
		Realized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "floodmesh_realized_commits_total",
			Help: "Commits realized by the success draw",
		}),
	}
	f(e.Ticks)
	f(e.Stage)
	f(e.Deliveries)
	f(e.Units)
	f(e.DeliveredUnits)
	f(e.Unmet)
	f(e.EquityGap)
	f(e.SystemLevel)
	f(e.CascadeEvents)
	f(e.Overflow)
	f(e.OracleAttempts)
	f(e.OracleFailures)
	f(e.Decisions)
	f(e.Realized)
	return e
}

func (e *Exporter) Registry() *prometheus.Registry { return e.reg }

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{})
}

// Observe applies one committed tick.
func (e *Exporter) Observe(s TickSnapshot) {
	e.Ticks.Inc()
	e.Stage.Set(float64(s.Stage))

	b := s.Bus
	e.Deliveries.WithLabelValues("delivered").Add(float64(b.Delivered - b.Deferred))
	e.Deliveries.WithLabelValues("deferred").Add(float64(b.Deferred))
	e.Deliveries.WithLabelValues("failed").Add(float64(b.Failed))
	e.Deliveries.WithLabelValues("suppressed").Add(float64(b.Suppressed))
	e.Deliveries.WithLabelValues("no_partner").Add(float64(b.NoPartner))
	e.Units.Add(float64(b.Units))
	e.DeliveredUnits.Add(float64(b.DeliveredUnits))
	e.OracleAttempts.Add(float64(b.OracleAttempts))
	e.OracleFailures.Add(float64(b.OracleFailures))
	e.Realized.Add(float64(b.Realized))
	for typ, n := range b.Decisions {
		e.Decisions.WithLabelValues(string(typ)).Add(float64(n))
	}

	e.Unmet.WithLabelValues("all").Set(float64(s.UnmetNeeds))
	e.Unmet.WithLabelValues("high").Set(float64(s.UnmetHigh))
	e.Unmet.WithLabelValues("low").Set(float64(s.UnmetLow))
	e.EquityGap.Set(float64(s.EquityGap))

	for sys, v := range s.Levels {
		e.SystemLevel.WithLabelValues(string(sys)).Set(v)
	}
	c := s.Cascade
	e.CascadeEvents.WithLabelValues("primary").Set(float64(c.Primary))
	e.CascadeEvents.WithLabelValues("secondary").Set(float64(c.Secondary))
	e.CascadeEvents.WithLabelValues("recovery").Set(float64(c.Recovery))
	e.CascadeEvents.WithLabelValues("suppressed").Set(float64(c.Suppressed))
	if c.Overflow {
		e.Overflow.Set(1)
	}
}
