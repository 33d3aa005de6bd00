// Package metrics accumulates run-level measures from committed ticks: delivery ratio,
// response times, unmet needs split by vulnerability, the equity gap and cascade and
// oracle counters.
package metrics

import (
	"sort"

	"floodmesh.ai/internal/sim/cascade"
	"floodmesh.ai/internal/sim/messaging"
	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/registry"
)

// TickSnapshot is one line of the per-tick snapshot log.
type TickSnapshot struct {
	Tick     uint64                     `json:"tick"`
	Stage    int                        `json:"stage"`
	Digest   string                     `json:"digest"`
	Levels   map[model.SystemID]float64 `json:"levels"`
	Statuses map[string]model.Status    `json:"statuses"`
	Inactive []string                   `json:"inactive,omitempty"`
	Active   []string                   `json:"active_events"`

	Bus     messaging.Stats  `json:"bus"`
	Cascade cascade.Counters `json:"cascade"`

	UnmetNeeds int `json:"unmet_needs"`
	UnmetHigh  int `json:"unmet_high_vulnerability"`
	UnmetLow   int `json:"unmet_low_vulnerability"`
	EquityGap  int `json:"equity_gap"`
}

type OracleSummary struct {
	Attempts  int                        `json:"attempts"`
	Failures  int                        `json:"failures"`
	Decisions map[model.DecisionType]int `json:"decisions"`
	Realized  int                        `json:"realized_commits"`
}

// Summary is the final metrics record of a run.
type Summary struct {
	Scenario       string `json:"scenario"`
	Seed           int64  `json:"seed"`
	TicksCompleted uint64 `json:"ticks_completed"`
	Aborted        bool   `json:"aborted,omitempty"`
	AbortReason    string `json:"abort_reason,omitempty"`

	DeliveryUnits  int     `json:"delivery_units"`
	DeliveredUnits int     `json:"delivered_units"`
	DeliveryRatio  float64 `json:"delivery_ratio"`

	// MedianResponseTicks is -1 when no need was ever met.
	MedianResponseTicks float64 `json:"median_response_ticks"`
	Responses           int     `json:"responses"`

	UnmetNeeds int `json:"unmet_needs"`
	UnmetHigh  int `json:"unmet_high_vulnerability"`
	UnmetLow   int `json:"unmet_low_vulnerability"`
	EquityGap  int `json:"equity_gap"`

	Cascade              cascade.Counters `json:"cascade"`
	Oracle               OracleSummary    `json:"oracle"`
	SuppressedBroadcasts int              `json:"suppressed_broadcasts"`
	DeferredRequests     int              `json:"deferred_requests"`
	FailedDeliveries     int              `json:"failed_deliveries"`
	NoPartner            int              `json:"no_partner"`

	MinLevels           map[model.SystemID]float64 `json:"min_levels"`
	FinalLevels         map[model.SystemID]float64 `json:"final_levels"`
	MeanFinalResilience float64                    `json:"mean_final_resilience"`
}

// Collector is fed only committed ticks, so an aborted tick never reaches it.
type Collector struct {
	highVulnerability float64

	ticks     uint64
	units     int
	delivered int
	responses []uint64
	oracle    OracleSummary
	suppress  int
	deferred  int
	failed    int
	noPartner int
	last      TickSnapshot
}

func NewCollector(highVulnerability float64) *Collector {
	return &Collector{
		highVulnerability: highVulnerability,
		oracle:            OracleSummary{Decisions: map[model.DecisionType]int{}},
	}
}

type TickInput struct {
	Tick    uint64
	Stage   int
	Digest  string
	Reg     *registry.Registry
	Cascade *cascade.State
	Bus     messaging.Result
}

func (c *Collector) Observe(in TickInput) TickSnapshot {
	snap := TickSnapshot{
		Tick:     in.Tick,
		Stage:    in.Stage,
		Digest:   in.Digest,
		Levels:   make(map[model.SystemID]float64, len(in.Cascade.Levels)),
		Statuses: make(map[string]model.Status, in.Reg.Len()),
		Active:   in.Cascade.ActiveAt(in.Tick),
		Bus:      in.Bus.Stats,
		Cascade:  in.Cascade.Counters,
	}
	for k, v := range in.Cascade.Levels {
		snap.Levels[k] = v
	}
	for i := 0; i < in.Reg.Len(); i++ {
		id := in.Reg.Persona(i).ID
		st := in.Reg.State(i)
		snap.Statuses[id] = st.Status
		if !st.Active {
			snap.Inactive = append(snap.Inactive, id)
		}
	}
	snap.UnmetNeeds, snap.UnmetHigh, snap.UnmetLow = in.Reg.UnmetNeeds(c.highVulnerability)
	snap.EquityGap = snap.UnmetHigh - snap.UnmetLow

	s := in.Bus.Stats
	c.ticks++
	c.units += s.Units
	c.delivered += s.DeliveredUnits
	c.suppress += s.Suppressed
	c.deferred += s.Deferred
	c.failed += s.Failed
	c.noPartner += s.NoPartner
	c.oracle.Attempts += s.OracleAttempts
	c.oracle.Failures += s.OracleFailures
	c.oracle.Realized += s.Realized
	for k, v := range s.Decisions {
		c.oracle.Decisions[k] += v
	}
	for _, r := range in.Bus.Responses {
		c.responses = append(c.responses, r.Ticks)
	}
	c.last = snap
	return snap
}

// Summary builds the final record from everything observed so far and the committed
// cascade state.
func (c *Collector) Summary(scenarioID string, seed int64, cs *cascade.State) Summary {
	out := Summary{
		Scenario:             scenarioID,
		Seed:                 seed,
		TicksCompleted:       c.ticks,
		DeliveryUnits:        c.units,
		DeliveredUnits:       c.delivered,
		MedianResponseTicks:  Median(c.responses),
		Responses:            len(c.responses),
		UnmetNeeds:           c.last.UnmetNeeds,
		UnmetHigh:            c.last.UnmetHigh,
		UnmetLow:             c.last.UnmetLow,
		EquityGap:            c.last.EquityGap,
		Oracle:               c.oracle,
		SuppressedBroadcasts: c.suppress,
		DeferredRequests:     c.deferred,
		FailedDeliveries:     c.failed,
		NoPartner:            c.noPartner,
		MinLevels:            map[model.SystemID]float64{},
		FinalLevels:          map[model.SystemID]float64{},
	}
	if c.units > 0 {
		out.DeliveryRatio = float64(c.delivered) / float64(c.units)
	}
	if cs != nil {
		out.Cascade = cs.Counters
		var sum float64
		for _, k := range cs.SortedSystems() {
			v := cs.Levels[k]
			out.FinalLevels[k] = v
			out.MinLevels[k] = cs.MinLevels[k]
			sum += v
		}
		if len(cs.Levels) > 0 {
			out.MeanFinalResilience = sum / float64(len(cs.Levels))
		}
	}
	return out
}

// Median returns the median of xs, or -1 for an empty slice.
func Median(xs []uint64) float64 {
	if len(xs) == 0 {
		return -1
	}
	s := append([]uint64(nil), xs...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	n := len(s)
	if n%2 == 1 {
		return float64(s[n/2])
	}
	return float64(s[n/2-1]+s[n/2]) / 2
}
