package protocol

import (
	"sort"

	"floodmesh.ai/internal/sim/metrics"
	"floodmesh.ai/internal/sim/model"
)

// SUBSCRIBE (observer -> server). Every is the tick stride; 0 or 1 streams every tick.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Every           int    `json:"every,omitempty"`
}

// TICK (server -> observer, and the NATS tick subject).
type TickMsg struct {
	Type            string                     `json:"type"`
	ProtocolVersion string                     `json:"protocol_version"`
	RunID           string                     `json:"run_id"`
	Tick            uint64                     `json:"tick"`
	Stage           int                        `json:"stage"`
	Digest          string                     `json:"digest"`
	Levels          map[model.SystemID]float64 `json:"levels"`
	Statuses        map[string]model.Status    `json:"statuses"`
	Deliveries      DeliveryCounts             `json:"deliveries"`
	Cascade         CascadeSummary             `json:"cascade"`
	UnmetNeeds      int                        `json:"unmet_needs"`
	RealizedCommits int                        `json:"realized_commits"`
}

type DeliveryCounts struct {
	Sent       int `json:"sent"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	Suppressed int `json:"suppressed"`
	Deferred   int `json:"deferred"`
}

type CascadeSummary struct {
	Active     []string `json:"active"`
	Created    int      `json:"created"`
	Suppressed int      `json:"suppressed"`
	Overflow   bool     `json:"overflow"`
}

// SUMMARY (NATS summary subject) wraps the final metrics record of a run.
type SummaryMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	RunID           string          `json:"run_id"`
	Summary         metrics.Summary `json:"summary"`
}

// ERROR (server -> observer) precedes a policy close.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewTickMsg(runID string, s metrics.TickSnapshot) TickMsg {
	active := append([]string{}, s.Active...)
	sort.Strings(active)
	return TickMsg{
		Type:            TypeTick,
		ProtocolVersion: Version,
		RunID:           runID,
		Tick:            s.Tick,
		Stage:           s.Stage,
		Digest:          s.Digest,
		Levels:          s.Levels,
		Statuses:        s.Statuses,
		Deliveries: DeliveryCounts{
			Sent:       s.Bus.Sent,
			Delivered:  s.Bus.Delivered,
			Failed:     s.Bus.Failed,
			Suppressed: s.Bus.Suppressed,
			Deferred:   s.Bus.Deferred,
		},
		Cascade: CascadeSummary{
			Active:     active,
			Created:    s.Cascade.Created,
			Suppressed: s.Cascade.Suppressed,
			Overflow:   s.Cascade.Overflow,
		},
		UnmetNeeds:      s.UnmetNeeds,
		RealizedCommits: s.Bus.Realized,
	}
}

func NewSummaryMsg(runID string, sum metrics.Summary) SummaryMsg {
	return SummaryMsg{Type: TypeSummary, ProtocolVersion: Version, RunID: runID, Summary: sum}
}

func NewErrorMsg(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
