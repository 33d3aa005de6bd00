package decision

import (
	"context"
	"fmt"

	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/tuning"
)

// Rules is the deterministic evaluator. It reads only the request, so concurrent calls
// are safe.
type Rules struct {
	Rules       tuning.Rules
	Partnership tuning.Partnership
}

func NewRules(t tuning.Tuning) *Rules {
	return &Rules{Rules: t.Rules, Partnership: t.Partnership}
}

func (r *Rules) Evaluate(_ context.Context, req Request) (model.DecisionRecord, error) {
	recv, from := req.Receiver, req.Requester
	need := req.Envelope.Payload.Need

	conf := r.Rules.BaseCommit
	switch recv.State.Status {
	case model.StatusCritical:
		conf *= r.Rules.CriticalScale
	case model.StatusEmergency:
		conf *= r.Rules.EmergencyScale
	}
	if recv.Sector == model.SectorHealth {
		conf += r.Rules.HealthBonus
	}
	conf += r.Rules.VulnerabilityGain * from.Vulnerability
	conf -= r.Rules.DegradationPenalty * req.Crisis.MeanDegradation
	conf = clamp01(conf)

	partner := r.Partnership.Base
	if from.Sector == recv.Sector {
		partner += r.Partnership.SameSector
	}
	if req.HasPrior {
		partner = req.Prior
	}

	var typ model.DecisionType
	switch {
	case !recv.HasAnyCapability(req.Capabilities):
		typ = model.DecisionRedirect
	case conf >= r.Rules.CommitThreshold:
		typ = model.DecisionCommit
		partner += r.Partnership.CommitGain
	default:
		typ = model.DecisionReject
		partner -= r.Partnership.RejectPenalty
	}

	rec := model.DecisionRecord{
		Type:        typ,
		Confidence:  conf,
		Priority:    from.State.Status.Urgency(),
		Partnership: clamp01(partner),
	}
	rec.Reasoning = fmt.Sprintf(
		"%s %s for %s from %s (%s, vulnerability %.2f): receiver %s is %s, mean system degradation %.2f at hazard stage %d, confidence %.2f",
		recv.ID, typ, need, from.ID, from.State.Status, from.Vulnerability,
		recv.Sector, recv.State.Status, req.Crisis.MeanDegradation, req.Crisis.Stage, conf)
	return rec, nil
}
