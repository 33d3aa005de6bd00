package messaging

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"floodmesh.ai/internal/sim/decision"
	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/registry"
	"floodmesh.ai/internal/sim/rng"
)

// Stats counts one tick of bus activity. A delivery unit is one broadcast recipient or
// one direct envelope; suppressed broadcasts and partnerless requests are not units.
type Stats struct {
	Units          int `json:"units"`
	DeliveredUnits int `json:"delivered_units"`

	Sent       int `json:"sent"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	Suppressed int `json:"suppressed"`
	Deferred   int `json:"deferred"`
	NoPartner  int `json:"no_partner"`

	OracleAttempts int                        `json:"oracle_attempts"`
	OracleFailures int                        `json:"oracle_failures"`
	Decisions      map[model.DecisionType]int `json:"decisions,omitempty"`
	Realized       int                        `json:"realized"`
}

// Response is a realized commit: the need and how many ticks it waited since first asked.
type Response struct {
	Agent string `json:"agent"`
	Need  string `json:"need"`
	Ticks uint64 `json:"ticks"`
}

type Result struct {
	Deliveries []model.Delivery
	Responses  []Response
	Stats      Stats
}

type pendingRequest struct {
	env       model.Envelope
	sender    int
	receiver  int
	weight    float64
	delivery  model.Delivery
	evaluate  bool
	rec       model.DecisionRecord
	oracleErr error
}

// Resolve delivers the tick's envelopes and applies the oracle to delivered requests.
// Broadcasts resolve first in sequence order. Requests are then ordered for equity and
// go through three steps: sequential delivery draws and receiver capacity, concurrent
// oracle evaluation, and sequential application in queue order. On
// ErrOracleBudgetExceeded the partial result is returned and the caller must discard
// the tick.
func (b *Bus) Resolve(ctx context.Context, st *State, in *Tick, envs []model.Envelope) (Result, error) {
	res := Result{Stats: Stats{Decisions: map[model.DecisionType]int{}}}
	reg := in.Reg

	var queue []*pendingRequest
	for _, env := range envs {
		sender, ok := reg.Lookup(env.Sender)
		if !ok {
			return res, fmt.Errorf("messaging: unknown sender %q", env.Sender)
		}
		switch {
		case env.IsBroadcast():
			res.add(b.broadcast(reg, sender, env, in.Levels))
		case env.Receiver == "":
			res.add(model.Delivery{Envelope: env, Outcome: model.OutcomeNoPartner})
		default:
			recv, ok := reg.Lookup(env.Receiver)
			if !ok {
				return res, fmt.Errorf("messaging: unknown receiver %q", env.Receiver)
			}
			p := reg.Persona(sender)
			queue = append(queue, &pendingRequest{
				env:      env,
				sender:   sender,
				receiver: recv,
				weight:   b.cfg.EquityWeight * p.Vulnerability * p.Priority,
			})
		}
	}

	if b.cfg.EquityWeight > 0 {
		sort.SliceStable(queue, func(i, j int) bool { return queue[i].weight > queue[j].weight })
	}

	// Step A: delivery and capacity.
	load := map[int]int{}
	for _, q := range queue {
		q.delivery = b.direct(reg, q.sender, q.env, in.Levels, rng.StreamDelivery)
		if !q.delivery.Delivered {
			continue
		}
		if load[q.receiver] >= b.cfg.ReceiverCapacity {
			q.delivery.Outcome = model.OutcomeDeferred
			continue
		}
		load[q.receiver]++
		q.evaluate = true
	}

	// Step B: oracle evaluation. Each goroutine writes only its own entry.
	g := new(errgroup.Group)
	g.SetLimit(b.cfg.Workers)
	for _, q := range queue {
		if !q.evaluate {
			continue
		}
		q := q
		req := b.request(st, reg, q, in)
		g.Go(func() error {
			q.rec, q.oracleErr = b.oracle.Evaluate(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	// Step C: apply in queue order.
	for _, q := range queue {
		if !q.evaluate {
			res.add(q.delivery)
			continue
		}
		res.Stats.OracleAttempts++
		d := q.delivery
		if q.oracleErr != nil {
			res.Stats.OracleFailures++
			st.ConsecutiveFailures++
			d.OracleError = q.oracleErr.Error()
			res.add(d)
			if st.ConsecutiveFailures > b.cfg.FailureBudget {
				return res, fmt.Errorf("%w: %d consecutive failures, last: %v", ErrOracleBudgetExceeded, st.ConsecutiveFailures, q.oracleErr)
			}
			continue
		}
		st.ConsecutiveFailures = 0

		rec := q.rec
		res.Stats.Decisions[rec.Type]++
		d.Decision = &rec
		d.SuccessProb = decision.SuccessProbability(rec, b.cfg.Success)
		requester, receiver := reg.Persona(q.sender).ID, reg.Persona(q.receiver).ID
		st.Memory.Put(requester, receiver, rec.Partnership)

		if rec.Type == model.DecisionCommit && rng.Bernoulli(d.SuccessProb, b.cfg.Seed, rng.StreamRealize, q.env.Seq) {
			d.Realized = true
			res.Stats.Realized++
			if first, removed := reg.Fulfill(q.sender, q.env.Payload.Need); removed {
				res.Responses = append(res.Responses, Response{Agent: requester, Need: q.env.Payload.Need, Ticks: in.Tick - first})
			}
		}
		res.add(d)

		intent := model.IntentReject
		if rec.Type == model.DecisionCommit {
			intent = model.IntentCommit
		}
		st.Seq++
		reply := model.Envelope{
			Seq:      st.Seq,
			Tick:     in.Tick,
			Sender:   receiver,
			Receiver: requester,
			Intent:   intent,
			Payload:  model.Payload{Need: q.env.Payload.Need, Urgency: q.env.Payload.Urgency, Context: string(rec.Type)},
		}
		res.add(b.direct(reg, q.receiver, reply, in.Levels, rng.StreamResponse))
	}
	return res, nil
}

func (b *Bus) request(st *State, reg *registry.Registry, q *pendingRequest, in *Tick) decision.Request {
	req := decision.Request{
		Receiver:     reg.Snapshot(q.receiver),
		Requester:    reg.Snapshot(q.sender),
		Envelope:     q.env,
		Capabilities: b.capabilitiesFor(q.env.Payload.Need),
		Crisis:       in.Crisis,
	}
	req.Prior, req.HasPrior = st.Memory.Get(req.Requester.ID, req.Receiver.ID)
	return req
}

// direct resolves a single-receiver envelope with up to attempts independent draws.
func (b *Bus) direct(reg *registry.Registry, sender int, env model.Envelope, levels map[model.SystemID]float64, stream rng.Stream) model.Delivery {
	pOK := 1 - b.EffectivePFail(reg, sender, levels)
	d := model.Delivery{Envelope: env, Outcome: model.OutcomeFailed}
	n := b.attempts(reg, sender)
	for a := 1; a <= n; a++ {
		d.Attempts = a
		if rng.Bernoulli(pOK, b.cfg.Seed, stream, env.Seq, uint64(a)) {
			d.Delivered = true
			d.Outcome = model.OutcomeDelivered
			break
		}
	}
	return d
}

// broadcast draws independently for every active recipient. A disrupted sender never
// transmits; that is a suppression, not a delivery failure.
func (b *Bus) broadcast(reg *registry.Registry, sender int, env model.Envelope, levels map[model.SystemID]float64) model.Delivery {
	d := model.Delivery{Envelope: env}
	if reg.State(sender).Disrupted {
		d.Outcome = model.OutcomeSuppressed
		return d
	}
	pOK := 1 - b.EffectivePFail(reg, sender, levels)
	n := b.attempts(reg, sender)
	d.Attempts = n
	for j := 0; j < reg.Len(); j++ {
		if j == sender || !reg.State(j).Active {
			continue
		}
		d.Recipients++
		key := rng.HashString(reg.Persona(j).ID)
		for a := 1; a <= n; a++ {
			if rng.Bernoulli(pOK, b.cfg.Seed, rng.StreamBroadcast, env.Seq, key, uint64(a)) {
				d.Reached++
				break
			}
		}
	}
	switch {
	case d.Recipients == 0:
		d.Outcome = model.OutcomeNoPartner
	case d.Reached > 0:
		d.Outcome = model.OutcomeDelivered
		d.Delivered = true
	default:
		d.Outcome = model.OutcomeFailed
	}
	return d
}

func (r *Result) add(d model.Delivery) {
	r.Deliveries = append(r.Deliveries, d)
	s := &r.Stats
	switch d.Outcome {
	case model.OutcomeSuppressed:
		s.Suppressed++
		return
	case model.OutcomeNoPartner:
		s.NoPartner++
		return
	}
	s.Sent++
	if d.Envelope.IsBroadcast() {
		s.Units += d.Recipients
		s.DeliveredUnits += d.Reached
	} else {
		s.Units++
		if d.Delivered {
			s.DeliveredUnits++
		}
	}
	switch d.Outcome {
	case model.OutcomeDelivered:
		s.Delivered++
	case model.OutcomeDeferred:
		s.Delivered++
		s.Deferred++
	case model.OutcomeFailed:
		s.Failed++
	}
}
