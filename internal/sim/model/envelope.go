package model

type Intent string

const (
	IntentStatusUpdate   Intent = "status_update"
	IntentRequestSupport Intent = "request_support"
	IntentCommit         Intent = "commit"
	IntentReject         Intent = "reject"
)

// Broadcast is the receiver marker for status_update envelopes.
const Broadcast = "*"

// Outcome is how the bus resolved an envelope.
type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeFailed     Outcome = "failed"     // every delivery attempt lost
	OutcomeSuppressed Outcome = "suppressed" // sender disrupted, never sent
	OutcomeDeferred   Outcome = "deferred"   // delivered but receiver out of capacity this tick
	OutcomeNoPartner  Outcome = "no_partner" // no active agent can serve the need
)

type Payload struct {
	Need    string  `json:"need,omitempty"`
	Urgency float64 `json:"urgency"`
	Context string  `json:"context,omitempty"`
}

// Envelope is immutable once created; the bus logs it together with its resolution.
type Envelope struct {
	Seq      uint64  `json:"seq"`
	Tick     uint64  `json:"tick"`
	Sender   string  `json:"sender"`
	Receiver string  `json:"receiver"`
	Intent   Intent  `json:"intent"`
	Payload  Payload `json:"payload"`
}

func (e Envelope) IsBroadcast() bool { return e.Receiver == Broadcast }

// Delivery is the bus's resolution of one envelope.
type Delivery struct {
	Envelope  Envelope `json:"envelope"`
	Outcome   Outcome  `json:"outcome"`
	Delivered bool     `json:"delivered"`
	Attempts  int      `json:"attempts"`

	// Broadcast fan-out.
	Recipients int `json:"recipients,omitempty"`
	Reached    int `json:"reached,omitempty"`

	// request_support resolution.
	Decision    *DecisionRecord `json:"decision,omitempty"`
	OracleError string          `json:"oracle_error,omitempty"`
	SuccessProb float64         `json:"success_prob,omitempty"`
	Realized    bool            `json:"realized,omitempty"`
}
