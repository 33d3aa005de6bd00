package model

type EventKind string

const (
	EventPrimary   EventKind = "primary"
	EventSecondary EventKind = "secondary"
	EventRecovery  EventKind = "recovery"
)

// CascadeEvent never changes after creation. Impacts lists the per-system reduction
// (or increase, for recovery) applied at activation.
type CascadeEvent struct {
	ID           string    `json:"id"`
	Kind         EventKind `json:"kind"`
	Cause        string    `json:"cause"`
	Edge         string    `json:"edge,omitempty"`
	TriggerTick  uint64    `json:"trigger_tick"`
	Duration     int       `json:"duration"`
	Severity     float64   `json:"severity"`
	Impacts      []Impact  `json:"impacts"`
	Agents       []string  `json:"affected_agents,omitempty"`
	Predecessors []string  `json:"predecessors,omitempty"`
	DedupKey     string    `json:"dedup_key,omitempty"`
	ScheduledAt  uint64    `json:"scheduled_at"`
}

type Impact struct {
	System SystemID `json:"system"`
	Amount float64  `json:"amount"`
}

// ActiveAt reports whether the event counts as active during tick t.
func (e *CascadeEvent) ActiveAt(t uint64) bool {
	if t < e.TriggerTick {
		return false
	}
	d := e.Duration
	if d < 1 {
		d = 1
	}
	return t < e.TriggerTick+uint64(d)
}
