// Package decision turns a request_support envelope into a DecisionRecord. Two oracles
// exist: a deterministic rule-based evaluator and an external reasoning model reached over
// HTTP. Either way the record is complete or the attempt fails; no field is ever filled
// with a default.
package decision

import (
	"context"
	"errors"
	"fmt"

	"floodmesh.ai/internal/sim/model"
)

var (
	ErrIncompleteResponse = errors.New("incomplete oracle response")
	ErrOracleTimeout      = errors.New("oracle timeout")
)

// IncompleteResponseError names the first field that was missing or unusable.
type IncompleteResponseError struct {
	Field  string
	Reason string
	Raw    string
}

func (e *IncompleteResponseError) Error() string {
	return fmt.Sprintf("oracle response field %s: %s", e.Field, e.Reason)
}

func (e *IncompleteResponseError) Unwrap() error { return ErrIncompleteResponse }

func incomplete(field, raw, format string, args ...any) error {
	return &IncompleteResponseError{Field: field, Reason: fmt.Sprintf(format, args...), Raw: raw}
}

// Crisis is the read-only situation summary handed to an oracle.
type Crisis struct {
	Tick            uint64                     `json:"tick"`
	Stage           int                        `json:"stage"`
	ActiveEvents    []string                   `json:"active_events"`
	MeanDegradation float64                    `json:"mean_degradation"`
	Levels          map[model.SystemID]float64 `json:"levels"`
}

type Request struct {
	Receiver  model.Agent
	Requester model.Agent
	Envelope  model.Envelope
	// Capabilities that satisfy the requested need.
	Capabilities []string
	Crisis       Crisis
	// Prior is the partnership_strength of the most recent record between the pair.
	Prior    float64
	HasPrior bool
}

// Oracle evaluates one coordination attempt. Implementations must be safe for concurrent
// use and must not depend on call order.
type Oracle interface {
	Evaluate(ctx context.Context, req Request) (model.DecisionRecord, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, req Request) (model.DecisionRecord, error)

func (f OracleFunc) Evaluate(ctx context.Context, req Request) (model.DecisionRecord, error) {
	return f(ctx, req)
}
