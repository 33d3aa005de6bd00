package model

import "fmt"

type DecisionType string

const (
	DecisionCommit    DecisionType = "commit"
	DecisionReject    DecisionType = "reject"
	DecisionNegotiate DecisionType = "negotiate"
	DecisionRedirect  DecisionType = "redirect"
)

func (t DecisionType) Valid() bool {
	switch t {
	case DecisionCommit, DecisionReject, DecisionNegotiate, DecisionRedirect:
		return true
	}
	return false
}

// DecisionRecord is produced once per coordination attempt.
type DecisionRecord struct {
	Type        DecisionType `json:"decision_type"`
	Confidence  float64      `json:"confidence"`
	Reasoning   string       `json:"reasoning"`
	Priority    float64      `json:"priority_score"`
	Partnership float64      `json:"partnership_strength"`
}

func (r DecisionRecord) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("decision_type %q", r.Type)
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"confidence", r.Confidence},
		{"priority_score", r.Priority},
		{"partnership_strength", r.Partnership},
	} {
		if f.v < 0 || f.v > 1 || f.v != f.v {
			return fmt.Errorf("%s %v out of [0,1]", f.name, f.v)
		}
	}
	return nil
}
