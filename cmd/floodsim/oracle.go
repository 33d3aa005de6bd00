package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"floodmesh.ai/internal/sim/decision"
	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/scenario"
	"floodmesh.ai/internal/sim/tuning"
)

func apiKeyFromEnv() string {
	for _, k := range []string{"FLOODSIM_API_KEY", "ANTHROPIC_API_KEY"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// buildOracle returns nil for the rule-based evaluator, which the scheduler installs itself.
func buildOracle(evaluator string, tune tuning.Tuning, apiKey string) (decision.Oracle, error) {
	switch evaluator {
	case "", scenario.EvaluatorRules:
		return nil, nil
	case scenario.EvaluatorLLM:
		if apiKey == "" {
			return nil, model.ConfigErrorf("environment", "FLOODSIM_API_KEY", "llm evaluator needs an api key")
		}
		o := tune.Oracle
		return &decision.LLM{
			Completer: decision.NewClient(o.Endpoint, apiKey, o.Model, o.MaxTokens, o.Temperature),
			Timeout:   time.Duration(o.TimeoutMs) * time.Millisecond,
			Parser:    decision.Parser{RejectNeutral: o.RejectNeutralScores, Tolerance: o.NeutralScoreTolerance},
		}, nil
	default:
		return nil, fmt.Errorf("unknown evaluator %q", evaluator)
	}
}
