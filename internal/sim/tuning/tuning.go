package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds engine constants that are not part of an experiment's definition.
type Tuning struct {
	Workers int `yaml:"workers"`

	Oracle      Oracle      `yaml:"oracle"`
	Success     Success     `yaml:"success"`
	Rules       Rules       `yaml:"rules"`
	Partnership Partnership `yaml:"partnership"`

	IndexSnapshotEveryTicks int `yaml:"index_snapshot_every_ticks"`
}

type Oracle struct {
	TimeoutMs             int     `yaml:"timeout_ms"`
	ConsecutiveFailures   int     `yaml:"consecutive_failure_budget"`
	Endpoint              string  `yaml:"endpoint"`
	Model                 string  `yaml:"model"`
	MaxTokens             int     `yaml:"max_tokens"`
	Temperature           float64 `yaml:"temperature"`
	RejectNeutralScores   bool    `yaml:"reject_neutral_scores"`
	NeutralScoreTolerance float64 `yaml:"neutral_score_tolerance"`
}

// Success weights combine a DecisionRecord into a realization probability.
type Success struct {
	Confidence     float64 `yaml:"confidence"`
	ReasoningCap   float64 `yaml:"reasoning_cap"`
	ReasoningChars float64 `yaml:"reasoning_chars"`
	Priority       float64 `yaml:"priority"`
	Partnership    float64 `yaml:"partnership"`
}

type Rules struct {
	BaseCommit         float64 `yaml:"base_commit"`
	CommitThreshold    float64 `yaml:"commit_threshold"`
	HealthBonus        float64 `yaml:"health_bonus"`
	VulnerabilityGain  float64 `yaml:"vulnerability_gain"`
	DegradationPenalty float64 `yaml:"degradation_penalty"`
	CriticalScale      float64 `yaml:"critical_scale"`
	EmergencyScale     float64 `yaml:"emergency_scale"`
}

type Partnership struct {
	Base          float64 `yaml:"base"`
	SameSector    float64 `yaml:"same_sector"`
	CommitGain    float64 `yaml:"commit_gain"`
	RejectPenalty float64 `yaml:"reject_penalty"`
	MemoryPairs   int     `yaml:"memory_pairs"`
}

func Defaults() Tuning {
	return Tuning{
		Workers: 4,
		Oracle: Oracle{
			TimeoutMs:             10000,
			ConsecutiveFailures:   5,
			Endpoint:              "https://api.anthropic.com/v1/messages",
			Model:                 "claude-haiku-4-5-20251001",
			MaxTokens:             300,
			Temperature:           0,
			RejectNeutralScores:   true,
			NeutralScoreTolerance: 1e-9,
		},
		Success: Success{
			Confidence:     0.6,
			ReasoningCap:   0.3,
			ReasoningChars: 200,
			Priority:       0.4,
			Partnership:    0.2,
		},
		Rules: Rules{
			BaseCommit:         0.7,
			CommitThreshold:    0.5,
			HealthBonus:        0.15,
			VulnerabilityGain:  0.1,
			DegradationPenalty: 0.2,
			CriticalScale:      0.6,
			EmergencyScale:     0.3,
		},
		Partnership: Partnership{
			Base:          0.4,
			SameSector:    0.2,
			CommitGain:    0.1,
			RejectPenalty: 0.2,
			MemoryPairs:   4096,
		},
		IndexSnapshotEveryTicks: 1,
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if t.Oracle.TimeoutMs <= 0 {
		return fmt.Errorf("oracle.timeout_ms must be > 0")
	}
	if t.Oracle.ConsecutiveFailures < 1 {
		return fmt.Errorf("oracle.consecutive_failure_budget must be >= 1")
	}
	if t.Oracle.Temperature < 0 || t.Oracle.Temperature > 1 {
		return fmt.Errorf("oracle.temperature out of [0,1]")
	}
	if t.Success.ReasoningChars <= 0 {
		return fmt.Errorf("success.reasoning_chars must be > 0")
	}
	for name, v := range map[string]float64{
		"success.confidence":    t.Success.Confidence,
		"success.priority":      t.Success.Priority,
		"success.partnership":   t.Success.Partnership,
		"success.reasoning_cap": t.Success.ReasoningCap,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if t.Rules.CommitThreshold < 0 || t.Rules.CommitThreshold > 1 {
		return fmt.Errorf("rules.commit_threshold out of [0,1]")
	}
	if t.Partnership.MemoryPairs < 1 {
		return fmt.Errorf("partnership.memory_pairs must be >= 1")
	}
	return nil
}

func (o Oracle) Timeout() time.Duration { return time.Duration(o.TimeoutMs) * time.Millisecond }
