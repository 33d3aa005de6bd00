package decision

import (
	"unicode/utf8"

	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/tuning"
)

// ReasoningQuality is the bounded reasoning-length proxy: min(cap, runes/chars).
func ReasoningQuality(reasoning string, w tuning.Success) float64 {
	if w.ReasoningChars <= 0 {
		return 0
	}
	q := float64(utf8.RuneCountInString(reasoning)) / w.ReasoningChars
	if q > w.ReasoningCap {
		q = w.ReasoningCap
	}
	return q
}

// SuccessProbability combines a record into the probability that a commit is realized.
// The decision type does not enter the sum.
func SuccessProbability(rec model.DecisionRecord, w tuning.Success) float64 {
	p := w.Confidence*rec.Confidence +
		ReasoningQuality(rec.Reasoning, w) +
		w.Priority*rec.Priority +
		w.Partnership*rec.Partnership
	return clamp01(p)
}

func clamp01(x float64) float64 {
	if x != x || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
