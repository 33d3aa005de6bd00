package hazard

import (
	"fmt"

	"github.com/ojrac/opensimplex-go"
)

// Noise is a seeded, non-monotonic timeline: the flood surges and recedes irregularly.
type Noise struct {
	noise  opensimplex.Noise
	stages int
	freq   float64
	bias   float64
}

func NewNoise(seed int64, stages int, freq, bias float64) (*Noise, error) {
	if stages <= 0 {
		stages = 4
	}
	if freq <= 0 {
		freq = 0.05
	}
	if bias < -1 || bias > 1 {
		return nil, fmt.Errorf("noise timeline: bias %v out of [-1,1]", bias)
	}
	return &Noise{
		noise:  opensimplex.NewNormalized(seed),
		stages: stages,
		freq:   freq,
		bias:   bias,
	}, nil
}

func (n *Noise) Stage(tick uint64) int {
	v := n.noise.Eval2(float64(tick)*n.freq, 0.5) + n.bias
	s := int(v * float64(n.stages))
	if s < 0 {
		return 0
	}
	if s >= n.stages {
		return n.stages - 1
	}
	return s
}

func (n *Noise) MaxStage() int { return n.stages - 1 }
