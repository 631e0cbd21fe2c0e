package model

import (
	"fmt"
	"math"
)

// distributionTolerance bounds how far a model-supplied distribution may sum
// away from 1.
const distributionTolerance = 1e-5

func softmax(logits []float32) []float32 {
	top := logits[0]
	for _, v := range logits[1:] {
		if v > top {
			top = v
		}
	}

	exps := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		exps[i] = math.Exp(float64(v - top))
		sum += exps[i]
	}

	out := make([]float32, len(logits))
	for i, e := range exps {
		out[i] = float32(e / sum)
	}
	return out
}

// argmax returns the first index holding the largest value.
func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// validateDistribution rejects scores that are not a probability distribution.
func validateDistribution(probs []float32) error {
	var sum float64
	for i, p := range probs {
		if p < 0 || p > 1 {
			return fmt.Errorf("probability %v for class %d outside [0,1]", p, i)
		}
		sum += float64(p)
	}
	if math.Abs(sum-1) > distributionTolerance {
		return fmt.Errorf("probabilities sum to %v", sum)
	}
	return nil
}
