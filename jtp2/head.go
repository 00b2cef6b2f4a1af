package jtp2

import "math"

func sigmoid(x float32) float32 {
	if x > 50 {
		x = 50
	} else if x < -50 {
		x = -50
	}
	return 1 / (1 + float32(math.Exp(float64(-x))))
}

// plainHead maps raw logits to probabilities.
func plainHead(logits []float32) []float32 {
	out := make([]float32, len(logits))
	for i, v := range logits {
		out[i] = sigmoid(v)
	}
	return out
}

// gatedHead consumes a doubled projection: the first half is the
// activation, the second the gate. The product of the two sigmoids is
// already in [0,1]; no further sigmoid is applied.
func gatedHead(raw []float32) []float32 {
	n := len(raw) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = sigmoid(raw[i]) * sigmoid(raw[n+i])
	}
	return out
}
