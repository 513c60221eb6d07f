package model

import "math"

// UnitDistance is the euclidean distance between the unit-length versions of
// two vectors whose cosine similarity is cos.
func UnitDistance(cos float64) float64 {
	return math.Sqrt(math.Max(0, 2-2*cos))
}

// Normalize returns a unit-length copy of v. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
