// Package mathkernel provides the vector arithmetic used to score
// similarity between embeddings: cosine similarity over both full-precision
// float32 vectors and symmetrically quantized int8 vectors, plus the
// quantization routine that converts one to the other.
package mathkernel

import "math"

// CosineF32 returns the cosine similarity between two equal-length float32
// vectors. Callers are expected to pass vectors of the same dimension;
// mismatched lengths are treated as a programmer error upstream and are
// not re-validated here.
func CosineF32(a, b []float32) float32 {
	dot := dotProductF32(a, b)
	normA := normF32(a)
	normB := normF32(b)
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}

// Quantize performs symmetric int8 quantization: scale = 127/max(|v|),
// q[i] = round(v[i] * scale). It returns the quantized vector, the scale
// factor used to produce it, and the L2 norm of the original float32
// vector (stored so downstream scoring can skip recomputing it).
func Quantize(v []float32) (q []int8, scale float32, norm float32) {
	var maxAbs float32
	for _, x := range v {
		a := x
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return make([]int8, len(v)), 0, 0
	}
	scale = 127 / maxAbs
	q = make([]int8, len(v))
	for i, x := range v {
		r := x * scale
		if r > 127 {
			r = 127
		} else if r < -127 {
			r = -127
		}
		q[i] = int8(math.Round(float64(r)))
	}
	return q, scale, normF32(v)
}

// CosineI8 computes cosine similarity between two int8-quantized vectors
// given their pre-computed (pre-quantization) float32 norms and scales.
// The dot product is accumulated in int32 to avoid overflow, then
// rescaled back into the original float domain.
func CosineI8(aq []int8, aScale float32, aNorm float32, bq []int8, bScale float32, bNorm float32) float32 {
	if aScale == 0 || bScale == 0 || aNorm == 0 || bNorm == 0 {
		return 0
	}
	dot := dotProductI8(aq, bq)
	// aq[i] ≈ a[i]*aScale, bq[i] ≈ b[i]*bScale, so dot(aq,bq) ≈ dot(a,b)*aScale*bScale.
	realDot := float32(dot) / (aScale * bScale)
	return realDot / (aNorm * bNorm)
}

func normF32(v []float32) float32 {
	return sqrtF32(dotProductF32(v, v))
}

func sqrtF32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	return float32(math.Sqrt(float64(x)))
}
