package tensor

import "math"

// Add adds src to dst element-wise. Lengths must match.
func Add(dst, src []float32) {
	if len(dst) != len(src) {
		panic("tensor: Add length mismatch")
	}
	for i := range dst {
		dst[i] += src[i]
	}
}

// Scale multiplies every element of x by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Dot computes the dot product of a and b. Lengths must match.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("tensor: Dot length mismatch")
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm writes root-mean-square normalised src, scaled by weight, into dst.
// dst and src may alias.
func RMSNorm(dst, src, weight []float32, eps float32) {
	if len(dst) < len(src) || len(weight) < len(src) {
		panic("tensor: RMSNorm length mismatch")
	}
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0 / math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Softmax applies softmax to x in place, subtracting the max for stability.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the sigmoid linear unit activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// MatVec computes dst = w * x where w is [R, C] and x has length C.
// dst must have length R.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(x) != w.C {
		panic("tensor: MatVec input length mismatch")
	}
	if len(dst) < w.R {
		panic("tensor: MatVec output buffer too small")
	}
	if w.DType == F32 {
		for i := 0; i < w.R; i++ {
			row := w.Data[i*w.Stride : i*w.Stride+w.C]
			var sum float32
			for j, v := range row {
				sum += v * x[j]
			}
			dst[i] = sum
		}
		return
	}
	row := make([]float32, w.C)
	for i := 0; i < w.R; i++ {
		w.RowTo(row, i)
		var sum float32
		for j, v := range row {
			sum += v * x[j]
		}
		dst[i] = sum
	}
}

// MatMulT computes out = x * w^T where x is [S, C] and w is [R, C],
// producing [S, R]. This is the shape of a linear layer whose weight is
// stored one output row per output feature.
func MatMulT(x, w *Mat) *Mat {
	if x.C != w.C {
		panic("tensor: MatMulT inner dimension mismatch")
	}
	out := NewMat(x.R, w.R)
	for s := 0; s < x.R; s++ {
		MatVec(out.Row(s), w, x.Row(s))
	}
	return out
}
