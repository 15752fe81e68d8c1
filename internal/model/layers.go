package model

import (
	"github.com/lanternml/lantern/internal/tensor"
)

// Linear is an affine projection y = W*x + b with W stored [out, in].
type Linear struct {
	W    *tensor.Mat
	Bias []float32
}

// NewLinear wraps a weight matrix and optional bias. The bias length must
// match the output width.
func NewLinear(w *tensor.Mat, bias []float32) *Linear {
	if bias != nil && len(bias) != w.R {
		panic("model: linear bias length does not match output width")
	}
	return &Linear{W: w, Bias: bias}
}

// Forward applies the projection to every row of x ([seq, in] -> [seq, out]).
func (l *Linear) Forward(x *tensor.Mat) *tensor.Mat {
	out := tensor.MatMulT(x, l.W)
	if l.Bias != nil {
		for s := 0; s < out.R; s++ {
			tensor.Add(out.Row(s), l.Bias)
		}
	}
	return out
}

// ForwardVec applies the projection to a single vector.
func (l *Linear) ForwardVec(x []float32) []float32 {
	out := make([]float32, l.W.R)
	tensor.MatVec(out, l.W, x)
	if l.Bias != nil {
		tensor.Add(out, l.Bias)
	}
	return out
}

// RMSNorm is a root-mean-square normalization layer.
type RMSNorm struct {
	Weight []float32
	Eps    float32
}

// Forward normalizes every row of x.
func (n *RMSNorm) Forward(x *tensor.Mat) *tensor.Mat {
	out := tensor.NewMat(x.R, x.C)
	for s := 0; s < x.R; s++ {
		tensor.RMSNorm(out.Row(s), x.Row(s), n.Weight, n.Eps)
	}
	return out
}

// ForwardVec normalizes a single vector in place into a new slice.
func (n *RMSNorm) ForwardVec(x []float32) []float32 {
	out := make([]float32, len(x))
	tensor.RMSNorm(out, x, n.Weight, n.Eps)
	return out
}

// MLP is a SiLU-gated feed-forward block: down(silu(gate(x)) * up(x)).
type MLP struct {
	Gate *Linear
	Up   *Linear
	Down *Linear
}

// Forward applies the block to every row of x.
func (m *MLP) Forward(x *tensor.Mat) *tensor.Mat {
	out := tensor.NewMat(x.R, m.Down.W.R)
	for s := 0; s < x.R; s++ {
		copy(out.Row(s), m.ForwardVec(x.Row(s)))
	}
	return out
}

// ForwardVec applies the block to one token vector.
func (m *MLP) ForwardVec(x []float32) []float32 {
	gate := m.Gate.ForwardVec(x)
	up := m.Up.ForwardVec(x)
	for i := range gate {
		gate[i] = tensor.Silu(gate[i]) * up[i]
	}
	return m.Down.ForwardVec(gate)
}
