package model

import (
	"fmt"

	"github.com/lanternml/lantern/internal/tensor"
)

// ExpertBank is a bank of expert feed-forward weights stacked along a
// leading expert axis: slot i of every slice belongs to expert i. The
// loader must assemble the slices in expert-index order.
type ExpertBank struct {
	experts []*MLP
}

// NewExpertBank builds a bank from per-expert gate/up/down projections.
// All three slices must have the same length and consistent shapes.
func NewExpertBank(gate, up, down []*tensor.Mat) (*ExpertBank, error) {
	if len(gate) == 0 || len(gate) != len(up) || len(gate) != len(down) {
		return nil, fmt.Errorf("expert bank: need equal nonzero gate/up/down counts, got %d/%d/%d",
			len(gate), len(up), len(down))
	}
	experts := make([]*MLP, len(gate))
	for i := range gate {
		if gate[i].R != up[i].R || gate[i].C != up[i].C ||
			down[i].C != gate[i].R || down[i].R != gate[i].C {
			return nil, fmt.Errorf("expert bank: expert %d projection shapes are inconsistent", i)
		}
		experts[i] = &MLP{
			Gate: NewLinear(gate[i], nil),
			Up:   NewLinear(up[i], nil),
			Down: NewLinear(down[i], nil),
		}
	}
	return &ExpertBank{experts: experts}, nil
}

// Len reports the number of experts.
func (b *ExpertBank) Len() int {
	return len(b.experts)
}

// MoE routes each token through the experts selected by its gate and sums
// the weighted expert outputs. Shared experts, when configured, run on
// every token with no gating.
type MoE struct {
	gate    *Gate
	experts *ExpertBank
	shared  *MLP
}

// NewMoE wires a gate to an expert bank and an optional shared expert MLP.
func NewMoE(gate *Gate, experts *ExpertBank, shared *MLP) (*MoE, error) {
	if gate == nil || experts == nil {
		return nil, fmt.Errorf("moe: gate and expert bank are required")
	}
	if gate.cfg.NumExperts != experts.Len() {
		return nil, fmt.Errorf("moe: gate routes %d experts but bank holds %d",
			gate.cfg.NumExperts, experts.Len())
	}
	return &MoE{gate: gate, experts: experts, shared: shared}, nil
}

// Forward applies the mixture to every row of x ([seq, hidden]).
func (m *MoE) Forward(x *tensor.Mat) *tensor.Mat {
	indices, weights := m.gate.Forward(x)
	k := m.gate.cfg.TopK

	out := tensor.NewMat(x.R, x.C)
	for s := 0; s < x.R; s++ {
		row := x.Row(s)
		acc := out.Row(s)
		for j := 0; j < k; j++ {
			w := weights[s*k+j]
			if w == 0 {
				continue
			}
			y := m.experts.experts[indices[s*k+j]].ForwardVec(row)
			for i := range acc {
				acc[i] += w * y[i]
			}
		}
		if m.shared != nil {
			y := m.shared.ForwardVec(row)
			tensor.Add(acc, y)
		}
	}
	return out
}
