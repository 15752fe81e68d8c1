package model

import (
	"math"
	"testing"

	"github.com/lanternml/lantern/internal/tensor"
)

func newTestBank(t *testing.T, n, hidden, inter int, seed int64) *ExpertBank {
	t.Helper()
	gate := make([]*tensor.Mat, n)
	up := make([]*tensor.Mat, n)
	down := make([]*tensor.Mat, n)
	for i := 0; i < n; i++ {
		gate[i] = tensor.NewMat(inter, hidden)
		up[i] = tensor.NewMat(inter, hidden)
		down[i] = tensor.NewMat(hidden, inter)
		tensor.FillRand(gate[i], seed+int64(3*i))
		tensor.FillRand(up[i], seed+int64(3*i+1))
		tensor.FillRand(down[i], seed+int64(3*i+2))
	}
	bank, err := NewExpertBank(gate, up, down)
	if err != nil {
		t.Fatalf("NewExpertBank: %v", err)
	}
	return bank
}

// With a single selected expert and one group, the mixture must reduce to
// routing each token through its one expert scaled by its one weight.
func TestMoESingleExpertDegenerate(t *testing.T) {
	const hidden, inter, nExperts = 6, 10, 4

	cfg := GateConfig{
		HiddenSize:          hidden,
		NumExperts:          nExperts,
		TopK:                1,
		NGroup:              1,
		TopkGroup:           1,
		ScoringFunc:         ScoreSigmoid,
		TopkMethod:          TopkGreedy,
		RoutedScalingFactor: 1.5,
	}
	gw := tensor.NewMat(nExperts, hidden)
	tensor.FillRand(gw, 41)
	gate, err := NewGate(cfg, gw, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	bank := newTestBank(t, nExperts, hidden, inter, 50)
	moe, err := NewMoE(gate, bank, nil)
	if err != nil {
		t.Fatalf("NewMoE: %v", err)
	}

	x := gateInput(3, hidden, 61)
	got := moe.Forward(x)

	idx, w := gate.Forward(x)
	for s := 0; s < x.R; s++ {
		want := bank.experts[idx[s]].ForwardVec(x.Row(s))
		for i := range want {
			want[i] *= w[s]
		}
		if d := maxAbsDiff(got.Row(s), want); d > 1e-5 {
			t.Fatalf("token %d: mixture diverged from direct routing by %g", s, d)
		}
	}
}

func TestMoESharedExpertAlwaysOn(t *testing.T) {
	const hidden, inter, nExperts = 6, 8, 2

	cfg := GateConfig{
		HiddenSize: hidden, NumExperts: nExperts, TopK: 1, NGroup: 1, TopkGroup: 1,
		ScoringFunc: ScoreSigmoid, TopkMethod: TopkGreedy, RoutedScalingFactor: 1,
	}
	gw := tensor.NewMat(nExperts, hidden)
	tensor.FillRand(gw, 71)
	gate, _ := NewGate(cfg, gw, nil)
	bank := newTestBank(t, nExperts, hidden, inter, 80)

	sg := tensor.NewMat(inter, hidden)
	su := tensor.NewMat(inter, hidden)
	sd := tensor.NewMat(hidden, inter)
	tensor.FillRand(sg, 90)
	tensor.FillRand(su, 91)
	tensor.FillRand(sd, 92)
	shared := &MLP{Gate: NewLinear(sg, nil), Up: NewLinear(su, nil), Down: NewLinear(sd, nil)}

	withShared, _ := NewMoE(gate, bank, shared)
	withoutShared, _ := NewMoE(gate, bank, nil)

	x := gateInput(2, hidden, 101)
	a := withShared.Forward(x)
	b := withoutShared.Forward(x)

	for s := 0; s < x.R; s++ {
		sharedOut := shared.ForwardVec(x.Row(s))
		for i := range sharedOut {
			diff := a.At(s, i) - b.At(s, i)
			if math.Abs(float64(diff-sharedOut[i])) > 1e-5 {
				t.Fatalf("token %d dim %d: shared expert contribution %g, want %g", s, i, diff, sharedOut[i])
			}
		}
	}
}

func TestMoERejectsMismatchedBank(t *testing.T) {
	cfg := GateConfig{
		HiddenSize: 4, NumExperts: 4, TopK: 1, NGroup: 1, TopkGroup: 1,
		ScoringFunc: ScoreSigmoid, TopkMethod: TopkGreedy, RoutedScalingFactor: 1,
	}
	gw := tensor.NewMat(4, 4)
	gate, _ := NewGate(cfg, gw, nil)
	bank := newTestBank(t, 2, 4, 4, 7)
	if _, err := NewMoE(gate, bank, nil); err == nil {
		t.Fatal("accepted bank with wrong expert count")
	}
}
