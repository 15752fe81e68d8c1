package model

import (
	"math"
	"testing"
)

func denseTestConfig() *Config {
	cfg := &Config{
		ModelType:    "deepseek_vl_v2",
		ImageTokenID: 14,
		PadTokenID:   15,
		Text: TextConfig{
			HiddenSize:        8,
			NumHiddenLayers:   2,
			IntermediateSize:  12,
			NumAttentionHeads: 2,
			VocabSize:         16,
			RMSNormEps:        1e-6,
			RopeTheta:         10000,
			AttnType:          AttnLatent,
			KVLoraRank:        4,
			QKRopeHeadDim:     2,
			QKNopeHeadDim:     2,
			VHeadDim:          4,
		},
	}
	cfg.Text.normalize()
	return cfg
}

func newDenseTestModel(t *testing.T) *Model {
	t.Helper()
	cfg := denseTestConfig()
	tc := &cfg.Text
	h := tc.NumAttentionHeads

	layers := make([]*Layer, tc.NumHiddenLayers)
	for i := range layers {
		seed := int64(100 * (i + 1))
		attn, err := NewLatentAttention(tc, LatentAttentionWeights{
			QProj:   randMat(h*tc.QHeadDim(), tc.HiddenSize, seed+1),
			KVAProj: randMat(tc.KVLoraRank+tc.QKRopeHeadDim, tc.HiddenSize, seed+2),
			KVANorm: onesVec(tc.KVLoraRank),
			KVBProj: randMat(h*(tc.QKNopeHeadDim+tc.VHeadDim), tc.KVLoraRank, seed+3),
			OProj:   randMat(tc.HiddenSize, h*tc.VHeadDim, seed+4),
		})
		if err != nil {
			t.Fatalf("layer %d attention: %v", i, err)
		}
		layers[i] = &Layer{
			AttnNorm: &RMSNorm{Weight: onesVec(tc.HiddenSize), Eps: float32(tc.RMSNormEps)},
			Attn:     attn,
			FFNNorm:  &RMSNorm{Weight: onesVec(tc.HiddenSize), Eps: float32(tc.RMSNormEps)},
			FFN: &MLP{
				Gate: NewLinear(randMat(tc.IntermediateSize, tc.HiddenSize, seed+5), nil),
				Up:   NewLinear(randMat(tc.IntermediateSize, tc.HiddenSize, seed+6), nil),
				Down: NewLinear(randMat(tc.HiddenSize, tc.IntermediateSize, seed+7), nil),
			},
		}
	}

	dec, err := NewDecoder(layers, &RMSNorm{Weight: onesVec(tc.HiddenSize), Eps: float32(tc.RMSNormEps)})
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	m, err := NewModel(cfg, randMat(tc.VocabSize, tc.HiddenSize, 99), dec, nil)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	return m
}

func maxRelDiff(a, b []float32) float64 {
	var maxd float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if mag := math.Abs(float64(b[i])); mag > 1 {
			d /= mag
		}
		if d > maxd {
			maxd = d
		}
	}
	return maxd
}

// A three-token prompt processed in one cold pass and token by token
// through the caches must produce matching logits at every position.
func TestModelColdIncrementalParity(t *testing.T) {
	m := newDenseTestModel(t)
	tokens := []int{2, 7, 11}

	cold, err := m.Forward(tokens, nil, nil, m.NewCaches())
	if err != nil {
		t.Fatalf("cold forward: %v", err)
	}
	if cold.R != len(tokens) || cold.C != m.Config().Text.VocabSize {
		t.Fatalf("logits shape [%d,%d], want [%d,%d]", cold.R, cold.C, len(tokens), m.Config().Text.VocabSize)
	}

	caches := m.NewCaches()
	for s, tok := range tokens {
		out, err := m.Forward([]int{tok}, nil, nil, caches)
		if err != nil {
			t.Fatalf("step %d: %v", s, err)
		}
		if d := maxRelDiff(out.Row(0), cold.Row(s)); d > 1e-4 {
			t.Fatalf("position %d logits diverge by %v between cold and incremental paths", s, d)
		}
	}
}

func TestModelImageFusionForward(t *testing.T) {
	m := newDenseTestModel(t)
	cfg := m.Config()
	tokens := []int{2, cfg.ImageTokenID, cfg.ImageTokenID, 7}
	feats := randMat(2, cfg.Text.HiddenSize, 42)
	validity := []float32{1, 1, 1, 1}

	out, err := m.Forward(tokens, feats, validity, m.NewCaches())
	if err != nil {
		t.Fatalf("forward with images: %v", err)
	}
	if out.R != len(tokens) {
		t.Fatalf("got %d logit rows, want %d", out.R, len(tokens))
	}

	if _, err := m.Forward(tokens, randMat(1, cfg.Text.HiddenSize, 43), nil, nil); err == nil {
		t.Fatal("expected error for mismatched image feature count")
	}
}

func TestModelValidityRequiresColdCache(t *testing.T) {
	m := newDenseTestModel(t)
	caches := m.NewCaches()
	if _, err := m.Forward([]int{1, 2}, nil, nil, caches); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	if _, err := m.Forward([]int{3}, nil, []float32{1}, caches); err == nil {
		t.Fatal("expected error applying validity mask on a warm cache")
	}
}

func TestModelRejectsBadShapes(t *testing.T) {
	cfg := denseTestConfig()
	if _, err := NewModel(cfg, randMat(4, cfg.Text.HiddenSize, 1), nil, nil); err == nil {
		t.Fatal("expected error for undersized embedding table")
	}
}

func TestCausalMaskWithOffset(t *testing.T) {
	m := CausalMask(2, 3)
	if m.R != 2 || m.C != 5 {
		t.Fatalf("got shape [%d,%d], want [2,5]", m.R, m.C)
	}
	for j := 0; j < 5; j++ {
		wantBlocked := j > 3
		if blocked := m.At(0, j) != 0; blocked != wantBlocked {
			t.Fatalf("row 0 col %d blocked=%v, want %v", j, blocked, wantBlocked)
		}
	}
	if m.At(1, 4) != 0 {
		t.Fatal("last query must see the full history")
	}
}

func TestMoELayerSchedule(t *testing.T) {
	cfg := &TextConfig{NRoutedExperts: 8, FirstKDenseReplace: 1, MoELayerFreq: 2}
	want := []bool{false, false, true, false, true, false}
	for i, w := range want {
		if got := isMoELayer(cfg, i); got != w {
			t.Fatalf("layer %d: moe=%v, want %v", i, got, w)
		}
	}
	dense := &TextConfig{}
	if isMoELayer(dense, 5) {
		t.Fatal("dense config must never route")
	}
}
