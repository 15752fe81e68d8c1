package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lanternml/lantern/internal/safetensors"
	"github.com/lanternml/lantern/internal/tensor"
)

// Load reads config.json and the safetensors weights from a checkpoint
// directory and assembles the model.
func Load(dir string) (*Model, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}

	store, err := safetensors.Open(dir)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	return Build(cfg, store)
}

// Build assembles a model from an already parsed config and an open
// checkpoint. Multimodal checkpoints prefix decoder weights with
// language_model.model.; text-only ones use the bare model. prefix.
func Build(cfg *Config, store *safetensors.Store) (*Model, error) {
	ld := &loader{cfg: &cfg.Text, store: store}

	switch {
	case store.Has("language_model.model.embed_tokens.weight"):
		ld.prefix = "language_model.model."
		ld.headName = "language_model.lm_head.weight"
	case store.Has("model.embed_tokens.weight"):
		ld.prefix = "model."
		ld.headName = "lm_head.weight"
	default:
		return nil, fmt.Errorf("load model: no embedding table found in checkpoint")
	}

	embed, err := ld.mat(ld.prefix + "embed_tokens.weight")
	if err != nil {
		return nil, err
	}

	layers := make([]*Layer, cfg.Text.NumHiddenLayers)
	for i := range layers {
		layers[i], err = ld.layer(i)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	normW, err := ld.vec(ld.prefix + "norm.weight")
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(layers, &RMSNorm{Weight: normW, Eps: float32(cfg.Text.RMSNormEps)})
	if err != nil {
		return nil, err
	}

	var head *Linear
	if store.Has(ld.headName) {
		hw, err := ld.mat(ld.headName)
		if err != nil {
			return nil, err
		}
		head = NewLinear(hw, nil)
	}
	return NewModel(cfg, embed, dec, head)
}

type loader struct {
	cfg      *TextConfig
	store    *safetensors.Store
	prefix   string
	headName string
}

func (ld *loader) mat(name string) (*tensor.Mat, error) {
	return ld.store.Mat(name)
}

func (ld *loader) vec(name string) ([]float32, error) {
	return ld.store.Vec(name)
}

// optVec reads a vector that may legitimately be absent, such as a
// projection bias on a bias-free checkpoint.
func (ld *loader) optVec(name string) ([]float32, error) {
	if !ld.store.Has(name) {
		return nil, nil
	}
	return ld.store.Vec(name)
}

func (ld *loader) layer(idx int) (*Layer, error) {
	p := fmt.Sprintf("%slayers.%d.", ld.prefix, idx)

	attnNorm, err := ld.vec(p + "input_layernorm.weight")
	if err != nil {
		return nil, err
	}
	ffnNorm, err := ld.vec(p + "post_attention_layernorm.weight")
	if err != nil {
		return nil, err
	}

	var attn Attention
	if ld.cfg.AttnType == AttnLatent {
		attn, err = ld.latentAttention(p + "self_attn.")
	} else {
		attn, err = ld.gqa(p + "self_attn.")
	}
	if err != nil {
		return nil, err
	}

	var ffn FeedForward
	if isMoELayer(ld.cfg, idx) {
		ffn, err = ld.moe(p + "mlp.")
	} else {
		ffn, err = ld.mlp(p + "mlp.")
	}
	if err != nil {
		return nil, err
	}

	eps := float32(ld.cfg.RMSNormEps)
	return &Layer{
		AttnNorm: &RMSNorm{Weight: attnNorm, Eps: eps},
		Attn:     attn,
		FFNNorm:  &RMSNorm{Weight: ffnNorm, Eps: eps},
		FFN:      ffn,
	}, nil
}

func (ld *loader) latentAttention(p string) (Attention, error) {
	var w LatentAttentionWeights
	var err error

	if ld.cfg.QLoraRank > 0 {
		if w.QAProj, err = ld.mat(p + "q_a_proj.weight"); err != nil {
			return nil, err
		}
		if w.QABias, err = ld.optVec(p + "q_a_proj.bias"); err != nil {
			return nil, err
		}
		if w.QANorm, err = ld.vec(p + "q_a_layernorm.weight"); err != nil {
			return nil, err
		}
		if w.QBProj, err = ld.mat(p + "q_b_proj.weight"); err != nil {
			return nil, err
		}
	} else {
		if w.QProj, err = ld.mat(p + "q_proj.weight"); err != nil {
			return nil, err
		}
	}

	if w.KVAProj, err = ld.mat(p + "kv_a_proj_with_mqa.weight"); err != nil {
		return nil, err
	}
	if w.KVABias, err = ld.optVec(p + "kv_a_proj_with_mqa.bias"); err != nil {
		return nil, err
	}
	if w.KVANorm, err = ld.vec(p + "kv_a_layernorm.weight"); err != nil {
		return nil, err
	}
	if w.KVBProj, err = ld.mat(p + "kv_b_proj.weight"); err != nil {
		return nil, err
	}
	if w.OProj, err = ld.mat(p + "o_proj.weight"); err != nil {
		return nil, err
	}
	if w.OBias, err = ld.optVec(p + "o_proj.bias"); err != nil {
		return nil, err
	}
	return NewLatentAttention(ld.cfg, w)
}

func (ld *loader) gqa(p string) (Attention, error) {
	var w GQAWeights
	var err error

	if w.QProj, err = ld.mat(p + "q_proj.weight"); err != nil {
		return nil, err
	}
	if w.KProj, err = ld.mat(p + "k_proj.weight"); err != nil {
		return nil, err
	}
	if w.VProj, err = ld.mat(p + "v_proj.weight"); err != nil {
		return nil, err
	}
	if w.OProj, err = ld.mat(p + "o_proj.weight"); err != nil {
		return nil, err
	}
	if ld.cfg.AttentionBias {
		if w.QBias, err = ld.vec(p + "q_proj.bias"); err != nil {
			return nil, err
		}
		if w.KBias, err = ld.vec(p + "k_proj.bias"); err != nil {
			return nil, err
		}
		if w.VBias, err = ld.vec(p + "v_proj.bias"); err != nil {
			return nil, err
		}
		if w.OBias, err = ld.optVec(p + "o_proj.bias"); err != nil {
			return nil, err
		}
	}
	return NewGroupedQueryAttention(ld.cfg, w)
}

func (ld *loader) mlp(p string) (*MLP, error) {
	gate, err := ld.mat(p + "gate_proj.weight")
	if err != nil {
		return nil, err
	}
	up, err := ld.mat(p + "up_proj.weight")
	if err != nil {
		return nil, err
	}
	down, err := ld.mat(p + "down_proj.weight")
	if err != nil {
		return nil, err
	}
	return &MLP{
		Gate: NewLinear(gate, nil),
		Up:   NewLinear(up, nil),
		Down: NewLinear(down, nil),
	}, nil
}

// moe loads the router and the routed experts. Expert weights are stored
// per expert index and must be gathered in order so that gate indices line
// up with bank slots.
func (ld *loader) moe(p string) (FeedForward, error) {
	gw, err := ld.mat(p + "gate.weight")
	if err != nil {
		return nil, err
	}
	bias, err := ld.optVec(p + "gate.e_score_correction_bias")
	if err != nil {
		return nil, err
	}
	gate, err := NewGate(ld.cfg.GateConfig(), gw, bias)
	if err != nil {
		return nil, err
	}

	n := ld.cfg.NRoutedExperts
	gates := make([]*tensor.Mat, n)
	ups := make([]*tensor.Mat, n)
	downs := make([]*tensor.Mat, n)
	for e := 0; e < n; e++ {
		ep := fmt.Sprintf("%sexperts.%d.", p, e)
		if gates[e], err = ld.mat(ep + "gate_proj.weight"); err != nil {
			return nil, err
		}
		if ups[e], err = ld.mat(ep + "up_proj.weight"); err != nil {
			return nil, err
		}
		if downs[e], err = ld.mat(ep + "down_proj.weight"); err != nil {
			return nil, err
		}
	}
	bank, err := NewExpertBank(gates, ups, downs)
	if err != nil {
		return nil, err
	}

	var shared *MLP
	if ld.cfg.NSharedExperts > 0 {
		shared, err = ld.mlp(p + "shared_experts.")
		if err != nil {
			return nil, err
		}
	}
	return NewMoE(gate, bank, shared)
}
