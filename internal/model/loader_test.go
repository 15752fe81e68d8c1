package model

import (
	"encoding/binary"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/goccy/go-json"
)

type ckptTensor struct {
	shape []int
	vals  []float32
}

type ckptBuilder struct {
	tensors map[string]ckptTensor
	rng     *rand.Rand
}

func newCkptBuilder() *ckptBuilder {
	return &ckptBuilder{
		tensors: make(map[string]ckptTensor),
		rng:     rand.New(rand.NewSource(7)),
	}
}

func (b *ckptBuilder) add(name string, shape ...int) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = (b.rng.Float32() - 0.5) * 0.2
	}
	b.tensors[name] = ckptTensor{shape: shape, vals: vals}
}

func (b *ckptBuilder) addOnes(name string, n int) {
	b.tensors[name] = ckptTensor{shape: []int{n}, vals: onesVec(n)}
}

func (b *ckptBuilder) write(t *testing.T, path string) {
	t.Helper()

	names := make([]string, 0, len(b.tensors))
	for name := range b.tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(b.tensors))
	var payload []byte
	for _, name := range names {
		ct := b.tensors[name]
		start := len(payload)
		for _, v := range ct.vals {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			payload = append(payload, buf[:]...)
		}
		header[name] = map[string]any{
			"dtype":        "F32",
			"shape":        ct.shape,
			"data_offsets": []int{start, len(payload)},
		}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	out := make([]byte, 8, 8+len(headerBytes)+len(payload))
	binary.LittleEndian.PutUint64(out, uint64(len(headerBytes)))
	out = append(out, headerBytes...)
	out = append(out, payload...)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
}

// writeTestCheckpoint lays out a two layer checkpoint: layer 0 dense,
// layer 1 mixture-of-experts, latent attention throughout.
func writeTestCheckpoint(t *testing.T, dir, prefix string, tiedHead bool) {
	t.Helper()

	cfgJSON := map[string]any{
		"model_type": "deepseek_vl_v2",
		"text_config": map[string]any{
			"hidden_size":           8,
			"num_hidden_layers":     2,
			"intermediate_size":     10,
			"num_attention_heads":   2,
			"vocab_size":            12,
			"rms_norm_eps":          1e-6,
			"rope_theta":            10000,
			"attn_type":             "DeepseekV2Attention",
			"kv_lora_rank":          4,
			"qk_rope_head_dim":      2,
			"qk_nope_head_dim":      2,
			"v_head_dim":            4,
			"moe_intermediate_size": 6,
			"n_routed_experts":      4,
			"n_shared_experts":      1,
			"num_experts_per_tok":   2,
			"n_group":               2,
			"topk_group":            1,
			"routed_scaling_factor": 1.0,
			"scoring_func":          "softmax",
			"topk_method":           "greedy",
			"first_k_dense_replace": 1,
			"moe_layer_freq":        1,
		},
		"image_token_index": 10,
		"pad_token_id":      11,
	}
	raw, err := json.Marshal(cfgJSON)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	b := newCkptBuilder()
	b.add(prefix+"embed_tokens.weight", 12, 8)
	b.addOnes(prefix+"norm.weight", 8)
	if !tiedHead {
		head := "lm_head.weight"
		if prefix == "language_model.model." {
			head = "language_model.lm_head.weight"
		}
		b.add(head, 12, 8)
	}

	for l := 0; l < 2; l++ {
		p := prefix + "layers." + strconv.Itoa(l) + "."
		b.addOnes(p+"input_layernorm.weight", 8)
		b.addOnes(p+"post_attention_layernorm.weight", 8)

		b.add(p+"self_attn.q_proj.weight", 8, 8)
		b.add(p+"self_attn.kv_a_proj_with_mqa.weight", 6, 8)
		b.addOnes(p+"self_attn.kv_a_layernorm.weight", 4)
		b.add(p+"self_attn.kv_b_proj.weight", 12, 4)
		b.add(p+"self_attn.o_proj.weight", 8, 8)

		if l == 0 {
			b.add(p+"mlp.gate_proj.weight", 10, 8)
			b.add(p+"mlp.up_proj.weight", 10, 8)
			b.add(p+"mlp.down_proj.weight", 8, 10)
			continue
		}

		b.add(p+"mlp.gate.weight", 4, 8)
		for e := 0; e < 4; e++ {
			ep := p + "mlp.experts." + strconv.Itoa(e) + "."
			b.add(ep+"gate_proj.weight", 6, 8)
			b.add(ep+"up_proj.weight", 6, 8)
			b.add(ep+"down_proj.weight", 8, 6)
		}
		b.add(p+"mlp.shared_experts.gate_proj.weight", 6, 8)
		b.add(p+"mlp.shared_experts.up_proj.weight", 6, 8)
		b.add(p+"mlp.shared_experts.down_proj.weight", 8, 6)
	}
	b.write(t, filepath.Join(dir, "model.safetensors"))
}

func TestLoadMultimodalCheckpoint(t *testing.T) {
	dir := t.TempDir()
	writeTestCheckpoint(t, dir, "language_model.model.", false)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Config().ImageTokenID != 10 || m.Config().PadTokenID != 11 {
		t.Fatalf("sentinel ids not carried: %+v", m.Config())
	}

	logits, err := m.Forward([]int{1, 2, 3}, nil, nil, m.NewCaches())
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if logits.R != 3 || logits.C != 12 {
		t.Fatalf("logits shape [%d,%d], want [3,12]", logits.R, logits.C)
	}
}

func TestLoadTextOnlyPrefixAndTiedHead(t *testing.T) {
	dir := t.TempDir()
	writeTestCheckpoint(t, dir, "model.", true)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	logits, err := m.Forward([]int{4}, nil, nil, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if logits.R != 1 || logits.C != 12 {
		t.Fatalf("logits shape [%d,%d], want [1,12]", logits.R, logits.C)
	}
}

func TestLoadMissingWeightFails(t *testing.T) {
	dir := t.TempDir()
	writeTestCheckpoint(t, dir, "language_model.model.", false)

	// Rewrite the checkpoint without layer 1's router weight.
	b := newCkptBuilder()
	b.add("language_model.model.embed_tokens.weight", 12, 8)
	b.write(t, filepath.Join(dir, "model.safetensors"))

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for incomplete checkpoint")
	}
}
