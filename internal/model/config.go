package model

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Attention variants and gate policies, resolved once at model construction.
const (
	AttnLatent = "latent"
	AttnGQA    = "gqa"

	ScoreSoftmax = "softmax"
	ScoreSigmoid = "sigmoid"

	TopkGreedy  = "greedy"
	TopkNoauxTC = "noaux_tc"
)

// RopeScaling describes rotary frequency rescaling parameters.
type RopeScaling struct {
	Type                          string  `json:"type"`
	Factor                        float64 `json:"factor"`
	OriginalMaxPositionEmbeddings int     `json:"original_max_position_embeddings"`
	BetaFast                      float64 `json:"beta_fast"`
	BetaSlow                      float64 `json:"beta_slow"`
	MScale                        float64 `json:"mscale"`
	MScaleAllDim                  float64 `json:"mscale_all_dim"`
}

// TextConfig holds the decoder parameters. Field names follow the HF
// config.json schema for DeepSeek-V2-style checkpoints.
type TextConfig struct {
	HiddenSize            int          `json:"hidden_size"`
	NumHiddenLayers       int          `json:"num_hidden_layers"`
	IntermediateSize      int          `json:"intermediate_size"`
	NumAttentionHeads     int          `json:"num_attention_heads"`
	NumKeyValueHeads      int          `json:"num_key_value_heads"`
	VocabSize             int          `json:"vocab_size"`
	RMSNormEps            float64      `json:"rms_norm_eps"`
	MaxPositionEmbeddings int          `json:"max_position_embeddings"`
	RopeTheta             float64      `json:"rope_theta"`
	RopeTraditional       bool         `json:"rope_traditional"`
	RopeScaling           *RopeScaling `json:"rope_scaling"`
	AttentionBias         bool         `json:"attention_bias"`
	AttnType              string       `json:"attn_type"`

	// Latent attention dimensions.
	QLoraRank     int `json:"q_lora_rank"`
	KVLoraRank    int `json:"kv_lora_rank"`
	QKRopeHeadDim int `json:"qk_rope_head_dim"`
	QKNopeHeadDim int `json:"qk_nope_head_dim"`
	VHeadDim      int `json:"v_head_dim"`

	// Mixture-of-experts routing.
	MoEIntermediateSize int     `json:"moe_intermediate_size"`
	NRoutedExperts      int     `json:"n_routed_experts"`
	NSharedExperts      int     `json:"n_shared_experts"`
	NumExpertsPerTok    int     `json:"num_experts_per_tok"`
	NGroup              int     `json:"n_group"`
	TopkGroup           int     `json:"topk_group"`
	RoutedScalingFactor float64 `json:"routed_scaling_factor"`
	ScoringFunc         string  `json:"scoring_func"`
	TopkMethod          string  `json:"topk_method"`
	FirstKDenseReplace  int     `json:"first_k_dense_replace"`
	MoELayerFreq        int     `json:"moe_layer_freq"`
}

// VisionConfig documents the upstream vision tower contract. The tower
// itself is external; the engine only consumes its output features.
type VisionConfig struct {
	HiddenSize int `json:"hidden_size"`
	ImageSize  int `json:"image_size"`
	PatchSize  int `json:"patch_size"`
}

// Config is the top-level model configuration.
type Config struct {
	ModelType    string       `json:"model_type"`
	Text         TextConfig   `json:"text_config"`
	Vision       VisionConfig `json:"vision_config"`
	ImageTokenID int          `json:"image_token_index"`
	PadTokenID   int          `json:"pad_token_id"`
}

// ParseConfig decodes an HF-style config.json payload. Checkpoints that nest
// decoder parameters under language_config instead of text_config are
// accepted too.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}

	var alt struct {
		Language     *TextConfig `json:"language_config"`
		ImageTokenID *int        `json:"image_token_id"`
	}
	if err := json.Unmarshal(raw, &alt); err == nil {
		if cfg.Text.HiddenSize == 0 && alt.Language != nil {
			cfg.Text = *alt.Language
		}
		if cfg.ImageTokenID == 0 && alt.ImageTokenID != nil {
			cfg.ImageTokenID = *alt.ImageTokenID
		}
	}

	cfg.Text.normalize()
	if err := cfg.Text.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize fills defaults and maps legacy attention type tags onto the
// variants this engine dispatches on.
func (c *TextConfig) normalize() {
	switch strings.ToLower(strings.TrimSpace(c.AttnType)) {
	case "deepseekv2attention", AttnLatent:
		c.AttnType = AttnLatent
	case "llamaattention", AttnGQA:
		c.AttnType = AttnGQA
	case "":
		if c.KVLoraRank > 0 {
			c.AttnType = AttnLatent
		} else {
			c.AttnType = AttnGQA
		}
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000
	}
	if c.NumKeyValueHeads == 0 {
		c.NumKeyValueHeads = c.NumAttentionHeads
	}
	if c.ScoringFunc == "" {
		c.ScoringFunc = ScoreSoftmax
	}
	if c.TopkMethod == "" {
		c.TopkMethod = TopkGreedy
	}
	if c.NGroup == 0 {
		c.NGroup = 1
	}
	if c.TopkGroup == 0 {
		c.TopkGroup = c.NGroup
	}
	if c.RoutedScalingFactor == 0 {
		c.RoutedScalingFactor = 1
	}
	if c.MoELayerFreq == 0 {
		c.MoELayerFreq = 1
	}
}

// QHeadDim is the per-head query/key width of the latent attention variant.
func (c *TextConfig) QHeadDim() int {
	return c.QKNopeHeadDim + c.QKRopeHeadDim
}

// Validate fails fast on configurations the numeric core cannot run.
// All construction-time shape errors surface here, not at call time.
func (c *TextConfig) Validate() error {
	if c.HiddenSize <= 0 || c.NumHiddenLayers <= 0 || c.NumAttentionHeads <= 0 {
		return fmt.Errorf("model config: hidden_size, num_hidden_layers and num_attention_heads must be positive")
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("model config: vocab_size must be positive")
	}

	switch c.AttnType {
	case AttnLatent:
		if c.KVLoraRank <= 0 {
			return fmt.Errorf("model config: latent attention requires kv_lora_rank > 0")
		}
		if c.QKRopeHeadDim <= 0 || c.QKRopeHeadDim%2 != 0 {
			return fmt.Errorf("model config: qk_rope_head_dim must be positive and even, got %d", c.QKRopeHeadDim)
		}
		if c.QKNopeHeadDim < 0 || c.VHeadDim <= 0 {
			return fmt.Errorf("model config: invalid latent head dimensions")
		}
	case AttnGQA:
		if c.HiddenSize%c.NumAttentionHeads != 0 {
			return fmt.Errorf("model config: hidden_size %d not divisible by num_attention_heads %d",
				c.HiddenSize, c.NumAttentionHeads)
		}
		if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
			return fmt.Errorf("model config: num_attention_heads %d not divisible by num_key_value_heads %d",
				c.NumAttentionHeads, c.NumKeyValueHeads)
		}
		if (c.HiddenSize/c.NumAttentionHeads)%2 != 0 {
			return fmt.Errorf("model config: head dimension must be even for rotary encoding")
		}
	default:
		return fmt.Errorf("model config: unknown attention type %q", c.AttnType)
	}

	if c.NRoutedExperts > 0 {
		gc := c.GateConfig()
		if err := gc.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// GateConfig extracts the expert-routing parameters.
func (c *TextConfig) GateConfig() GateConfig {
	return GateConfig{
		HiddenSize:          c.HiddenSize,
		NumExperts:          c.NRoutedExperts,
		TopK:                c.NumExpertsPerTok,
		NGroup:              c.NGroup,
		TopkGroup:           c.TopkGroup,
		ScoringFunc:         c.ScoringFunc,
		TopkMethod:          c.TopkMethod,
		RoutedScalingFactor: float32(c.RoutedScalingFactor),
	}
}
