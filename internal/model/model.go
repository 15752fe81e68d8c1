package model

import (
	"fmt"

	"github.com/lanternml/lantern/internal/kvcache"
	"github.com/lanternml/lantern/internal/tensor"
)

// Model is the full decoder-only language model: token embedding,
// decoder stack and output head, plus the multimodal fusion front end.
type Model struct {
	cfg     *Config
	embed   *tensor.Mat
	decoder *Decoder
	lmHead  *Linear
}

// NewModel assembles a model from its parts. lmHead may be nil, in which
// case the output head reuses the embedding table (tied weights).
func NewModel(cfg *Config, embed *tensor.Mat, dec *Decoder, lmHead *Linear) (*Model, error) {
	if embed == nil || embed.R != cfg.Text.VocabSize || embed.C != cfg.Text.HiddenSize {
		return nil, fmt.Errorf("model: embedding table must be [%d, %d]", cfg.Text.VocabSize, cfg.Text.HiddenSize)
	}
	if dec == nil || dec.NumLayers() != cfg.Text.NumHiddenLayers {
		return nil, fmt.Errorf("model: decoder must have %d layers", cfg.Text.NumHiddenLayers)
	}
	if lmHead == nil {
		lmHead = NewLinear(embed, nil)
	} else if lmHead.W.R != cfg.Text.VocabSize || lmHead.W.C != cfg.Text.HiddenSize {
		return nil, fmt.Errorf("model: lm_head must be [%d, %d]", cfg.Text.VocabSize, cfg.Text.HiddenSize)
	}
	return &Model{cfg: cfg, embed: embed, decoder: dec, lmHead: lmHead}, nil
}

// Config returns the configuration the model was built from.
func (m *Model) Config() *Config { return m.cfg }

// NewCaches allocates one fresh key/value cache per decoder layer.
func (m *Model) NewCaches() []*kvcache.Cache { return m.decoder.NewCaches() }

// Forward embeds tokens (fusing image features into sentinel positions when
// present), runs the decoder and projects to vocabulary logits [seq, vocab].
// validity, when non-nil, must cover the full fused sequence and replaces
// the causal mask; it is only meaningful on a cold prefill.
func (m *Model) Forward(tokens []int, imageFeatures *tensor.Mat, validity []float32, caches []*kvcache.Cache) (*tensor.Mat, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("model: empty token sequence")
	}

	h, err := FuseEmbeddings(m.embed, tokens, imageFeatures, m.cfg.ImageTokenID, m.cfg.PadTokenID)
	if err != nil {
		return nil, err
	}

	var mask *tensor.Mat
	if validity != nil {
		if len(validity) != len(tokens) {
			return nil, fmt.Errorf("model: validity length %d does not match sequence length %d", len(validity), len(tokens))
		}
		if len(caches) > 0 && caches[0] != nil && caches[0].Offset() != 0 {
			return nil, fmt.Errorf("model: validity mask only applies to a cold prefill")
		}
		mask = ValidityMask(validity)
	}

	h = m.decoder.Forward(h, mask, caches)
	return m.lmHead.Forward(h), nil
}
