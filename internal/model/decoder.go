package model

import (
	"fmt"

	"github.com/lanternml/lantern/internal/kvcache"
	"github.com/lanternml/lantern/internal/tensor"
)

// maskNeg is the additive mask value for disallowed attention positions.
// A large finite negative keeps softmax well-defined even for rows whose
// every position is masked (fully padded queries).
const maskNeg float32 = -1e9

// FeedForward is the per-layer feed-forward block: a dense gated MLP or a
// mixture of experts, fixed at construction time.
type FeedForward interface {
	Forward(x *tensor.Mat) *tensor.Mat
}

// Layer is one decoder block: pre-norm attention with residual, then
// pre-norm feed-forward with residual.
type Layer struct {
	AttnNorm *RMSNorm
	Attn     Attention
	FFNNorm  *RMSNorm
	FFN      FeedForward
}

// Decoder stacks layers and applies the final output norm. It owns the
// correspondence between cache entries and layers: entry i belongs to layer
// i for the lifetime of a generation session.
type Decoder struct {
	layers []*Layer
	norm   *RMSNorm
}

func NewDecoder(layers []*Layer, norm *RMSNorm) (*Decoder, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("decoder: at least one layer required")
	}
	if norm == nil {
		return nil, fmt.Errorf("decoder: output norm required")
	}
	return &Decoder{layers: layers, norm: norm}, nil
}

// NumLayers reports the layer count.
func (d *Decoder) NumLayers() int {
	return len(d.layers)
}

// NewCaches allocates one empty cache per layer for a generation session.
func (d *Decoder) NewCaches() []*kvcache.Cache {
	caches := make([]*kvcache.Cache, len(d.layers))
	for i, l := range d.layers {
		caches[i] = l.Attn.NewCache()
	}
	return caches
}

// Forward runs the stack over h ([seq, hidden]) and returns the normalized
// final hidden states. caches may be nil for a stateless one-shot pass;
// otherwise it must hold one entry per layer. When mask is nil and more
// than one position is processed, a causal mask sized to the current cache
// offset plus the new length is built once and shared by every layer.
func (d *Decoder) Forward(h *tensor.Mat, mask *tensor.Mat, caches []*kvcache.Cache) *tensor.Mat {
	if caches != nil && len(caches) != len(d.layers) {
		panic("decoder: cache list length does not match layer count")
	}

	if mask == nil && h.R > 1 {
		offset := 0
		if caches != nil && caches[0] != nil {
			offset = caches[0].Offset()
		}
		mask = CausalMask(h.R, offset)
	}

	x := tensor.NewMatFromData(h.R, h.C, append([]float32(nil), h.Data...))
	for i, l := range d.layers {
		var c *kvcache.Cache
		if caches != nil {
			c = caches[i]
		}
		r := l.Attn.Forward(l.AttnNorm.Forward(x), mask, c)
		for s := 0; s < x.R; s++ {
			tensor.Add(x.Row(s), r.Row(s))
		}
		r = l.FFN.Forward(l.FFNNorm.Forward(x))
		for s := 0; s < x.R; s++ {
			tensor.Add(x.Row(s), r.Row(s))
		}
	}
	return d.norm.Forward(x)
}

// CausalMask builds the additive causal mask for seq new positions appended
// after offset cached ones: query s may attend to keys up to offset+s.
func CausalMask(seq, offset int) *tensor.Mat {
	m := tensor.NewMat(seq, offset+seq)
	for s := 0; s < seq; s++ {
		row := m.Row(s)
		for t := offset + s + 1; t < len(row); t++ {
			row[t] = maskNeg
		}
	}
	return m
}

// isMoELayer decides the feed-forward variant for a layer index: the first
// firstKDenseReplace layers stay dense, and only every moeLayerFreq-th
// layer routes through experts.
func isMoELayer(cfg *TextConfig, idx int) bool {
	if cfg.NRoutedExperts <= 0 {
		return false
	}
	return idx >= cfg.FirstKDenseReplace && idx%cfg.MoELayerFreq == 0
}
