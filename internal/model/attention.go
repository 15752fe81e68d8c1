package model

import (
	"fmt"
	"math"

	"github.com/lanternml/lantern/internal/kvcache"
	"github.com/lanternml/lantern/internal/tensor"
)

// Attention is one self-attention variant operating on normalized hidden
// states [seq, hidden]. mask, when non-nil, is additive with shape
// [seq, cacheOffset+seq]. The variant owns its cache layout; NewCache
// returns a cache with matching strides.
type Attention interface {
	Forward(x *tensor.Mat, mask *tensor.Mat, cache *kvcache.Cache) *tensor.Mat
	NewCache() *kvcache.Cache
}

// LatentAttention is the low-rank latent attention variant: queries pass
// through an optional rank-reduced bottleneck, keys and values expand from a
// shared low-rank latent, and only a narrow rotary subspace carries position
// information. The rotary key is computed once ("multi-query") and broadcast
// across heads.
type LatentAttention struct {
	numHeads int
	nopeDim  int
	ropeDim  int
	vDim     int

	qProj *Linear // direct projection when no query bottleneck is configured
	qA    *Linear
	qNorm *RMSNorm
	qB    *Linear

	kvA    *Linear
	kvNorm *RMSNorm
	kvB    *Linear
	oProj  *Linear

	rope  *RopeTable
	scale float32
}

// LatentAttentionWeights carries the raw parameter tensors for one latent
// attention layer. QProj is used when the config has no query bottleneck;
// otherwise QAProj/QANorm/QBProj are.
type LatentAttentionWeights struct {
	QProj  *tensor.Mat
	QAProj *tensor.Mat
	QABias []float32
	QANorm []float32
	QBProj *tensor.Mat

	KVAProj *tensor.Mat
	KVABias []float32
	KVANorm []float32
	KVBProj *tensor.Mat

	OProj *tensor.Mat
	OBias []float32
}

// NewLatentAttention validates shapes against the config and builds the
// layer, including its rotary table. All shape errors surface here.
func NewLatentAttention(cfg *TextConfig, w LatentAttentionWeights) (*LatentAttention, error) {
	h := cfg.NumAttentionHeads
	qDim := cfg.QHeadDim()

	a := &LatentAttention{
		numHeads: h,
		nopeDim:  cfg.QKNopeHeadDim,
		ropeDim:  cfg.QKRopeHeadDim,
		vDim:     cfg.VHeadDim,
		scale:    float32(math.Pow(float64(qDim), -0.5)),
	}

	if cfg.QLoraRank > 0 {
		if w.QAProj == nil || w.QBProj == nil || w.QANorm == nil {
			return nil, fmt.Errorf("latent attention: query bottleneck weights missing")
		}
		if w.QAProj.R != cfg.QLoraRank || w.QAProj.C != cfg.HiddenSize {
			return nil, fmt.Errorf("latent attention: q_a_proj shape [%d, %d], want [%d, %d]",
				w.QAProj.R, w.QAProj.C, cfg.QLoraRank, cfg.HiddenSize)
		}
		if w.QBProj.R != h*qDim || w.QBProj.C != cfg.QLoraRank {
			return nil, fmt.Errorf("latent attention: q_b_proj shape [%d, %d], want [%d, %d]",
				w.QBProj.R, w.QBProj.C, h*qDim, cfg.QLoraRank)
		}
		a.qA = NewLinear(w.QAProj, w.QABias)
		a.qNorm = &RMSNorm{Weight: w.QANorm, Eps: float32(cfg.RMSNormEps)}
		a.qB = NewLinear(w.QBProj, nil)
	} else {
		if w.QProj == nil || w.QProj.R != h*qDim || w.QProj.C != cfg.HiddenSize {
			return nil, fmt.Errorf("latent attention: q_proj must be [%d, %d]", h*qDim, cfg.HiddenSize)
		}
		a.qProj = NewLinear(w.QProj, nil)
	}

	if w.KVAProj == nil || w.KVAProj.R != cfg.KVLoraRank+cfg.QKRopeHeadDim || w.KVAProj.C != cfg.HiddenSize {
		return nil, fmt.Errorf("latent attention: kv_a_proj must be [%d, %d]",
			cfg.KVLoraRank+cfg.QKRopeHeadDim, cfg.HiddenSize)
	}
	if len(w.KVANorm) != cfg.KVLoraRank {
		return nil, fmt.Errorf("latent attention: kv_a_layernorm length %d, want %d", len(w.KVANorm), cfg.KVLoraRank)
	}
	if w.KVBProj == nil || w.KVBProj.R != h*(cfg.QKNopeHeadDim+cfg.VHeadDim) || w.KVBProj.C != cfg.KVLoraRank {
		return nil, fmt.Errorf("latent attention: kv_b_proj must be [%d, %d]",
			h*(cfg.QKNopeHeadDim+cfg.VHeadDim), cfg.KVLoraRank)
	}
	if w.OProj == nil || w.OProj.R != cfg.HiddenSize || w.OProj.C != h*cfg.VHeadDim {
		return nil, fmt.Errorf("latent attention: o_proj must be [%d, %d]", cfg.HiddenSize, h*cfg.VHeadDim)
	}
	a.kvA = NewLinear(w.KVAProj, w.KVABias)
	a.kvNorm = &RMSNorm{Weight: w.KVANorm, Eps: float32(cfg.RMSNormEps)}
	a.kvB = NewLinear(w.KVBProj, nil)
	a.oProj = NewLinear(w.OProj, w.OBias)

	rs := cfg.RopeScaling
	if rs != nil && rs.Type == "yarn" {
		table, err := NewYarnRopeTable(cfg.QKRopeHeadDim, cfg.RopeTheta, YarnParams{
			Factor:               rs.Factor,
			OriginalMaxPositions: rs.OriginalMaxPositionEmbeddings,
			BetaFast:             rs.BetaFast,
			BetaSlow:             rs.BetaSlow,
			MScale:               rs.MScale,
			MScaleAllDim:         rs.MScaleAllDim,
		}, false)
		if err != nil {
			return nil, err
		}
		a.rope = table
		if rs.MScaleAllDim != 0 {
			// The softmax scale absorbs the all-dim attenuation squared.
			m := float32(yarnMScale(rs.Factor, rs.MScaleAllDim))
			a.scale *= m * m
		}
	} else {
		table, err := NewRopeTable(cfg.QKRopeHeadDim, cfg.RopeTheta, 1, !cfg.RopeTraditional)
		if err != nil {
			return nil, err
		}
		a.rope = table
	}
	return a, nil
}

// NewCache returns a cache sized for this layer's post-broadcast key and
// value blocks.
func (a *LatentAttention) NewCache() *kvcache.Cache {
	qDim := a.nopeDim + a.ropeDim
	return kvcache.New(a.numHeads*qDim, a.numHeads*a.vDim)
}

func (a *LatentAttention) Forward(x *tensor.Mat, mask *tensor.Mat, cache *kvcache.Cache) *tensor.Mat {
	L := x.R
	h := a.numHeads
	qDim := a.nopeDim + a.ropeDim

	var q *tensor.Mat
	if a.qProj != nil {
		q = a.qProj.Forward(x)
	} else {
		q = a.qB.Forward(a.qNorm.Forward(a.qA.Forward(x)))
	}

	// The rotary query subspace is strided inside q; gather it, rotate,
	// and write it back so each row holds full [head][nope|rope] vectors.
	offset := 0
	if cache != nil {
		offset = cache.Offset()
	}
	qpe := make([]float32, L*h*a.ropeDim)
	for s := 0; s < L; s++ {
		row := q.Row(s)
		for hi := 0; hi < h; hi++ {
			copy(qpe[(s*h+hi)*a.ropeDim:(s*h+hi+1)*a.ropeDim], row[hi*qDim+a.nopeDim:(hi+1)*qDim])
		}
	}
	a.rope.Apply(qpe, L, h, offset)
	for s := 0; s < L; s++ {
		row := q.Row(s)
		for hi := 0; hi < h; hi++ {
			copy(row[hi*qDim+a.nopeDim:(hi+1)*qDim], qpe[(s*h+hi)*a.ropeDim:(s*h+hi+1)*a.ropeDim])
		}
	}

	// Joint kv latent: one projection for all heads, with a single-head
	// rotary key slice at the tail.
	ckv := a.kvA.Forward(x)
	kvRank := ckv.C - a.ropeDim
	latent := tensor.NewMat(L, kvRank)
	kpe := make([]float32, L*a.ropeDim)
	for s := 0; s < L; s++ {
		row := ckv.Row(s)
		copy(latent.Row(s), row[:kvRank])
		copy(kpe[s*a.ropeDim:(s+1)*a.ropeDim], row[kvRank:])
	}
	a.rope.Apply(kpe, L, 1, offset)

	kv := a.kvB.Forward(a.kvNorm.Forward(latent))

	// Assemble per-position key and value blocks; the rotated key slice is
	// broadcast to every head before concatenation.
	newK := make([]float32, L*h*qDim)
	newV := make([]float32, L*h*a.vDim)
	for s := 0; s < L; s++ {
		row := kv.Row(s)
		rot := kpe[s*a.ropeDim : (s+1)*a.ropeDim]
		for hi := 0; hi < h; hi++ {
			src := row[hi*(a.nopeDim+a.vDim) : (hi+1)*(a.nopeDim+a.vDim)]
			kDst := newK[(s*h+hi)*qDim : (s*h+hi+1)*qDim]
			copy(kDst[:a.nopeDim], src[:a.nopeDim])
			copy(kDst[a.nopeDim:], rot)
			copy(newV[(s*h+hi)*a.vDim:(s*h+hi+1)*a.vDim], src[a.nopeDim:])
		}
	}

	allK, allV := newK, newV
	total := L
	if cache != nil {
		allK, allV = cache.UpdateAndFetch(newK, newV)
		total = offset + L
	}

	out := tensor.NewMat(L, h*a.vDim)
	scores := make([]float32, total)
	for s := 0; s < L; s++ {
		qRow := q.Row(s)
		for hi := 0; hi < h; hi++ {
			qh := qRow[hi*qDim : (hi+1)*qDim]
			for t := 0; t < total; t++ {
				scores[t] = tensor.Dot(qh, allK[(t*h+hi)*qDim:(t*h+hi+1)*qDim]) * a.scale
			}
			if mask != nil {
				tensor.Add(scores, mask.Row(s))
			}
			tensor.Softmax(scores)
			oh := out.Row(s)[hi*a.vDim : (hi+1)*a.vDim]
			for t := 0; t < total; t++ {
				w := scores[t]
				if w == 0 {
					continue
				}
				v := allV[(t*h+hi)*a.vDim : (t*h+hi+1)*a.vDim]
				for d := range oh {
					oh[d] += w * v[d]
				}
			}
		}
	}
	return a.oProj.Forward(out)
}

// GroupedQueryAttention is the plain multi-head variant with shared
// key/value head groups. It honors the same cache and rotary contracts as
// the latent variant but without the low-rank decomposition.
type GroupedQueryAttention struct {
	numHeads   int
	numKVHeads int
	headDim    int

	qProj *Linear
	kProj *Linear
	vProj *Linear
	oProj *Linear

	rope  *RopeTable
	scale float32
}

// GQAWeights carries the raw parameter tensors for one grouped-query layer.
type GQAWeights struct {
	QProj *tensor.Mat
	QBias []float32
	KProj *tensor.Mat
	KBias []float32
	VProj *tensor.Mat
	VBias []float32
	OProj *tensor.Mat
	OBias []float32
}

// NewGroupedQueryAttention validates shapes and builds the layer. A linear
// rope_scaling factor divides rotation speed; other scaling types are
// handled by the latent variant only.
func NewGroupedQueryAttention(cfg *TextConfig, w GQAWeights) (*GroupedQueryAttention, error) {
	h := cfg.NumAttentionHeads
	hkv := cfg.NumKeyValueHeads
	headDim := cfg.HiddenSize / h

	check := func(name string, m *tensor.Mat, r, c int) error {
		if m == nil || m.R != r || m.C != c {
			return fmt.Errorf("gqa: %s must be [%d, %d]", name, r, c)
		}
		return nil
	}
	if err := check("q_proj", w.QProj, h*headDim, cfg.HiddenSize); err != nil {
		return nil, err
	}
	if err := check("k_proj", w.KProj, hkv*headDim, cfg.HiddenSize); err != nil {
		return nil, err
	}
	if err := check("v_proj", w.VProj, hkv*headDim, cfg.HiddenSize); err != nil {
		return nil, err
	}
	if err := check("o_proj", w.OProj, cfg.HiddenSize, h*headDim); err != nil {
		return nil, err
	}

	posScale := 1.0
	if cfg.RopeScaling != nil && cfg.RopeScaling.Type == "linear" && cfg.RopeScaling.Factor > 0 {
		posScale = 1 / cfg.RopeScaling.Factor
	}
	table, err := NewRopeTable(headDim, cfg.RopeTheta, posScale, !cfg.RopeTraditional)
	if err != nil {
		return nil, err
	}

	return &GroupedQueryAttention{
		numHeads:   h,
		numKVHeads: hkv,
		headDim:    headDim,
		qProj:      NewLinear(w.QProj, w.QBias),
		kProj:      NewLinear(w.KProj, w.KBias),
		vProj:      NewLinear(w.VProj, w.VBias),
		oProj:      NewLinear(w.OProj, w.OBias),
		rope:       table,
		scale:      float32(math.Pow(float64(headDim), -0.5)),
	}, nil
}

func (a *GroupedQueryAttention) NewCache() *kvcache.Cache {
	return kvcache.New(a.numKVHeads*a.headDim, a.numKVHeads*a.headDim)
}

func (a *GroupedQueryAttention) Forward(x *tensor.Mat, mask *tensor.Mat, cache *kvcache.Cache) *tensor.Mat {
	L := x.R
	offset := 0
	if cache != nil {
		offset = cache.Offset()
	}

	q := a.qProj.Forward(x)
	k := a.kProj.Forward(x)
	v := a.vProj.Forward(x)

	a.rope.Apply(q.Data, L, a.numHeads, offset)
	a.rope.Apply(k.Data, L, a.numKVHeads, offset)

	allK, allV := k.Data, v.Data
	total := L
	if cache != nil {
		allK, allV = cache.UpdateAndFetch(k.Data, v.Data)
		total = offset + L
	}

	kvStride := a.numKVHeads * a.headDim
	out := tensor.NewMat(L, a.numHeads*a.headDim)
	scores := make([]float32, total)
	for s := 0; s < L; s++ {
		qRow := q.Row(s)
		for hi := 0; hi < a.numHeads; hi++ {
			kvHead := hi * a.numKVHeads / a.numHeads
			qh := qRow[hi*a.headDim : (hi+1)*a.headDim]
			for t := 0; t < total; t++ {
				off := t*kvStride + kvHead*a.headDim
				scores[t] = tensor.Dot(qh, allK[off:off+a.headDim]) * a.scale
			}
			if mask != nil {
				tensor.Add(scores, mask.Row(s))
			}
			tensor.Softmax(scores)
			oh := out.Row(s)[hi*a.headDim : (hi+1)*a.headDim]
			for t := 0; t < total; t++ {
				w := scores[t]
				if w == 0 {
					continue
				}
				off := t*kvStride + kvHead*a.headDim
				for d := range oh {
					oh[d] += w * allV[off+d]
				}
			}
		}
	}
	return a.oProj.Forward(out)
}
