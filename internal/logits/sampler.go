// Package logits turns a model's output logits into token choices.
package logits

import (
	"math"
	"math/rand"
)

// SamplerConfig configures a Sampler. A Temperature of zero or below means
// greedy decoding.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// Sampler draws token ids from logits vectors. It is not safe for
// concurrent use; each generation session owns one.
type Sampler struct {
	cfg    SamplerConfig
	rng    *rand.Rand
	greedy bool
}

// NewSampler normalizes the configuration and seeds the generator.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if greedy {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed)), greedy: greedy}
}

// Sample draws one token id. recent is the tail of already generated ids
// used for the repetition penalty; it may be nil. logits is modified in
// place when a penalty applies.
func (s *Sampler) Sample(logits []float32, recent []int) int {
	if s.cfg.RepeatPenalty > 1 && len(recent) > 0 {
		s.penalize(logits, recent)
	}
	if s.greedy {
		return argmax(logits)
	}

	k := s.cfg.TopK
	if k > len(logits) {
		k = len(logits)
	}
	idx, val := topK(logits, k, 1/s.cfg.Temperature)

	// Softmax over the shortlist; values arrive sorted descending.
	probs := make([]float64, len(val))
	var sum float64
	for i, v := range val {
		e := math.Exp(float64(v - val[0]))
		probs[i] = e
		sum += e
	}
	if sum == 0 {
		return idx[0]
	}

	cut := len(probs)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range probs {
			c += probs[i] / sum
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
		sum = 0
		for i := 0; i < cut; i++ {
			sum += probs[i]
		}
	}

	r := s.rng.Float64() * sum
	var c float64
	for i := 0; i < cut; i++ {
		c += probs[i]
		if r <= c {
			return idx[i]
		}
	}
	return idx[cut-1]
}

func (s *Sampler) penalize(logits []float32, recent []int) {
	start := len(recent) - s.cfg.RepeatLastN
	if start < 0 {
		start = 0
	}
	for _, id := range recent[start:] {
		if id < 0 || id >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// topK selects the k largest logits scaled by invTemp, sorted descending.
// Insertion into a short list keeps this O(V*K), fine for small K.
func topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	idx := make([]int, 0, k)
	val := make([]float32, 0, k)
	for i, l := range logits {
		v := l * invTemp
		pos := len(val)
		for pos > 0 && val[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		if len(val) < k {
			idx = append(idx, 0)
			val = append(val, 0)
		}
		copy(idx[pos+1:], idx[pos:])
		copy(val[pos+1:], val[pos:])
		idx[pos] = i
		val[pos] = v
	}
	return idx, val
}
