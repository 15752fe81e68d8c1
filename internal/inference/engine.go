// Package inference runs generation sessions over a loaded model.
package inference

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lanternml/lantern/internal/logger"
	"github.com/lanternml/lantern/internal/logits"
	"github.com/lanternml/lantern/internal/model"
	"github.com/lanternml/lantern/internal/tensor"
)

// Request describes one generation. Prompt holds token ids; tokenization
// happens upstream. ImageFeatures, when present, are the pre-encoded
// vision tower outputs matching the prompt's image sentinel positions.
type Request struct {
	Prompt        []int
	Images        [][]byte
	ImageFeatures *tensor.Mat
	Validity      []float32

	MaxTokens int
	Seed      int64

	Temperature   float64
	TopK          int
	TopP          float64
	RepeatPenalty float64
	RepeatLastN   int

	StopTokens []int
}

// Stats summarizes one completed generation.
type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
}

// Result is the outcome of a generation: the newly produced token ids and
// timing stats.
type Result struct {
	Tokens []int
	Stats  Stats
}

// StreamFunc receives each generated token id as soon as it is sampled.
type StreamFunc func(tok int)

// Engine serializes generations over one model. The numeric core handles a
// single sequence at a time, so concurrent requests queue on the mutex.
type Engine struct {
	model  *model.Model
	log    logger.Logger
	vision VisionEncoder

	mu sync.Mutex
}

func NewEngine(m *model.Model, log logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{model: m, log: log}
}

// Model exposes the underlying model for introspection endpoints.
func (e *Engine) Model() *model.Model {
	return e.model
}

const defaultMaxTokens = 256

func (r *Request) normalize() error {
	if len(r.Prompt) == 0 {
		return fmt.Errorf("inference: empty prompt")
	}
	if r.MaxTokens <= 0 {
		r.MaxTokens = defaultMaxTokens
	}
	return nil
}

// Generate runs one full request: prefill, then sample and feed tokens
// until MaxTokens, a stop token, or context cancellation. stream may be
// nil.
func (e *Engine) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("inference: nil request")
	}
	if err := req.normalize(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(req.Images) > 0 && req.ImageFeatures == nil {
		if e.vision == nil {
			return nil, fmt.Errorf("inference: request carries images but no vision encoder is installed")
		}
		feats, err := e.vision.Encode(ctx, req.Images)
		if err != nil {
			return nil, fmt.Errorf("encode images: %w", err)
		}
		req.ImageFeatures = feats
	}

	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:          req.Seed,
		Temperature:   float32(req.Temperature),
		TopK:          req.TopK,
		TopP:          float32(req.TopP),
		RepeatPenalty: float32(req.RepeatPenalty),
		RepeatLastN:   req.RepeatLastN,
	})

	start := time.Now()
	sess := NewSession(e.model)
	logitsVec, err := sess.Prefill(req.Prompt, req.ImageFeatures, req.Validity)
	if err != nil {
		return nil, err
	}
	e.log.Debug("prefill done", "tokens", len(req.Prompt), "elapsed", time.Since(start))

	res := &Result{Stats: Stats{PromptTokens: len(req.Prompt)}}
	for len(res.Tokens) < req.MaxTokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next := sampler.Sample(logitsVec, sess.Tokens())
		if slices.Contains(req.StopTokens, next) {
			break
		}
		res.Tokens = append(res.Tokens, next)
		if stream != nil {
			stream(next)
		}

		logitsVec, err = sess.Step(next)
		if err != nil {
			return nil, err
		}
	}

	res.Stats.TokensGenerated = len(res.Tokens)
	res.Stats.Duration = time.Since(start)
	if s := res.Stats.Duration.Seconds(); s > 0 {
		res.Stats.TPS = float64(res.Stats.TokensGenerated) / s
	}
	e.log.Info("generation complete",
		"prompt_tokens", res.Stats.PromptTokens,
		"generated", res.Stats.TokensGenerated,
		"tps", res.Stats.TPS)
	return res, nil
}
