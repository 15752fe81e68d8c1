package inference

import (
	"fmt"

	"github.com/lanternml/lantern/internal/kvcache"
	"github.com/lanternml/lantern/internal/model"
	"github.com/lanternml/lantern/internal/tensor"
)

// Session is one generation sequence over a shared model. It owns the
// per-layer key/value caches; the model itself is stateless and may back
// any number of sessions, one forward pass at a time.
type Session struct {
	model  *model.Model
	caches []*kvcache.Cache
	tokens []int
}

func NewSession(m *model.Model) *Session {
	return &Session{model: m, caches: m.NewCaches()}
}

// Tokens returns the ids processed so far, prompt and generated alike.
func (s *Session) Tokens() []int {
	return s.tokens
}

// Prefill pushes the whole prompt through the model in one pass and
// returns the logits of the last position. imageFeatures and validity may
// be nil for text-only prompts. Prefill must be called on a fresh session.
func (s *Session) Prefill(prompt []int, imageFeatures *tensor.Mat, validity []float32) ([]float32, error) {
	if len(s.tokens) > 0 {
		return nil, fmt.Errorf("session: prefill on a running session")
	}
	out, err := s.model.Forward(prompt, imageFeatures, validity, s.caches)
	if err != nil {
		return nil, err
	}
	s.tokens = append(s.tokens, prompt...)
	return out.Row(out.R - 1), nil
}

// Step feeds one generated token and returns the next logits row.
func (s *Session) Step(tok int) ([]float32, error) {
	if len(s.tokens) == 0 {
		return nil, fmt.Errorf("session: step before prefill")
	}
	out, err := s.model.Forward([]int{tok}, nil, nil, s.caches)
	if err != nil {
		return nil, err
	}
	s.tokens = append(s.tokens, tok)
	return out.Row(0), nil
}
