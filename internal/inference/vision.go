package inference

import (
	"context"

	"github.com/lanternml/lantern/internal/tensor"
)

// VisionEncoder turns raw images into feature rows aligned with the
// decoder's hidden size, one row per image sentinel token in the prompt.
// The tower itself lives outside this engine; any implementation that
// honors the row contract plugs in here.
type VisionEncoder interface {
	Encode(ctx context.Context, images [][]byte) (*tensor.Mat, error)
}

// SetVisionEncoder installs the encoder used for requests that carry raw
// images instead of precomputed features.
func (e *Engine) SetVisionEncoder(enc VisionEncoder) {
	e.vision = enc
}
