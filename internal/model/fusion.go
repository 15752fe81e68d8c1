package model

import (
	"fmt"
	"math"

	"github.com/lanternml/lantern/internal/tensor"
)

// FuseEmbeddings merges image-derived feature vectors into a text embedding
// sequence. Every position is classified by sentinel id as exactly one of
// image, pad, or text: text positions take the token embedding, pad
// positions the zero vector, and image positions consume the feature rows
// in order, scaled by 1/sqrt(hidden).
//
// The number of image-token positions must equal the number of feature
// rows exactly; a mismatch is an error, never a truncation.
func FuseEmbeddings(embed *tensor.Mat, tokens []int, imageFeatures *tensor.Mat, imageTokenID, padTokenID int) (*tensor.Mat, error) {
	hidden := embed.C

	imageRows := 0
	if imageFeatures != nil {
		if imageFeatures.C != hidden {
			return nil, fmt.Errorf("fusion: feature width %d does not match hidden size %d", imageFeatures.C, hidden)
		}
		imageRows = imageFeatures.R
	}

	imagePositions := 0
	for _, tok := range tokens {
		if tok == imageTokenID {
			imagePositions++
		}
	}
	if imagePositions != imageRows {
		return nil, fmt.Errorf("fusion: %d image-token positions but %d image feature vectors", imagePositions, imageRows)
	}

	scale := float32(1 / math.Sqrt(float64(hidden)))
	out := tensor.NewMat(len(tokens), hidden)
	next := 0
	for s, tok := range tokens {
		row := out.Row(s)
		switch tok {
		case imageTokenID:
			feat := imageFeatures.Row(next)
			next++
			for i := range row {
				row[i] = feat[i] * scale
			}
		case padTokenID:
			// zero row
		default:
			if tok < 0 || tok >= embed.R {
				return nil, fmt.Errorf("fusion: token id %d out of vocabulary range", tok)
			}
			embed.RowTo(row, tok)
		}
	}
	return out, nil
}

// ValidityMask expands a 1-D keep/padding mask (1 = keep, 0 = padding)
// into the additive attention mask for the fused sequence via an outer
// product over the sequence axis. It replaces the decoder's internally
// built causal mask so padding is respected during prefill.
func ValidityMask(valid []float32) *tensor.Mat {
	n := len(valid)
	m := tensor.NewMat(n, n)
	for i := 0; i < n; i++ {
		row := m.Row(i)
		for j := 0; j < n; j++ {
			if valid[i]*valid[j] == 0 {
				row[j] = maskNeg
			}
		}
	}
	return m
}
