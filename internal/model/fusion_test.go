package model

import (
	"math"
	"strings"
	"testing"

	"github.com/lanternml/lantern/internal/tensor"
)

const (
	testImageTok = 90
	testPadTok   = 91
)

func newTestEmbed(vocab, hidden int) *tensor.Mat {
	embed := tensor.NewMat(vocab, hidden)
	tensor.FillRand(embed, 11)
	return embed
}

func TestFuseEmbeddingsPlacement(t *testing.T) {
	hidden := 6
	embed := newTestEmbed(8, hidden)
	feats := tensor.NewMat(2, hidden)
	tensor.FillRand(feats, 12)

	tokens := []int{3, testImageTok, testPadTok, testImageTok, 5}
	out, err := FuseEmbeddings(embed, tokens, feats, testImageTok, testPadTok)
	if err != nil {
		t.Fatalf("FuseEmbeddings: %v", err)
	}
	if out.R != len(tokens) || out.C != hidden {
		t.Fatalf("got shape [%d,%d], want [%d,%d]", out.R, out.C, len(tokens), hidden)
	}

	scale := float32(1 / math.Sqrt(float64(hidden)))
	for i := 0; i < hidden; i++ {
		if out.At(0, i) != embed.At(3, i) {
			t.Fatalf("text row 0 col %d: got %v want %v", i, out.At(0, i), embed.At(3, i))
		}
		if out.At(1, i) != feats.At(0, i)*scale {
			t.Fatalf("image row 1 col %d: got %v want %v", i, out.At(1, i), feats.At(0, i)*scale)
		}
		if out.At(2, i) != 0 {
			t.Fatalf("pad row 2 col %d: got %v want 0", i, out.At(2, i))
		}
		if out.At(3, i) != feats.At(1, i)*scale {
			t.Fatalf("image row 3 col %d: got %v want %v", i, out.At(3, i), feats.At(1, i)*scale)
		}
		if out.At(4, i) != embed.At(5, i) {
			t.Fatalf("text row 4 col %d: got %v want %v", i, out.At(4, i), embed.At(5, i))
		}
	}
}

func TestFuseEmbeddingsCountMismatch(t *testing.T) {
	embed := newTestEmbed(8, 4)
	tokens := []int{1, testImageTok, testImageTok, 2}

	for _, rows := range []int{1, 3} {
		feats := tensor.NewMat(rows, 4)
		if _, err := FuseEmbeddings(embed, tokens, feats, testImageTok, testPadTok); err == nil {
			t.Fatalf("expected error with %d feature rows for 2 image positions", rows)
		}
	}

	if _, err := FuseEmbeddings(embed, tokens, nil, testImageTok, testPadTok); err == nil {
		t.Fatal("expected error with nil features for 2 image positions")
	}
}

func TestFuseEmbeddingsNoImages(t *testing.T) {
	embed := newTestEmbed(8, 4)
	out, err := FuseEmbeddings(embed, []int{0, 1, 2}, nil, testImageTok, testPadTok)
	if err != nil {
		t.Fatalf("FuseEmbeddings: %v", err)
	}
	for i := 0; i < 4; i++ {
		if out.At(1, i) != embed.At(1, i) {
			t.Fatalf("row 1 col %d: got %v want %v", i, out.At(1, i), embed.At(1, i))
		}
	}
}

func TestFuseEmbeddingsFeatureWidthMismatch(t *testing.T) {
	embed := newTestEmbed(8, 4)
	feats := tensor.NewMat(1, 6)
	_, err := FuseEmbeddings(embed, []int{testImageTok}, feats, testImageTok, testPadTok)
	if err == nil || !strings.Contains(err.Error(), "hidden size") {
		t.Fatalf("expected width mismatch error, got %v", err)
	}
}

func TestValidityMaskOuterProduct(t *testing.T) {
	mask := ValidityMask([]float32{1, 1, 0, 1})
	if mask.R != 4 || mask.C != 4 {
		t.Fatalf("got shape [%d,%d], want [4,4]", mask.R, mask.C)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := float32(0)
			if i == 2 || j == 2 {
				want = maskNeg
			}
			if mask.At(i, j) != want {
				t.Fatalf("mask[%d,%d] = %v, want %v", i, j, mask.At(i, j), want)
			}
		}
	}
}
