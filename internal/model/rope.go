package model

import (
	"fmt"
	"math"
)

// RopeTable precomputes per-dimension rotation frequencies for rotary
// position encoding, optionally rescaled with YaRN for extended context.
//
// A table rotates vectors of width dim. Two pairing conventions exist:
// interleaved rotates adjacent coordinates (2i, 2i+1), half-split rotates
// (i, i+dim/2). The latent attention variant uses interleaved pairs.
type RopeTable struct {
	dim       int
	invFreq   []float64
	mscale    float32
	halfSplit bool
}

// NewRopeTable builds a plain rotary table: invFreq[i] = base^(-2i/dim).
// posScale multiplies positions before rotation (linear rope scaling);
// pass 1 for none.
func NewRopeTable(dim int, base, posScale float64, halfSplit bool) (*RopeTable, error) {
	if dim <= 0 || dim%2 != 0 {
		return nil, fmt.Errorf("rope: dimension must be positive and even, got %d", dim)
	}
	if base <= 0 {
		return nil, fmt.Errorf("rope: base must be positive, got %g", base)
	}
	if posScale == 0 {
		posScale = 1
	}
	inv := make([]float64, dim/2)
	for i := range inv {
		inv[i] = posScale * math.Pow(base, -float64(2*i)/float64(dim))
	}
	return &RopeTable{dim: dim, invFreq: inv, mscale: 1, halfSplit: halfSplit}, nil
}

// YarnParams are the YaRN frequency-rescaling parameters.
type YarnParams struct {
	Factor               float64
	OriginalMaxPositions int
	BetaFast             float64
	BetaSlow             float64
	MScale               float64
	MScaleAllDim         float64
}

// NewYarnRopeTable builds a YaRN-rescaled table. Each frequency blends the
// extrapolated value base^(-2i/dim) with the interpolated value divided by
// the scaling factor, ramping linearly across the correction range derived
// from betaFast/betaSlow. Queries and keys are attenuated by the table's
// mscale before rotation.
func NewYarnRopeTable(dim int, base float64, p YarnParams, halfSplit bool) (*RopeTable, error) {
	if dim <= 0 || dim%2 != 0 {
		return nil, fmt.Errorf("rope: dimension must be positive and even, got %d", dim)
	}
	if base <= 1 {
		return nil, fmt.Errorf("rope: base must be greater than 1, got %g", base)
	}
	if p.Factor <= 0 {
		p.Factor = 1
	}
	if p.OriginalMaxPositions <= 0 {
		p.OriginalMaxPositions = 4096
	}
	if p.BetaFast == 0 {
		p.BetaFast = 32
	}
	if p.BetaSlow == 0 {
		p.BetaSlow = 1
	}

	low, high := yarnCorrectionRange(p.BetaFast, p.BetaSlow, dim, base, p.OriginalMaxPositions)
	if low == high {
		high += 0.001 // avoid a zero-width ramp
	}

	inv := make([]float64, dim/2)
	for i := range inv {
		extrap := math.Pow(base, -float64(2*i)/float64(dim))
		interp := extrap / p.Factor
		ramp := (float64(i) - low) / (high - low)
		if ramp < 0 {
			ramp = 0
		}
		if ramp > 1 {
			ramp = 1
		}
		inv[i] = extrap*(1-ramp) + interp*ramp
	}

	mscale := yarnMScale(p.Factor, p.MScale) / yarnMScale(p.Factor, p.MScaleAllDim)
	return &RopeTable{dim: dim, invFreq: inv, mscale: float32(mscale), halfSplit: halfSplit}, nil
}

// yarnCorrectionDim inverts the rotary period formula: the dimension index
// whose frequency completes numRotations over the original context.
func yarnCorrectionDim(numRotations float64, dim int, base float64, maxPositions int) float64 {
	return float64(dim) * math.Log(float64(maxPositions)/(numRotations*2*math.Pi)) /
		(2 * math.Log(base))
}

func yarnCorrectionRange(betaFast, betaSlow float64, dim int, base float64, maxPositions int) (float64, float64) {
	low := math.Floor(yarnCorrectionDim(betaFast, dim, base, maxPositions))
	high := math.Ceil(yarnCorrectionDim(betaSlow, dim, base, maxPositions))
	if low < 0 {
		low = 0
	}
	if max := float64(dim - 1); high > max {
		high = max
	}
	return low, high
}

// yarnMScale is the attention attenuation factor: 1 for scale <= 1,
// otherwise 0.1*mscale*ln(scale)+1.
func yarnMScale(scale, mscale float64) float64 {
	if scale <= 1 {
		return 1
	}
	return 0.1*mscale*math.Log(scale) + 1
}

// MScale reports the table's attenuation scalar (1 unless YaRN is active
// with a scaling factor above 1).
func (t *RopeTable) MScale() float32 {
	return t.mscale
}

// Dim reports the rotated vector width.
func (t *RopeTable) Dim() int {
	return t.dim
}

// Apply rotates x, laid out as [seq][heads][dim] contiguous float32 values,
// in place. Position s is rotated by angle (offset+s)*invFreq per pair, so
// a full-sequence pass and an incremental pass with a correctly advanced
// offset produce identical results.
func (t *RopeTable) Apply(x []float32, seq, heads, offset int) {
	if len(x) != seq*heads*t.dim {
		panic("rope: input length does not match seq*heads*dim")
	}
	half := t.dim / 2
	for s := 0; s < seq; s++ {
		pos := float64(offset + s)
		for h := 0; h < heads; h++ {
			v := x[(s*heads+h)*t.dim : (s*heads+h+1)*t.dim]
			if t.mscale != 1 {
				for i := range v {
					v[i] *= t.mscale
				}
			}
			for i := 0; i < half; i++ {
				angle := pos * t.invFreq[i]
				cos := float32(math.Cos(angle))
				sin := float32(math.Sin(angle))
				i0, i1 := 2*i, 2*i+1
				if t.halfSplit {
					i0, i1 = i, i+half
				}
				v0, v1 := v[i0], v[i1]
				v[i0] = v0*cos - v1*sin
				v[i1] = v0*sin + v1*cos
			}
		}
	}
}
