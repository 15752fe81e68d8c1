package model

import (
	"fmt"
	"math"

	"github.com/lanternml/lantern/internal/tensor"
)

// GateConfig parameterizes per-token expert selection.
type GateConfig struct {
	HiddenSize          int
	NumExperts          int
	TopK                int
	NGroup              int
	TopkGroup           int
	ScoringFunc         string
	TopkMethod          string
	RoutedScalingFactor float32
}

// Validate rejects configurations before any routing computation runs.
func (c GateConfig) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("gate config: hidden size must be positive")
	}
	if c.NumExperts <= 0 || c.TopK <= 0 || c.TopK > c.NumExperts {
		return fmt.Errorf("gate config: need 0 < top_k (%d) <= experts (%d)", c.TopK, c.NumExperts)
	}
	if c.NGroup <= 0 || c.NumExperts%c.NGroup != 0 {
		return fmt.Errorf("gate config: experts (%d) must divide evenly into %d groups", c.NumExperts, c.NGroup)
	}
	if c.TopkGroup <= 0 || c.TopkGroup > c.NGroup {
		return fmt.Errorf("gate config: need 0 < topk_group (%d) <= n_group (%d)", c.TopkGroup, c.NGroup)
	}
	if perGroup := c.NumExperts / c.NGroup; c.TopK > perGroup*c.TopkGroup {
		return fmt.Errorf("gate config: top_k %d exceeds %d selectable experts (%d groups of %d)",
			c.TopK, perGroup*c.TopkGroup, c.TopkGroup, perGroup)
	}
	switch c.ScoringFunc {
	case ScoreSoftmax, ScoreSigmoid:
	default:
		return fmt.Errorf("gate config: unknown scoring function %q", c.ScoringFunc)
	}
	switch c.TopkMethod {
	case TopkGreedy, TopkNoauxTC:
	default:
		return fmt.Errorf("gate config: unknown top-k method %q", c.TopkMethod)
	}
	if c.TopkMethod == TopkNoauxTC && c.NumExperts/c.NGroup < 2 {
		return fmt.Errorf("gate config: noaux_tc needs at least 2 experts per group")
	}
	return nil
}

// Gate scores every routed expert per token and selects a bounded subset.
// Weight and CorrectionBias are immutable after load.
type Gate struct {
	cfg    GateConfig
	weight *tensor.Mat // [numExperts, hidden]

	// correctionBias shifts scores during noaux_tc selection only; returned
	// weights always use the unshifted score.
	correctionBias []float32
}

// NewGate validates the configuration and wraps the routing parameters.
// correctionBias must be present exactly when the method is noaux_tc.
func NewGate(cfg GateConfig, weight *tensor.Mat, correctionBias []float32) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if weight.R != cfg.NumExperts || weight.C != cfg.HiddenSize {
		return nil, fmt.Errorf("gate: weight shape [%d, %d] does not match %d experts x hidden %d",
			weight.R, weight.C, cfg.NumExperts, cfg.HiddenSize)
	}
	if cfg.TopkMethod == TopkNoauxTC {
		if len(correctionBias) != cfg.NumExperts {
			return nil, fmt.Errorf("gate: noaux_tc requires a correction bias of length %d, got %d",
				cfg.NumExperts, len(correctionBias))
		}
	} else if correctionBias != nil {
		return nil, fmt.Errorf("gate: correction bias is only valid under noaux_tc")
	}
	return &Gate{cfg: cfg, weight: weight, correctionBias: correctionBias}, nil
}

// Forward selects TopK experts for every row of x ([seq, hidden]). Both
// returned slices are flat with stride TopK: token s owns elements
// [s*TopK, (s+1)*TopK). Weights carry the routed scaling factor and are not
// renormalized over the selection.
//
// Tie-breaking among equal scores is implementation-defined.
func (g *Gate) Forward(x *tensor.Mat) (indices []int, weights []float32) {
	k := g.cfg.TopK
	indices = make([]int, x.R*k)
	weights = make([]float32, x.R*k)

	scores := make([]float32, g.cfg.NumExperts)
	for s := 0; s < x.R; s++ {
		tensor.MatVec(scores, g.weight, x.Row(s))
		switch g.cfg.ScoringFunc {
		case ScoreSoftmax:
			tensor.Softmax(scores)
		case ScoreSigmoid:
			for i := range scores {
				scores[i] = tensor.Sigmoid(scores[i])
			}
		}

		var idx []int
		switch g.cfg.TopkMethod {
		case TopkGreedy:
			idx = g.selectGreedy(scores)
		case TopkNoauxTC:
			idx = g.selectNoauxTC(scores)
		}

		for j, e := range idx {
			indices[s*k+j] = e
			weights[s*k+j] = scores[e] * g.cfg.RoutedScalingFactor
		}
	}
	return indices, weights
}

// selectGreedy keeps the TopkGroup groups with the largest single score,
// zeroes the rest, and takes the global top-k of the survivors. scores is
// clobbered.
func (g *Gate) selectGreedy(scores []float32) []int {
	perGroup := g.cfg.NumExperts / g.cfg.NGroup

	groupScores := make([]float32, g.cfg.NGroup)
	for gi := range groupScores {
		best := scores[gi*perGroup]
		for e := 1; e < perGroup; e++ {
			if v := scores[gi*perGroup+e]; v > best {
				best = v
			}
		}
		groupScores[gi] = best
	}

	maskLosingGroups(scores, groupScores, perGroup, g.cfg.TopkGroup, 0)
	return topKIndices(scores, g.cfg.TopK)
}

// selectNoauxTC ranks groups by the sum of their two best bias-corrected
// scores, zeroes the losing groups in the uncorrected scores, and takes the
// global top-k there. The bias steers group selection only; expert ranking
// inside surviving groups and the returned weights both follow the raw
// scores. scores is clobbered.
func (g *Gate) selectNoauxTC(scores []float32) []int {
	perGroup := g.cfg.NumExperts / g.cfg.NGroup

	corrected := make([]float32, len(scores))
	for i := range scores {
		corrected[i] = scores[i] + g.correctionBias[i]
	}

	groupScores := make([]float32, g.cfg.NGroup)
	for gi := range groupScores {
		var best, second float32
		best, second = float32(math.Inf(-1)), float32(math.Inf(-1))
		for e := 0; e < perGroup; e++ {
			v := corrected[gi*perGroup+e]
			if v > best {
				best, second = v, best
			} else if v > second {
				second = v
			}
		}
		groupScores[gi] = best + second
	}

	maskLosingGroups(scores, groupScores, perGroup, g.cfg.TopkGroup, 0)
	return topKIndices(scores, g.cfg.TopK)
}

// maskLosingGroups overwrites every score outside the topkGroup
// highest-scoring groups with maskVal.
func maskLosingGroups(scores, groupScores []float32, perGroup, topkGroup int, maskVal float32) {
	winners := topKIndices(groupScores, topkGroup)
	keep := make([]bool, len(groupScores))
	for _, gi := range winners {
		keep[gi] = true
	}
	for gi := range groupScores {
		if keep[gi] {
			continue
		}
		for e := 0; e < perGroup; e++ {
			scores[gi*perGroup+e] = maskVal
		}
	}
}

// topKIndices returns the indices of the k largest values by partial
// selection. Order among equal values is implementation-defined.
func topKIndices(values []float32, k int) []int {
	idx := make([]int, k)
	best := make([]float32, k)
	for i := range idx {
		idx[i] = -1
		best[i] = float32(math.Inf(-1))
	}
	for i, v := range values {
		insert := -1
		for j := 0; j < k; j++ {
			if v > best[j] {
				insert = j
				break
			}
		}
		if insert == -1 {
			continue
		}
		copy(best[insert+1:], best[insert:k-1])
		copy(idx[insert+1:], idx[insert:k-1])
		best[insert] = v
		idx[insert] = i
	}
	return idx
}
