package scoring

import (
	"math"

	"github.com/menta2k/image-composer/pkg/types"
)

// Heuristic weights
const (
	compositionBase     = 0.24
	thirdsWeight        = 0.4
	saliencyWeight      = 0.2
	horizonWeight       = 0.1
	textureWeight       = 0.08
	balanceWeight       = 0.05
	compositionCeiling  = 0.99
	aestheticFromComp   = 0.65
	aestheticFromTex    = 0.15
	aestheticFromColor  = 0.2
	aestheticCeiling    = 0.98
	horizonToleranceDeg = 45
)

// Heuristic scores a single candidate from its features. It is the scorer
// of record whenever no backend result is accepted.
func Heuristic(f types.Features) Score {
	horizon := math.Max(0, 1-math.Abs(f.HorizonAngle)/horizonToleranceDeg)
	texture := math.Min(1, f.TextureStrength*3)
	balance := 1 - math.Min(1, math.Abs(f.BalanceRatio-1)*0.5)

	composition := math.Min(compositionCeiling,
		compositionBase+
			thirdsWeight*f.RuleOfThirdsScore+
			saliencyWeight*f.SaliencyConfidence+
			horizonWeight*horizon+
			textureWeight*texture+
			balanceWeight*balance)

	aesthetic := math.Min(aestheticCeiling,
		aestheticFromComp*composition+
			aestheticFromTex*texture+
			aestheticFromColor*f.ColorHarmony)

	return Score{Composition: composition, Aesthetic: aesthetic, Mode: ModeRules}
}

// HeuristicBatch scores every feature set with Heuristic
func HeuristicBatch(features []types.Features) []Score {
	scores := make([]Score, len(features))
	for i, f := range features {
		scores[i] = Heuristic(f)
	}
	return scores
}
