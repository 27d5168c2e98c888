package risk

import "math"

const (
	sizeStepPerConfidence = 0.5
	maxSizeMultiplier     = 3.0
	minOrderSize          = 0.01
)

// SizeForConfidence scales base by half a unit per whole confidence point
// above minConfidence, capped at 3x. Confidence 5 with a floor of 5 trades
// 1x, 7 trades 2x and 9 or more trades 3x.
func SizeForConfidence(base, confidence, minConfidence float64) float64 {
	steps := math.Max(0, math.Floor(confidence)-minConfidence)
	scale := math.Min(1+steps*sizeStepPerConfidence, maxSizeMultiplier)
	return math.Max(minOrderSize, base*scale)
}
