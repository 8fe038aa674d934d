package analyzer

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// HistogramBins is the number of luminance histogram buckets
const HistogramBins = 32

// percentile returns the nearest-rank value at p in [0,1]
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := min(len(sorted)-1, int(math.Floor(p*float64(len(sorted)-1)+0.5)))
	return sorted[idx]
}

// histogram buckets luminance values into HistogramBins bins
func histogram(luma []float64) [HistogramBins]int {
	var h [HistogramBins]int
	for _, v := range luma {
		bin := min(HistogramBins-1, int(math.Floor(v/255*HistogramBins)))
		if bin < 0 {
			bin = 0
		}
		h[bin]++
	}
	return h
}

// mean is the arithmetic mean, zero for an empty slice
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// meanSquare is the mean of squared values
func meanSquare(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return floats.Dot(values, values) / float64(len(values))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// ThirdsScore rates how close a point is to the nearest rule-of-thirds
// intersection: 1 on an intersection, lower further away.
func ThirdsScore(x, y float64, width, height int) float64 {
	if width <= 0 || height <= 0 {
		return 0
	}
	w, h := float64(width), float64(height)
	nearestX := math.Min(math.Abs(x-w/3), math.Abs(x-2*w/3))
	nearestY := math.Min(math.Abs(y-h/3), math.Abs(y-2*h/3))
	return 1 - (nearestX/w + nearestY/h)
}
