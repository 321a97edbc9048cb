package insights

import (
	"math"
	"sort"
)

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// mad is the median absolute deviation around m.
func mad(values []float64, m float64) float64 {
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - m)
	}
	return median(dev)
}

// robustZ scores latest against the baseline's median and MAD.
func robustZ(baseline []float64, latest float64) (score, med, spread float64) {
	med = median(baseline)
	spread = mad(baseline, med)
	if spread == 0 {
		if math.Abs(latest-med) <= 1e-9 {
			return 0, med, spread
		}
		return math.Inf(sign(latest - med)), med, spread
	}
	return 0.6745 * (latest - med) / spread, med, spread
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}

// linearRegression fits y = slope*x + intercept and reports the coefficient of determination.
func linearRegression(xs, ys []float64) (slope, intercept, r2 float64, ok bool) {
	if len(xs) != len(ys) || len(xs) < 2 {
		return 0, 0, 0, false
	}
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumX2 float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumX2 += xs[i] * xs[i]
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0, 0, 0, false
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	meanY := sumY / n
	var ssTot, ssRes float64
	for i := range xs {
		d := ys[i] - meanY
		ssTot += d * d
		r := ys[i] - (slope*xs[i] + intercept)
		ssRes += r * r
	}
	if ssTot == 0 {
		return slope, intercept, 1, true
	}
	return slope, intercept, 1 - ssRes/ssTot, true
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
