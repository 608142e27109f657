package dash

import "math"

// ewma is an exponentially weighted moving average with a half-life
// expressed in samples.
type ewma struct {
	alpha       float64
	estimate    float64
	totalWeight float64
}

func newEWMA(halfLife float64) *ewma {
	return &ewma{alpha: math.Exp(math.Log(0.5) / halfLife)}
}

func (e *ewma) sample(weight, value float64) {
	adj := math.Pow(e.alpha, weight)
	e.estimate = value*(1-adj) + adj*e.estimate
	e.totalWeight += weight
}

// value returns the bias-corrected estimate, 0 before any sample.
func (e *ewma) value() float64 {
	if e.totalWeight == 0 {
		return 0
	}
	return e.estimate / (1 - math.Pow(e.alpha, e.totalWeight))
}
