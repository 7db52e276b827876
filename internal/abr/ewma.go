package abr

import (
	"math"
	"time"
)

// EWMA is an exponentially weighted moving average whose samples carry a
// weight, so a sample of weight 2 counts like two samples of weight 1.
type EWMA struct {
	alpha       float64
	estimate    float64
	totalWeight float64
}

// NewEWMA returns an average whose memory halves every halfLife units of
// weight.
func NewEWMA(halfLife float64) *EWMA {
	return &EWMA{alpha: math.Exp(math.Log(0.5) / halfLife)}
}

// Sample adds value with the given weight.
func (e *EWMA) Sample(weight, value float64) {
	a := math.Pow(e.alpha, weight)
	e.estimate = value*(1-a) + a*e.estimate
	e.totalWeight += weight
}

// TotalWeight is the sum of sample weights.
func (e *EWMA) TotalWeight() float64 {
	return e.totalWeight
}

// Estimate returns the average corrected for its zero start.
func (e *EWMA) Estimate() float64 {
	zero := 1 - math.Pow(e.alpha, e.totalWeight)
	if zero > 0 {
		return e.estimate / zero
	}
	return e.estimate
}

// minWeight is the sample weight (seconds) needed before an estimate is
// trusted over the default.
const minWeight = 0.001

// Estimator tracks bandwidth with a fast and a slow average and reports
// the lower of the two.
type Estimator struct {
	fast            *EWMA
	slow            *EWMA
	defaultEstimate float64
	minDelay        time.Duration
}

// NewEstimator returns an estimator with half-lives in seconds.
func NewEstimator(slowHalfLife, fastHalfLife, defaultEstimate float64, minDelay time.Duration) *Estimator {
	return &Estimator{
		fast:            NewEWMA(fastHalfLife),
		slow:            NewEWMA(slowHalfLife),
		defaultEstimate: defaultEstimate,
		minDelay:        minDelay,
	}
}

// Sample records that n bytes took d to load. Short loads are clamped to
// the minimum delay.
func (e *Estimator) Sample(d time.Duration, n int64) {
	d = max(d, e.minDelay)
	if d <= 0 {
		return
	}
	sec := d.Seconds()
	bps := float64(n) * 8 / sec
	e.fast.Sample(sec, bps)
	e.slow.Sample(sec, bps)
}

// CanEstimate reports whether enough has been sampled.
func (e *Estimator) CanEstimate() bool {
	return e.fast.TotalWeight() >= minWeight
}

// Estimate returns the bandwidth in bits per second.
func (e *Estimator) Estimate() float64 {
	if !e.CanEstimate() {
		return e.defaultEstimate
	}
	return math.Min(e.fast.Estimate(), e.slow.Estimate())
}
