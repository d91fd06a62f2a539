package capture

import (
	"math"
	"time"
)

const (
	// fpsSteadyThreshold is the maximum allowed FPS standard deviation as
	// a fraction of the mean rate for the capture to count as steady.
	fpsSteadyThreshold = 0.15

	// jitterSteadyThreshold is the maximum allowed mean jitter as a
	// fraction of the expected inter-frame interval.
	jitterSteadyThreshold = 0.20
)

// RateStats summarizes the measured delivery rate of a capture run.
type RateStats struct {
	Frames       int           // Frames observed
	Duration     time.Duration // Observation window
	FPSMean      float64       // Mean frame rate over the window
	FPSStdDev    float64       // Standard deviation of instantaneous FPS
	FPSMin       float64       // Minimum instantaneous FPS
	FPSMax       float64       // Maximum instantaneous FPS
	JitterMean   float64       // Mean inter-frame interval deviation (seconds)
	JitterStdDev float64       // Standard deviation of jitter (seconds)
	JitterMax    float64       // Maximum jitter observed (seconds)
	IsSteady     bool          // FPS stddev < 15% of mean AND jitter < 20% of interval
}

// CalculateRateStats computes frame-rate statistics from capture
// timestamps.
//
// The function:
//  1. Calculates the mean FPS over the whole window.
//  2. Calculates instantaneous FPS per frame interval with min/max/stddev.
//  3. Calculates jitter (deviation from the expected interval).
//  4. Flags the run as steady when both FPS spread and jitter are small.
//
// A run that delivered fewer than two frames is never steady.
func CalculateRateStats(frameTimes []time.Time, totalDuration time.Duration) RateStats {
	n := len(frameTimes)
	if n == 0 || totalDuration <= 0 {
		return RateStats{Frames: n, Duration: totalDuration}
	}

	fpsMean := float64(n) / totalDuration.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}
	if len(instantaneous) == 0 {
		return RateStats{Frames: n, Duration: totalDuration, FPSMean: fpsMean}
	}

	fpsMin, fpsMax := instantaneous[0], instantaneous[0]
	for _, fps := range instantaneous {
		if fps < fpsMin {
			fpsMin = fps
		}
		if fps > fpsMax {
			fpsMax = fps
		}
	}

	var sumSquares float64
	for _, fps := range instantaneous {
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneous)))

	expectedInterval := 1.0 / fpsMean

	jitters := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		actual := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		jitters = append(jitters, math.Abs(actual-expectedInterval))
	}

	var jitterSum, jitterMax float64
	for _, j := range jitters {
		jitterSum += j
		if j > jitterMax {
			jitterMax = j
		}
	}
	jitterMean := jitterSum / float64(len(jitters))

	var jitterSumSquares float64
	for _, j := range jitters {
		diff := j - jitterMean
		jitterSumSquares += diff * diff
	}
	jitterStdDev := math.Sqrt(jitterSumSquares / float64(len(jitters)))

	fpsSteady := fpsStdDev < fpsMean*fpsSteadyThreshold
	jitterSteady := jitterMean < expectedInterval*jitterSteadyThreshold

	return RateStats{
		Frames:       n,
		Duration:     totalDuration,
		FPSMean:      fpsMean,
		FPSStdDev:    fpsStdDev,
		FPSMin:       fpsMin,
		FPSMax:       fpsMax,
		JitterMean:   jitterMean,
		JitterStdDev: jitterStdDev,
		JitterMax:    jitterMax,
		IsSteady:     fpsSteady && jitterSteady,
	}
}
