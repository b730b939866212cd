package timing

import (
	"math"
	"time"
)

const (
	// MinDetectSamples is the sample count a full detection requires.
	MinDetectSamples = 12
	// MinPrecheckSamples is the sample count the Scanning pre-check requires.
	MinPrecheckSamples = 8

	minValidIntervals = 8
	minIntervalMs     = 5.0
	maxIntervalMs     = 200.0
	maxJitterRatio    = 0.30

	minContentHz = 10.0
	maxContentHz = 240.0
)

// rateBand maps a measured rate range onto a broadcast standard. Measurements
// below split resolve to the NTSC (1000/1001) rate, the rest to the integer rate.
type rateBand struct {
	lo, hi float64
	split  float64
	ntsc   float64
	whole  float64
}

var rateBands = []rateBand{
	{23.5, 24.5, 24.0, 23.976, 24.0},
	{24.5, 25.5, 0, 25.0, 25.0},
	{29.5, 30.5, 30.0, 29.97, 30.0},
	{47.5, 48.5, 48.0, 47.952, 48.0},
	{49.5, 50.5, 0, 50.0, 50.0},
	{59.0, 60.5, 60.0, 59.94, 60.0},
	{119.0, 120.5, 120.0, 119.88, 120.0},
}

// DetectFramerate estimates the content framerate from commit timestamps
// ordered oldest first. It returns 0 when there is no stable rate.
func DetectFramerate(samples []time.Time) float64 {
	return detect(samples, MinDetectSamples)
}

// PrecheckFramerate is DetectFramerate with the lower sample requirement used
// while a client is still Scanning.
func PrecheckFramerate(samples []time.Time) float64 {
	return detect(samples, MinPrecheckSamples)
}

func detect(samples []time.Time, minSamples int) float64 {
	if len(samples) < minSamples {
		return 0
	}

	intervals := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		ms := float64(samples[i].Sub(samples[i-1])) / float64(time.Millisecond)
		if ms < minIntervalMs || ms > maxIntervalMs {
			continue
		}
		intervals = append(intervals, ms)
	}
	if len(intervals) < minValidIntervals {
		return 0
	}

	mean, stddev := meanStddev(intervals)
	if stddev > maxJitterRatio*mean {
		return 0
	}

	return CanonicalRate(1000 / mean)
}

// CanonicalRate snaps a measured rate to the nearest telecine or broadcast
// standard when it falls in one of the tolerance bands. Other rates inside the
// plausible content range are returned unchanged; anything outside it is 0.
func CanonicalRate(rawHz float64) float64 {
	for _, b := range rateBands {
		if rawHz < b.lo || rawHz > b.hi {
			continue
		}
		if b.split == 0 || rawHz >= b.split {
			return b.whole
		}
		return b.ntsc
	}
	if rawHz < minContentHz || rawHz > maxContentHz {
		return 0
	}
	return rawHz
}

// meanStddev returns the mean and population standard deviation.
func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
