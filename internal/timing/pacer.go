package timing

import (
	"log/slog"
	"math"
	"time"
)

const (
	maxRepeatCount       = 6
	repeatRatioTolerance = 0.15
	repeatFPSTolerance   = 0.10

	minGameIntervalMs = 8.0
	maxGameIntervalMs = 100.0

	predictionWindow = 2 * time.Millisecond
	varianceStepMs   = 0.1
	maxVarianceSteps = 1000
	limiterSlack     = time.Millisecond
)

// FrameDecision is what the render callback does with the current vblank.
type FrameDecision int

const (
	// DecisionCommit lets a new content frame through and sends frame-done.
	DecisionCommit FrameDecision = iota
	// DecisionRepeat keeps the previous frame on screen and withholds frame-done.
	DecisionRepeat
	// DecisionHold withholds frame-done because the FPS cap has not elapsed.
	DecisionHold
)

func (d FrameDecision) String() string {
	switch d {
	case DecisionRepeat:
		return "repeat"
	case DecisionHold:
		return "hold"
	default:
		return "commit"
	}
}

// VblankInput is what the render callback knows at each vblank.
type VblankInput struct {
	Now           time.Time
	DirectScanout bool
	Kind          ContentKind
	WantsTearing  bool
}

// PaceResult is the pacer's verdict for one vblank.
type PaceResult struct {
	Decision     FrameDecision
	AllowTearing bool
	RepeatCount  int
}

// FrameLimiter withholds frame-done acknowledgments so a client cannot
// submit faster than a fixed cap. A nil limiter never holds.
type FrameLimiter struct {
	interval time.Duration
	last     time.Time
}

// NewFrameLimiter returns a limiter for fps, or nil when fps disables the cap.
func NewFrameLimiter(fps int) *FrameLimiter {
	if fps <= 0 {
		return nil
	}
	return &FrameLimiter{interval: time.Second / time.Duration(fps)}
}

// Allow reports whether a frame-done may be sent at now and, if so, starts
// the next interval.
func (l *FrameLimiter) Allow(now time.Time) bool {
	if l == nil {
		return true
	}
	if !l.last.IsZero() && now.Sub(l.last)+limiterSlack < l.interval {
		return false
	}
	l.last = now
	return true
}

// FramePacer makes the per-vblank cadence decision for one monitor.
type FramePacer struct {
	state   *DisplayTimingState
	stats   *PresentationStats
	limiter *FrameLimiter
	log     *slog.Logger
}

func NewFramePacer(state *DisplayTimingState, stats *PresentationStats, limiter *FrameLimiter, logger *slog.Logger) *FramePacer {
	return &FramePacer{state: state, stats: stats, limiter: limiter, log: logger}
}

// SetLimiter replaces the FPS cap limiter.
func (p *FramePacer) SetLimiter(l *FrameLimiter) {
	p.limiter = l
}

// RecordSubmission notes a content frame submission. Intervals outside
// 8..100 ms are treated as stalls and do not enter the estimate.
func (p *FramePacer) RecordSubmission(now time.Time) {
	d := p.state

	if !d.predictedNext.IsZero() {
		diff := now.Sub(d.predictedNext)
		accurate := diff <= predictionWindow && diff >= -predictionWindow
		early := diff < -predictionWindow
		p.stats.RecordPrediction(accurate, early)
	}

	if !d.lastSubmission.IsZero() {
		interval := now.Sub(d.lastSubmission)
		ms := float64(interval) / float64(time.Millisecond)
		if ms >= minGameIntervalMs && ms <= maxGameIntervalMs {
			d.gameIntervals[d.gameIntervalIndex] = interval
			d.gameIntervalIndex = (d.gameIntervalIndex + 1) % gameIntervalCapacity
			if d.gameIntervalCount < gameIntervalCapacity {
				d.gameIntervalCount++
			}
		}
	}
	d.lastSubmission = now

	if d.gameIntervalCount == 0 {
		d.predictedNext = time.Time{}
		return
	}
	mean, variance := p.intervalStats()
	margin := varianceMargin(variance)
	d.predictedNext = now.Add(time.Duration((mean + margin) * float64(time.Millisecond)))
}

// intervalStats returns the mean (ms) and variance (ms²) of the recorded intervals.
func (p *FramePacer) intervalStats() (float64, float64) {
	d := p.state
	values := make([]float64, d.gameIntervalCount)
	for i := 0; i < d.gameIntervalCount; i++ {
		values[i] = float64(d.gameIntervals[i]) / float64(time.Millisecond)
	}
	mean, stddev := meanStddev(values)
	return mean, stddev * stddev
}

// varianceMargin grows in 0.1 ms steps until its square covers the variance.
func varianceMargin(variance float64) float64 {
	steps := 0
	for steps < maxVarianceSteps {
		m := float64(steps) * varianceStepMs
		if m*m >= variance {
			break
		}
		steps++
	}
	return float64(steps) * varianceStepMs
}

// EstimatedFPS returns the live content framerate, or 0 without history.
func (p *FramePacer) EstimatedFPS() float64 {
	if p.state.gameIntervalCount == 0 {
		return 0
	}
	mean, _ := p.intervalStats()
	if mean <= 0 {
		return 0
	}
	return 1000 / mean
}

// SelectRepeatCount picks how many vblanks each content frame should stay on
// screen. ok is false when no integer cadence fits displayHz and fps closely.
func SelectRepeatCount(displayHz, fps float64) (count int, ok bool) {
	if displayHz <= 0 || fps <= 0 {
		return 1, false
	}
	ratio := displayHz / fps
	best, bestErr := 1, math.Inf(1)
	for n := 1; n <= maxRepeatCount; n++ {
		if e := math.Abs(ratio - float64(n)); e < bestErr {
			best, bestErr = n, e
		}
	}
	if bestErr >= repeatRatioTolerance {
		return 1, false
	}
	effective := displayHz / float64(best)
	if math.Abs(effective-fps)/fps > repeatFPSTolerance {
		return 1, false
	}
	return best, true
}

// Decide runs once per vblank.
func (p *FramePacer) Decide(in VblankInput) PaceResult {
	d := p.state
	d.DirectScanoutActive = in.DirectScanout

	if in.WantsTearing && in.Kind == ContentGame {
		if !p.limiter.Allow(in.Now) {
			p.stats.RecordLimited()
			return PaceResult{Decision: DecisionHold, AllowTearing: true, RepeatCount: 1}
		}
		return PaceResult{Decision: DecisionCommit, AllowTearing: true, RepeatCount: 1}
	}

	switch {
	case d.GameVRRActive || d.VRRActive:
		p.setRepeatCount(1)
	case in.Kind == ContentGame || in.Kind == ContentVideo:
		if fps := p.EstimatedFPS(); fps > 0 {
			count, _ := SelectRepeatCount(d.DisplayHz(), fps)
			p.setRepeatCount(count)
		}
	default:
		p.setRepeatCount(1)
	}

	if d.FrameRepeat.Count > 1 {
		d.FrameRepeat.Position++
		if d.FrameRepeat.Position < d.FrameRepeat.Count {
			p.stats.RecordRepeat()
			return PaceResult{Decision: DecisionRepeat, RepeatCount: d.FrameRepeat.Count}
		}
		d.FrameRepeat.Position = 0
	}

	if !p.limiter.Allow(in.Now) {
		p.stats.RecordLimited()
		return PaceResult{Decision: DecisionHold, RepeatCount: d.FrameRepeat.Count}
	}
	return PaceResult{Decision: DecisionCommit, RepeatCount: d.FrameRepeat.Count}
}

func (p *FramePacer) setRepeatCount(count int) {
	fr := &p.state.FrameRepeat
	if fr.Count == count {
		return
	}
	p.log.Debug("frame repeat changed", "from", fr.Count, "to", count)
	fr.Count = count
	fr.Enabled = count > 1
	fr.Position = 0
}
