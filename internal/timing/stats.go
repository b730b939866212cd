package timing

import (
	"math"
	"sync"
	"time"
)

const (
	statsEWMAAlpha    = 0.3
	minVblankInterval = 2 * time.Millisecond
	maxVblankInterval = 100 * time.Millisecond
	judderScorePerMs  = 20.0
	maxJudderScore    = 100
)

// PresentationStats tracks rolling presentation data for one monitor. The
// engine writes from the display loop; diagnostics read Snapshot from other
// goroutines.
type PresentationStats struct {
	mu sync.RWMutex

	FramesPresented uint64
	FramesDropped   uint64
	FramesHeld      uint64
	FramesRepeated  uint64
	FramesLimited   uint64
	ScanoutFrames   uint64

	PredictionsTotal    uint64
	PredictionsAccurate uint64

	commitDuration time.Duration
	vblankInterval time.Duration
	lastVblank     time.Time
	minLatency     time.Duration
	maxLatency     time.Duration
	judderScore    int
	startTime      time.Time
}

func NewPresentationStats(now time.Time) *PresentationStats {
	return &PresentationStats{startTime: now}
}

// RecordPresented folds one presentation feedback event into the rolling
// counters, commit duration and latency figures.
func (s *PresentationStats) RecordPresented(fb Feedback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fb.Dropped {
		s.FramesDropped++
		return
	}
	s.FramesPresented++
	if fb.DirectScanout {
		s.ScanoutFrames++
	}

	if fb.CommitDuration > 0 {
		s.commitDuration = ewmaDuration(s.commitDuration, fb.CommitDuration)
	}

	if !fb.InputTime.IsZero() {
		latency := fb.VblankTime.Sub(fb.InputTime)
		if latency >= 0 {
			if s.minLatency == 0 || latency < s.minLatency {
				s.minLatency = latency
			}
			if latency > s.maxLatency {
				s.maxLatency = latency
			}
		}
	}
}

// RecordVblank feeds one refresh timestamp into the smoothed vblank interval
// and returns it. Intervals outside 2..100ms are ignored.
func (s *PresentationStats) RecordVblank(t time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastVblank.IsZero() {
		interval := t.Sub(s.lastVblank)
		if interval >= minVblankInterval && interval <= maxVblankInterval {
			s.vblankInterval = ewmaDuration(s.vblankInterval, interval)
		}
	}
	s.lastVblank = t
	return s.vblankInterval
}

func ewmaDuration(prev, sample time.Duration) time.Duration {
	if prev == 0 {
		return sample
	}
	return time.Duration(statsEWMAAlpha*float64(sample) + (1-statsEWMAAlpha)*float64(prev))
}

func (s *PresentationStats) RecordRepeat() {
	s.mu.Lock()
	s.FramesRepeated++
	s.mu.Unlock()
}

func (s *PresentationStats) RecordLimited() {
	s.mu.Lock()
	s.FramesLimited++
	s.mu.Unlock()
}

// RecordPrediction counts one submission prediction. Early frames are
// counted as held; they are not actually deferred.
func (s *PresentationStats) RecordPrediction(accurate, early bool) {
	s.mu.Lock()
	s.PredictionsTotal++
	if accurate {
		s.PredictionsAccurate++
	}
	if early {
		s.FramesHeld++
	}
	s.mu.Unlock()
}

// SetJudder converts a judder figure in milliseconds into the 0..100 score.
func (s *PresentationStats) SetJudder(judderMs float64) {
	score := int(math.Round(judderMs * judderScorePerMs))
	if score < 0 {
		score = 0
	}
	if score > maxJudderScore {
		score = maxJudderScore
	}
	s.mu.Lock()
	s.judderScore = score
	s.mu.Unlock()
}

// ResetVblank forgets the vblank estimate, used after a refresh change.
func (s *PresentationStats) ResetVblank() {
	s.mu.Lock()
	s.vblankInterval = 0
	s.lastVblank = time.Time{}
	s.mu.Unlock()
}

// StatsSnapshot is a point-in-time copy of PresentationStats.
type StatsSnapshot struct {
	FramesPresented    uint64        `json:"framesPresented"`
	FramesDropped      uint64        `json:"framesDropped"`
	FramesHeld         uint64        `json:"framesHeld"`
	FramesRepeated     uint64        `json:"framesRepeated"`
	FramesLimited      uint64        `json:"framesLimited"`
	ScanoutFrames      uint64        `json:"scanoutFrames"`
	PredictionAccuracy float64       `json:"predictionAccuracy"`
	CommitMs           float64       `json:"commitMs"`
	VblankMs           float64       `json:"vblankMs"`
	MinLatencyMs       float64       `json:"minLatencyMs"`
	MaxLatencyMs       float64       `json:"maxLatencyMs"`
	JudderScore        int           `json:"judderScore"`
	Uptime             time.Duration `json:"uptime"`
}

func (s *PresentationStats) Snapshot(now time.Time) StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accuracy := 0.0
	if s.PredictionsTotal > 0 {
		accuracy = float64(s.PredictionsAccurate) / float64(s.PredictionsTotal)
	}
	return StatsSnapshot{
		FramesPresented:    s.FramesPresented,
		FramesDropped:      s.FramesDropped,
		FramesHeld:         s.FramesHeld,
		FramesRepeated:     s.FramesRepeated,
		FramesLimited:      s.FramesLimited,
		ScanoutFrames:      s.ScanoutFrames,
		PredictionAccuracy: accuracy,
		CommitMs:           durationMs(s.commitDuration),
		VblankMs:           durationMs(s.vblankInterval),
		MinLatencyMs:       durationMs(s.minLatency),
		MaxLatencyMs:       durationMs(s.maxLatency),
		JudderScore:        s.judderScore,
		Uptime:             now.Sub(s.startTime),
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
