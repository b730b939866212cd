package timing

import (
	"math"
	"testing"
	"time"
)

func TestSelectRepeatCount(t *testing.T) {
	tests := []struct {
		displayHz, fps float64
		want           int
		ok             bool
	}{
		{60, 30, 2, true},
		{120, 24, 5, true},
		{120, 23.976, 5, true},
		{144, 48, 3, true},
		{60, 60, 1, true},
		{60, 24, 1, false},
		{240, 20, 1, false},
		{0, 24, 1, false},
		{60, 0, 1, false},
	}
	for _, tt := range tests {
		got, ok := SelectRepeatCount(tt.displayHz, tt.fps)
		if got != tt.want || ok != tt.ok {
			t.Errorf("SelectRepeatCount(%v, %v) = %d, %v; want %d, %v", tt.displayHz, tt.fps, got, ok, tt.want, tt.ok)
		}
	}
}

func TestVarianceMargin(t *testing.T) {
	tests := []struct {
		variance, want float64
	}{
		{0, 0},
		{0.04, 0.2},
		{0.05, 0.3},
		{1, 1.0},
	}
	for _, tt := range tests {
		if got := varianceMargin(tt.variance); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("varianceMargin(%v) = %v, want %v", tt.variance, got, tt.want)
		}
	}
}

func newPacer(t *testing.T, limiter *FrameLimiter, refresh ...float64) (*FramePacer, *DisplayTimingState, *PresentationStats) {
	t.Helper()
	d := newState(t, true, true, refresh...)
	stats := NewPresentationStats(t0)
	return NewFramePacer(d, stats, limiter, discardLogger()), d, stats
}

func submit(p *FramePacer, times []time.Time) {
	for _, ts := range times {
		p.RecordSubmission(ts)
	}
}

func TestPacerRepeatCadence(t *testing.T) {
	p, d, stats := newPacer(t, nil, 120)
	submit(p, steady(4, ms(41.666)))

	now := t0.Add(time.Second)
	var got []FrameDecision
	for i := 0; i < 10; i++ {
		now = now.Add(ms(8.333))
		res := p.Decide(VblankInput{Now: now, Kind: ContentVideo})
		if res.RepeatCount != 5 {
			t.Fatalf("vblank %d: repeat count = %d, want 5", i, res.RepeatCount)
		}
		got = append(got, res.Decision)
	}

	want := []FrameDecision{
		DecisionRepeat, DecisionRepeat, DecisionRepeat, DecisionRepeat, DecisionCommit,
		DecisionRepeat, DecisionRepeat, DecisionRepeat, DecisionRepeat, DecisionCommit,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decisions = %v, want %v", got, want)
		}
	}
	if !d.FrameRepeat.Enabled {
		t.Error("frame repeat should be enabled")
	}
	if s := stats.Snapshot(now); s.FramesRepeated != 8 {
		t.Errorf("FramesRepeated = %d, want 8", s.FramesRepeated)
	}
}

func TestPacerRepeatCountIsStable(t *testing.T) {
	p, d, _ := newPacer(t, nil, 60)
	submit(p, steady(4, ms(33.333)))

	p.Decide(VblankInput{Now: t0.Add(time.Second), Kind: ContentGame})
	if d.FrameRepeat.Count != 2 || d.FrameRepeat.Position != 1 {
		t.Fatalf("repeat = %+v", d.FrameRepeat)
	}
	// Re-selecting the same count keeps the cadence position.
	p.setRepeatCount(2)
	if d.FrameRepeat.Position != 1 {
		t.Fatalf("position reset to %d", d.FrameRepeat.Position)
	}
}

func TestPacerDesktopContentNeverRepeats(t *testing.T) {
	p, d, _ := newPacer(t, nil, 120)
	submit(p, steady(4, ms(41.666)))

	for i := 0; i < 6; i++ {
		res := p.Decide(VblankInput{Now: t0.Add(time.Second), Kind: ContentNone})
		if res.Decision != DecisionCommit || res.RepeatCount != 1 {
			t.Fatalf("vblank %d: %+v", i, res)
		}
	}
	if d.FrameRepeat.Enabled {
		t.Error("repeat enabled for desktop content")
	}
}

func TestPacerVRRForcesSingleRepeat(t *testing.T) {
	p, d, _ := newPacer(t, nil, 120)
	submit(p, steady(4, ms(41.666)))
	d.VRRActive = true

	res := p.Decide(VblankInput{Now: t0.Add(time.Second), Kind: ContentVideo})
	if res.Decision != DecisionCommit || res.RepeatCount != 1 {
		t.Fatalf("result = %+v, want commit with count 1", res)
	}
}

func TestPacerTearingBypass(t *testing.T) {
	p, d, _ := newPacer(t, NewFrameLimiter(30), 60)
	submit(p, steady(4, ms(33.333)))

	now := t0.Add(time.Second)
	res := p.Decide(VblankInput{Now: now, Kind: ContentGame, WantsTearing: true, DirectScanout: true})
	if res.Decision != DecisionCommit || !res.AllowTearing {
		t.Fatalf("game tearing: %+v", res)
	}
	if !d.DirectScanoutActive {
		t.Error("direct scanout not recorded")
	}
	// The cap still applies to tearing games.
	res = p.Decide(VblankInput{Now: now.Add(ms(16.7)), Kind: ContentGame, WantsTearing: true})
	if res.Decision != DecisionHold || !res.AllowTearing {
		t.Fatalf("capped tearing game: %+v", res)
	}

	// Tearing is only honoured for games.
	p2, _, _ := newPacer(t, nil, 60)
	res = p2.Decide(VblankInput{Now: now, Kind: ContentVideo, WantsTearing: true})
	if res.AllowTearing {
		t.Fatal("video must not tear")
	}
}

func TestPacerFPSCap(t *testing.T) {
	p, _, stats := newPacer(t, NewFrameLimiter(30), 60)

	now := t0
	var commits, holds int
	for i := 0; i < 60; i++ {
		now = now.Add(ms(16.667))
		switch p.Decide(VblankInput{Now: now}).Decision {
		case DecisionCommit:
			commits++
		case DecisionHold:
			holds++
		}
	}
	if commits != 30 || holds != 30 {
		t.Fatalf("commits = %d holds = %d, want 30/30", commits, holds)
	}
	if s := stats.Snapshot(now); s.FramesLimited != 30 {
		t.Fatalf("FramesLimited = %d, want 30", s.FramesLimited)
	}

	p.SetLimiter(nil)
	if res := p.Decide(VblankInput{Now: now}); res.Decision != DecisionCommit {
		t.Fatalf("uncapped decision = %v", res.Decision)
	}
}

func TestFrameLimiter(t *testing.T) {
	if NewFrameLimiter(0) != nil || NewFrameLimiter(-5) != nil {
		t.Fatal("non-positive caps disable the limiter")
	}
	var nilLimiter *FrameLimiter
	if !nilLimiter.Allow(t0) {
		t.Fatal("nil limiter must allow")
	}

	l := NewFrameLimiter(30)
	if !l.Allow(t0) {
		t.Fatal("first frame must pass")
	}
	if l.Allow(t0.Add(16 * time.Millisecond)) {
		t.Fatal("frame inside the interval passed")
	}
	// One millisecond of slack.
	if !l.Allow(t0.Add(33 * time.Millisecond)) {
		t.Fatal("frame within slack was held")
	}
}

func TestPacerEstimatedFPSIgnoresStalls(t *testing.T) {
	p, _, _ := newPacer(t, nil, 60)
	if p.EstimatedFPS() != 0 {
		t.Fatal("estimate without history")
	}

	submit(p, steady(4, 16*time.Millisecond))
	last := t0.Add(3 * 16 * time.Millisecond)
	p.RecordSubmission(last.Add(500 * time.Millisecond))
	p.RecordSubmission(last.Add(516 * time.Millisecond))
	p.RecordSubmission(last.Add(518 * time.Millisecond))

	if got := p.EstimatedFPS(); math.Abs(got-62.5) > 0.01 {
		t.Fatalf("EstimatedFPS = %v, want 62.5", got)
	}
}

func TestPacerPredictions(t *testing.T) {
	p, _, stats := newPacer(t, nil, 60)

	submit(p, steady(5, 16*time.Millisecond))
	s := stats.Snapshot(t0)
	// The first two submissions have no prediction to compare against.
	if stats.PredictionsTotal != 3 || s.PredictionAccuracy != 1 {
		t.Fatalf("predictions = %d accuracy = %v", stats.PredictionsTotal, s.PredictionAccuracy)
	}

	p.RecordSubmission(t0.Add(4*16*time.Millisecond + 10*time.Millisecond))
	s = stats.Snapshot(t0)
	if s.FramesHeld != 1 {
		t.Fatalf("FramesHeld = %d, want 1", s.FramesHeld)
	}
	if s.PredictionAccuracy != 0.75 {
		t.Fatalf("accuracy = %v, want 0.75", s.PredictionAccuracy)
	}
}
