package timing

import (
	"math"
	"sort"

	"github.com/breeze-rmm/frametiming/internal/display"
)

const (
	vrrScore            = 150.0
	modeBaseScore       = 100.0
	judderThresholdMs   = 0.1
	maxJudderPenalty    = 50.0
	judderPenaltyPerMs  = 10.0
	synthesizedPenalty  = 5.0
	existingMatchTol    = 0.005
	maxExistingMultiple = 8
	maxSynthMultiple    = 5
	minSynthHz          = 48.0
	maxSynthHz          = 240.0
)

// Candidate is one way of presenting content at contentHz on a monitor.
type Candidate struct {
	Strategy   StrategyKind
	Mode       display.Mode // existing mode, zero for VRR and synthesized candidates
	Multiplier int
	AchievedHz float64
	Score      float64
	JudderMs   float64
}

// JudderMs returns the per-frame timing error, in milliseconds, of showing
// contentHz on a fixed displayHz refresh.
func JudderMs(contentHz, displayHz float64) float64 {
	if contentHz <= 0 || displayHz <= 0 {
		return 0
	}
	n := math.Round(displayHz / contentHz)
	if n < 1 {
		n = 1
	}
	perfectHz := contentHz * n
	hzError := math.Abs(displayHz - perfectHz)
	return (1000 / contentHz) * (hzError / displayHz)
}

// modeScore scores a fixed-refresh candidate. Judder under the threshold is
// free; above it the penalty grows with judder up to maxJudderPenalty. Lower
// multipliers earn a small bonus.
func modeScore(judder float64, multiplier int, synthesized bool) float64 {
	score := modeBaseScore
	if judder >= judderThresholdMs {
		score -= math.Min(maxJudderPenalty, judder*judderPenaltyPerMs)
	}
	score += float64(10-multiplier) * 2
	if synthesized {
		score -= synthesizedPenalty
	}
	return score
}

// RankStrategies lists every applicable candidate for contentHz, best first.
// Ties keep evaluation order: VRR, existing modes, synthesized modes.
func RankStrategies(d *DisplayTimingState, contentHz float64) []Candidate {
	if contentHz <= 0 {
		return nil
	}
	var out []Candidate

	if d.VRRAllowed() {
		out = append(out, Candidate{
			Strategy:   StrategyVRR,
			Multiplier: 1,
			AchievedHz: contentHz,
			Score:      vrrScore,
		})
	}

	width, height := d.Caps.Current.Width(), d.Caps.Current.Height()
	var covered []float64
	for _, m := range d.Caps.Modes {
		if m.Width() != width || m.Height() != height {
			continue
		}
		hz := m.RefreshHz()
		n := int(math.Round(hz / contentHz))
		if n < 1 || n > maxExistingMultiple {
			continue
		}
		target := contentHz * float64(n)
		if math.Abs(hz-target) > existingMatchTol*target {
			continue
		}
		j := JudderMs(contentHz, hz)
		out = append(out, Candidate{
			Strategy:   StrategyExistingMode,
			Mode:       m,
			Multiplier: n,
			AchievedHz: hz,
			Score:      modeScore(j, n, false),
			JudderMs:   j,
		})
		covered = append(covered, hz)
	}

	if d.Caps.HardwareBacked {
		for n := 1; n <= maxSynthMultiple; n++ {
			hz := contentHz * float64(n)
			if hz < minSynthHz || hz > maxSynthHz || isCovered(covered, hz) {
				continue
			}
			out = append(out, Candidate{
				Strategy:   StrategySynthesizedMode,
				Multiplier: n,
				AchievedHz: hz,
				Score:      modeScore(0, n, true),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func isCovered(existing []float64, hz float64) bool {
	for _, e := range existing {
		if math.Abs(e-hz) <= existingMatchTol*hz {
			return true
		}
	}
	return false
}

// FindBestStrategy returns the highest scoring candidate. The returned
// candidate has a zero Score and StrategyNone when nothing applies, in which
// case the display must be left unchanged.
func FindBestStrategy(d *DisplayTimingState, contentHz float64) Candidate {
	ranked := RankStrategies(d, contentHz)
	if len(ranked) == 0 || ranked[0].Score <= 0 {
		return Candidate{}
	}
	return ranked[0]
}
