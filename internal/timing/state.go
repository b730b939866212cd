package timing

import (
	"time"

	"github.com/breeze-rmm/frametiming/internal/display"
)

// gameIntervalCapacity is the size of the game submission interval ring.
const gameIntervalCapacity = 8

// Capabilities describe what an output can do.
type Capabilities struct {
	VRRCapable bool
	// HardwareBacked is false for nested or virtual outputs; custom modes can
	// only be synthesized on real hardware.
	HardwareBacked bool
	Modes          []display.Mode
	Current        display.Mode
}

// StrategyKind is how a monitor's refresh is matched to content.
type StrategyKind int

const (
	StrategyNone StrategyKind = iota
	StrategyVRR
	StrategyExistingMode
	StrategySynthesizedMode
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyVRR:
		return "vrr"
	case StrategyExistingMode:
		return "existing-mode"
	case StrategySynthesizedMode:
		return "synthesized-mode"
	default:
		return "none"
	}
}

// ActiveStrategy is the strategy currently applied to a monitor. Mode is set
// for the two mode strategies.
type ActiveStrategy struct {
	Kind StrategyKind
	Mode display.Mode
}

// FrameRepeat governs frame doubling and tripling.
type FrameRepeat struct {
	Enabled  bool
	Count    int
	Position int
}

// DisplayTimingState is the per-monitor engine state. It is only mutated from
// the display event loop.
type DisplayTimingState struct {
	Caps                Capabilities
	AdaptiveSyncEnabled bool
	Active              ActiveStrategy

	// Video VRR path.
	VRRActive   bool
	VRRTargetHz float64

	// Game VRR path.
	GameVRRActive         bool
	GameVRRTargetFPS      float64
	GameVRRLastFPS        float64
	GameVRRStableFrames   int
	GameVRRLastChangeTime time.Time

	// PresentInterval is the rolling estimate of the vblank period.
	PresentInterval time.Duration

	FrameRepeat FrameRepeat

	gameIntervals     [gameIntervalCapacity]time.Duration
	gameIntervalCount int
	gameIntervalIndex int
	lastSubmission    time.Time
	predictedNext     time.Time

	DirectScanoutActive bool
}

// NewDisplayTimingState creates the state for a newly enabled monitor.
func NewDisplayTimingState(caps Capabilities, adaptiveSync bool) *DisplayTimingState {
	return &DisplayTimingState{
		Caps:                caps,
		AdaptiveSyncEnabled: adaptiveSync,
		FrameRepeat:         FrameRepeat{Count: 1},
	}
}

// VRRAllowed reports whether either VRR path may be used on this monitor.
func (d *DisplayTimingState) VRRAllowed() bool {
	return d.Caps.VRRCapable && d.AdaptiveSyncEnabled
}

// MaxRefreshHz returns the highest native refresh at the current resolution.
func (d *DisplayTimingState) MaxRefreshHz() float64 {
	m, ok := display.MaxRefresh(d.nativeModes(), d.Caps.Current.Width(), d.Caps.Current.Height())
	if !ok {
		return d.Caps.Current.RefreshHz()
	}
	return m.RefreshHz()
}

// MaxNativeMode returns the highest-refresh native mode at the current resolution.
func (d *DisplayTimingState) MaxNativeMode() (display.Mode, bool) {
	return display.MaxRefresh(d.nativeModes(), d.Caps.Current.Width(), d.Caps.Current.Height())
}

func (d *DisplayTimingState) nativeModes() []display.Mode {
	modes := make([]display.Mode, 0, len(d.Caps.Modes))
	for _, m := range d.Caps.Modes {
		if !m.Custom {
			modes = append(modes, m)
		}
	}
	return modes
}

// DisplayHz returns the effective refresh rate: the measured vblank period
// when one is known, otherwise the committed mode's refresh.
func (d *DisplayTimingState) DisplayHz() float64 {
	if d.PresentInterval > 0 {
		return float64(time.Second) / float64(d.PresentInterval)
	}
	return d.Caps.Current.RefreshHz()
}

// resetPacing clears the repeat cadence and the game interval history.
func (d *DisplayTimingState) resetPacing() {
	d.FrameRepeat = FrameRepeat{Count: 1}
	d.gameIntervals = [gameIntervalCapacity]time.Duration{}
	d.gameIntervalCount = 0
	d.gameIntervalIndex = 0
	d.lastSubmission = time.Time{}
	d.predictedNext = time.Time{}
}
