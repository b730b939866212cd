package scenario

import (
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/frametiming/internal/timing"
)

func runFile(t *testing.T, name string, opts Options) (*Runner, *Result) {
	t.Helper()
	sc, err := Load(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r, err := NewRunner(sc, opts)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res, err := r.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return r, res
}

func TestScenarioExpectations(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		name := filepath.Base(f)
		t.Run(name, func(t *testing.T) {
			_, res := runFile(t, name, Options{})
			if !res.Passed() {
				t.Fatalf("expectations failed: %v", res.Failures)
			}
		})
	}
}

func TestNTSCVideoLocksWithoutModeChange(t *testing.T) {
	r, res := runFile(t, "ntsc_video_60hz.yaml", Options{})

	m, _ := r.Engine().Monitor("DP-1")
	if m.Timing.Active.Kind != timing.StrategyExistingMode {
		t.Fatalf("strategy = %s", m.Timing.Active.Kind)
	}
	for _, c := range r.Backend().Calls() {
		if c.Op == "commit" {
			t.Fatalf("current mode already matches, unexpected commit %+v", c)
		}
	}
	if res.Monitors[0].Stats.FramesPresented == 0 {
		t.Fatal("vblanks should have presented frames")
	}
	if res.Monitors[0].Stats.MaxLatencyMs != 4 {
		t.Fatalf("MaxLatencyMs = %v, want 4", res.Monitors[0].Stats.MaxLatencyMs)
	}
}

func TestVRRMonitorEnablesAdaptiveSync(t *testing.T) {
	r, _ := runFile(t, "ntsc_video_vrr.yaml", Options{})
	if !r.Backend().AdaptiveSync("DP-1") {
		t.Fatal("adaptive sync should be on")
	}
	m, _ := r.Engine().Monitor("DP-1")
	if !m.Timing.VRRActive || math.Abs(m.Timing.VRRTargetHz-59.94) > 1e-9 {
		t.Fatalf("VRRActive = %v, target = %v", m.Timing.VRRActive, m.Timing.VRRTargetHz)
	}
}

func TestFilmExitRestoresMaxNativeMode(t *testing.T) {
	r, res := runFile(t, "film_exit.yaml", Options{})

	c, _ := r.Engine().Client("film")
	if c.Timing.Phase != timing.PhaseScanning || c.Timing.DetectedHz != 0 {
		t.Fatalf("client timing not reset: phase %s, hz %v", c.Timing.Phase, c.Timing.DetectedHz)
	}
	cur, _ := r.Backend().Current("HDMI-A-1")
	if math.Abs(cur.Refresh()-120) > 0.01 {
		t.Fatalf("backend current = %.3f Hz, want 120", cur.Refresh())
	}
	if res.Monitors[0].Client != "" {
		t.Fatalf("monitor still has client %q", res.Monitors[0].Client)
	}
	labels := res.Labels["HDMI-A-1"]
	if len(labels) < 2 {
		t.Fatalf("labels = %v, want a strategy label and a restore label", labels)
	}
}

func TestFallbackAddsThenSkipsRejectedCustomModes(t *testing.T) {
	r, _ := runFile(t, "film_fallback.yaml", Options{})

	var custom int
	for _, m := range r.Backend().Modes("HDMI-A-1") {
		if m.Custom {
			custom++
		}
	}
	if custom != 2 {
		t.Fatalf("custom modes = %d, want fixed and CVT attempts", custom)
	}
	m, _ := r.Engine().Monitor("HDMI-A-1")
	if m.Stats.Snapshot(time.Now()).FramesRepeated == 0 {
		t.Fatal("24 fps on 120 Hz should repeat frames")
	}
}

func TestNoCompatibleModeMarksNothingApplied(t *testing.T) {
	r, res := runFile(t, "no_compatible_mode.yaml", Options{})
	for _, c := range r.Backend().Calls() {
		if c.Op == "add" || c.Op == "commit" {
			t.Fatalf("virtual output must not be touched, got %+v", c)
		}
	}
	if res.Monitors[0].Phase != "locked" {
		t.Fatalf("phase = %q, want locked", res.Monitors[0].Phase)
	}
}

func TestGameVRRFollowsFramerate(t *testing.T) {
	r, res := runFile(t, "game_vrr.yaml", Options{})
	m, _ := r.Engine().Monitor("DP-2")
	if !m.Timing.GameVRRActive {
		t.Fatal("game vrr should be active")
	}
	if got := m.Timing.GameVRRTargetFPS; math.Abs(got-45) > 0.5 {
		t.Fatalf("GameVRRTargetFPS = %v, want ~45", got)
	}
	labels := res.Labels["DP-2"]
	if len(labels) != 2 {
		t.Fatalf("labels = %v, want max refresh then one settled target", labels)
	}
	if m.Timing.FrameRepeat.Count != 1 {
		t.Fatalf("repeat count = %d under VRR", m.Timing.FrameRepeat.Count)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	labels []string
}

func (n *recordingNotifier) NotifyModeChanged(_, label string) {
	n.mu.Lock()
	n.labels = append(n.labels, label)
	n.mu.Unlock()
}

func TestRunnerForwardsNotificationsAndTicks(t *testing.T) {
	n := &recordingNotifier{}
	var ticks int
	_, res := runFile(t, "ntsc_video_vrr.yaml", Options{
		Notifier: n,
		OnTick:   func(time.Time, []timing.MonitorSnapshot) { ticks++ },
	})
	if len(n.labels) != len(res.Labels["DP-1"]) {
		t.Fatalf("forwarded %v, recorded %v", n.labels, res.Labels["DP-1"])
	}
	if ticks == 0 {
		t.Fatal("OnTick never called")
	}
}

func TestAdaptiveSyncToggleEvent(t *testing.T) {
	sc, err := Parse([]byte(`
monitors:
  - name: DP-1
    vrr: true
    modes: ["1920x1080@60"]
clients:
  - {id: mpv, kind: video}
events:
  - {type: fullscreen, client: mpv, monitor: DP-1}
  - {type: play, client: mpv, frames: 20, interval_ms: 16.683}
  - {type: adaptive_sync, enabled: false}
  - {type: play, client: mpv, frames: 20, interval_ms: 16.683}
expect:
  - {monitor: DP-1, strategy: existing-mode, detected_hz: 59.94, last_label: "60.000 Hz"}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r, err := NewRunner(sc, Options{})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res, err := r.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Passed() {
		t.Fatalf("expectations failed: %v", res.Failures)
	}
	if r.Backend().AdaptiveSync("DP-1") {
		t.Fatal("adaptive sync should have been turned off")
	}
}
