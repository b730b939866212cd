package timing

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/breeze-rmm/frametiming/internal/display"
	"github.com/breeze-rmm/frametiming/internal/display/memory"
	"github.com/breeze-rmm/frametiming/internal/health"
)

type labelRecorder struct {
	labels []string
}

func (r *labelRecorder) NotifyModeChanged(_, label string) {
	r.labels = append(r.labels, label)
}

func (r *labelRecorder) last() string {
	if len(r.labels) == 0 {
		return ""
	}
	return r.labels[len(r.labels)-1]
}

type engineFixture struct {
	engine  *Engine
	backend *memory.Backend
	labels  *labelRecorder
	health  *health.Tracker
	modes   []display.Mode
	now     time.Time
	buf     BufferID
}

func newEngineFixture(t *testing.T, vrr, hardware bool, rules memory.Rules, refresh ...float64) *engineFixture {
	t.Helper()
	f := &engineFixture{
		backend: memory.New(),
		labels:  &labelRecorder{},
		health:  health.NewTracker(),
		now:     t0,
	}
	timings := make([]display.TimingDescriptor, len(refresh))
	for i, hz := range refresh {
		timings[i] = cvt(t, 1920, 1080, hz)
	}
	f.modes = f.backend.AddOutput("DP-1", rules, timings...)
	f.engine = NewEngine(f.backend, Options{
		AdaptiveSyncEnabled: true,
		Notifier:            f.labels,
		Health:              f.health,
		Logger:              discardLogger(),
	})
	f.engine.EnableMonitor("DP-1", Capabilities{
		VRRCapable:     vrr,
		HardwareBacked: hardware,
		Modes:          f.modes,
		Current:        f.modes[0],
	}, t0)
	return f
}

func (f *engineFixture) fullscreen(t *testing.T, id string, kind ContentKind) *Client {
	t.Helper()
	c := f.engine.MapClient(id)
	if err := f.engine.SetContentHints(id, kind, false); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.EnterFullscreen(id, "DP-1", f.now); err != nil {
		t.Fatal(err)
	}
	return c
}

// play commits n new buffers interval apart, polling detection after each.
func (f *engineFixture) play(id string, n int, interval time.Duration) {
	for i := 0; i < n; i++ {
		f.now = f.now.Add(interval)
		f.buf++
		f.engine.OnBufferCommitted(id, f.buf, f.now)
		f.engine.CheckFramerates(f.now)
	}
}

func (f *engineFixture) monitor(t *testing.T) *Monitor {
	t.Helper()
	m, ok := f.engine.Monitor("DP-1")
	if !ok {
		t.Fatal("monitor DP-1 not enabled")
	}
	return m
}

func TestEngineLocksNTSCOnExistingMode(t *testing.T) {
	f := newEngineFixture(t, false, true, memory.Rules{}, 60)
	c := f.fullscreen(t, "mpv", ContentVideo)

	f.play("mpv", 20, ms(16.683))

	if c.Timing.Phase != PhaseLocked || c.Timing.DetectedHz != 59.94 {
		t.Fatalf("phase = %v detected = %v", c.Timing.Phase, c.Timing.DetectedHz)
	}
	m := f.monitor(t)
	if m.Timing.Active.Kind != StrategyExistingMode || m.Timing.Active.Mode.Handle != f.modes[0].Handle {
		t.Fatalf("active = %+v", m.Timing.Active)
	}
	if got, want := f.labels.last(), fmt.Sprintf("%.3f Hz", f.modes[0].RefreshHz()); got != want {
		t.Fatalf("label = %q, want %q", got, want)
	}
	if chk, _ := f.health.Get("DP-1"); chk.Status != health.Healthy {
		t.Fatalf("health = %s", chk.Status)
	}

	// A locked client is not re-detected.
	f.play("mpv", 20, ms(41.708))
	if c.Timing.DetectedHz != 59.94 {
		t.Fatalf("re-detected to %v", c.Timing.DetectedHz)
	}
}

func TestEngineDuplicateBuffersAreIgnored(t *testing.T) {
	f := newEngineFixture(t, false, true, memory.Rules{}, 60)
	c := f.fullscreen(t, "mpv", ContentVideo)

	f.buf = 7
	for i := 0; i < 20; i++ {
		f.now = f.now.Add(ms(16.683))
		f.engine.OnBufferCommitted("mpv", f.buf, f.now)
	}
	if n := c.Timing.SampleCount(); n != 1 {
		t.Fatalf("samples = %d, want 1", n)
	}
}

func TestEngineVideoVRRAndExit(t *testing.T) {
	f := newEngineFixture(t, true, true, memory.Rules{}, 144, 60)
	c := f.fullscreen(t, "mpv", ContentVideo)

	f.play("mpv", 16, ms(41.708))

	m := f.monitor(t)
	if m.Timing.Active.Kind != StrategyVRR || !m.Timing.VRRActive || m.Timing.VRRTargetHz != 23.976 {
		t.Fatalf("state = %+v", m.Timing)
	}
	if !f.backend.AdaptiveSync("DP-1") {
		t.Fatal("adaptive sync not enabled on the output")
	}
	if got := f.labels.last(); got != "VRR 23.976 Hz" {
		t.Fatalf("label = %q", got)
	}

	if err := f.engine.ExitFullscreen("mpv", f.now); err != nil {
		t.Fatal(err)
	}
	if c.Timing.Phase != PhaseScanning || c.Timing.DetectedHz != 0 || c.Fullscreen() {
		t.Fatalf("client after exit = %+v", c.Timing)
	}
	if m.Timing.Active.Kind != StrategyNone || m.Timing.VRRActive || f.backend.AdaptiveSync("DP-1") {
		t.Fatal("vrr survived fullscreen exit")
	}
	if m.Client() != nil {
		t.Fatal("monitor still has a fullscreen client")
	}
	if got, want := f.labels.last(), fmt.Sprintf("%.3f Hz", f.modes[0].RefreshHz()); got != want {
		t.Fatalf("label = %q, want %q", got, want)
	}
}

func TestEngineExitRestoresMaxNativeMode(t *testing.T) {
	f := newEngineFixture(t, false, true, memory.Rules{}, 120, 60)
	f.fullscreen(t, "mpv", ContentVideo)

	// 30 fps prefers the 60 Hz mode over 120 Hz.
	f.play("mpv", 16, ms(33.333))
	m := f.monitor(t)
	if m.Timing.Caps.Current.Handle != f.modes[1].Handle {
		t.Fatalf("current = %s, want the 60 Hz mode", m.Timing.Caps.Current)
	}

	if err := f.engine.UnmapClient("mpv", f.now); err != nil {
		t.Fatal(err)
	}
	cur, _ := f.backend.Current("DP-1")
	if cur != f.modes[0].Timing {
		t.Fatalf("output left at %s", cur.Name)
	}
	if _, ok := f.engine.Client("mpv"); ok {
		t.Fatal("client still tracked after unmap")
	}
}

func TestEngineFallsBackWhenCustomModesRejected(t *testing.T) {
	f := newEngineFixture(t, false, true, memory.Rules{RejectCustom: true}, 120)
	c := f.fullscreen(t, "mpv", ContentVideo)

	f.play("mpv", 16, ms(41.666))

	if c.Timing.DetectedHz != 24 {
		t.Fatalf("detected = %v", c.Timing.DetectedHz)
	}
	m := f.monitor(t)
	if m.Timing.Active.Kind != StrategyExistingMode {
		t.Fatalf("strategy = %s, want existing-mode", m.Timing.Active.Kind)
	}

	var rejected int
	for _, call := range f.backend.Calls() {
		if call.Op == "test" && errors.Is(call.Err, display.ErrModeRejected) {
			rejected++
		}
	}
	if rejected == 0 {
		t.Fatal("no synthesized mode was attempted")
	}
	if chk, _ := f.health.Get("DP-1"); chk.Status != health.Healthy {
		t.Fatalf("health = %s", chk.Status)
	}
}

func TestEngineNoCompatibleMode(t *testing.T) {
	f := newEngineFixture(t, false, true, memory.Rules{RejectCustom: true}, 60)
	f.fullscreen(t, "mpv", ContentVideo)

	f.play("mpv", 16, ms(41.666))

	m := f.monitor(t)
	if m.Timing.Active.Kind != StrategyNone {
		t.Fatalf("strategy = %s", m.Timing.Active.Kind)
	}
	if got := f.labels.last(); got != LabelNoCompatibleMode {
		t.Fatalf("label = %q", got)
	}
	if m.Timing.Caps.Current.Handle != f.modes[0].Handle {
		t.Fatal("mode changed although nothing was accepted")
	}
	if chk, _ := f.health.Get("DP-1"); chk.Status != health.Degraded {
		t.Fatalf("health = %s, want degraded", chk.Status)
	}
}

func TestEngineApplyStrategyErrors(t *testing.T) {
	f := newEngineFixture(t, false, false, memory.Rules{}, 60)
	m := f.monitor(t)

	err := f.engine.applyStrategy(m, 23.976)
	if !errors.Is(err, ErrNoCompatibleMode) {
		t.Fatalf("err = %v, want ErrNoCompatibleMode", err)
	}
	if len(f.backend.Calls()) != 0 {
		t.Fatal("display touched without a candidate")
	}
}

func TestEngineDetectionRetryExhaustion(t *testing.T) {
	f := newEngineFixture(t, false, true, memory.Rules{}, 60)
	c := f.fullscreen(t, "mpv", ContentVideo)

	for i := 0; i < 30; i++ {
		interval := 10 * time.Millisecond
		if i%2 == 1 {
			interval = 40 * time.Millisecond
		}
		f.play("mpv", 1, interval)
	}

	if c.Timing.Phase != PhaseLocked || c.Timing.DetectedHz != 0 || c.Timing.RetryCount != maxDetectRetries {
		t.Fatalf("state = %+v", c.Timing)
	}
	if f.monitor(t).Timing.Active.Kind != StrategyNone {
		t.Fatal("strategy applied without a detected rate")
	}
	for _, call := range f.backend.Calls() {
		if call.Op == "commit" {
			t.Fatalf("unexpected commit %+v", call)
		}
	}
}

func TestEngineGameVRR(t *testing.T) {
	f := newEngineFixture(t, true, true, memory.Rules{}, 144)
	c := f.fullscreen(t, "game", ContentGame)
	m := f.monitor(t)

	if !m.Timing.GameVRRActive || m.Timing.Active.Kind != StrategyVRR {
		t.Fatalf("game vrr not active: %+v", m.Timing)
	}
	if got, want := f.labels.last(), fmt.Sprintf("VRR %.3f Hz", m.Timing.MaxRefreshHz()); got != want {
		t.Fatalf("label = %q, want %q", got, want)
	}

	f.play("game", 60, ms(22.222))

	if math.Abs(m.Timing.GameVRRTargetFPS-45) > 0.01 {
		t.Fatalf("game target = %v, want 45", m.Timing.GameVRRTargetFPS)
	}
	if got := f.labels.last(); got != "VRR 45.000 Hz" {
		t.Fatalf("label = %q", got)
	}
	if c.Timing.Phase != PhaseScanning {
		t.Fatalf("game vrr should bypass detection, phase = %v", c.Timing.Phase)
	}
}

func TestEngineAdaptiveSyncToggle(t *testing.T) {
	f := newEngineFixture(t, true, true, memory.Rules{}, 144)
	c := f.fullscreen(t, "mpv", ContentVideo)
	f.play("mpv", 16, ms(41.708))

	m := f.monitor(t)
	if m.Timing.Active.Kind != StrategyVRR {
		t.Fatalf("strategy = %s", m.Timing.Active.Kind)
	}

	f.engine.SetAdaptiveSync(false, f.now)
	if m.Timing.Active.Kind != StrategyNone || f.backend.AdaptiveSync("DP-1") {
		t.Fatal("vrr survived disabling adaptive sync")
	}
	if c.Timing.Phase != PhaseScanning {
		t.Fatalf("detection not restarted, phase = %v", c.Timing.Phase)
	}

	f.play("mpv", 16, ms(41.708))
	if m.Timing.Active.Kind != StrategySynthesizedMode {
		t.Fatalf("strategy = %s, want synthesized-mode", m.Timing.Active.Kind)
	}
	if hz := m.Timing.Caps.Current.RefreshHz(); math.Abs(hz-47.952) > 0.01 {
		t.Fatalf("refresh = %v, want 47.952", hz)
	}
}

func TestEngineUnknownNames(t *testing.T) {
	f := newEngineFixture(t, false, true, memory.Rules{}, 60)
	f.engine.MapClient("mpv")

	if err := f.engine.EnterFullscreen("mpv", "HDMI-9", t0); !errors.Is(err, ErrUnknownMonitor) {
		t.Errorf("EnterFullscreen unknown monitor: %v", err)
	}
	if err := f.engine.EnterFullscreen("ghost", "DP-1", t0); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("EnterFullscreen unknown client: %v", err)
	}
	if err := f.engine.ExitFullscreen("ghost", t0); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("ExitFullscreen: %v", err)
	}
	if err := f.engine.SetContentHints("ghost", ContentVideo, false); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("SetContentHints: %v", err)
	}
	if _, err := f.engine.OnVblank("HDMI-9", t0, false); !errors.Is(err, ErrUnknownMonitor) {
		t.Errorf("OnVblank: %v", err)
	}
	if err := f.engine.OnPresented("HDMI-9", Feedback{}); !errors.Is(err, ErrUnknownMonitor) {
		t.Errorf("OnPresented: %v", err)
	}
	if err := f.engine.DisableMonitor("HDMI-9"); !errors.Is(err, ErrUnknownMonitor) {
		t.Errorf("DisableMonitor: %v", err)
	}
	// Commits from unknown clients are dropped silently.
	f.engine.OnBufferCommitted("ghost", 1, t0)
}

func TestEngineDisableMonitorResetsClient(t *testing.T) {
	f := newEngineFixture(t, false, true, memory.Rules{}, 60)
	c := f.fullscreen(t, "mpv", ContentVideo)
	f.play("mpv", 16, ms(16.683))

	if err := f.engine.DisableMonitor("DP-1"); err != nil {
		t.Fatal(err)
	}
	if c.Fullscreen() || c.Timing.Phase != PhaseScanning {
		t.Fatalf("client not reset: %+v", c.Timing)
	}
	if _, ok := f.health.Get("DP-1"); ok {
		t.Fatal("health still tracks the disabled output")
	}
	if snaps := f.engine.Snapshot(f.now); len(snaps) != 0 {
		t.Fatalf("snapshots = %d", len(snaps))
	}
}

func TestEngineVblankPacingAndSnapshot(t *testing.T) {
	// A virtual output keeps the 120 Hz mode: no mode synthesis.
	f := newEngineFixture(t, false, false, memory.Rules{}, 120)
	f.fullscreen(t, "mpv", ContentVideo)
	f.engine.SetFPSCap(0)

	// Interleave 24 fps content with 120 Hz vblanks.
	vblank := ms(8.333)
	var repeats, commits int
	for i := 0; i < 200; i++ {
		f.now = f.now.Add(vblank)
		if i%5 == 0 {
			f.buf++
			f.engine.OnBufferCommitted("mpv", f.buf, f.now)
			f.engine.CheckFramerates(f.now)
		}
		res, err := f.engine.OnVblank("DP-1", f.now, false)
		if err != nil {
			t.Fatal(err)
		}
		switch res.Decision {
		case DecisionRepeat:
			repeats++
		case DecisionCommit:
			commits++
			_ = f.engine.OnPresented("DP-1", Feedback{VblankTime: f.now, CommitDuration: time.Millisecond})
		}
	}
	if repeats == 0 || commits == 0 {
		t.Fatalf("repeats = %d commits = %d", repeats, commits)
	}

	snaps := f.engine.Snapshot(f.now)
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d", len(snaps))
	}
	s := snaps[0]
	if s.Client != "mpv" || s.Phase != PhaseLocked.String() || s.DetectedHz != 24 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.RepeatCount != 5 || s.Strategy != StrategyExistingMode.String() {
		t.Fatalf("snapshot = %+v", s)
	}
	if math.Abs(s.Stats.VblankMs-8.333) > 0.01 {
		t.Fatalf("vblank estimate = %v ms", s.Stats.VblankMs)
	}
	if s.Stats.FramesRepeated == 0 || s.Stats.FramesPresented == 0 {
		t.Fatalf("stats = %+v", s.Stats)
	}
}
