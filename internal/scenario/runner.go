package scenario

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/breeze-rmm/frametiming/internal/clock"
	"github.com/breeze-rmm/frametiming/internal/display/memory"
	"github.com/breeze-rmm/frametiming/internal/health"
	"github.com/breeze-rmm/frametiming/internal/logging"
	"github.com/breeze-rmm/frametiming/internal/timing"
)

// Scenario timelines start here so runs are reproducible.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	simCommitDuration = time.Millisecond
	simInputLatency   = 4 * time.Millisecond
)

// Options tune a Runner.
type Options struct {
	// Notifier also receives every mode change label, for example an OSD.
	Notifier timing.Notifier
	// Health receives monitor health; a fresh tracker is used when nil.
	Health *health.Tracker
	// OnTick is called after every framerate check with the engine snapshot.
	OnTick func(now time.Time, snaps []timing.MonitorSnapshot)
	Logger *slog.Logger
}

// Result is the outcome of a run.
type Result struct {
	Name     string                   `json:"name"`
	Duration time.Duration            `json:"duration"`
	Monitors []timing.MonitorSnapshot `json:"monitors"`
	Labels   map[string][]string      `json:"labels"`
	Calls    int                      `json:"backendCalls"`
	Health   map[string]any           `json:"health"`
	Failures []string                 `json:"failures,omitempty"`
}

// Passed reports whether every expectation held.
func (r *Result) Passed() bool { return len(r.Failures) == 0 }

// Runner replays a Scenario against an Engine on a memory backend.
type Runner struct {
	sc      *Scenario
	opts    Options
	clock   *clock.Manual
	backend *memory.Backend
	engine  *timing.Engine
	health  *health.Tracker
	log     *slog.Logger

	labels    *labelRecorder
	buf       timing.BufferID
	lastCheck time.Time
}

// NewRunner builds the backend and engine for sc.
func NewRunner(sc *Scenario, opts Options) (*Runner, error) {
	r := &Runner{
		sc:      sc,
		opts:    opts,
		clock:   clock.NewManual(epoch),
		backend: memory.New(),
		health:  opts.Health,
		log:     opts.Logger,
		labels:  &labelRecorder{byMonitor: make(map[string][]string), next: opts.Notifier},
	}
	if r.health == nil {
		r.health = health.NewTracker()
	}
	if r.log == nil {
		r.log = logging.L("scenario")
	}

	adaptive := true
	if sc.AdaptiveSync != nil {
		adaptive = *sc.AdaptiveSync
	}
	r.engine = timing.NewEngine(r.backend, timing.Options{
		AdaptiveSyncEnabled: adaptive,
		FPSCap:              sc.FPSCap,
		Notifier:            r.labels,
		Health:              r.health,
		Logger:              r.log,
	})

	now := r.clock.Now()
	for _, m := range sc.Monitors {
		timings, err := m.Timings()
		if err != nil {
			return nil, fmt.Errorf("monitor %s: %w", m.Name, err)
		}
		modes := r.backend.AddOutput(m.Name, m.Rules, timings...)
		r.engine.EnableMonitor(m.Name, timing.Capabilities{
			VRRCapable:     m.VRR,
			HardwareBacked: !m.Virtual,
			Modes:          modes,
			Current:        modes[0],
		}, now)
	}
	for _, c := range sc.Clients {
		r.engine.MapClient(c.ID)
		if err := r.engine.SetContentHints(c.ID, c.ContentKind(), c.Tearing); err != nil {
			return nil, err
		}
	}
	r.lastCheck = now
	return r, nil
}

// Engine exposes the engine under test.
func (r *Runner) Engine() *timing.Engine { return r.engine }

// Backend exposes the memory backend.
func (r *Runner) Backend() *memory.Backend { return r.backend }

// Run executes every event and evaluates the expectations.
func (r *Runner) Run() (*Result, error) {
	for i, ev := range r.sc.Events {
		if err := r.apply(ev); err != nil {
			return nil, fmt.Errorf("event %d (%s): %w", i, ev.Type, err)
		}
	}
	now := r.clock.Now()
	r.check(now)

	res := &Result{
		Name:     r.sc.Name,
		Duration: now.Sub(epoch),
		Monitors: r.engine.Snapshot(now),
		Labels:   r.labels.snapshot(),
		Calls:    len(r.backend.Calls()),
		Health:   r.health.Summary(),
	}
	res.Failures = r.verify(res)
	return res, nil
}

func (r *Runner) apply(ev Event) error {
	now := r.clock.Now()
	switch ev.Type {
	case EventFullscreen:
		return r.engine.EnterFullscreen(ev.Client, ev.Monitor, now)
	case EventExitFullscreen:
		return r.engine.ExitFullscreen(ev.Client, now)
	case EventPlay:
		return r.play(ev)
	case EventVblanks:
		for i := 0; i < ev.Count; i++ {
			if err := r.vblank(ev.Monitor); err != nil {
				return err
			}
		}
		return nil
	case EventWait:
		r.advance(msToDuration(ev.Ms))
		return nil
	case EventAdaptiveSync:
		r.engine.SetAdaptiveSync(ev.Enabled, now)
		return nil
	case EventFPSCap:
		r.engine.SetFPSCap(ev.FPS)
		return nil
	case EventRules:
		r.backend.SetRules(ev.Monitor, *ev.Rules)
		return nil
	}
	return fmt.Errorf("unknown event type %q", ev.Type)
}

// play commits ev.Frames buffers. With Vblanks set the client's monitor
// refreshes in between at its current rate, so pacing runs as well.
func (r *Runner) play(ev Event) error {
	c, ok := r.engine.Client(ev.Client)
	if !ok {
		return fmt.Errorf("%s: %w", ev.Client, timing.ErrUnknownClient)
	}
	var monitor string
	var nextVblank time.Time
	if ev.Vblanks {
		for _, m := range r.sc.Monitors {
			if mon, ok := r.engine.Monitor(m.Name); ok && mon.Client() == c {
				monitor = m.Name
			}
		}
		if monitor == "" {
			return errors.New("vblanks requested but client is not fullscreen")
		}
		nextVblank = r.clock.Now().Add(r.vblankInterval(monitor))
	}

	commitAt := r.clock.Now()
	for i := 0; i < ev.Frames; i++ {
		commitAt = commitAt.Add(frameInterval(ev, i))
		if monitor != "" {
			for !nextVblank.After(commitAt) {
				r.clock.Set(nextVblank)
				if err := r.vblank(monitor); err != nil {
					return err
				}
				nextVblank = nextVblank.Add(r.vblankInterval(monitor))
			}
		}
		r.clock.Set(commitAt)
		r.buf++
		r.engine.OnBufferCommitted(ev.Client, r.buf, commitAt)
		r.maybeCheck(commitAt)
	}
	return nil
}

func frameInterval(ev Event, i int) time.Duration {
	ms := ev.IntervalMs
	if len(ev.IntervalsMs) > 0 {
		ms = ev.IntervalsMs[i%len(ev.IntervalsMs)]
	}
	if ev.JitterMs != 0 {
		if i%2 == 0 {
			ms += ev.JitterMs
		} else {
			ms -= ev.JitterMs
		}
	}
	return msToDuration(ms)
}

// vblank advances to the next refresh of monitor and runs the pacer there.
func (r *Runner) vblank(monitor string) error {
	now := r.clock.Now()
	res, err := r.engine.OnVblank(monitor, now, false)
	if err != nil {
		return err
	}
	if res.Decision == timing.DecisionCommit {
		fb := timing.Feedback{
			VblankTime:     now,
			InputTime:      now.Add(-simInputLatency),
			CommitDuration: simCommitDuration,
		}
		if err := r.engine.OnPresented(monitor, fb); err != nil {
			return err
		}
	}
	r.advance(r.vblankInterval(monitor))
	return nil
}

// vblankInterval is the refresh period the output is currently driven at.
func (r *Runner) vblankInterval(monitor string) time.Duration {
	m, ok := r.engine.Monitor(monitor)
	if !ok {
		return 0
	}
	d := m.Timing
	hz := d.Caps.Current.RefreshHz()
	switch {
	case d.GameVRRActive && d.GameVRRTargetFPS > 0:
		hz = d.GameVRRTargetFPS
	case d.VRRActive && d.VRRTargetHz > 0:
		hz = d.VRRTargetHz
	}
	if hz <= 0 {
		hz = 60
	}
	return time.Duration(math.Round(float64(time.Second) / hz))
}

func (r *Runner) advance(d time.Duration) {
	now := r.clock.Advance(d)
	r.maybeCheck(now)
}

func (r *Runner) maybeCheck(now time.Time) {
	ms := r.sc.DetectIntervalMs
	if ms <= 0 {
		ms = DefaultDetectIntervalMs
	}
	interval := time.Duration(ms) * time.Millisecond
	if now.Sub(r.lastCheck) >= interval {
		r.check(now)
	}
}

func (r *Runner) check(now time.Time) {
	r.lastCheck = now
	r.engine.CheckFramerates(now)
	if r.opts.OnTick != nil {
		r.opts.OnTick(now, r.engine.Snapshot(now))
	}
}

func (r *Runner) verify(res *Result) []string {
	byName := make(map[string]timing.MonitorSnapshot, len(res.Monitors))
	for _, m := range res.Monitors {
		byName[m.Name] = m
	}

	var failures []string
	fail := func(format string, args ...any) {
		failures = append(failures, fmt.Sprintf(format, args...))
	}
	for _, ex := range r.sc.Expect {
		got := byName[ex.Monitor]
		if ex.Strategy != "" && got.Strategy != ex.Strategy {
			fail("%s: strategy %s, want %s", ex.Monitor, got.Strategy, ex.Strategy)
		}
		if ex.RefreshHz != 0 && math.Abs(got.RefreshHz-ex.RefreshHz) > 0.01 {
			fail("%s: refresh %.3f Hz, want %.3f Hz", ex.Monitor, got.RefreshHz, ex.RefreshHz)
		}
		if ex.DetectedHz != 0 && math.Abs(got.DetectedHz-ex.DetectedHz) > 0.001 {
			fail("%s: detected %.3f Hz, want %.3f Hz", ex.Monitor, got.DetectedHz, ex.DetectedHz)
		}
		if ex.Phase != "" && got.Phase != ex.Phase {
			fail("%s: phase %q, want %q", ex.Monitor, got.Phase, ex.Phase)
		}
		if ex.RepeatCount != 0 && got.RepeatCount != ex.RepeatCount {
			fail("%s: repeat count %d, want %d", ex.Monitor, got.RepeatCount, ex.RepeatCount)
		}
		if ex.LastLabel != "" {
			labels := res.Labels[ex.Monitor]
			last := ""
			if len(labels) > 0 {
				last = labels[len(labels)-1]
			}
			if last != ex.LastLabel {
				fail("%s: last label %q, want %q", ex.Monitor, last, ex.LastLabel)
			}
		}
	}
	return failures
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}

// labelRecorder keeps every label per monitor and passes it on.
type labelRecorder struct {
	mu        sync.Mutex
	byMonitor map[string][]string
	next      timing.Notifier
}

func (l *labelRecorder) NotifyModeChanged(monitor, label string) {
	l.mu.Lock()
	l.byMonitor[monitor] = append(l.byMonitor[monitor], label)
	l.mu.Unlock()
	if l.next != nil {
		l.next.NotifyModeChanged(monitor, label)
	}
}

func (l *labelRecorder) snapshot() map[string][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]string, len(l.byMonitor))
	for k, v := range l.byMonitor {
		out[k] = append([]string(nil), v...)
	}
	return out
}
