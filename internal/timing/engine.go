package timing

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/breeze-rmm/frametiming/internal/display"
	"github.com/breeze-rmm/frametiming/internal/health"
)

var (
	ErrUnknownMonitor   = errors.New("unknown monitor")
	ErrUnknownClient    = errors.New("unknown client")
	ErrNoCompatibleMode = errors.New("no compatible mode")
)

// LabelNoCompatibleMode is the OSD text shown when no strategy could be applied.
const LabelNoCompatibleMode = "No compatible mode"

// ContentHints classify clients. The window manager supplies them.
type ContentHints interface {
	IsFullscreenOnCurrentTag(c *Client) bool
	ContentKind(c *Client) ContentKind
	WantsTearing(c *Client) bool
}

// Notifier receives human readable refresh labels such as "60.000 Hz".
type Notifier interface {
	NotifyModeChanged(monitor, label string)
}

// HealthReporter receives per-monitor backend health.
type HealthReporter interface {
	Update(name string, status health.Status, message string)
}

// Feedback is one presentation feedback event for a monitor.
type Feedback struct {
	VblankTime     time.Time
	InputTime      time.Time
	CommitDuration time.Duration
	DirectScanout  bool
	Dropped        bool
}

// Options configure an Engine.
type Options struct {
	AdaptiveSyncEnabled bool
	FPSCap              int
	Hints               ContentHints
	Notifier            Notifier
	Health              HealthReporter
	Logger              *slog.Logger
}

// Client is a mapped surface the engine tracks.
type Client struct {
	ID      string
	Timing  ContentTimingState
	Kind    ContentKind
	Tearing bool

	fullscreen bool
	monitor    *Monitor
}

// Fullscreen reports whether the client is fullscreen on a monitor.
func (c *Client) Fullscreen() bool { return c.fullscreen }

// Monitor is an enabled output with its timing state.
type Monitor struct {
	Name   string
	Timing *DisplayTimingState
	Stats  *PresentationStats

	vrr    *VRRController
	pacer  *FramePacer
	client *Client
	log    *slog.Logger
}

// Client returns the fullscreen client on the monitor, if any.
func (m *Monitor) Client() *Client { return m.client }

// EstimatedFPS returns the live content framerate seen by the pacer.
func (m *Monitor) EstimatedFPS() float64 { return m.pacer.EstimatedFPS() }

// fieldHints reads the hints straight from the Client fields.
type fieldHints struct{}

func (fieldHints) IsFullscreenOnCurrentTag(c *Client) bool { return c.fullscreen }
func (fieldHints) ContentKind(c *Client) ContentKind       { return c.Kind }
func (fieldHints) WantsTearing(c *Client) bool             { return c.Tearing }

type nopNotifier struct{}

func (nopNotifier) NotifyModeChanged(string, string) {}

type nopHealth struct{}

func (nopHealth) Update(string, health.Status, string) {}

// Engine ties detection, mode selection, VRR and pacing together. It is not
// safe for concurrent use: every method must be called from the display loop.
type Engine struct {
	backend  display.Backend
	opts     Options
	hints    ContentHints
	notifier Notifier
	health   HealthReporter
	log      *slog.Logger

	monitors map[string]*Monitor
	clients  map[string]*Client
}

func NewEngine(backend display.Backend, opts Options) *Engine {
	e := &Engine{
		backend:  backend,
		opts:     opts,
		hints:    opts.Hints,
		notifier: opts.Notifier,
		health:   opts.Health,
		log:      opts.Logger,
		monitors: make(map[string]*Monitor),
		clients:  make(map[string]*Client),
	}
	if e.hints == nil {
		e.hints = fieldHints{}
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.health == nil {
		e.health = nopHealth{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// EnableMonitor starts tracking an output.
func (e *Engine) EnableMonitor(name string, caps Capabilities, now time.Time) *Monitor {
	if old, ok := e.monitors[name]; ok && old.client != nil {
		e.resetClient(old.client)
	}
	logger := e.log.With(slog.String("monitor", name))
	state := NewDisplayTimingState(caps, e.opts.AdaptiveSyncEnabled)
	stats := NewPresentationStats(now)
	m := &Monitor{
		Name:   name,
		Timing: state,
		Stats:  stats,
		vrr:    NewVRRController(e.backend, name, logger),
		pacer:  NewFramePacer(state, stats, NewFrameLimiter(e.opts.FPSCap), logger),
		log:    logger,
	}
	e.monitors[name] = m
	e.health.Update(name, health.Healthy, "")
	logger.Info("monitor enabled",
		"mode", caps.Current.String(),
		"modes", len(caps.Modes),
		"vrrCapable", caps.VRRCapable,
		"hardware", caps.HardwareBacked)
	return m
}

// DisableMonitor stops tracking an output. A fullscreen client on it drops
// back to Scanning.
func (e *Engine) DisableMonitor(name string) error {
	m, ok := e.monitors[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownMonitor)
	}
	if m.client != nil {
		e.resetClient(m.client)
	}
	delete(e.monitors, name)
	if r, ok := e.health.(interface{ Remove(string) }); ok {
		r.Remove(name)
	}
	m.log.Info("monitor disabled")
	return nil
}

// Monitor returns a tracked monitor.
func (e *Engine) Monitor(name string) (*Monitor, bool) {
	m, ok := e.monitors[name]
	return m, ok
}

// MapClient starts tracking a client. Mapping an already mapped client returns it unchanged.
func (e *Engine) MapClient(id string) *Client {
	if c, ok := e.clients[id]; ok {
		return c
	}
	c := &Client{ID: id}
	c.Timing.Reset()
	e.clients[id] = c
	return c
}

// UnmapClient stops tracking a client, leaving fullscreen first if needed.
func (e *Engine) UnmapClient(id string, now time.Time) error {
	c, ok := e.clients[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownClient)
	}
	if c.fullscreen {
		if err := e.ExitFullscreen(id, now); err != nil {
			return err
		}
	}
	delete(e.clients, id)
	return nil
}

// Client returns a tracked client.
func (e *Engine) Client(id string) (*Client, bool) {
	c, ok := e.clients[id]
	return c, ok
}

// SetContentHints records the classification the window manager assigned.
func (e *Engine) SetContentHints(id string, kind ContentKind, tearing bool) error {
	c, ok := e.clients[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownClient)
	}
	c.Kind = kind
	c.Tearing = tearing
	return nil
}

// EnterFullscreen puts a client fullscreen on a monitor and restarts
// detection. Games on a VRR monitor go straight to the game VRR path.
func (e *Engine) EnterFullscreen(id, monitor string, now time.Time) error {
	c, ok := e.clients[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownClient)
	}
	m, ok := e.monitors[monitor]
	if !ok {
		return fmt.Errorf("%s: %w", monitor, ErrUnknownMonitor)
	}
	if c.fullscreen && c.monitor != m {
		if err := e.ExitFullscreen(id, now); err != nil {
			return err
		}
	}
	if m.client != nil && m.client != c {
		e.restoreMonitor(m)
		e.resetClient(m.client)
	}

	c.Timing.Reset()
	c.fullscreen = true
	c.monitor = m
	m.client = c
	m.Timing.resetPacing()
	m.log.Info("fullscreen entered", "client", id, "kind", e.hints.ContentKind(c).String())

	if e.hints.ContentKind(c) == ContentGame && m.Timing.VRRAllowed() {
		if err := m.vrr.EnableGame(m.Timing, now); err != nil {
			m.log.Warn("game vrr unavailable, falling back to detection", "error", err)
			return nil
		}
		m.Timing.Active = ActiveStrategy{Kind: StrategyVRR}
		e.notifier.NotifyModeChanged(m.Name, fmt.Sprintf("VRR %.3f Hz", m.Timing.GameVRRTargetFPS))
	}
	return nil
}

// ExitFullscreen restores the monitor's maximum native refresh, clears VRR
// and returns the client to Scanning.
func (e *Engine) ExitFullscreen(id string, now time.Time) error {
	c, ok := e.clients[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownClient)
	}
	m := c.monitor
	e.resetClient(c)
	if m == nil {
		return nil
	}
	e.restoreMonitor(m)
	m.log.Info("fullscreen exited", "client", id)
	return nil
}

func (e *Engine) resetClient(c *Client) {
	c.Timing.Reset()
	c.fullscreen = false
	if c.monitor != nil && c.monitor.client == c {
		c.monitor.client = nil
	}
	c.monitor = nil
}

// restoreMonitor drops any strategy and commits the maximum native mode.
func (e *Engine) restoreMonitor(m *Monitor) {
	if err := m.vrr.DisableAll(m.Timing); err != nil {
		m.log.Warn("failed to disable vrr", "error", err)
	}
	m.Timing.Active = ActiveStrategy{}
	m.Timing.resetPacing()
	m.Stats.SetJudder(0)

	best, ok := m.Timing.MaxNativeMode()
	if !ok {
		return
	}
	if best.Timing != m.Timing.Caps.Current.Timing {
		if err := e.backend.CommitMode(m.Name, best.Timing); err != nil {
			m.log.Error("failed to restore native mode", "mode", best.String(), "error", err)
			e.health.Update(m.Name, health.Unhealthy, "native mode restore failed")
			return
		}
		e.setCurrentMode(m, best)
	}
	e.notifier.NotifyModeChanged(m.Name, fmt.Sprintf("%.3f Hz", best.RefreshHz()))
}

// OnBufferCommitted is called by the surface commit path.
func (e *Engine) OnBufferCommitted(id string, buf BufferID, now time.Time) {
	c, ok := e.clients[id]
	if !ok || c.monitor == nil || !e.hints.IsFullscreenOnCurrentTag(c) {
		return
	}
	kind := e.hints.ContentKind(c)
	if kind != ContentVideo && kind != ContentGame {
		return
	}
	if !c.Timing.OnCommit(buf, now) {
		return
	}

	m := c.monitor
	m.pacer.RecordSubmission(now)
	if m.Timing.GameVRRActive {
		if UpdateGameVRR(m.Timing, m.pacer.EstimatedFPS(), now) {
			m.log.Info("game vrr target changed", "fps", m.Timing.GameVRRTargetFPS)
			e.notifier.NotifyModeChanged(m.Name, fmt.Sprintf("VRR %.3f Hz", m.Timing.GameVRRTargetFPS))
		}
	}
}

// CheckFramerates is the polling step that drives detection for every
// fullscreen client that has not locked yet.
func (e *Engine) CheckFramerates(now time.Time) {
	ids := make([]string, 0, len(e.clients))
	for id := range e.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e.checkClient(e.clients[id], now)
	}
}

func (e *Engine) checkClient(c *Client, now time.Time) {
	m := c.monitor
	if m == nil || !c.fullscreen || !e.hints.IsFullscreenOnCurrentTag(c) {
		return
	}
	kind := e.hints.ContentKind(c)
	if kind != ContentVideo && kind != ContentGame {
		return
	}
	if m.Timing.GameVRRActive {
		return
	}
	st := &c.Timing

	switch st.Phase {
	case PhaseLocked:
		return
	case PhaseScanning:
		if st.SampleCount() < MinPrecheckSamples {
			return
		}
		pre := PrecheckFramerate(st.Samples())
		st.Phase = PhaseAnalyzing
		m.log.Debug("framerate analysis started", "client", c.ID, "estimateHz", pre)
	}

	if st.SampleCount() < MinDetectSamples {
		return
	}
	hz := DetectFramerate(st.Samples())
	if hz == 0 {
		e.detectionFailed(m, c)
		return
	}
	st.DetectedHz = hz
	st.Phase = PhaseLocked
	m.log.Info("framerate locked", "client", c.ID, "hz", hz)
	if err := e.applyStrategy(m, hz); err != nil {
		m.log.Warn("no strategy applied", "client", c.ID, "hz", hz, "error", err)
	}
}

func (e *Engine) detectionFailed(m *Monitor, c *Client) {
	st := &c.Timing
	if st.RetryCount < maxDetectRetries {
		st.RetryCount++
		st.ClearSamples()
		st.Phase = PhaseScanning
		m.log.Debug("framerate detection retry", "client", c.ID, "retry", st.RetryCount)
		return
	}
	st.Phase = PhaseLocked
	st.DetectedHz = 0
	m.log.Info("framerate detection exhausted", "client", c.ID)
}

// applyStrategy walks the ranked candidates until one applies. When every
// attempt fails the previous mode is restored.
func (e *Engine) applyStrategy(m *Monitor, contentHz float64) error {
	ranked := RankStrategies(m.Timing, contentHz)
	if len(ranked) == 0 || ranked[0].Score <= 0 {
		e.notifier.NotifyModeChanged(m.Name, LabelNoCompatibleMode)
		return fmt.Errorf("%.3f Hz on %s: %w", contentHz, m.Name, ErrNoCompatibleMode)
	}

	previous := m.Timing.Caps.Current
	var errs []error
	for _, cand := range ranked {
		if cand.Score <= 0 {
			break
		}
		label, err := e.tryCandidate(m, cand, contentHz)
		if err != nil {
			m.log.Warn("strategy failed", "strategy", cand.Strategy.String(), "hz", cand.AchievedHz, "error", err)
			errs = append(errs, err)
			continue
		}
		m.Stats.SetJudder(cand.JudderMs)
		e.health.Update(m.Name, health.Healthy, "")
		m.log.Info("strategy applied",
			"strategy", cand.Strategy.String(),
			"hz", cand.AchievedHz,
			"multiplier", cand.Multiplier,
			"score", cand.Score,
			"judderMs", cand.JudderMs)
		e.notifier.NotifyModeChanged(m.Name, label)
		return nil
	}

	if m.Timing.Caps.Current.Timing != previous.Timing {
		if err := e.backend.CommitMode(m.Name, previous.Timing); err == nil {
			e.setCurrentMode(m, previous)
		} else {
			e.restoreMonitor(m)
		}
	}
	m.Timing.Active = ActiveStrategy{}
	e.health.Update(m.Name, health.Degraded, fmt.Sprintf("no mode accepted for %.3f Hz", contentHz))
	e.notifier.NotifyModeChanged(m.Name, LabelNoCompatibleMode)
	return fmt.Errorf("%.3f Hz on %s: %w: %w", contentHz, m.Name, ErrNoCompatibleMode, errors.Join(errs...))
}

func (e *Engine) tryCandidate(m *Monitor, cand Candidate, contentHz float64) (string, error) {
	switch cand.Strategy {
	case StrategyVRR:
		if err := m.vrr.EnableVideo(m.Timing, contentHz); err != nil {
			return "", err
		}
		m.Timing.Active = ActiveStrategy{Kind: StrategyVRR}
		return fmt.Sprintf("VRR %.3f Hz", contentHz), nil

	case StrategyExistingMode:
		if err := e.commitMode(m, cand.Mode); err != nil {
			return "", err
		}
		m.Timing.Active = ActiveStrategy{Kind: StrategyExistingMode, Mode: cand.Mode}
		return fmt.Sprintf("%.3f Hz", cand.Mode.RefreshHz()), nil

	case StrategySynthesizedMode:
		mode, err := e.synthesize(m, cand.AchievedHz)
		if err != nil {
			return "", err
		}
		m.Timing.Active = ActiveStrategy{Kind: StrategySynthesizedMode, Mode: mode}
		return fmt.Sprintf("%.3f Hz", mode.RefreshHz()), nil
	}
	return "", fmt.Errorf("strategy %s: %w", cand.Strategy, display.ErrUnsupported)
}

// commitMode tests and commits a mode, leaving any VRR path first.
func (e *Engine) commitMode(m *Monitor, mode display.Mode) error {
	if err := m.vrr.DisableAll(m.Timing); err != nil {
		return err
	}
	if mode.Timing == m.Timing.Caps.Current.Timing {
		return nil
	}
	if err := e.backend.TestMode(m.Name, mode.Timing); err != nil {
		return fmt.Errorf("test %s: %w", mode, err)
	}
	if err := e.backend.CommitMode(m.Name, mode.Timing); err != nil {
		return fmt.Errorf("commit %s: %w", mode, err)
	}
	e.setCurrentMode(m, mode)
	return nil
}

// synthesize builds custom timings for targetHz. A fixed-clock variant of
// a verified mode is tried before CVT.
func (e *Engine) synthesize(m *Monitor, targetHz float64) (display.Mode, error) {
	caps := &m.Timing.Caps
	if !caps.HardwareBacked {
		return display.Mode{}, fmt.Errorf("mode synthesis on %s: %w", m.Name, display.ErrUnsupported)
	}
	width, height := caps.Current.Width(), caps.Current.Height()

	var timings []display.TimingDescriptor
	if base, ok := display.ClosestRefresh(caps.Modes, width, height, targetHz); ok {
		if t, err := display.GenerateFixedMode(base.Timing, targetHz); err == nil {
			timings = append(timings, t)
		}
	}
	if t, err := display.GenerateCVTMode(width, height, targetHz); err == nil {
		timings = append(timings, t)
	}

	var errs []error
	for _, t := range timings {
		mode, err := e.customMode(m, t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.commitMode(m, mode); err != nil {
			errs = append(errs, err)
			continue
		}
		return mode, nil
	}
	if len(errs) == 0 {
		return display.Mode{}, fmt.Errorf("no timings for %.3f Hz: %w", targetHz, display.ErrUnsupported)
	}
	return display.Mode{}, errors.Join(errs...)
}

// customMode returns the registered mode for t, adding it to the output once.
func (e *Engine) customMode(m *Monitor, t display.TimingDescriptor) (display.Mode, error) {
	for _, existing := range m.Timing.Caps.Modes {
		if existing.Custom && existing.Timing == t {
			return existing, nil
		}
	}
	mode, err := e.backend.AddCustomMode(m.Name, t)
	if err != nil {
		return display.Mode{}, fmt.Errorf("add %s: %w", t.Name, err)
	}
	m.Timing.Caps.Modes = append(m.Timing.Caps.Modes, mode)
	return mode, nil
}

func (e *Engine) setCurrentMode(m *Monitor, mode display.Mode) {
	m.Timing.Caps.Current = mode
	m.Timing.PresentInterval = 0
	m.Stats.ResetVblank()
}

// OnVblank runs the frame pacer for a monitor.
func (e *Engine) OnVblank(name string, now time.Time, directScanout bool) (PaceResult, error) {
	m, ok := e.monitors[name]
	if !ok {
		return PaceResult{}, fmt.Errorf("%s: %w", name, ErrUnknownMonitor)
	}
	m.Timing.PresentInterval = m.Stats.RecordVblank(now)
	in := VblankInput{Now: now, DirectScanout: directScanout}
	if c := m.client; c != nil && e.hints.IsFullscreenOnCurrentTag(c) {
		in.Kind = e.hints.ContentKind(c)
		in.WantsTearing = e.hints.WantsTearing(c)
	}
	return m.pacer.Decide(in), nil
}

// OnPresented feeds presentation feedback into the monitor's statistics.
func (e *Engine) OnPresented(name string, fb Feedback) error {
	m, ok := e.monitors[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownMonitor)
	}
	m.Stats.RecordPresented(fb)
	return nil
}

// SetAdaptiveSync applies a change of the user's adaptive sync setting.
// Disabling it drops any VRR strategy and restarts detection so a fixed
// mode can be chosen instead.
func (e *Engine) SetAdaptiveSync(enabled bool, now time.Time) {
	e.opts.AdaptiveSyncEnabled = enabled
	for _, m := range e.sortedMonitors() {
		m.Timing.AdaptiveSyncEnabled = enabled
		if enabled || m.Timing.Active.Kind != StrategyVRR {
			continue
		}
		if err := m.vrr.DisableAll(m.Timing); err != nil {
			m.log.Warn("failed to disable vrr", "error", err)
		}
		m.Timing.Active = ActiveStrategy{}
		if c := m.client; c != nil {
			c.Timing.Reset()
		}
	}
}

// SetFPSCap replaces the FPS cap on every monitor. Zero disables it.
func (e *Engine) SetFPSCap(fps int) {
	e.opts.FPSCap = fps
	for _, m := range e.monitors {
		m.pacer.SetLimiter(NewFrameLimiter(fps))
	}
}

func (e *Engine) sortedMonitors() []*Monitor {
	out := make([]*Monitor, 0, len(e.monitors))
	for _, m := range e.monitors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MonitorSnapshot is the read-only view diagnostics consume.
type MonitorSnapshot struct {
	Name             string        `json:"name"`
	Strategy         string        `json:"strategy"`
	RefreshHz        float64       `json:"refreshHz"`
	Client           string        `json:"client,omitempty"`
	Phase            string        `json:"phase,omitempty"`
	DetectedHz       float64       `json:"detectedHz"`
	VRRActive        bool          `json:"vrrActive"`
	VRRTargetHz      float64       `json:"vrrTargetHz"`
	GameVRRActive    bool          `json:"gameVrrActive"`
	GameVRRTargetFPS float64       `json:"gameVrrTargetFps"`
	RepeatCount      int           `json:"repeatCount"`
	EstimatedFPS     float64       `json:"estimatedFps"`
	DirectScanout    bool          `json:"directScanout"`
	Stats            StatsSnapshot `json:"stats"`
}

// Snapshot copies the state of every monitor, sorted by name.
func (e *Engine) Snapshot(now time.Time) []MonitorSnapshot {
	monitors := e.sortedMonitors()
	out := make([]MonitorSnapshot, 0, len(monitors))
	for _, m := range monitors {
		d := m.Timing
		snap := MonitorSnapshot{
			Name:             m.Name,
			Strategy:         d.Active.Kind.String(),
			RefreshHz:        d.Caps.Current.RefreshHz(),
			VRRActive:        d.VRRActive,
			VRRTargetHz:      d.VRRTargetHz,
			GameVRRActive:    d.GameVRRActive,
			GameVRRTargetFPS: d.GameVRRTargetFPS,
			RepeatCount:      d.FrameRepeat.Count,
			EstimatedFPS:     m.pacer.EstimatedFPS(),
			DirectScanout:    d.DirectScanoutActive,
			Stats:            m.Stats.Snapshot(now),
		}
		if c := m.client; c != nil {
			snap.Client = c.ID
			snap.Phase = c.Timing.Phase.String()
			snap.DetectedHz = c.Timing.DetectedHz
		}
		out = append(out, snap)
	}
	return out
}
