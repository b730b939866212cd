// Package diagnostics exposes engine state to observers: Prometheus metrics,
// a websocket stream of stats and logs, and a health endpoint.
package diagnostics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/breeze-rmm/frametiming/internal/timing"
)

const namespace = "frametiming"

// Collector mirrors monitor snapshots into Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Gauges
	refreshHz    *prometheus.GaugeVec
	detectedHz   *prometheus.GaugeVec
	estimatedFPS *prometheus.GaugeVec
	vrrActive    *prometheus.GaugeVec
	repeatCount  *prometheus.GaugeVec
	judderScore  *prometheus.GaugeVec
	latencyMin   *prometheus.GaugeVec
	latencyMax   *prometheus.GaugeVec
	vblankMs     *prometheus.GaugeVec
	predictAcc   *prometheus.GaugeVec

	// Counters
	frames      *prometheus.CounterVec
	modeChanges *prometheus.CounterVec

	// Last seen cumulative counts, keyed by monitor then frame kind.
	mu   sync.Mutex
	last map[string]map[string]uint64
}

// NewCollector registers every metric on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	perMonitor := []string{"monitor"}

	c := &Collector{
		registry: reg,
		last:     make(map[string]map[string]uint64),
	}

	c.refreshHz = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "refresh_hz",
		Help:      "Refresh rate of the committed mode",
	}, perMonitor)

	c.detectedHz = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "detected_hz",
		Help:      "Locked content framerate, 0 when unknown",
	}, perMonitor)

	c.estimatedFPS = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "estimated_fps",
		Help:      "Live content framerate seen by the pacer",
	}, perMonitor)

	c.vrrActive = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vrr_active",
		Help:      "1 when adaptive sync is driving the output",
	}, []string{"monitor", "path"})

	c.repeatCount = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "frame_repeat_count",
		Help:      "Vblanks each content frame is held for",
	}, perMonitor)

	c.judderScore = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "judder_score",
		Help:      "Judder score of the active strategy (0 to 100)",
	}, perMonitor)

	c.latencyMin = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "latency_min_ms",
		Help:      "Minimum input to commit latency",
	}, perMonitor)

	c.latencyMax = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "latency_max_ms",
		Help:      "Maximum input to commit latency",
	}, perMonitor)

	c.vblankMs = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vblank_interval_ms",
		Help:      "Smoothed measured vblank interval",
	}, perMonitor)

	c.predictAcc = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "prediction_accuracy_ratio",
		Help:      "Share of frames arriving within 2ms of the prediction",
	}, perMonitor)

	c.frames = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Frames by outcome",
	}, []string{"monitor", "outcome"})

	c.modeChanges = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mode_changes_total",
		Help:      "Mode change notifications shown",
	}, perMonitor)

	return c
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Observe updates every metric from snapshots. Monitors missing from snaps
// have their series removed.
func (c *Collector) Observe(snaps []timing.MonitorSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(snaps))
	for _, s := range snaps {
		seen[s.Name] = true
		c.refreshHz.WithLabelValues(s.Name).Set(s.RefreshHz)
		c.detectedHz.WithLabelValues(s.Name).Set(s.DetectedHz)
		c.estimatedFPS.WithLabelValues(s.Name).Set(s.EstimatedFPS)
		c.vrrActive.WithLabelValues(s.Name, "video").Set(boolGauge(s.VRRActive))
		c.vrrActive.WithLabelValues(s.Name, "game").Set(boolGauge(s.GameVRRActive))
		c.repeatCount.WithLabelValues(s.Name).Set(float64(s.RepeatCount))
		c.judderScore.WithLabelValues(s.Name).Set(float64(s.Stats.JudderScore))
		c.latencyMin.WithLabelValues(s.Name).Set(s.Stats.MinLatencyMs)
		c.latencyMax.WithLabelValues(s.Name).Set(s.Stats.MaxLatencyMs)
		c.vblankMs.WithLabelValues(s.Name).Set(s.Stats.VblankMs)
		c.predictAcc.WithLabelValues(s.Name).Set(s.Stats.PredictionAccuracy)

		c.addFrames(s.Name, map[string]uint64{
			"presented": s.Stats.FramesPresented,
			"dropped":   s.Stats.FramesDropped,
			"held":      s.Stats.FramesHeld,
			"repeated":  s.Stats.FramesRepeated,
			"limited":   s.Stats.FramesLimited,
			"scanout":   s.Stats.ScanoutFrames,
		})
	}

	for name := range c.last {
		if !seen[name] {
			c.forget(name)
		}
	}
}

// addFrames turns cumulative counts into counter increments. A count that
// went backwards means the monitor was re-enabled, so it restarts from zero.
func (c *Collector) addFrames(monitor string, counts map[string]uint64) {
	prev, ok := c.last[monitor]
	if !ok {
		prev = make(map[string]uint64, len(counts))
		c.last[monitor] = prev
	}
	for outcome, n := range counts {
		base := prev[outcome]
		if n < base {
			base = 0
		}
		if n > base {
			c.frames.WithLabelValues(monitor, outcome).Add(float64(n - base))
		}
		prev[outcome] = n
	}
}

func (c *Collector) forget(monitor string) {
	delete(c.last, monitor)
	match := prometheus.Labels{"monitor": monitor}
	for _, vec := range []*prometheus.GaugeVec{
		c.refreshHz, c.detectedHz, c.estimatedFPS, c.vrrActive, c.repeatCount,
		c.judderScore, c.latencyMin, c.latencyMax, c.vblankMs, c.predictAcc,
	} {
		vec.DeletePartialMatch(match)
	}
	c.frames.DeletePartialMatch(match)
}

// ModeChanged counts a mode change notification for monitor.
func (c *Collector) ModeChanged(monitor string) {
	c.modeChanges.WithLabelValues(monitor).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
