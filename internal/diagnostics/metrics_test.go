package diagnostics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/breeze-rmm/frametiming/internal/timing"
)

func snapshot(name string, presented, dropped uint64) timing.MonitorSnapshot {
	return timing.MonitorSnapshot{
		Name:       name,
		Strategy:   "existing-mode",
		RefreshHz:  59.94,
		DetectedHz: 59.94,
		VRRActive:  false,
		Stats: timing.StatsSnapshot{
			FramesPresented: presented,
			FramesDropped:   dropped,
			JudderScore:     12,
		},
	}
}

func TestCollectorGauges(t *testing.T) {
	c := NewCollector()
	snap := snapshot("DP-1", 10, 0)
	snap.GameVRRActive = true
	c.Observe([]timing.MonitorSnapshot{snap})

	if got := testutil.ToFloat64(c.refreshHz.WithLabelValues("DP-1")); got != 59.94 {
		t.Fatalf("refresh_hz = %v, want 59.94", got)
	}
	if got := testutil.ToFloat64(c.judderScore.WithLabelValues("DP-1")); got != 12 {
		t.Fatalf("judder_score = %v, want 12", got)
	}
	if got := testutil.ToFloat64(c.vrrActive.WithLabelValues("DP-1", "game")); got != 1 {
		t.Fatalf("vrr_active{path=game} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.vrrActive.WithLabelValues("DP-1", "video")); got != 0 {
		t.Fatalf("vrr_active{path=video} = %v, want 0", got)
	}
}

func TestCollectorCountersFollowCumulativeStats(t *testing.T) {
	c := NewCollector()
	c.Observe([]timing.MonitorSnapshot{snapshot("DP-1", 10, 1)})
	c.Observe([]timing.MonitorSnapshot{snapshot("DP-1", 25, 1)})

	if got := testutil.ToFloat64(c.frames.WithLabelValues("DP-1", "presented")); got != 25 {
		t.Fatalf("presented = %v, want 25", got)
	}
	if got := testutil.ToFloat64(c.frames.WithLabelValues("DP-1", "dropped")); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}

	// Re-enabled monitor: counts restart.
	c.Observe([]timing.MonitorSnapshot{snapshot("DP-1", 5, 0)})
	if got := testutil.ToFloat64(c.frames.WithLabelValues("DP-1", "presented")); got != 30 {
		t.Fatalf("presented after reset = %v, want 30", got)
	}
}

func TestCollectorForgetsRemovedMonitors(t *testing.T) {
	c := NewCollector()
	c.Observe([]timing.MonitorSnapshot{snapshot("DP-1", 1, 0), snapshot("HDMI-A-1", 1, 0)})
	if got := testutil.CollectAndCount(c.refreshHz); got != 2 {
		t.Fatalf("refresh_hz series = %d, want 2", got)
	}

	c.Observe([]timing.MonitorSnapshot{snapshot("DP-1", 2, 0)})
	if got := testutil.CollectAndCount(c.refreshHz); got != 1 {
		t.Fatalf("refresh_hz series after removal = %d, want 1", got)
	}
}

func TestCollectorModeChanges(t *testing.T) {
	c := NewCollector()
	c.ModeChanged("DP-1")
	c.ModeChanged("DP-1")
	if got := testutil.ToFloat64(c.modeChanges.WithLabelValues("DP-1")); got != 2 {
		t.Fatalf("mode_changes_total = %v, want 2", got)
	}
}
