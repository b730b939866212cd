package timing

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/breeze-rmm/frametiming/internal/display"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cvt(t *testing.T, w, h int, hz float64) display.TimingDescriptor {
	t.Helper()
	td, err := display.GenerateCVTMode(w, h, hz)
	if err != nil {
		t.Fatalf("GenerateCVTMode(%d, %d, %v): %v", w, h, hz, err)
	}
	return td
}

// modes1080 builds native 1920x1080 modes with sequential handles. The first
// refresh is the current mode.
func modes1080(t *testing.T, refresh ...float64) []display.Mode {
	t.Helper()
	out := make([]display.Mode, len(refresh))
	for i, hz := range refresh {
		out[i] = display.Mode{Handle: display.ModeHandle(i + 1), Timing: cvt(t, 1920, 1080, hz)}
	}
	return out
}

func newState(t *testing.T, vrr, hardware bool, refresh ...float64) *DisplayTimingState {
	t.Helper()
	modes := modes1080(t, refresh...)
	return NewDisplayTimingState(Capabilities{
		VRRCapable:     vrr,
		HardwareBacked: hardware,
		Modes:          modes,
		Current:        modes[0],
	}, true)
}

// steady returns n timestamps spaced interval apart starting at t0.
func steady(n int, interval time.Duration) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = t0.Add(time.Duration(i) * interval)
	}
	return out
}

func ms(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}
