package display

import (
	"fmt"
	"math"
	"strings"
)

// Sync polarity and scan flags, matching the DRM mode flag bits.
const (
	FlagPHSync    uint32 = 1 << 0
	FlagNHSync    uint32 = 1 << 1
	FlagPVSync    uint32 = 1 << 2
	FlagNVSync    uint32 = 1 << 3
	FlagInterlace uint32 = 1 << 4
)

// TimingDescriptor is a full set of scanout timings. Clock is in kHz.
type TimingDescriptor struct {
	Name       string `json:"name" yaml:"name"`
	Clock      uint32 `json:"clock" yaml:"clock"`
	HDisplay   uint16 `json:"hdisplay" yaml:"hdisplay"`
	HSyncStart uint16 `json:"hsyncStart" yaml:"hsync_start"`
	HSyncEnd   uint16 `json:"hsyncEnd" yaml:"hsync_end"`
	HTotal     uint16 `json:"htotal" yaml:"htotal"`
	VDisplay   uint16 `json:"vdisplay" yaml:"vdisplay"`
	VSyncStart uint16 `json:"vsyncStart" yaml:"vsync_start"`
	VSyncEnd   uint16 `json:"vsyncEnd" yaml:"vsync_end"`
	VTotal     uint16 `json:"vtotal" yaml:"vtotal"`
	Flags      uint32 `json:"flags" yaml:"flags"`
}

// Refresh returns the vertical refresh rate the timings produce, in Hz.
func (t TimingDescriptor) Refresh() float64 {
	if t.HTotal == 0 || t.VTotal == 0 {
		return 0
	}
	return float64(t.Clock) * 1000 / (float64(t.HTotal) * float64(t.VTotal))
}

// MilliHz returns the refresh rate in mHz, the unit compositors report.
func (t TimingDescriptor) MilliHz() int {
	return int(math.Round(t.Refresh() * 1000))
}

// SameResolution reports whether both descriptors scan out the same active area.
func (t TimingDescriptor) SameResolution(o TimingDescriptor) bool {
	return t.HDisplay == o.HDisplay && t.VDisplay == o.VDisplay
}

// Modeline renders the timings in xorg.conf Modeline syntax.
func (t TimingDescriptor) Modeline() string {
	name := t.Name
	if name == "" {
		name = fmt.Sprintf("%dx%d_%.2f", t.HDisplay, t.VDisplay, t.Refresh())
	}
	var flags []string
	if t.Flags&FlagPHSync != 0 {
		flags = append(flags, "+hsync")
	}
	if t.Flags&FlagNHSync != 0 {
		flags = append(flags, "-hsync")
	}
	if t.Flags&FlagPVSync != 0 {
		flags = append(flags, "+vsync")
	}
	if t.Flags&FlagNVSync != 0 {
		flags = append(flags, "-vsync")
	}
	if t.Flags&FlagInterlace != 0 {
		flags = append(flags, "Interlace")
	}
	line := fmt.Sprintf("Modeline %q %.2f %d %d %d %d %d %d %d %d",
		name, float64(t.Clock)/1000,
		t.HDisplay, t.HSyncStart, t.HSyncEnd, t.HTotal,
		t.VDisplay, t.VSyncStart, t.VSyncEnd, t.VTotal)
	if len(flags) > 0 {
		line += " " + strings.Join(flags, " ")
	}
	return line
}

// ModeHandle identifies a mode registered with a backend output.
type ModeHandle uint32

// Mode is a display mode known to an output. Native modes come from the
// connector's mode list; custom modes were injected with AddCustomMode.
type Mode struct {
	Handle ModeHandle       `json:"handle"`
	Timing TimingDescriptor `json:"timing"`
	Custom bool             `json:"custom"`
}

func (m Mode) Width() int         { return int(m.Timing.HDisplay) }
func (m Mode) Height() int        { return int(m.Timing.VDisplay) }
func (m Mode) RefreshHz() float64 { return m.Timing.Refresh() }

func (m Mode) String() string {
	return fmt.Sprintf("%dx%d@%.3f", m.Width(), m.Height(), m.RefreshHz())
}

// MaxRefresh returns the highest-refresh mode at the given resolution. When no
// mode matches the resolution the highest-refresh mode overall is returned.
func MaxRefresh(modes []Mode, width, height int) (Mode, bool) {
	var best Mode
	found := false
	for _, m := range modes {
		if m.Width() != width || m.Height() != height {
			continue
		}
		if !found || m.RefreshHz() > best.RefreshHz() {
			best, found = m, true
		}
	}
	if found {
		return best, true
	}
	for _, m := range modes {
		if !found || m.RefreshHz() > best.RefreshHz() {
			best, found = m, true
		}
	}
	return best, found
}

// ClosestRefresh returns the mode at the given resolution whose refresh rate is
// nearest targetHz. Custom modes are skipped so the result is always a
// hardware-verified timing.
func ClosestRefresh(modes []Mode, width, height int, targetHz float64) (Mode, bool) {
	var best Mode
	found := false
	bestDiff := math.Inf(1)
	for _, m := range modes {
		if m.Custom || m.Width() != width || m.Height() != height {
			continue
		}
		if d := math.Abs(m.RefreshHz() - targetHz); d < bestDiff {
			best, bestDiff, found = m, d, true
		}
	}
	return best, found
}
