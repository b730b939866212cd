package display

import (
	"fmt"
	"math"
)

// CVT reduced-blanking (v1) constants.
const (
	cvtCellGranularity = 8
	cvtRBHBlank        = 160 // pixels
	cvtRBHSync         = 32  // pixels
	cvtRBHFrontPorch   = 48  // pixels, HBlank minus sync minus 80px back porch
	cvtRBMinVBlankUs   = 460.0
	cvtRBVFrontPorch   = 3 // lines
	cvtRBMinVBackPorch = 6 // lines
)

// cvtVSyncWidth picks the vertical sync width that encodes the aspect ratio.
func cvtVSyncWidth(width, height int) int {
	switch {
	case height%3 == 0 && height*4/3 == width:
		return 4
	case height%9 == 0 && height*16/9 == width:
		return 5
	case height%10 == 0 && height*16/10 == width:
		return 6
	case height%4 == 0 && height*5/4 == width,
		height%9 == 0 && height*15/9 == width:
		return 7
	default:
		return 10
	}
}

// GenerateCVTMode synthesizes CVT reduced-blanking timings for the given
// resolution and refresh rate. The pixel clock is targetHz*hTotal*vTotal/1000
// rounded to the nearest kHz.
func GenerateCVTMode(width, height int, targetHz float64) (TimingDescriptor, error) {
	if width <= 0 || height <= 0 || targetHz <= 0 {
		return TimingDescriptor{}, fmt.Errorf("invalid cvt request %dx%d@%.3f: %w", width, height, targetHz, ErrUnsupported)
	}

	hActive := width / cvtCellGranularity * cvtCellGranularity
	vActive := height
	vSync := cvtVSyncWidth(hActive, vActive)

	// Estimated horizontal period in microseconds, leaving room for the
	// minimum vertical blanking interval.
	hPeriodUs := (1000000.0/targetHz - cvtRBMinVBlankUs) / float64(vActive)
	if hPeriodUs <= 0 {
		return TimingDescriptor{}, fmt.Errorf("refresh %.3f Hz too high for %d lines: %w", targetHz, vActive, ErrUnsupported)
	}

	vblankLines := int(math.Floor(cvtRBMinVBlankUs/hPeriodUs)) + 1
	if minLines := cvtRBVFrontPorch + vSync + cvtRBMinVBackPorch; vblankLines < minLines {
		vblankLines = minLines
	}

	hTotal := hActive + cvtRBHBlank
	vTotal := vActive + vblankLines
	if hTotal > math.MaxUint16 || vTotal > math.MaxUint16 {
		return TimingDescriptor{}, fmt.Errorf("timings for %dx%d exceed 16-bit range: %w", width, height, ErrUnsupported)
	}

	clock := math.Round(targetHz * float64(hTotal) * float64(vTotal) / 1000)

	t := TimingDescriptor{
		Clock:      uint32(clock),
		HDisplay:   uint16(hActive),
		HSyncStart: uint16(hActive + cvtRBHFrontPorch),
		HSyncEnd:   uint16(hActive + cvtRBHFrontPorch + cvtRBHSync),
		HTotal:     uint16(hTotal),
		VDisplay:   uint16(vActive),
		VSyncStart: uint16(vActive + cvtRBVFrontPorch),
		VSyncEnd:   uint16(vActive + cvtRBVFrontPorch + vSync),
		VTotal:     uint16(vTotal),
		Flags:      FlagPHSync | FlagNVSync,
	}
	t.Name = fmt.Sprintf("%dx%dR_%.3f", hActive, vActive, t.Refresh())
	return t, nil
}

// GenerateFixedMode keeps every timing field of a verified base mode and only
// raises the pixel clock to reach targetHz. The clock is rounded up to the next
// kHz, so the achieved refresh is never below targetHz.
func GenerateFixedMode(base TimingDescriptor, targetHz float64) (TimingDescriptor, error) {
	if base.HTotal == 0 || base.VTotal == 0 {
		return TimingDescriptor{}, fmt.Errorf("base mode %q has no totals: %w", base.Name, ErrUnsupported)
	}
	if targetHz <= 0 {
		return TimingDescriptor{}, fmt.Errorf("invalid target refresh %.3f: %w", targetHz, ErrUnsupported)
	}

	clock := math.Ceil(float64(base.HTotal) * float64(base.VTotal) * targetHz / 1000)
	if clock > math.MaxUint32 {
		return TimingDescriptor{}, fmt.Errorf("pixel clock for %.3f Hz overflows: %w", targetHz, ErrUnsupported)
	}

	t := base
	t.Clock = uint32(clock)
	t.Name = fmt.Sprintf("%dx%dF_%.3f", t.HDisplay, t.VDisplay, t.Refresh())
	return t, nil
}
