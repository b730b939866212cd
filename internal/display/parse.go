package display

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseModeline parses xorg Modeline syntax, with or without the leading
// "Modeline" keyword.
func ParseModeline(s string) (TimingDescriptor, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) > 0 && strings.EqualFold(fields[0], "modeline") {
		fields = fields[1:]
	}
	if len(fields) < 10 {
		return TimingDescriptor{}, fmt.Errorf("modeline %q: want name, clock and 8 timings", s)
	}

	var t TimingDescriptor
	t.Name = strings.Trim(fields[0], `"`)

	mhz, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || mhz <= 0 {
		return TimingDescriptor{}, fmt.Errorf("modeline %q: bad clock %q", s, fields[1])
	}
	t.Clock = uint32(math.Round(mhz * 1000))

	dst := []*uint16{
		&t.HDisplay, &t.HSyncStart, &t.HSyncEnd, &t.HTotal,
		&t.VDisplay, &t.VSyncStart, &t.VSyncEnd, &t.VTotal,
	}
	for i, p := range dst {
		v, err := strconv.ParseUint(fields[2+i], 10, 16)
		if err != nil {
			return TimingDescriptor{}, fmt.Errorf("modeline %q: bad timing %q", s, fields[2+i])
		}
		*p = uint16(v)
	}
	if t.HSyncStart < t.HDisplay || t.HSyncEnd < t.HSyncStart || t.HTotal < t.HSyncEnd ||
		t.VSyncStart < t.VDisplay || t.VSyncEnd < t.VSyncStart || t.VTotal < t.VSyncEnd {
		return TimingDescriptor{}, fmt.Errorf("modeline %q: timings out of order", s)
	}

	for _, f := range fields[10:] {
		switch strings.ToLower(f) {
		case "+hsync":
			t.Flags |= FlagPHSync
		case "-hsync":
			t.Flags |= FlagNHSync
		case "+vsync":
			t.Flags |= FlagPVSync
		case "-vsync":
			t.Flags |= FlagNVSync
		case "interlace":
			t.Flags |= FlagInterlace
		default:
			return TimingDescriptor{}, fmt.Errorf("modeline %q: unknown flag %q", s, f)
		}
	}
	return t, nil
}

// ParseModeSpec parses "WIDTHxHEIGHT@HZ".
func ParseModeSpec(s string) (width, height int, hz float64, err error) {
	res, rate, ok := strings.Cut(s, "@")
	if !ok {
		return 0, 0, 0, fmt.Errorf("mode %q: want WIDTHxHEIGHT@HZ", s)
	}
	w, h, ok := strings.Cut(res, "x")
	if !ok {
		return 0, 0, 0, fmt.Errorf("mode %q: want WIDTHxHEIGHT@HZ", s)
	}
	if width, err = strconv.Atoi(w); err != nil || width <= 0 {
		return 0, 0, 0, fmt.Errorf("mode %q: bad width", s)
	}
	if height, err = strconv.Atoi(h); err != nil || height <= 0 {
		return 0, 0, 0, fmt.Errorf("mode %q: bad height", s)
	}
	if hz, err = strconv.ParseFloat(rate, 64); err != nil || hz <= 0 {
		return 0, 0, 0, fmt.Errorf("mode %q: bad refresh", s)
	}
	return width, height, hz, nil
}
