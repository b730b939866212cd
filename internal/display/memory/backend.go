// Package memory provides an in-memory display backend. It keeps per-output
// mode tables and applies configurable rejection rules, which makes mode
// selection and fallback deterministic in tests and in scenario runs.
package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/breeze-rmm/frametiming/internal/display"
)

// Rules decide which requests an output refuses.
type Rules struct {
	// MaxRefreshHz rejects any timing above this refresh. Zero disables the check.
	MaxRefreshHz float64 `yaml:"max_refresh_hz"`
	// MinRefreshHz rejects any timing below this refresh. Zero disables the check.
	MinRefreshHz float64 `yaml:"min_refresh_hz"`
	// RejectCustom refuses commits of modes that were added with AddCustomMode.
	RejectCustom bool `yaml:"reject_custom"`
	// RejectCVT refuses timings whose name marks them as CVT synthesized.
	RejectCVT bool `yaml:"reject_cvt"`
	// FailAdaptiveSync makes SetAdaptiveSync(true) fail.
	FailAdaptiveSync bool `yaml:"fail_adaptive_sync"`
}

// Call records one backend invocation.
type Call struct {
	Op     string
	Output string
	Timing display.TimingDescriptor
	VRR    bool
	Err    error
}

type output struct {
	modes   []display.Mode
	current display.TimingDescriptor
	vrr     bool
	rules   Rules
}

// Backend is a display.Backend backed by maps. It is safe for concurrent use.
type Backend struct {
	mu         sync.Mutex
	outputs    map[string]*output
	nextHandle display.ModeHandle
	calls      []Call
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		outputs:    make(map[string]*output),
		nextHandle: 1,
	}
}

// AddOutput registers an output with its native timings. The first timing is
// the initially committed mode. Returned modes carry their assigned handles.
func (b *Backend) AddOutput(name string, rules Rules, timings ...display.TimingDescriptor) []display.Mode {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := &output{rules: rules}
	for _, t := range timings {
		o.modes = append(o.modes, display.Mode{Handle: b.nextHandle, Timing: t})
		b.nextHandle++
	}
	if len(timings) > 0 {
		o.current = timings[0]
	}
	b.outputs[name] = o

	modes := make([]display.Mode, len(o.modes))
	copy(modes, o.modes)
	return modes
}

// SetRules replaces the rejection rules of an output.
func (b *Backend) SetRules(name string, rules Rules) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.outputs[name]; ok {
		o.rules = rules
	}
}

func (b *Backend) TestMode(name string, t display.TimingDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.check(name, t)
	b.calls = append(b.calls, Call{Op: "test", Output: name, Timing: t, Err: err})
	return err
}

func (b *Backend) CommitMode(name string, t display.TimingDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.check(name, t)
	if err == nil {
		b.outputs[name].current = t
	}
	b.calls = append(b.calls, Call{Op: "commit", Output: name, Timing: t, Err: err})
	return err
}

func (b *Backend) SetAdaptiveSync(name string, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.outputs[name]
	var err error
	switch {
	case !ok:
		err = fmt.Errorf("%s: %w", name, display.ErrUnknownOutput)
	case enabled && o.rules.FailAdaptiveSync:
		err = fmt.Errorf("%s: adaptive sync: %w", name, display.ErrUnsupported)
	default:
		o.vrr = enabled
	}
	b.calls = append(b.calls, Call{Op: "vrr", Output: name, VRR: enabled, Err: err})
	return err
}

func (b *Backend) AddCustomMode(name string, t display.TimingDescriptor) (display.Mode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.outputs[name]
	if !ok {
		err := fmt.Errorf("%s: %w", name, display.ErrUnknownOutput)
		b.calls = append(b.calls, Call{Op: "add", Output: name, Timing: t, Err: err})
		return display.Mode{}, err
	}
	m := display.Mode{Handle: b.nextHandle, Timing: t, Custom: true}
	b.nextHandle++
	o.modes = append(o.modes, m)
	b.calls = append(b.calls, Call{Op: "add", Output: name, Timing: t})
	return m, nil
}

// check must be called with b.mu held.
func (b *Backend) check(name string, t display.TimingDescriptor) error {
	o, ok := b.outputs[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, display.ErrUnknownOutput)
	}
	hz := t.Refresh()
	if o.rules.MaxRefreshHz > 0 && hz > o.rules.MaxRefreshHz+0.001 {
		return fmt.Errorf("%s: %.3f Hz above limit %.3f: %w", name, hz, o.rules.MaxRefreshHz, display.ErrModeRejected)
	}
	if o.rules.MinRefreshHz > 0 && hz < o.rules.MinRefreshHz-0.001 {
		return fmt.Errorf("%s: %.3f Hz below limit %.3f: %w", name, hz, o.rules.MinRefreshHz, display.ErrModeRejected)
	}
	if o.rules.RejectCustom || o.rules.RejectCVT {
		for _, m := range o.modes {
			if !m.Custom || m.Timing != t {
				continue
			}
			if o.rules.RejectCustom || isCVTName(t.Name) {
				return fmt.Errorf("%s: custom mode %s: %w", name, t.Name, display.ErrModeRejected)
			}
		}
	}
	return nil
}

// isCVTName matches the names GenerateCVTMode assigns, e.g. "1920x1080R_48.000".
func isCVTName(name string) bool {
	return strings.Contains(name, "R_")
}

// Current returns the committed timings of an output.
func (b *Backend) Current(name string) (display.TimingDescriptor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.outputs[name]
	if !ok {
		return display.TimingDescriptor{}, false
	}
	return o.current, true
}

// AdaptiveSync reports whether variable refresh is enabled on an output.
func (b *Backend) AdaptiveSync(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.outputs[name]
	return ok && o.vrr
}

// Modes returns a copy of an output's mode list including custom modes.
func (b *Backend) Modes(name string) []display.Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.outputs[name]
	if !ok {
		return nil
	}
	modes := make([]display.Mode, len(o.modes))
	copy(modes, o.modes)
	return modes
}

// Calls returns a copy of the invocation log.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	calls := make([]Call, len(b.calls))
	copy(calls, b.calls)
	return calls
}
