package display

import "errors"

var (
	// ErrModeRejected is returned when the hardware refuses a mode in test or commit.
	ErrModeRejected = errors.New("mode rejected by display")
	// ErrUnsupported is returned for requests the backend or the timing math cannot satisfy.
	ErrUnsupported = errors.New("unsupported by display backend")
	// ErrUnknownOutput is returned for an output name the backend does not manage.
	ErrUnknownOutput = errors.New("unknown output")
)

// Backend is the mode-setting surface the timing engine drives. Every call is
// a synchronous test or commit and must return within a few milliseconds.
type Backend interface {
	// TestMode checks whether the output would accept the timings without applying them.
	TestMode(output string, t TimingDescriptor) error
	// CommitMode applies the timings to the output.
	CommitMode(output string, t TimingDescriptor) error
	// SetAdaptiveSync toggles variable refresh on the output.
	SetAdaptiveSync(output string, enabled bool) error
	// AddCustomMode registers synthesized timings with the output's mode list.
	AddCustomMode(output string, t TimingDescriptor) (Mode, error)
}
