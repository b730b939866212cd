package timing

import "time"

// SampleCapacity is the size of the per-client commit timestamp ring.
const SampleCapacity = 32

// maxDetectRetries is how many times a failed detection clears its samples
// and starts over before the fullscreen session is given up on.
const maxDetectRetries = 1

// ContentKind is the classification a client's content carries.
type ContentKind int

const (
	ContentNone ContentKind = iota
	ContentPhoto
	ContentVideo
	ContentGame
)

func (k ContentKind) String() string {
	switch k {
	case ContentPhoto:
		return "photo"
	case ContentVideo:
		return "video"
	case ContentGame:
		return "game"
	default:
		return "none"
	}
}

// ParseContentKind maps a name to a ContentKind. Unknown names map to ContentNone.
func ParseContentKind(s string) ContentKind {
	switch s {
	case "photo":
		return ContentPhoto
	case "video":
		return ContentVideo
	case "game":
		return ContentGame
	default:
		return ContentNone
	}
}

// Phase is the framerate detection state of a client.
type Phase int

const (
	// PhaseScanning collects samples until the pre-check threshold is reached.
	PhaseScanning Phase = iota
	// PhaseAnalyzing searches for a stable rate.
	PhaseAnalyzing
	// PhaseLocked means a rate was applied or detection was exhausted.
	PhaseLocked
)

func (p Phase) String() string {
	switch p {
	case PhaseAnalyzing:
		return "analyzing"
	case PhaseLocked:
		return "locked"
	default:
		return "scanning"
	}
}

// BufferID is the opaque identity of a client buffer. Zero means no buffer.
type BufferID uint64

// ContentTimingState is the per-client detection state.
type ContentTimingState struct {
	samples    [SampleCapacity]time.Time
	count      int
	writeIndex int

	DetectedHz   float64
	Phase        Phase
	RetryCount   int
	LastBufferID BufferID
}

// OnCommit records a commit timestamp when the buffer identity changed since
// the previous commit. Repeated commits of the same buffer are ignored. It
// reports whether a sample was recorded.
func (s *ContentTimingState) OnCommit(buf BufferID, now time.Time) bool {
	if buf == s.LastBufferID {
		return false
	}
	s.samples[s.writeIndex] = now
	s.writeIndex = (s.writeIndex + 1) % SampleCapacity
	if s.count < SampleCapacity {
		s.count++
	}
	s.LastBufferID = buf
	return true
}

// SampleCount returns how many timestamps the ring currently holds.
func (s *ContentTimingState) SampleCount() int {
	return s.count
}

// Samples returns the recorded timestamps oldest first.
func (s *ContentTimingState) Samples() []time.Time {
	out := make([]time.Time, 0, s.count)
	start := s.writeIndex - s.count
	if start < 0 {
		start += SampleCapacity
	}
	for i := 0; i < s.count; i++ {
		out = append(out, s.samples[(start+i)%SampleCapacity])
	}
	return out
}

// ClearSamples drops every recorded timestamp and the last buffer identity.
func (s *ContentTimingState) ClearSamples() {
	s.samples = [SampleCapacity]time.Time{}
	s.count = 0
	s.writeIndex = 0
	s.LastBufferID = 0
}

// Reset returns the state to Scanning with no samples, no detected rate and
// a fresh retry budget. Called whenever fullscreen is entered or left.
func (s *ContentTimingState) Reset() {
	s.ClearSamples()
	s.DetectedHz = 0
	s.Phase = PhaseScanning
	s.RetryCount = 0
}
