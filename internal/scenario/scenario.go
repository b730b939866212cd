// Package scenario describes display setups and content traces in YAML and
// replays them against the timing engine on an in-memory backend.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/frametiming/internal/display"
	"github.com/breeze-rmm/frametiming/internal/display/memory"
	"github.com/breeze-rmm/frametiming/internal/timing"
)

// DefaultDetectIntervalMs is the framerate polling period when a scenario
// does not set one.
const DefaultDetectIntervalMs = 250

// Event types.
const (
	EventFullscreen     = "fullscreen"
	EventExitFullscreen = "exit_fullscreen"
	EventPlay           = "play"
	EventVblanks        = "vblanks"
	EventWait           = "wait"
	EventAdaptiveSync   = "adaptive_sync"
	EventFPSCap         = "fps_cap"
	EventRules          = "rules"
)

// Scenario is a complete simulated session.
type Scenario struct {
	Name             string    `yaml:"name"`
	AdaptiveSync     *bool     `yaml:"adaptive_sync"`
	FPSCap           int       `yaml:"fps_cap"`
	DetectIntervalMs int       `yaml:"detect_interval_ms"` // 0 means DefaultDetectIntervalMs
	Monitors         []Monitor `yaml:"monitors"`
	Clients          []Client  `yaml:"clients"`
	Events           []Event   `yaml:"events"`
	Expect           []Expect  `yaml:"expect"`
}

// Monitor is an output. Modes are WIDTHxHEIGHT@HZ specs turned into CVT
// timings; Modelines are used verbatim. The first mode listed is current.
type Monitor struct {
	Name      string       `yaml:"name"`
	VRR       bool         `yaml:"vrr"`
	Virtual   bool         `yaml:"virtual"`
	Modes     []string     `yaml:"modes"`
	Modelines []string     `yaml:"modelines"`
	Rules     memory.Rules `yaml:"rules"`
}

// Client is a surface that can go fullscreen.
type Client struct {
	ID      string `yaml:"id"`
	Kind    string `yaml:"kind"`
	Tearing bool   `yaml:"tearing"`
}

// Event is one step of the timeline. Which fields apply depends on Type.
type Event struct {
	Type    string `yaml:"type"`
	Client  string `yaml:"client"`
	Monitor string `yaml:"monitor"`

	// play: frames at IntervalMs (or cycling through IntervalsMs) with an
	// alternating ±JitterMs offset. Vblanks interleaves display refreshes.
	Frames      int       `yaml:"frames"`
	IntervalMs  float64   `yaml:"interval_ms"`
	IntervalsMs []float64 `yaml:"intervals_ms"`
	JitterMs    float64   `yaml:"jitter_ms"`
	Vblanks     bool      `yaml:"vblanks"`

	// vblanks: Count refreshes of Monitor with no new content.
	Count int `yaml:"count"`

	// wait
	Ms float64 `yaml:"ms"`

	// adaptive_sync / fps_cap / rules
	Enabled bool          `yaml:"enabled"`
	FPS     int           `yaml:"fps"`
	Rules   *memory.Rules `yaml:"rules"`
}

// Expect is checked against the final monitor snapshot. Zero fields are
// not checked.
type Expect struct {
	Monitor     string  `yaml:"monitor"`
	Strategy    string  `yaml:"strategy"`
	RefreshHz   float64 `yaml:"refresh_hz"`
	DetectedHz  float64 `yaml:"detected_hz"`
	Phase       string  `yaml:"phase"`
	RepeatCount int     `yaml:"repeat_count"`
	LastLabel   string  `yaml:"last_label"`
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a scenario. Unknown keys are errors.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) normalize() error {
	if len(s.Monitors) == 0 {
		return errors.New("scenario has no monitors")
	}
	if s.DetectIntervalMs < 0 {
		return errors.New("detect_interval_ms must not be negative")
	}

	monitors := make(map[string]bool, len(s.Monitors))
	for i := range s.Monitors {
		m := &s.Monitors[i]
		if m.Name == "" {
			return fmt.Errorf("monitor %d has no name", i)
		}
		if monitors[m.Name] {
			return fmt.Errorf("monitor %q listed twice", m.Name)
		}
		monitors[m.Name] = true
		if len(m.Modes)+len(m.Modelines) == 0 {
			return fmt.Errorf("monitor %q has no modes", m.Name)
		}
	}

	clients := make(map[string]bool, len(s.Clients))
	for i := range s.Clients {
		c := &s.Clients[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if clients[c.ID] {
			return fmt.Errorf("client %q listed twice", c.ID)
		}
		clients[c.ID] = true
	}

	for i, ev := range s.Events {
		if err := ev.validate(monitors, clients); err != nil {
			return fmt.Errorf("event %d (%s): %w", i, ev.Type, err)
		}
	}
	for i, ex := range s.Expect {
		if !monitors[ex.Monitor] {
			return fmt.Errorf("expect %d: unknown monitor %q", i, ex.Monitor)
		}
	}
	return nil
}

func (ev Event) validate(monitors, clients map[string]bool) error {
	needClient := func() error {
		if !clients[ev.Client] {
			return fmt.Errorf("unknown client %q", ev.Client)
		}
		return nil
	}
	needMonitor := func() error {
		if !monitors[ev.Monitor] {
			return fmt.Errorf("unknown monitor %q", ev.Monitor)
		}
		return nil
	}

	switch ev.Type {
	case EventFullscreen:
		if err := needClient(); err != nil {
			return err
		}
		return needMonitor()
	case EventExitFullscreen:
		return needClient()
	case EventPlay:
		if err := needClient(); err != nil {
			return err
		}
		if ev.Frames <= 0 {
			return errors.New("frames must be positive")
		}
		if ev.IntervalMs <= 0 && len(ev.IntervalsMs) == 0 {
			return errors.New("interval_ms or intervals_ms is required")
		}
		for _, v := range ev.IntervalsMs {
			if v <= 0 {
				return fmt.Errorf("interval %v must be positive", v)
			}
		}
		return nil
	case EventVblanks:
		if ev.Count <= 0 {
			return errors.New("count must be positive")
		}
		return needMonitor()
	case EventWait:
		if ev.Ms <= 0 {
			return errors.New("ms must be positive")
		}
		return nil
	case EventAdaptiveSync:
		return nil
	case EventFPSCap:
		if ev.FPS < 0 {
			return errors.New("fps must not be negative")
		}
		return nil
	case EventRules:
		if ev.Rules == nil {
			return errors.New("rules are required")
		}
		return needMonitor()
	}
	return fmt.Errorf("unknown event type %q", ev.Type)
}

// Timings builds the monitor's native timing list.
func (m Monitor) Timings() ([]display.TimingDescriptor, error) {
	out := make([]display.TimingDescriptor, 0, len(m.Modes)+len(m.Modelines))
	for _, spec := range m.Modes {
		w, h, hz, err := display.ParseModeSpec(spec)
		if err != nil {
			return nil, err
		}
		t, err := display.GenerateCVTMode(w, h, hz)
		if err != nil {
			return nil, fmt.Errorf("mode %q: %w", spec, err)
		}
		t.Name = spec
		out = append(out, t)
	}
	for _, line := range m.Modelines {
		t, err := display.ParseModeline(line)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ContentKind returns the parsed client kind.
func (c Client) ContentKind() timing.ContentKind {
	return timing.ParseContentKind(c.Kind)
}
