package timing

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/breeze-rmm/frametiming/internal/display"
)

// ErrVRRUnavailable is returned when the output lacks VRR or the user disabled adaptive sync.
var ErrVRRUnavailable = errors.New("variable refresh unavailable")

const (
	gameVRRMinFPS         = 20.0
	gameVRRMaxFPS         = 165.0
	gameVRRFullSpeedSlack = 2.0
	gameVRRDeadband       = 3.0
	gameVRRStableFrames   = 30
	gameVRRMinInterval    = 500 * time.Millisecond
)

// VRRController toggles adaptive sync on one output for the video and the
// game path. Only one path is active at a time.
type VRRController struct {
	backend display.Backend
	output  string
	log     *slog.Logger
}

func NewVRRController(backend display.Backend, output string, logger *slog.Logger) *VRRController {
	return &VRRController{backend: backend, output: output, log: logger}
}

// EnableVideo turns on VRR for detected video content running at targetHz.
// The target is set once per detection lock.
func (c *VRRController) EnableVideo(d *DisplayTimingState, targetHz float64) error {
	if !d.VRRAllowed() {
		return ErrVRRUnavailable
	}
	if d.GameVRRActive {
		c.clearGame(d)
	}
	if !d.VRRActive {
		if err := c.backend.SetAdaptiveSync(c.output, true); err != nil {
			return fmt.Errorf("enable adaptive sync on %s: %w", c.output, err)
		}
	}
	d.VRRActive = true
	d.VRRTargetHz = targetHz
	c.log.Info("video vrr enabled", "hz", targetHz)
	return nil
}

// DisableVideo turns the video VRR path off.
func (c *VRRController) DisableVideo(d *DisplayTimingState) error {
	if !d.VRRActive {
		d.VRRTargetHz = 0
		return nil
	}
	d.VRRActive = false
	d.VRRTargetHz = 0
	return c.syncHardware(d)
}

// EnableGame turns on VRR for a fullscreen game. The target starts at the
// monitor's maximum refresh and follows the game through UpdateGameVRR.
func (c *VRRController) EnableGame(d *DisplayTimingState, now time.Time) error {
	if !d.VRRAllowed() {
		return ErrVRRUnavailable
	}
	if d.VRRActive {
		d.VRRActive = false
		d.VRRTargetHz = 0
	}
	if !d.GameVRRActive {
		if err := c.backend.SetAdaptiveSync(c.output, true); err != nil {
			return fmt.Errorf("enable adaptive sync on %s: %w", c.output, err)
		}
	}
	maxHz := d.MaxRefreshHz()
	d.GameVRRActive = true
	d.GameVRRTargetFPS = maxHz
	d.GameVRRLastFPS = maxHz
	d.GameVRRStableFrames = 0
	d.GameVRRLastChangeTime = now
	// Repeat stays off while VRR drives the refresh.
	d.FrameRepeat = FrameRepeat{Count: 1}
	c.log.Info("game vrr enabled", "maxHz", maxHz)
	return nil
}

// DisableGame turns the game VRR path off.
func (c *VRRController) DisableGame(d *DisplayTimingState) error {
	if !d.GameVRRActive {
		return nil
	}
	c.clearGame(d)
	return c.syncHardware(d)
}

func (c *VRRController) clearGame(d *DisplayTimingState) {
	d.GameVRRActive = false
	d.GameVRRTargetFPS = 0
	d.GameVRRLastFPS = 0
	d.GameVRRStableFrames = 0
	d.GameVRRLastChangeTime = time.Time{}
}

// DisableAll turns both paths off.
func (c *VRRController) DisableAll(d *DisplayTimingState) error {
	wasActive := d.VRRActive || d.GameVRRActive
	d.VRRActive = false
	d.VRRTargetHz = 0
	c.clearGame(d)
	if !wasActive {
		return nil
	}
	return c.syncHardware(d)
}

func (c *VRRController) syncHardware(d *DisplayTimingState) error {
	if d.VRRActive || d.GameVRRActive {
		return nil
	}
	if err := c.backend.SetAdaptiveSync(c.output, false); err != nil {
		return fmt.Errorf("disable adaptive sync on %s: %w", c.output, err)
	}
	c.log.Info("vrr disabled")
	return nil
}

// UpdateGameVRR feeds the live game framerate into the game VRR target. A new
// target is only committed after gameVRRStableFrames consecutive readings
// inside the deadband, at least gameVRRMinInterval after the previous change,
// and when it differs from the current target by at least the deadband. It
// reports whether the target changed.
func UpdateGameVRR(d *DisplayTimingState, currentFPS float64, now time.Time) bool {
	if !d.GameVRRActive {
		return false
	}
	if currentFPS < gameVRRMinFPS || currentFPS > gameVRRMaxFPS {
		return false
	}

	maxHz := d.MaxRefreshHz()
	if currentFPS >= maxHz-gameVRRFullSpeedSlack {
		changed := d.GameVRRTargetFPS != maxHz
		d.GameVRRTargetFPS = maxHz
		d.GameVRRLastFPS = currentFPS
		d.GameVRRStableFrames = 0
		if changed {
			d.GameVRRLastChangeTime = now
		}
		return changed
	}

	if math.Abs(currentFPS-d.GameVRRLastFPS) < gameVRRDeadband {
		d.GameVRRStableFrames++
	} else {
		d.GameVRRStableFrames = 0
		d.GameVRRLastFPS = currentFPS
	}

	if d.GameVRRStableFrames < gameVRRStableFrames {
		return false
	}
	if now.Sub(d.GameVRRLastChangeTime) < gameVRRMinInterval {
		return false
	}
	if math.Abs(currentFPS-d.GameVRRTargetFPS) < gameVRRDeadband {
		return false
	}

	d.GameVRRTargetFPS = currentFPS
	d.GameVRRStableFrames = 0
	d.GameVRRLastChangeTime = now
	return true
}
