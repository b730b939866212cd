//go:build !linux

package clock

import "time"

var processStart = time.Now()

// Monotonic returns time elapsed since process start using the runtime's
// monotonic reading.
func Monotonic() time.Duration {
	return time.Since(processStart)
}
