package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/frametiming/internal/clock"
	"github.com/breeze-rmm/frametiming/internal/timing"
)

var detectLive bool

var detectCmd = &cobra.Command{
	Use:   "detect [interval-ms...]",
	Short: "Detect a framerate from frame intervals",
	Long: `Detect prints the canonical framerate for a list of frame intervals in
milliseconds, read from the arguments or one per line on stdin. With --live
every stdin line is a frame and is timestamped on arrival.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var samples []time.Time
		var err error
		switch {
		case detectLive:
			samples, err = liveSamples(cmd.InOrStdin(), clock.NewSystem())
		case len(args) > 0:
			samples, err = intervalSamples(args)
		default:
			var fields []string
			fields, err = readFields(cmd.InOrStdin())
			if err == nil {
				samples, err = intervalSamples(fields)
			}
		}
		if err != nil {
			return err
		}

		hz := timing.DetectFramerate(samples)
		if hz == 0 {
			return fmt.Errorf("no stable framerate in %d samples (need %d)", len(samples), timing.MinDetectSamples)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%.3f\n", hz)
		return nil
	},
}

func init() {
	detectCmd.Flags().BoolVar(&detectLive, "live", false, "timestamp stdin lines as they arrive")
}

// intervalSamples turns millisecond intervals into commit timestamps.
func intervalSamples(fields []string) ([]time.Time, error) {
	t := time.Unix(0, 0)
	samples := []time.Time{t}
	for _, f := range fields {
		ms, err := strconv.ParseFloat(f, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("bad interval %q", f)
		}
		t = t.Add(time.Duration(ms * float64(time.Millisecond)))
		samples = append(samples, t)
	}
	return samples, nil
}

func readFields(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out = append(out, strings.Fields(sc.Text())...)
	}
	return out, sc.Err()
}

// liveSamples keeps the newest SampleCapacity arrival times.
func liveSamples(r io.Reader, c clock.Clock) ([]time.Time, error) {
	var samples []time.Time
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		samples = append(samples, c.Now())
		if len(samples) > timing.SampleCapacity {
			samples = samples[1:]
		}
	}
	return samples, sc.Err()
}
