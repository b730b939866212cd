package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/frametiming/internal/config"
	"github.com/breeze-rmm/frametiming/internal/scenario"
)

var simulateJSON bool

var errExpectations = errors.New("scenario expectations failed")

var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>",
	Short: "Replay a scenario against the in-memory backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()

		sc, err := scenario.Load(args[0])
		if err != nil {
			return err
		}
		applyConfig(sc, cfg)

		runner, err := scenario.NewRunner(sc, scenario.Options{})
		if err != nil {
			return err
		}
		res, err := runner.Run()
		if err != nil {
			return err
		}

		if simulateJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			printResult(cmd.OutOrStdout(), res)
		}
		if !res.Passed() {
			return errExpectations
		}
		return nil
	},
}

func init() {
	simulateCmd.Flags().BoolVar(&simulateJSON, "json", false, "print the result as JSON")
}

// applyConfig fills scenario settings the file leaves unset from config.
func applyConfig(sc *scenario.Scenario, cfg *config.Config) {
	if sc.AdaptiveSync == nil {
		enabled := cfg.AdaptiveSyncEnabled
		sc.AdaptiveSync = &enabled
	}
	if sc.FPSCap == 0 {
		sc.FPSCap = cfg.FPSCap
	}
	if sc.DetectIntervalMs == 0 {
		sc.DetectIntervalMs = cfg.DetectIntervalMs
	}
}

func printResult(w io.Writer, res *scenario.Result) {
	if res.Name != "" {
		fmt.Fprintf(w, "%s (%s simulated)\n\n", res.Name, res.Duration)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MONITOR\tSTRATEGY\tREFRESH\tDETECTED\tPHASE\tREPEAT\tPRESENTED\tREPEATED\tJUDDER")
	for _, m := range res.Monitors {
		phase := m.Phase
		if phase == "" {
			phase = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%.3f\t%s\t%d\t%d\t%d\t%d\n",
			m.Name, m.Strategy, m.RefreshHz, m.DetectedHz, phase, m.RepeatCount,
			m.Stats.FramesPresented, m.Stats.FramesRepeated, m.Stats.JudderScore)
	}
	tw.Flush()

	for _, m := range res.Monitors {
		for _, label := range res.Labels[m.Name] {
			fmt.Fprintf(w, "%s: %s\n", m.Name, label)
		}
	}
	for _, f := range res.Failures {
		fmt.Fprintf(w, "FAIL %s\n", f)
	}
}
