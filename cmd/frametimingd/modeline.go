package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/frametiming/internal/display"
)

var modelineBase string

var modelineCmd = &cobra.Command{
	Use:   "modeline WIDTHxHEIGHT@HZ",
	Short: "Print a CVT reduced blanking modeline",
	Long: `Modeline prints CVT reduced blanking timings for a mode. With --base the
timings of an existing modeline are kept and only the pixel clock changes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, h, hz, err := display.ParseModeSpec(args[0])
		if err != nil {
			return err
		}

		var t display.TimingDescriptor
		if modelineBase != "" {
			base, err := display.ParseModeline(modelineBase)
			if err != nil {
				return err
			}
			if int(base.HDisplay) != w || int(base.VDisplay) != h {
				return fmt.Errorf("base is %dx%d, not %dx%d", base.HDisplay, base.VDisplay, w, h)
			}
			t, err = display.GenerateFixedMode(base, hz)
			if err != nil {
				return err
			}
		} else {
			t, err = display.GenerateCVTMode(w, h, hz)
			if err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "# %dx%d %.3f Hz\n%s\n", w, h, t.Refresh(), t.Modeline())
		return nil
	},
}

func init() {
	modelineCmd.Flags().StringVar(&modelineBase, "base", "", "existing modeline to retime instead of generating CVT timings")
}
