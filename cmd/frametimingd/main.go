package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/frametiming/internal/config"
	"github.com/breeze-rmm/frametiming/internal/logging"
)

var (
	version   = "0.1.0"
	cfgFile   string
	logLevel  string
	logFormat string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "frametimingd",
	Short: "Adaptive display timing engine",
	Long: `frametimingd matches display refresh to fullscreen content: it detects the
content framerate, picks VRR, an existing mode or a synthesized mode, and
paces frames on every vblank.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "frametimingd v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/frametiming/frametiming.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log_format (text, json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(modelineCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads and validates config and initializes logging. The returned
// closer releases the log file.
func setup() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if result := cfg.ValidateTiered(); result.HasFatals() {
		return nil, nil, fmt.Errorf("invalid config: %w", result.Fatals[0])
	}

	out, closer, err := logging.OpenOutput(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return cfg, closer, nil
}
