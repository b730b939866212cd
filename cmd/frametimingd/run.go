package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/frametiming/internal/diagnostics"
	"github.com/breeze-rmm/frametiming/internal/health"
	"github.com/breeze-rmm/frametiming/internal/logging"
	"github.com/breeze-rmm/frametiming/internal/osd"
	"github.com/breeze-rmm/frametiming/internal/scenario"
	"github.com/breeze-rmm/frametiming/internal/timing"
)

const shutdownTimeout = 5 * time.Second

var runScenario string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine with diagnostics until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	runCmd.Flags().StringVar(&runScenario, "scenario", "", "scenario to drive the engine with (overrides scenario_file)")
}

func runDaemon() error {
	cfg, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	path := runScenario
	if path == "" {
		path = cfg.ScenarioFile
	}
	if path == "" {
		return errors.New("no scenario: set scenario_file or pass --scenario")
	}
	sc, err := scenario.Load(path)
	if err != nil {
		return err
	}
	applyConfig(sc, cfg)

	log.Info("starting frametimingd", "version", version, "scenario", path)

	tracker := health.NewTracker()
	notifier := osd.New(cfg.OSDWorkers, cfg.OSDQueueSize, osd.LogSink(logging.L("osd")))

	var diag *diagnostics.Server
	var fwd *logging.Forwarder
	if cfg.DiagnosticsAddr != "" {
		diag = diagnostics.NewServer(cfg.DiagnosticsAddr, tracker)
		notifier.AddSink(diag)

		fwd = logging.NewForwarder(logging.ForwarderConfig{
			Sink:     diag.Hub.LogSink(),
			MinLevel: cfg.LogForwardMin,
		})
		fwd.Start()
		logging.SetForwarder(fwd)

		if err := diag.Start(); err != nil {
			return err
		}
	}

	statsEvery := time.Duration(cfg.StatsIntervalMs) * time.Millisecond
	var lastPublish time.Time
	runner, err := scenario.NewRunner(sc, scenario.Options{
		Notifier: notifier,
		Health:   tracker,
		OnTick: func(now time.Time, snaps []timing.MonitorSnapshot) {
			if diag != nil && now.Sub(lastPublish) >= statsEvery {
				diag.Publish(snaps)
				lastPublish = now
			}
		},
	})
	if err != nil {
		return err
	}
	res, err := runner.Run()
	if err != nil {
		return err
	}
	for _, m := range res.Monitors {
		log.Info("monitor settled",
			logging.KeyMonitor, m.Name,
			logging.KeyStrategy, m.Strategy,
			logging.KeyHz, m.RefreshHz,
			"detectedHz", m.DetectedHz)
	}
	for _, f := range res.Failures {
		log.Warn("expectation failed", "detail", f)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(statsEvery)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-sigChan:
			break wait
		case <-ticker.C:
			if diag != nil {
				diag.Publish(res.Monitors)
			}
		}
	}

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	notifier.Close(ctx)
	if diag != nil {
		if err := diag.Shutdown(ctx); err != nil {
			log.Warn("diagnostics shutdown", logging.KeyError, err)
		}
		logging.SetForwarder(nil)
		fwd.Stop()
	}
	return nil
}
