package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/frametiming/internal/diagnostics"
	"github.com/breeze-rmm/frametiming/internal/logging"
	"github.com/breeze-rmm/frametiming/internal/osd"
	"github.com/breeze-rmm/frametiming/internal/timing"
	"github.com/breeze-rmm/frametiming/internal/websocket"
)

var (
	watchAddr      string
	watchTypes     []string
	watchReconnect bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the diagnostics stream of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()

		addr := watchAddr
		if addr == "" {
			addr = cfg.DiagnosticsAddr
		}
		if addr == "" {
			return errors.New("no diagnostics address: set diagnostics_addr or pass --addr")
		}

		out := cmd.OutOrStdout()
		client := websocket.New(websocket.Config{Addr: addr, Reconnect: watchReconnect}, func(ev websocket.Event) {
			if len(watchTypes) > 0 && !slices.Contains(watchTypes, ev.Type) {
				return
			}
			if err := printEvent(out, ev); err != nil {
				log.Warn("cannot display event", "type", ev.Type, logging.KeyError, err)
			}
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return client.Run(ctx)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "", "diagnostics address (default diagnostics_addr)")
	watchCmd.Flags().StringSliceVar(&watchTypes, "type", nil, "only show these message types (stats, logs, mode_changed)")
	watchCmd.Flags().BoolVar(&watchReconnect, "reconnect", true, "keep reconnecting when the stream drops")
}

func printEvent(w io.Writer, ev websocket.Event) error {
	stamp := ev.Time.Local().Format(time.TimeOnly)
	switch ev.Type {
	case diagnostics.TypeStats:
		var snaps []timing.MonitorSnapshot
		if err := json.Unmarshal(ev.Data, &snaps); err != nil {
			return err
		}
		for _, s := range snaps {
			fmt.Fprintf(w, "%s %s strategy=%s refresh=%.3f detected=%.3f fps=%.1f repeat=%d judder=%d presented=%d repeated=%d\n",
				stamp, s.Name, s.Strategy, s.RefreshHz, s.DetectedHz, s.EstimatedFPS, s.RepeatCount,
				s.Stats.JudderScore, s.Stats.FramesPresented, s.Stats.FramesRepeated)
		}

	case diagnostics.TypeModeChanged:
		var n osd.Notification
		if err := json.Unmarshal(ev.Data, &n); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %s %s\n", stamp, n.Monitor, n.Label)

	case diagnostics.TypeLogs:
		var entries []logging.Entry
		if err := json.Unmarshal(ev.Data, &entries); err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s %-5s %s: %s%s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Component, e.Message, formatFields(e.Fields))
		}

	default:
		fmt.Fprintf(w, "%s %s %s\n", stamp, ev.Type, ev.Data)
	}
	return nil
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}
