package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/frametiming/internal/health"
	"github.com/breeze-rmm/frametiming/internal/httputil"
)

var (
	statusAddr    string
	statusTimeout time.Duration
)

var errUnhealthy = errors.New("daemon reports an unhealthy output")

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the health of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()

		addr := statusAddr
		if addr == "" {
			addr = cfg.DiagnosticsAddr
		}
		if addr == "" {
			return errors.New("no diagnostics address: set diagnostics_addr or pass --addr")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()
		resp, err := httputil.Get(ctx, &http.Client{Timeout: statusTimeout}, healthURL(addr), httputil.DefaultRetryConfig())
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		overall, err := printHealth(cmd.OutOrStdout(), resp.Body)
		if err != nil {
			return err
		}
		if overall == health.Unhealthy || resp.StatusCode == http.StatusServiceUnavailable {
			return errUnhealthy
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "diagnostics address (default diagnostics_addr)")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "overall deadline including retries")
}

func healthURL(addr string) string {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + "/healthz"
}

// healthSummary mirrors health.Tracker.Summary.
type healthSummary struct {
	Status  health.Status            `json:"status"`
	Outputs map[string]health.Status `json:"outputs"`
}

func printHealth(w io.Writer, body io.Reader) (health.Status, error) {
	var s healthSummary
	if err := json.NewDecoder(body).Decode(&s); err != nil {
		return health.Unknown, fmt.Errorf("decode health: %w", err)
	}

	names := make([]string, 0, len(s.Outputs))
	for name := range s.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "OVERALL\t%s\n", s.Status)
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%s\n", name, s.Outputs[name])
	}
	return s.Status, tw.Flush()
}
