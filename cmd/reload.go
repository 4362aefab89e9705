package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"grimm.is/portcullis/internal/firewall"
)

var (
	reloadWatch bool
	metricsAddr string
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-apply every persisted network and port forward",
	Long: `Re-apply every persisted network and port forward.

A firewalld reload drops rules that were not added permanently. With
--watch the command stays in the foreground and replays the state each
time firewalld announces a reload on the system bus.`,
	Args: cobra.NoArgs,
	RunE: runReload,
}

func init() {
	reloadCmd.Flags().BoolVarP(&reloadWatch, "watch", "w", false, "Replay after every firewalld reload")
	reloadCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while watching")
	rootCmd.AddCommand(reloadCmd)
}

func runReload(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		if err := s.coord.Reload(ctx); err != nil {
			if !reloadWatch {
				return err
			}
			logger.Warn("initial replay failed, watching anyway", "error", err)
		} else {
			snap := s.coord.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "Reloaded %d networks and %d forwards\n", len(snap.Networks), len(snap.Forwards))
		}
		if !reloadWatch {
			return nil
		}

		if s.backend.Bus == nil {
			return &firewall.Error{Op: "watch reloads", Driver: firewall.DriverFirewalld, Kind: firewall.ErrBackendUnavailable,
				Err: fmt.Errorf("system bus is not available")}
		}
		if metricsAddr != "" {
			stop := serveMetrics(metricsAddr)
			defer stop()
		}

		// Other invocations must be able to change state while we watch,
		// so each replay locks and rehydrates on its own.
		s.release()
		return firewall.WatchReloads(ctx, s.backend.Bus, logger, func(ctx context.Context) error {
			r, err := attach(ctx, s.backend)
			if err != nil {
				return err
			}
			defer r.release()
			return r.coord.Reload(ctx)
		})
	})
}

// serveMetrics exposes /metrics on addr until the returned func is called.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
