package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/metrics"
	"github.com/dmitrijs2005/gophsync/internal/client/notify"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// NewRunCommand keeps the replica in sync until SIGINT or SIGTERM.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the local replica in sync until interrupted",
		Long: `Start the sync engine and keep it running.

The engine hydrates an empty database, follows the change stream (or polls),
and delivers queued local writes. On shutdown deferred rows are encrypted and
the key is dropped from memory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}
}

func runDaemon(cmd *cobra.Command, opts *RootOptions) (err error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	log := logger.With("module", "run")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info(ctx, "received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	m := metrics.New(prometheus.NewRegistry())
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(ctx, cfg.MetricsAddr, m, log)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	sess, err := openSession(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	unsubscribe := sess.engine.Subscribe(func(ev notify.Event) error {
		_, err := fmt.Fprintf(out, "state: %s -> %s\n", ev.Previous, ev.State)
		return err
	}, notify.KindStateChanged)
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer tcancel()
		err = errors.Join(err, sess.Close(tctx))
		unsubscribe()
	}()

	if err := startSession(ctx, sess, opts, cmd.ErrOrStderr()); err != nil {
		return err
	}
	log.Info(ctx, "sync running", "db", cfg.DatabasePath, "transport", cfg.Transport, "stream", cfg.Stream)

	<-ctx.Done()
	return nil
}

// serveMetrics exposes m on addr under /metrics until the returned server
// is shut down.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info(ctx, "serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "metrics server failed", "error", err)
		}
	}()
	return srv
}
