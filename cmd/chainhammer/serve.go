package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/chainhammer/internal/config"
	"github.com/gateway-fm/chainhammer/internal/experiment"
	"github.com/gateway-fm/chainhammer/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(cfg func() *config.Config) *cobra.Command {
	var pprofAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with a built-in watcher",
		Long: `Serve the experiment record, run control, history, health, Prometheus
metrics and a websocket stream of TPS samples over HTTP.

A watcher runs in the background and measures every run, whether it was
started through POST /v1/experiment or by a separate "chainhammer send".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()
			logger := a.logger

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if pprofAddr != "" {
				go func() {
					logger.Info("pprof listening", "addr", pprofAddr)
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						logger.Error("pprof server failed", "error", err)
					}
				}()
			}

			var runner *experiment.Runner
			if err := c.ValidateSend(); err != nil {
				logger.Warn("run control disabled", "error", err)
			} else {
				s, err := a.newSender()
				if err != nil {
					return err
				}
				runner = experiment.NewRunner(ctx, s, logger)
				defer runner.Stop()
			}

			stream := transport.NewWebSocketServer(logger)
			stream.Start()
			defer stream.Stop()

			srvCfg := transport.Config{
				Ledger:             a.ledger,
				Store:              a.history(),
				Health:             transport.NewNodeHealth(a.client, c.RPCURL),
				Stream:             stream,
				CORSAllowedOrigins: c.CORSAllowedOrigins,
				Logger:             logger,
			}
			if runner != nil {
				srvCfg.Runner = runner
			}
			server, err := transport.NewServer(srvCfg)
			if err != nil {
				return err
			}

			w, err := a.newWatcher(true, stream.Publish)
			if err != nil {
				return err
			}
			go watchLoop(ctx, w, logger)

			httpServer := &http.Server{
				Addr:              c.ListenAddr,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("starting HTTP server", "addr", c.ListenAddr)
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Serve pprof on this address, e.g. localhost:6061")
	return cmd
}

// watchLoop measures one run after another until ctx is done.
func watchLoop(ctx context.Context, w *experiment.Watcher, logger *slog.Logger) {
	for {
		res, err := w.Run(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Error("watcher failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		default:
			logger.Info("experiment measured",
				slog.Float64("peak_tps", res.PeakTPSAverage),
				slog.Float64("final_tps", res.FinalTPSAverage),
			)
		}
	}
}
