package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"forecastcache/internal/bootstrap"
	"forecastcache/internal/bootstrap/logging"
	"forecastcache/internal/errs"
	"forecastcache/internal/transport/httpapi"
	"forecastcache/internal/transport/mcpserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API, /metrics and MCP over streamable HTTP",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *bootstrap.App) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = app.Config.HTTP.Addr
		}
		statsTTL, _ := cmd.Flags().GetDuration("stats-ttl")

		// Remote MCP clients may only read audio files from the staging dir.
		mcpSrv, err := mcpserver.New(app.Coordinator, mcpserver.JailedFs(app.Config.Staging.Dir), version)
		if err != nil {
			return errs.Wrap(err, "create mcp server")
		}
		handler, err := httpapi.NewHandler(app.Coordinator, httpapi.Options{
			StatsCache: app.LookupCache,
			StatsTTL:   statsTTL,
			MCP:        mcpSrv.HTTPHandler(),
			Version:    version,
		})
		if err != nil {
			return errs.Wrap(err, "create http handler")
		}

		server := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(net.Listener) context.Context {
				return logging.WithAttrs(ctx, slog.String("addr", addr))
			},
		}

		serveErr := make(chan error, 1)
		go func() {
			logging.Info(ctx, "http server listening", slog.String("addr", addr))
			serveErr <- server.ListenAndServe()
		}()

		select {
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return errs.Wrap(err, "listen and serve")
		case <-ctx.Done():
		}

		logging.Info(ctx, "shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lifecycleTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errs.Wrap(err, "shutdown http server")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (defaults to http.addr)")
	serveCmd.Flags().Duration("stats-ttl", 5*time.Second, "How long a rendered /stats response is reused")
}
