// Package serve provides the HTTP server command for the depot CLI.
package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentstation/depot"
	"github.com/agentstation/depot/cmd/application"
	"github.com/agentstation/depot/internal/cmd/emoji"
	"github.com/agentstation/depot/internal/deps"
	"github.com/agentstation/depot/internal/server"
)

// NewCommand creates the serve command. base supplies the configured
// server settings that flags override.
func NewCommand(app application.Application, base func() server.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server", "daemon"},
		GroupID: "core",
		Short:   "Run the download queue and its REST API",
		Long: `Start the download queue and a REST API for submitting and tracking jobs.

The queue resumes jobs persisted by an earlier run. Interrupted downloads
return to pending and start again without being charged a retry.

Features:
  - Job submission, status, cancel and purge (/api/v1/jobs)
  - Library listing, reconcile, forget and mark played (/api/v1/library)
  - WebSocket updates (/api/v1/updates/ws)
  - Server-Sent Events (/api/v1/updates/stream)
  - Liveness and readiness probes (/health, /api/v1/ready)
  - Token authentication, CORS and per-IP rate limiting`,
		Example: `  # Start on the configured address
  depot serve

  # Listen on all interfaces with authentication
  DEPOT_SERVER_AUTH_TOKEN=secret depot serve --host 0.0.0.0 --auth

  # Allow a web UI origin
  depot serve --cors-origins "https://ui.example.com"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd, app, parseConfig(cmd, base()))
		},
	}

	cmd.Flags().Int("port", 0, "Server port (default from config, 8080)")
	cmd.Flags().String("host", "", "Bind address (default from config, localhost)")
	cmd.Flags().Bool("cors", false, "Enable CORS for all origins")
	cmd.Flags().StringSlice("cors-origins", nil, "Allowed CORS origins (comma-separated)")
	cmd.Flags().Bool("auth", false, "Require an API token")
	cmd.Flags().String("auth-header", "", "Authentication header name")
	cmd.Flags().Int("rate-limit", -1, "Requests per minute per IP (0 to disable)")
	cmd.Flags().Duration("cache-ttl", 0, "Library listing cache TTL")
	cmd.Flags().String("prefix", "", "API path prefix")

	return cmd
}

// parseConfig overrides cfg with the flags the user set.
func parseConfig(cmd *cobra.Command, cfg server.Config) server.Config {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("cors") {
		cfg.CORSEnabled, _ = flags.GetBool("cors")
	}
	if flags.Changed("cors-origins") {
		cfg.CORSOrigins, _ = flags.GetStringSlice("cors-origins")
		cfg.CORSEnabled = true
	}
	if flags.Changed("auth") {
		cfg.AuthEnabled, _ = flags.GetBool("auth")
	}
	if flags.Changed("auth-header") {
		cfg.AuthHeader, _ = flags.GetString("auth-header")
	}
	if flags.Changed("rate-limit") {
		cfg.RateLimit, _ = flags.GetInt("rate-limit")
	}
	if flags.Changed("cache-ttl") {
		cfg.CacheTTL, _ = flags.GetDuration("cache-ttl")
	}
	if flags.Changed("prefix") {
		cfg.PathPrefix, _ = flags.GetString("prefix")
	}

	// Container platforms set these
	if envPort := os.Getenv("HTTP_PORT"); envPort != "" {
		if p, err := parsePort(envPort); err == nil {
			cfg.Port = p
		}
	}
	if envHost := os.Getenv("HTTP_HOST"); envHost != "" {
		cfg.Host = envHost
	}
	return cfg
}

// parsePort safely parses a port string to integer.
func parsePort(portStr string) (int, error) {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid port number: %s", portStr)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port out of range: %d", port)
	}
	return port, nil
}

// runServer starts the queue and the API server.
func runServer(cmd *cobra.Command, app application.Application, cfg server.Config) error {
	logger := app.Logger()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	steamcmd := deps.SteamCMD(app.Settings().SteamCMDPath)
	if status := deps.Check(ctx, steamcmd); !status.Available {
		logger.Warn().Str("path", steamcmd.Path).Str("reason", status.Message).
			Msg("SteamCMD not found, downloads will fail until it is installed")
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s (see %s)\n", emoji.Warning, status.Message, steamcmd.InstallURL)
	}

	d, err := app.Depot()
	if err != nil {
		return err
	}

	srv, err := server.New(app, cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Start()

	// Hooks are connected by server.New, so jobs resumed by Start are broadcast.
	if err := d.Start(ctx); err != nil {
		shutdownServices(srv, logger)
		return fmt.Errorf("starting queue: %w", err)
	}

	logger.Info().
		Int("port", cfg.Port).
		Str("host", cfg.Host).
		Str("prefix", cfg.PathPrefix).
		Bool("cors", cfg.CORSEnabled).
		Bool("auth", cfg.AuthEnabled).
		Int("rate_limit", cfg.RateLimit).
		Msg("Starting API server")

	return startWithGracefulShutdown(ctx, cmd, srv.HTTPServer(), srv, d, logger)
}

// startWithGracefulShutdown serves until ctx is cancelled, then drains
// HTTP connections, stops the queue and the background services.
func startWithGracefulShutdown(ctx context.Context, cmd *cobra.Command, httpServer *http.Server, srv *server.Server, d depot.Client, logger *zerolog.Logger) error {
	serverErr := make(chan error, 1)

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		fmt.Fprintf(cmd.OutOrStdout(), "%s depot API listening on %s\n", emoji.Success, httpServer.Addr)
		fmt.Fprintln(cmd.OutOrStdout(), "  Press Ctrl+C to stop")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("server failed: %w", err)
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s Shutting down...\n", emoji.Stop)
	}

	// The parent context is already cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := d.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Queue shutdown had issues")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Background services shutdown had issues")
	}

	if runErr == nil {
		logger.Info().Msg("Server stopped gracefully")
	}
	return runErr
}

func shutdownServices(srv *server.Server, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Background services shutdown had issues")
	}
}
