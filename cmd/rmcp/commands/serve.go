package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmcp-dev/rmcp/internal/app"
	"github.com/rmcp-dev/rmcp/internal/logging"
	"github.com/rmcp-dev/rmcp/pkg/types"
)

var (
	serveTransport string
	serveHost      string
	servePort      int
	serveRoots     []string
	serveReadOnly  bool
	serveTLSCert   string
	serveTLSKey    string
	serveStrict    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Start the MCP server.

With --transport stdio (the default) the server speaks Content-Length framed
JSON-RPC on stdin/stdout, for assistants that launch it as a subprocess.
With --transport http it listens on --host:--port and serves POST /mcp,
GET /mcp/sse and GET /health.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveTransport, "transport", "t", "", "Transport: stdio or http")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (http)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (http)")
	serveCmd.Flags().StringSliceVar(&serveRoots, "root", nil, "Directory R scripts and file tools may use (repeatable)")
	serveCmd.Flags().BoolVar(&serveReadOnly, "read-only", false, "Reject every file write")
	serveCmd.Flags().StringVar(&serveTLSCert, "tls-cert", "", "TLS certificate file (http)")
	serveCmd.Flags().StringVar(&serveTLSKey, "tls-key", "", "TLS key file (http)")
	serveCmd.Flags().BoolVar(&serveStrict, "strict-sessions", false, "Reject unknown session ids (http)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)

	if (cfg.HTTP.TLSCert == "") != (cfg.HTTP.TLSKey == "") {
		return fmt.Errorf("--tls-cert and --tls-key must be given together")
	}

	a, err := app.New(cfg, Version)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Transport {
	case "stdio":
		return serveStdio(ctx, a)
	case "http":
		return serveHTTP(ctx, a)
	}
	return fmt.Errorf("unknown transport %q (expected stdio or http)", cfg.Transport)
}

func serveStdio(ctx context.Context, a *app.App) error {
	logging.Info().Str("version", Version).Msg("Starting rmcp on stdio")

	// A blocked stdin read must not hold up a signal.
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.ServeStdio(ctx, os.Stdin, os.Stdout)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logging.Info().Msg("Interrupted, stopping")
		return nil
	}
}

func serveHTTP(ctx context.Context, a *app.App) error {
	srv := a.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Server shutdown error")
	}
	logging.Info().Msg("Server stopped")
	return <-errCh
}

// applyServeFlags lets explicitly set flags win over configuration.
func applyServeFlags(cmd *cobra.Command, cfg *types.Config) {
	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport = serveTransport
	}
	if flags.Changed("host") {
		cfg.HTTP.Host = serveHost
	}
	if flags.Changed("port") {
		cfg.HTTP.Port = servePort
	}
	if flags.Changed("root") {
		cfg.Sandbox.Roots = serveRoots
	}
	if flags.Changed("read-only") {
		cfg.Sandbox.ReadOnly = serveReadOnly
	}
	if flags.Changed("tls-cert") {
		cfg.HTTP.TLSCert = serveTLSCert
	}
	if flags.Changed("tls-key") {
		cfg.HTTP.TLSKey = serveTLSKey
	}
	if flags.Changed("strict-sessions") {
		cfg.HTTP.StrictSessions = serveStrict
	}
}
