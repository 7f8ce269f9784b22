// Gemini gateway - WebSocket front end for the Gemini CLI
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wgst88w/Gemini-CLI-UI/internal/config"
	"github.com/wgst88w/Gemini-CLI-UI/internal/logging"
	"github.com/wgst88w/Gemini-CLI-UI/internal/server"
)

const shutdownTimeout = 30 * time.Second

// rootOptions are the flags shared by every command. Flags override the
// config file and the environment.
type rootOptions struct {
	configPath string
	host       string
	port       int
	logLevel   string
	command    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	serve := serveCmd(opts)
	root := &cobra.Command{
		Use:           "gemini-gateway",
		Short:         "WebSocket gateway for the Gemini CLI",
		Long:          "Runs one Gemini CLI process per conversation turn and streams its output to WebSocket clients.",
		RunE:          serve.RunE,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to a YAML config file (default $GATEWAY_CONFIG)")
	pf.StringVar(&opts.host, "host", "", "Listen host")
	pf.IntVar(&opts.port, "port", 0, "Listen port")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&opts.command, "gemini-command", "", "Gemini CLI executable")

	root.AddCommand(serve, runCmd(opts))
	return root
}

// loadConfig resolves the configuration and installs the logger.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, io.Closer, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("gemini-command") {
		cfg.GeminiCommand = opts.command
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	closer, err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, closer, nil
}

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			defer closer.Close()

			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	slog.Info("Configuration loaded",
		"addr", cfg.Addr(),
		"command", cfg.GeminiCommand,
		"model", cfg.DefaultModel,
		"mcpConfig", cfg.MCPConfigPath,
		"auth", cfg.AuthEnabled())

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}
	slog.Info("Gemini gateway stopped")
	return nil
}
