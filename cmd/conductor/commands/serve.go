package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/conductor/internal/app"
	"github.com/opencode-ai/conductor/internal/backend"
	"github.com/opencode-ai/conductor/internal/config"
	"github.com/opencode-ai/conductor/internal/logging"
)

var (
	servePort       int
	serveHostname   string
	serveDir        string
	serveEcho       bool
	serveEchoScript string
	serveNoWatch    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conductor HTTP server",
	Long: `Start the conductor and expose sessions over an HTTP API with a
server-sent event stream at /event.

With --echo, turns are answered by a local scripted backend instead of an
external agent process. This is useful for UI development and demos.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config, 4300)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (default from config, 127.0.0.1)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Project directory for configuration")
	serveCmd.Flags().BoolVar(&serveEcho, "echo", false, "Answer turns with the scripted echo backend")
	serveCmd.Flags().StringVar(&serveEchoScript, "echo-script", "", "YAML reply script for the echo backend")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload settings when config files change")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if logLevel == "" && cfg.LogLevel != "" {
		logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	}
	if servePort != 0 || serveHostname != "" {
		if cfg.Server == nil {
			cfg.Server = &config.ServerConfig{}
		}
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if serveHostname != "" {
			cfg.Server.Hostname = serveHostname
		}
	}

	opts := app.Options{
		Config:      cfg,
		Directory:   workDir,
		StoragePath: paths.StoragePath(),
		Echo:        serveEcho || serveEchoScript != "",
		WatchConfig: !serveNoWatch,
	}
	if serveEchoScript != "" {
		script, err := backend.LoadScript(serveEchoScript)
		if err != nil {
			return err
		}
		opts.EchoScript = script
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	if err := a.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := a.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	host, port := cfg.Addr()
	fmt.Fprintf(cmd.OutOrStdout(), "conductor %s listening on http://%s:%d\n", Version, host, port)
	logging.Info().
		Str("directory", workDir).
		Strs("configFiles", cfg.Files()).
		Msg("Server listening")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server: %w", err)
	case err := <-a.Errors():
		return err
	}

	logging.Info().Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Server shutdown error")
	}
	return nil
}
