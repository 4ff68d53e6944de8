// Package commands provides the CLI commands for the conductor.
package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/conductor/internal/config"
	"github.com/opencode-ai/conductor/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	envFile   string
)

// logFile is the open log file when logs are not printed to stderr.
var logFile *os.File

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - session coordinator for coding agents",
	Long: `Conductor tracks the lifecycle of agent sessions: it routes streaming
agent events to their sessions, queues messages typed while a turn runs,
and reconciles optimistic UI state with persisted history.

Run 'conductor serve' to start the HTTP API.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before configuration")

	rootCmd.SetVersionTemplate(fmt.Sprintf("conductor %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// setup loads the env file and initializes logging for every command.
func setup(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		// A missing env file is normal.
		_ = godotenv.Load(envFile)
	}

	level := logLevel
	if level == "" {
		level = os.Getenv("CONDUCTOR_LOG_LEVEL")
	}

	var out io.Writer = os.Stderr
	if !printLogs {
		paths := config.GetPaths()
		if err := paths.EnsurePaths(); err != nil {
			return err
		}
		f, err := os.OpenFile(paths.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		out = f
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(level),
		Output: out,
		Pretty: printLogs,
	})
	return nil
}

// Execute runs the root command.
func Execute() error {
	defer func() {
		if logFile != nil {
			logFile.Close()
		}
	}()
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return filepath.Abs(dir)
	}
	return os.Getwd()
}
