// Package commands provides the CLI commands for rmcp.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rmcp-dev/rmcp/internal/config"
	"github.com/rmcp-dev/rmcp/internal/logging"
	"github.com/rmcp-dev/rmcp/pkg/types"
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
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "rmcp",
	Short: "rmcp - statistical analysis over the Model Context Protocol",
	Long: `rmcp exposes R-based statistical analysis to AI assistants through the
Model Context Protocol.

Run 'rmcp serve' to start the server on stdio (the default) or HTTP, and
'rmcp tools' to list the available tools.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is normal.
		_ = godotenv.Load()
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print human-readable logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "C", "", "Working directory (default: current directory)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("rmcp %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(toolsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// loadConfig loads configuration for the working directory and initializes
// logging from it. Flags override the log settings.
func loadConfig() (*types.Config, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	initLogging(cfg)
	logging.Debug().Str("directory", dir).Msg("Configuration loaded")
	return cfg, nil
}

func initLogging(cfg *types.Config) {
	logCfg := logging.DefaultConfig()
	if cfg.Log != nil {
		logCfg.Level = logging.ParseLevel(cfg.Log.Level)
		logCfg.Pretty = cfg.Log.Pretty
		if cfg.Log.File {
			logCfg.LogToFile = true
			logCfg.LogDir = cfg.Log.Dir
			if logCfg.LogDir == "" {
				logCfg.LogDir = config.GetPaths().LogPath()
			}
		}
	}
	if logLevel != "" {
		logCfg.Level = logging.ParseLevel(logLevel)
	}
	if printLogs {
		logCfg.Pretty = true
	}
	// stdout carries the stdio protocol; logs always go to stderr.
	logCfg.Output = os.Stderr
	logging.Init(logCfg)
}
